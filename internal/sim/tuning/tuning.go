package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"worldsync.ai/internal/netsync"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	// MaxSenders bounds the applier's per-sender removal memory.
	MaxSenders int `yaml:"max_senders"`
	// MaxQueue is the per-link outbound frame buffer.
	MaxQueue int  `yaml:"max_queue"`
	Compress bool `yaml:"compress"`
	// CompactCodec sends registry codes instead of type names.
	CompactCodec bool `yaml:"compact_codec"`

	DefaultUpdateInterval uint64            `yaml:"default_update_interval"`
	UpdateIntervals       map[string]uint64 `yaml:"update_intervals"`

	Roles Roles `yaml:"roles"`
}

type Roles struct {
	Server Role `yaml:"server"`
	Peer   Role `yaml:"peer"`
}

// Role is one side's authority table.
type Role struct {
	DefaultEntity  netsync.AuthorityType            `yaml:"default_entity"`
	DefaultEvent   netsync.AuthorityType            `yaml:"default_event"`
	Owned          *netsync.AuthorityType           `yaml:"owned"`
	Foreign        *netsync.AuthorityType           `yaml:"foreign"`
	Entities       map[string]netsync.AuthorityType `yaml:"entities"`
	Events         map[string]netsync.AuthorityType `yaml:"events"`
	RemovalByOwner bool                             `yaml:"removal_by_owner"`
}

func Defaults() Tuning {
	owned, foreign := netsync.Full, netsync.Forward
	return Tuning{
		ProtocolVersion:       "1.0",
		TickRateHz:            10,
		SnapshotEveryTicks:    600,
		MaxSenders:            netsync.DefaultMaxSenders,
		MaxQueue:              64,
		Compress:              true,
		DefaultUpdateInterval: 20,
		Roles: Roles{
			// The server is canonical for everything except peer-owned entities,
			// which it relays onward.
			Server: Role{
				DefaultEntity:  netsync.Full,
				DefaultEvent:   netsync.Full,
				Owned:          &owned,
				Foreign:        &foreign,
				RemovalByOwner: true,
			},
			Peer: Role{
				DefaultEntity: netsync.None,
				DefaultEvent:  netsync.None,
				Owned:         &owned,
			},
		},
	}
}

// Load reads path over Defaults, so a partial file only overrides what it sets.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be > 0 (got %d)", t.TickRateHz)
	}
	if t.MaxQueue <= 0 {
		return fmt.Errorf("max_queue must be > 0 (got %d)", t.MaxQueue)
	}
	if t.MaxSenders <= 0 {
		return fmt.Errorf("max_senders must be > 0 (got %d)", t.MaxSenders)
	}
	if t.SnapshotEveryTicks < 0 {
		return fmt.Errorf("snapshot_every_ticks must be >= 0 (got %d)", t.SnapshotEveryTicks)
	}
	return nil
}

// Authority builds the policy for role ("server" or "peer") as seen by self.
func (t Tuning) Authority(role, self string) (*netsync.Table, error) {
	var r Role
	switch role {
	case "server":
		r = t.Roles.Server
	case "peer":
		r = t.Roles.Peer
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	return netsync.NewTable(netsync.TableConfig{
		Self:            self,
		Owned:           r.Owned,
		Foreign:         r.Foreign,
		DefaultEntity:   r.DefaultEntity,
		DefaultEvent:    r.DefaultEvent,
		Entities:        r.Entities,
		Events:          r.Events,
		DefaultInterval: t.DefaultUpdateInterval,
		Intervals:       t.UpdateIntervals,
		RemovalByOwner:  r.RemovalByOwner,
	}), nil
}
