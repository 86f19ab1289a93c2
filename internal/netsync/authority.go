// Package netsync decides, per peer, which entities and world events to
// transmit and which incoming state to accept, and turns that into sparse
// update records (Generator) and world mutations (Applier).
package netsync

import (
	"fmt"
	"strings"

	"worldsync.ai/internal/sim/world"
)

// AuthorityType classifies ownership of an item relative to the asking peer.
type AuthorityType int

const (
	// None: not owned here. Entities are never transmitted and incoming state
	// is accepted; events are applied when received.
	None AuthorityType = iota
	// Local: owned here but private. Never transmitted, never overwritten.
	Local
	// Full: this peer is canonical. Transmitted; incoming copies are ignored.
	Full
	// Forward: relayed. Transmitted onward and incoming copies overwrite.
	Forward
)

func (a AuthorityType) String() string {
	switch a {
	case None:
		return "NONE"
	case Local:
		return "LOCAL"
	case Full:
		return "FULL"
	case Forward:
		return "FORWARD"
	default:
		return fmt.Sprintf("AuthorityType(%d)", int(a))
	}
}

// Transmits reports whether a generator must send items of this class.
func (a AuthorityType) Transmits() bool { return a == Full || a == Forward }

// Accepts reports whether an applier overwrites local entity state with
// incoming copies of this class.
func (a AuthorityType) Accepts() bool { return a == None || a == Forward }

func ParseAuthorityType(s string) (AuthorityType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return None, nil
	case "LOCAL":
		return Local, nil
	case "FULL":
		return Full, nil
	case "FORWARD":
		return Forward, nil
	}
	return None, fmt.Errorf("unknown authority type %q", s)
}

func (a AuthorityType) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *AuthorityType) UnmarshalText(b []byte) error {
	v, err := ParseAuthorityType(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Authority is a per-peer ownership policy. Queries must be pure and must
// answer the same way for the same item within one generate or apply pass.
type Authority interface {
	EntityAuthority(e *world.Entity) AuthorityType
	WorldEventAuthority(ev world.Event) AuthorityType
	// MaxUpdateInterval is the number of age units an unchanged entity may go
	// without a full resend. Zero sends the full state on every update.
	MaxUpdateInterval(e *world.Entity) uint64
	// DeterminesRemoval reports whether senderID may remove e by omitting it.
	DeterminesRemoval(e *world.Entity, senderID string) bool
}
