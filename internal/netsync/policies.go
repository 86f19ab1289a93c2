package netsync

import "worldsync.ai/internal/sim/world"

// Static answers the same for every entity and event.
type Static struct {
	Entity   AuthorityType
	Event    AuthorityType
	Interval uint64
}

var _ Authority = Static{}

func FullAuthority() Static  { return Static{Entity: Full, Event: Full} }
func LocalAuthority() Static { return Static{Entity: Local, Event: Local} }
func NoneAuthority() Static  { return Static{Entity: None, Event: None} }

func (s Static) EntityAuthority(*world.Entity) AuthorityType   { return s.Entity }
func (s Static) WorldEventAuthority(world.Event) AuthorityType { return s.Event }
func (s Static) MaxUpdateInterval(*world.Entity) uint64        { return s.Interval }
func (s Static) DeterminesRemoval(*world.Entity, string) bool  { return true }

// TableConfig configures a Table policy.
type TableConfig struct {
	// Self is this peer's id. When Owned is set, entities whose Owner equals
	// Self classify as *Owned regardless of kind; Foreign does the same for
	// entities owned by any other peer.
	Self    string
	Owned   *AuthorityType
	Foreign *AuthorityType

	DefaultEntity AuthorityType
	DefaultEvent  AuthorityType
	Entities      map[string]AuthorityType // by entity kind
	Events        map[string]AuthorityType // by event type

	DefaultInterval uint64
	Intervals       map[string]uint64 // by entity kind

	// RemovalByOwner restricts removal-by-omission to the entity's owner.
	// Entities without an owner may be removed by any sender.
	RemovalByOwner bool
}

// Table is a kind-driven policy, typically built from tuning.
type Table struct {
	cfg TableConfig
}

var _ Authority = (*Table)(nil)

func NewTable(cfg TableConfig) *Table {
	return &Table{cfg: cfg}
}

func (t *Table) EntityAuthority(e *world.Entity) AuthorityType {
	if e == nil {
		return None
	}
	if e.Owner != "" {
		if e.Owner == t.cfg.Self && t.cfg.Owned != nil {
			return *t.cfg.Owned
		}
		if e.Owner != t.cfg.Self && t.cfg.Foreign != nil {
			return *t.cfg.Foreign
		}
	}
	if a, ok := t.cfg.Entities[e.Kind]; ok {
		return a
	}
	return t.cfg.DefaultEntity
}

func (t *Table) WorldEventAuthority(ev world.Event) AuthorityType {
	if ev == nil {
		return None
	}
	if a, ok := t.cfg.Events[ev.EventType()]; ok {
		return a
	}
	return t.cfg.DefaultEvent
}

func (t *Table) MaxUpdateInterval(e *world.Entity) uint64 {
	if e != nil {
		if n, ok := t.cfg.Intervals[e.Kind]; ok {
			return n
		}
	}
	return t.cfg.DefaultInterval
}

func (t *Table) DeterminesRemoval(e *world.Entity, senderID string) bool {
	if !t.cfg.RemovalByOwner || e == nil || e.Owner == "" {
		return true
	}
	return e.Owner == senderID
}
