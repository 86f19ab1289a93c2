package protocol

import "encoding/json"

// Update is the unit exchanged between peers: full entity snapshots, world
// events, liveness pings and pin/unpin directives. Every field is omitted when
// empty; readers must treat absent and empty the same.
type Update struct {
	Entities      []json.RawMessage `json:"entities,omitempty"`
	WorldEvents   []json.RawMessage `json:"worldEvents,omitempty"`
	ShortEntities []string          `json:"shortEntities,omitempty"`
	Pins          []string          `json:"pins,omitempty"`
	Unpins        []string          `json:"unpins,omitempty"`
}

func (u Update) IsEmpty() bool {
	return len(u.Entities) == 0 && len(u.WorldEvents) == 0 && len(u.ShortEntities) == 0 &&
		len(u.Pins) == 0 && len(u.Unpins) == 0
}

// UpdateCounts summarises an update for logs and the index.
type UpdateCounts struct {
	Entities      int `json:"entities"`
	WorldEvents   int `json:"world_events"`
	ShortEntities int `json:"short_entities"`
	Pins          int `json:"pins"`
	Unpins        int `json:"unpins"`
}

func (u Update) Counts() UpdateCounts {
	return UpdateCounts{
		Entities:      len(u.Entities),
		WorldEvents:   len(u.WorldEvents),
		ShortEntities: len(u.ShortEntities),
		Pins:          len(u.Pins),
		Unpins:        len(u.Unpins),
	}
}
