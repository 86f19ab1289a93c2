package protocol_test

import (
	"encoding/json"
	"testing"

	"worldsync.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(typ, raw string) {
		t.Helper()
		if err := protocol.Validate(typ, []byte(raw)); err != nil {
			t.Fatalf("validate %s: %v", typ, err)
		}
	}

	validate(protocol.TypeHello, `{
	  "type":"HELLO",
	  "protocol_version":"1.0",
	  "peer_id":"p1",
	  "role":"peer",
	  "capabilities":{"zstd":true,"max_queue":8}
	}`)

	validate(protocol.TypeUpdate, `{
	  "type":"UPDATE",
	  "protocol_version":"1.0",
	  "tick":12,
	  "sender_id":"server",
	  "update":{
	    "entities":[{"id":"e1","kind":"npc","age":3,"traits":[{"type":"position","data":{"x":1,"y":2}}]}],
	    "worldEvents":[{"type":"weather","data":{"kind":"RAIN"}}],
	    "shortEntities":["e2"],
	    "pins":["e1"],
	    "unpins":["e3"]
	  }
	}`)

	validate(protocol.TypeUpdate, `{"type":"UPDATE","protocol_version":"1.0","tick":0,"sender_id":"s","update":{}}`)

	// No schema registered for RESYNC.
	validate(protocol.TypeResync, `{"type":"RESYNC"}`)
}

func TestSchemas_RejectsMalformedUpdate(t *testing.T) {
	bad := []string{
		`{"type":"UPDATE","protocol_version":"1.0","tick":1,"sender_id":"s","update":{"entities":{"id":"e1"}}}`,
		`{"type":"UPDATE","protocol_version":"1.0","tick":1,"sender_id":"s","update":{"shortEntities":[7]}}`,
		`{"type":"UPDATE","protocol_version":"1.0","tick":1,"sender_id":"s","update":[]}`,
		`{"type":"UPDATE","protocol_version":"1.0","tick":-1,"sender_id":"s","update":{}}`,
		`{"type":"UPDATE","protocol_version":"1.0","tick":1,"update":{}}`,
	}
	for _, raw := range bad {
		if err := protocol.ValidateUpdate([]byte(raw)); err == nil {
			t.Fatalf("expected rejection: %s", raw)
		}
	}
}

// Bad items are the applier's business; only the frame shape is checked here.
func TestSchemas_AcceptsBadItemsInWellFormedUpdate(t *testing.T) {
	ok := []string{
		`{"type":"UPDATE","protocol_version":"1.0","tick":1,"sender_id":"s","update":{"entities":[{"id":"good","age":1},{"kind":"no-id"}],"worldEvents":[3],"pins":["p"]}}`,
		`{"type":"UPDATE","protocol_version":"1.0","tick":1,"sender_id":"s","update":{"shortEntities":[""]}}`,
		`{"type":"UPDATE","protocol_version":"1.0","tick":1,"sender_id":"s","update":{"removed":["e1"]}}`,
	}
	for _, raw := range ok {
		if err := protocol.ValidateUpdate([]byte(raw)); err != nil {
			t.Fatalf("unexpected rejection of %s: %v", raw, err)
		}
	}
}

func TestUpdate_OmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(protocol.Update{ShortEntities: []string{"e1"}, Pins: []string{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"shortEntities":["e1"]}`; got != want {
		t.Fatalf("got %s want %s", got, want)
	}
	if !(protocol.Update{}).IsEmpty() {
		t.Fatalf("zero update should be empty")
	}

	msg := protocol.NewUpdateMsg(4, "p1", protocol.Update{Entities: []json.RawMessage{json.RawMessage(`{"id":"e1","age":0}`)}})
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal msg: %v", err)
	}
	if err := protocol.ValidateUpdate(raw); err != nil {
		t.Fatalf("validate: %v", err)
	}
	c := msg.Update.Counts()
	if c.Entities != 1 || c.ShortEntities != 0 {
		t.Fatalf("counts: %+v", c)
	}
}
