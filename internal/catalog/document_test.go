package catalog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleJSON = `{
	"servers": [
		{"public_key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", "endpoint": "198.51.100.1:51820", "ipv4": ["10.1.2.0/24"]}
	],
	"road_warriors": [
		{"public_key": "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", "base": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", "ipv4": ["10.2.5.44/32"]}
	],
	"next": {
		"update_at": "2033-05-18T03:33:20Z",
		"servers": [
			{"public_key": "AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", "endpoint": "198.51.100.2:51820"}
		]
	}
}`

func TestParseAndActive(t *testing.T) {
	doc, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if len(doc.Servers) != 1 || len(doc.RoadWarriors) != 1 {
		t.Fatalf("unexpected shape: %+v", doc)
	}
	before := time.Date(2033, 5, 18, 3, 33, 19, 0, time.UTC)
	active := doc.Active(before)
	if active != doc {
		t.Fatalf("expected outer document active before switchover")
	}
	at := time.Date(2033, 5, 18, 3, 33, 20, 0, time.UTC)
	active = doc.Active(at)
	if active == doc || len(active.Servers) != 1 || active.Servers[0].Endpoint != "198.51.100.2:51820" {
		t.Fatalf("expected successor active at update_at, got %+v", active)
	}
}

func TestParseRejectsDuplicateKeys(t *testing.T) {
	data := `{"servers": [
		{"public_key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", "endpoint": "198.51.100.1:51820"},
		{"public_key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", "endpoint": "198.51.100.2:51820"}
	]}`
	if _, err := Parse([]byte(data)); err == nil {
		t.Fatal("expected duplicate key rejection")
	}
}

func TestParseRejectsRoadWarriorBaseRoadWarrior(t *testing.T) {
	data := `{"road_warriors": [
		{"public_key": "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", "base": "AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="},
		{"public_key": "AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", "base": "AwAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}
	]}`
	if _, err := Parse([]byte(data)); err == nil {
		t.Fatal("expected rejection of road-warrior-based-on-road-warrior")
	}
}

func TestParseRejectsTooDeepNextChain(t *testing.T) {
	// Build a chain of 19 nested "next" objects; should exceed maxNextDepth.
	inner := `{"update_at": "2020-01-01T00:00:00Z"}`
	for i := 0; i < 18; i++ {
		inner = `{"update_at": "2020-01-01T00:00:00Z", "next": ` + inner + `}`
	}
	doc := `{"next": ` + inner + `}`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected rejection of excessively deep next chain")
	}
}

func TestRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	doc2, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %s", err)
	}
	if diff := cmp.Diff(doc, doc2); diff != "" {
		t.Fatalf("round-trip mismatch:\n%s", diff)
	}
}
