package merge

import (
	"testing"

	"github.com/shoreline-systems/wgreconcile/internal/catalog"
	"github.com/shoreline-systems/wgreconcile/internal/config"
	"github.com/shoreline-systems/wgreconcile/internal/ipset"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
)

func key(b byte) wgconf.Key {
	var k wgconf.Key
	k[0] = b
	return k
}

func cidrs(strs ...string) ipset.Set {
	s := ipset.NewSet()
	for _, str := range strs {
		s.Add(ipset.MustParse(str))
	}
	return s
}

func srcConfig(name string, allowRW bool, auth ...string) config.Source {
	return config.Source{
		Name:              name,
		AllowRoadWarriors: allowRW,
		Authorization:     cidrs(auth...),
	}
}

func TestFirstWriterEndpoint(t *testing.T) {
	docA := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: key(1), Endpoint: "10.0.0.1:1", AllowedIPs: cidrs("10.1.2.0/24")},
	}}
	docB := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: key(1), Endpoint: "10.0.0.2:2", AllowedIPs: cidrs("10.1.2.0/24")},
	}}
	in := Input{
		Sources: []config.Source{srcConfig("A", true, "10.1.2.0/24"), srcConfig("B", true, "10.1.2.0/24")},
		Active:  map[string]*catalog.Document{"A": docA, "B": docB},
	}
	table := Merge(in)
	if len(table.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(table.Peers))
	}
	p := table.Peers[0]
	if p.Endpoint != "10.0.0.1:1" {
		t.Fatalf("expected endpoint from A, got %s", p.Endpoint)
	}
	if p.AllowedIPs.Len() != 1 {
		t.Fatalf("expected 1 allowed IP, got %d", p.AllowedIPs.Len())
	}
}

func TestUnionOfAllowedIPs(t *testing.T) {
	docA := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: key(1), Endpoint: "10.0.0.1:1", AllowedIPs: cidrs("10.1.2.0/24")},
	}}
	docB := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: key(1), Endpoint: "10.0.0.2:2", AllowedIPs: cidrs("10.1.3.0/24")},
	}}
	in := Input{
		Sources: []config.Source{srcConfig("A", true, "10.1.2.0/24"), srcConfig("B", true, "10.1.3.0/24")},
		Active:  map[string]*catalog.Document{"A": docA, "B": docB},
	}
	table := Merge(in)
	if len(table.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(table.Peers))
	}
	p := table.Peers[0]
	if p.Endpoint != "10.0.0.1:1" {
		t.Fatalf("expected endpoint from A, got %s", p.Endpoint)
	}
	if p.AllowedIPs.Len() != 2 {
		t.Fatalf("expected 2 allowed IPs, got %d: %v", p.AllowedIPs.Len(), p.AllowedIPs.All())
	}
}

func TestAuthorizationFilter(t *testing.T) {
	docA := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: key(1), Endpoint: "10.0.0.1:1", AllowedIPs: cidrs("0.0.0.0/0")},
	}}
	in := Input{
		Sources: []config.Source{srcConfig("A", true, "10.0.0.0/8")},
		Active:  map[string]*catalog.Document{"A": docA},
	}
	table := Merge(in)
	if len(table.Peers) != 0 {
		t.Fatalf("expected K to be absent (no IPs survived filter and no other source), got %+v", table.Peers)
	}
}

func TestRoadWarriorOnBase(t *testing.T) {
	base := key(0xB0)
	rwKey := key(0xF0)
	doc := &catalog.Document{
		Servers:      []catalog.Server{{PublicKey: base, Endpoint: "198.51.100.66:656", AllowedIPs: cidrs("10.2.0.0/16")}},
		RoadWarriors: []catalog.RoadWarrior{{PublicKey: rwKey, Base: base, AllowedIPs: cidrs("10.2.5.44/32")}},
	}
	in := Input{
		Sources:              []config.Source{srcConfig("S", true, "10.2.0.0/16")},
		Active:               map[string]*catalog.Document{"S": doc},
		ThisMachinePublicKey: base,
	}
	table := Merge(in)
	// base itself is never its own peer.
	if _, ok := table.Get(base); ok {
		t.Fatalf("base should not appear as its own peer")
	}
	rw, ok := table.Get(rwKey)
	if !ok {
		t.Fatalf("expected road warrior as a peer")
	}
	if rw.Endpoint != "" || rw.Keepalive != 0 {
		t.Fatalf("road warrior must have no endpoint/keepalive: %+v", rw)
	}
	if rw.AllowedIPs.Len() != 1 {
		t.Fatalf("expected 1 allowed IP on road warrior, got %d", rw.AllowedIPs.Len())
	}
}

func TestRoadWarriorNotOnBase(t *testing.T) {
	base := key(0xB0)
	rwKey := key(0xF0)
	other := key(0xAA) // this machine is not the base
	doc := &catalog.Document{
		Servers:      []catalog.Server{{PublicKey: base, Endpoint: "198.51.100.66:656", AllowedIPs: cidrs("10.2.0.0/16")}},
		RoadWarriors: []catalog.RoadWarrior{{PublicKey: rwKey, Base: base, AllowedIPs: cidrs("10.2.5.44/32")}},
	}
	in := Input{
		Sources:              []config.Source{srcConfig("S", true, "10.2.0.0/16")},
		Active:               map[string]*catalog.Document{"S": doc},
		ThisMachinePublicKey: other,
	}
	table := Merge(in)
	if _, ok := table.Get(rwKey); ok {
		t.Fatalf("road warrior should be absent when this machine is not its base")
	}
	basePeer, ok := table.Get(base)
	if !ok {
		t.Fatalf("expected base as a peer")
	}
	if basePeer.AllowedIPs.Len() != 2 {
		t.Fatalf("expected base to gain road warrior's IP, got %d", basePeer.AllowedIPs.Len())
	}
}

func TestOverridePinsSource(t *testing.T) {
	k := key(1)
	docRemote1 := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: k, Endpoint: "10.0.0.1:1", AllowedIPs: cidrs("10.1.2.0/24")},
	}}
	docRemote2 := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: k, Endpoint: "10.0.0.2:2", AllowedIPs: cidrs("10.1.2.0/24")},
	}}
	in := Input{
		Sources: []config.Source{srcConfig("remote1", true, "10.1.2.0/24"), srcConfig("remote2", true, "10.1.2.0/24")},
		Active:  map[string]*catalog.Document{"remote1": docRemote1, "remote2": docRemote2},
		Overrides: map[wgconf.Key]config.Override{
			k: {PublicKey: k, Source: "remote2"},
		},
	}
	table := Merge(in)
	p, ok := table.Get(k)
	if !ok {
		t.Fatalf("expected K present (from remote2)")
	}
	if p.Endpoint != "10.0.0.2:2" {
		t.Fatalf("expected endpoint from remote2, got %s", p.Endpoint)
	}
}

func TestOverridePinsSourceButRoadWarriorsStillContribute(t *testing.T) {
	k := key(1)
	rwKey := key(2)
	docRemote1 := &catalog.Document{
		Servers:      []catalog.Server{{PublicKey: k, Endpoint: "10.0.0.1:1", AllowedIPs: cidrs("10.1.2.0/24")}},
		RoadWarriors: []catalog.RoadWarrior{{PublicKey: rwKey, Base: k, AllowedIPs: cidrs("10.1.2.55/32")}},
	}
	docRemote2 := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: k, Endpoint: "10.0.0.2:2", AllowedIPs: cidrs("10.1.2.0/24")},
	}}
	in := Input{
		Sources: []config.Source{srcConfig("remote1", true, "10.1.2.0/24"), srcConfig("remote2", true, "10.1.2.0/24")},
		Active:  map[string]*catalog.Document{"remote1": docRemote1, "remote2": docRemote2},
		Overrides: map[wgconf.Key]config.Override{
			k: {PublicKey: k, Source: "remote2"},
		},
	}
	table := Merge(in)
	p, ok := table.Get(k)
	if !ok {
		t.Fatalf("expected K present (from remote2)")
	}
	if p.Endpoint != "10.0.0.2:2" {
		t.Fatalf("expected endpoint from remote2, got %s", p.Endpoint)
	}
	if p.AllowedIPs.Len() != 2 {
		t.Fatalf("expected remote1's road warrior IP to still be unioned in, got %d", p.AllowedIPs.Len())
	}
	if _, ok := table.Get(rwKey); ok {
		t.Fatalf("road warrior should not appear as its own peer when this machine is not the base")
	}
}

func TestKeepaliveClamping(t *testing.T) {
	k := key(1)
	ka := 5
	doc := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: k, Endpoint: "10.0.0.1:1", Keepalive: &ka, AllowedIPs: cidrs("10.1.2.0/24")},
	}}
	in := Input{
		Sources: []config.Source{srcConfig("A", true, "10.1.2.0/24")},
		Active:  map[string]*catalog.Document{"A": doc},
		Global:  config.Global{MinKeepalive: 10, MaxKeepalive: 0},
	}
	table := Merge(in)
	p, _ := table.Get(k)
	if p.Keepalive != 10 {
		t.Fatalf("expected clamp up to min 10, got %d", p.Keepalive)
	}

	zero := 0
	doc.Servers[0].Keepalive = &zero
	table = Merge(in)
	p, _ = table.Get(k)
	if p.Keepalive != 0 {
		t.Fatalf("expected 0 (disabled) to never be clamped, got %d", p.Keepalive)
	}
}

func TestIdempotence(t *testing.T) {
	docA := &catalog.Document{Servers: []catalog.Server{
		{PublicKey: key(1), Endpoint: "10.0.0.1:1", AllowedIPs: cidrs("10.1.2.0/24")},
	}}
	in := Input{
		Sources: []config.Source{srcConfig("A", true, "10.1.2.0/24")},
		Active:  map[string]*catalog.Document{"A": docA},
	}
	t1 := Merge(in)
	t2 := Merge(in)
	if len(t1.Peers) != len(t2.Peers) {
		t.Fatalf("non-idempotent merge")
	}
	for i := range t1.Peers {
		if t1.Peers[i].PublicKey != t2.Peers[i].PublicKey || t1.Peers[i].Endpoint != t2.Peers[i].Endpoint {
			t.Fatalf("non-idempotent merge at %d", i)
		}
	}
}
