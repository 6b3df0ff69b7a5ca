package devicesink

import (
	"testing"

	"github.com/shoreline-systems/wgreconcile/internal/ipset"
	"github.com/shoreline-systems/wgreconcile/internal/merge"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
)

func key(b byte) wgconf.Key {
	var k wgconf.Key
	k[0] = b
	return k
}

func set(strs ...string) ipset.Set {
	s := ipset.NewSet()
	for _, str := range strs {
		s.Add(ipset.MustParse(str))
	}
	return s
}

func TestDiffAddUpdateRemove(t *testing.T) {
	prev := merge.Table{Peers: []merge.TargetPeer{
		{PublicKey: key(1), Endpoint: "10.0.0.1:1", AllowedIPs: set("10.1.0.0/24")},
		{PublicKey: key(2), Endpoint: "10.0.0.2:2", AllowedIPs: set("10.2.0.0/24")},
	}}
	next := merge.Table{Peers: []merge.TargetPeer{
		{PublicKey: key(1), Endpoint: "10.0.0.1:1", AllowedIPs: set("10.1.0.0/24", "10.1.1.0/24")},
		{PublicKey: key(3), Endpoint: "10.0.0.3:3", AllowedIPs: set("10.3.0.0/24")},
	}}
	plan := Diff(prev, next)
	if len(plan.Removes) != 1 || plan.Removes[0] != key(2) {
		t.Fatalf("expected remove of key 2, got %+v", plan.Removes)
	}
	if len(plan.Adds) != 1 || plan.Adds[0].PublicKey != key(3) {
		t.Fatalf("expected add of key 3, got %+v", plan.Adds)
	}
	if len(plan.Updates) != 1 || plan.Updates[0].PublicKey != key(1) {
		t.Fatalf("expected update of key 1, got %+v", plan.Updates)
	}
}

func TestDiffNoChangeIsEmpty(t *testing.T) {
	table := merge.Table{Peers: []merge.TargetPeer{
		{PublicKey: key(1), Endpoint: "10.0.0.1:1", AllowedIPs: set("10.1.0.0/24")},
	}}
	plan := Diff(table, table)
	if !plan.Empty() {
		t.Fatalf("expected no-op plan, got %+v", plan)
	}
}

func TestDiffUpdateOnKeepaliveChange(t *testing.T) {
	prev := merge.Table{Peers: []merge.TargetPeer{
		{PublicKey: key(1), Endpoint: "10.0.0.1:1", Keepalive: 25, AllowedIPs: set("10.1.0.0/24")},
	}}
	next := merge.Table{Peers: []merge.TargetPeer{
		{PublicKey: key(1), Endpoint: "10.0.0.1:1", Keepalive: 30, AllowedIPs: set("10.1.0.0/24")},
	}}
	plan := Diff(prev, next)
	if len(plan.Updates) != 1 {
		t.Fatalf("expected 1 update, got %+v", plan.Updates)
	}
}
