package devicesink

import (
	"sort"

	"github.com/shoreline-systems/wgreconcile/internal/merge"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
)

// Plan is the deterministic operation order of spec.md §4.F: removes first,
// then adds sorted by key, then updates sorted by key.
type Plan struct {
	Removes []wgconf.Key
	Adds    []merge.TargetPeer
	Updates []merge.TargetPeer
}

// Diff compares the previously applied table against the newly merged
// target table and returns the operations needed to reconcile the device.
// Allowed-IPs on an update are replaced wholesale, never unioned.
func Diff(prev, next merge.Table) Plan {
	prevByKey := make(map[wgconf.Key]merge.TargetPeer, len(prev.Peers))
	for _, p := range prev.Peers {
		prevByKey[p.PublicKey] = p
	}
	nextByKey := make(map[wgconf.Key]merge.TargetPeer, len(next.Peers))
	for _, p := range next.Peers {
		nextByKey[p.PublicKey] = p
	}

	var plan Plan
	for key := range prevByKey {
		if _, ok := nextByKey[key]; !ok {
			plan.Removes = append(plan.Removes, key)
		}
	}
	sort.Slice(plan.Removes, func(i, j int) bool { return keyLess(plan.Removes[i], plan.Removes[j]) })

	for _, p := range next.Peers {
		old, existed := prevByKey[p.PublicKey]
		switch {
		case !existed:
			plan.Adds = append(plan.Adds, p)
		case !peerEqual(old, p):
			plan.Updates = append(plan.Updates, p)
		}
	}
	sort.Slice(plan.Adds, func(i, j int) bool { return keyLess(plan.Adds[i].PublicKey, plan.Adds[j].PublicKey) })
	sort.Slice(plan.Updates, func(i, j int) bool { return keyLess(plan.Updates[i].PublicKey, plan.Updates[j].PublicKey) })
	return plan
}

func keyLess(a, b wgconf.Key) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func peerEqual(a, b merge.TargetPeer) bool {
	if a.Endpoint != b.Endpoint || a.Keepalive != b.Keepalive {
		return false
	}
	if (a.PSK == nil) != (b.PSK == nil) {
		return false
	}
	if a.PSK != nil && *a.PSK != *b.PSK {
		return false
	}
	return a.AllowedIPs.Equal(b.AllowedIPs)
}

// Empty reports whether a plan has no operations.
func (p Plan) Empty() bool {
	return len(p.Removes) == 0 && len(p.Adds) == 0 && len(p.Updates) == 0
}
