// Package merge implements the five-phase merge described in spec.md §4.D:
// filter each source's claims by its authorization set, resolve first-writer
// ownership across sources, rewrite road warriors onto their base peer (or
// onto this machine's own interface), apply overrides and keepalive clamps,
// and canonicalize the result into a target peer table.
package merge

import (
	"sort"

	"github.com/shoreline-systems/wgreconcile/internal/catalog"
	"github.com/shoreline-systems/wgreconcile/internal/config"
	"github.com/shoreline-systems/wgreconcile/internal/ipset"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
)

// TargetPeer is the engine's output unit — one row of the target table.
type TargetPeer struct {
	PublicKey  wgconf.Key
	Endpoint   string
	PSK        *wgconf.PresharedKey
	Keepalive  int // seconds; 0 means disabled
	AllowedIPs ipset.Set
}

// Table is the canonicalized target peer table: sorted by public key.
type Table struct {
	Peers []TargetPeer
}

func (t Table) Get(key wgconf.Key) (TargetPeer, bool) {
	i := sort.Search(len(t.Peers), func(i int) bool { return !keyLess(t.Peers[i].PublicKey, key) })
	if i < len(t.Peers) && t.Peers[i].PublicKey == key {
		return t.Peers[i], true
	}
	return TargetPeer{}, false
}

func keyLess(a, b wgconf.Key) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// record is the phase-2/3 working entry for one public key before overrides
// and clamping are applied.
type record struct {
	key           wgconf.Key
	firstwriter   string // name of the source that first defined this key
	endpoint      string
	psk           *wgconf.PresharedKey
	keepalive     *int // nil means "unset", distinguishing from explicit 0
	allowedIPs    ipset.Set
	isRoadWarrior bool
}

// Input bundles everything the merge needs for one cycle.
type Input struct {
	Sources   []config.Source             // in config order
	Active    map[string]*catalog.Document // source name -> currently active document
	Overrides map[wgconf.Key]config.Override
	Global    config.Global
	// ThisMachinePublicKey, if non-zero, identifies which server public key
	// (if any) is this interface's own base, for road-warrior rewriting
	// (spec.md §4.D phase 3 / scenario 4). When zero, no road warrior is
	// ever treated as "based here" and all road-warrior IPs fold into their
	// base's allowed-IP set instead.
	ThisMachinePublicKey wgconf.Key
}

// filteredServer/filteredRoadWarrior are phase-1 outputs: the same shape as
// the catalog types, but with allowed-IPs already intersected with the
// owning source's authorization set.
type filteredServer struct {
	source     string
	server     catalog.Server
	allowedIPs ipset.Set
}

type filteredRoadWarrior struct {
	source     string
	rw         catalog.RoadWarrior
	allowedIPs ipset.Set
}

// Merge runs phases 1-5 of spec.md §4.D and returns the canonical target table.
func Merge(in Input) Table {
	servers, roadWarriors := filterSources(in)
	records := firstWriterWins(servers, in.Overrides)
	applyRoadWarriors(records, roadWarriors, in)
	// A server's own catalog entry is never its own peer.
	if in.ThisMachinePublicKey != (wgconf.Key{}) {
		delete(records, in.ThisMachinePublicKey)
	}
	peers := finalize(records, in.Overrides, in.Global)
	return canonicalize(peers)
}

// phase 1: filter per source.
func filterSources(in Input) ([]filteredServer, []filteredRoadWarrior) {
	var servers []filteredServer
	var roadWarriors []filteredRoadWarrior
	for _, src := range in.Sources {
		doc, ok := in.Active[src.Name]
		if !ok || doc == nil {
			continue
		}
		for _, sv := range doc.Servers {
			if ov, ok := in.Overrides[sv.PublicKey]; ok && ov.Source != "" && ov.Source != src.Name {
				// pinned to a different source: this source's claim is
				// suppressed entirely (phase 2 note / spec.md §8 scenario 6).
				continue
			}
			filtered := intersect(sv.AllowedIPs, src.Authorization)
			servers = append(servers, filteredServer{source: src.Name, server: sv, allowedIPs: filtered})
		}
		if !src.AllowRoadWarriors {
			continue
		}
		for _, rw := range doc.RoadWarriors {
			filtered := intersect(rw.AllowedIPs, src.Authorization)
			roadWarriors = append(roadWarriors, filteredRoadWarrior{source: src.Name, rw: rw, allowedIPs: filtered})
		}
	}
	return servers, roadWarriors
}

func intersect(candidate, authorization ipset.Set) ipset.Set {
	out := ipset.NewSet()
	for _, c := range candidate.All() {
		if authorization.Contains(c) {
			out.Add(c)
		}
	}
	return out
}

// phase 2: first-writer-wins for servers, in config order then document order.
func firstWriterWins(servers []filteredServer, overrides map[wgconf.Key]config.Override) map[wgconf.Key]*record {
	records := map[wgconf.Key]*record{}
	for _, fs := range servers {
		key := fs.server.PublicKey
		if r, exists := records[key]; exists {
			r.allowedIPs = r.allowedIPs.Union(fs.allowedIPs)
			continue
		}
		r := &record{
			key:         key,
			firstwriter: fs.source,
			endpoint:    fs.server.Endpoint,
			allowedIPs:  fs.allowedIPs,
		}
		if ov, ok := overrides[key]; ok && ov.PSK != nil {
			r.psk = ov.PSK
		}
		if ov, ok := overrides[key]; ok && ov.Keepalive != nil {
			r.keepalive = ov.Keepalive
		} else {
			r.keepalive = fs.server.Keepalive
		}
		records[key] = r
	}
	return records
}

// phase 3: road warrior rewriting.
func applyRoadWarriors(records map[wgconf.Key]*record, roadWarriors []filteredRoadWarrior, in Input) {
	for _, frw := range roadWarriors {
		base, baseKnown := records[frw.rw.Base]
		basedHere := baseKnown && base.firstwriter == frw.source && in.ThisMachinePublicKey != (wgconf.Key{}) && base.key == in.ThisMachinePublicKey
		if basedHere {
			key := frw.rw.PublicKey
			r := &record{
				key:           key,
				firstwriter:   frw.source,
				allowedIPs:    frw.allowedIPs,
				isRoadWarrior: true,
			}
			if src := lookupSourcePSK(in.Sources, frw.source); src != nil {
				r.psk = src
			}
			if ov, ok := in.Overrides[key]; ok && ov.PSK != nil {
				r.psk = ov.PSK
			}
			records[key] = r
			continue
		}
		if baseKnown {
			base.allowedIPs = base.allowedIPs.Union(frw.allowedIPs)
		}
	}
}

func lookupSourcePSK(sources []config.Source, name string) *wgconf.PresharedKey {
	for _, s := range sources {
		if s.Name == name {
			return s.PSK
		}
	}
	return nil
}

// phase 4: apply overrides and clamp keepalive.
func finalize(records map[wgconf.Key]*record, overrides map[wgconf.Key]config.Override, global config.Global) []TargetPeer {
	peers := make([]TargetPeer, 0, len(records))
	for _, r := range records {
		// A key left with no authorized allowed-IPs is omitted entirely.
		if r.allowedIPs.Len() == 0 {
			continue
		}
		p := TargetPeer{PublicKey: r.key, Endpoint: r.endpoint, PSK: r.psk, AllowedIPs: r.allowedIPs}
		ov, hasOverride := overrides[r.key]
		if hasOverride && ov.Endpoint != "" {
			p.Endpoint = ov.Endpoint
		}
		if hasOverride && ov.PSK != nil {
			p.PSK = ov.PSK
		}
		switch {
		case hasOverride && ov.Keepalive != nil:
			p.Keepalive = *ov.Keepalive
		case r.keepalive != nil:
			p.Keepalive = clampKeepalive(*r.keepalive, global.MinKeepalive, global.MaxKeepalive)
		default:
			p.Keepalive = 0
		}
		peers = append(peers, p)
	}
	return peers
}

// clampKeepalive clamps v to [min, max]; 0 always means "disabled" and is
// never clamped upward, and max==0 means "no upper bound" (spec.md §4.D,
// §8 boundary behaviors, §9 ambiguity resolution).
func clampKeepalive(v, min, max int) int {
	if v == 0 {
		return 0
	}
	if v < min {
		v = min
	}
	if max != 0 && v > max {
		v = max
	}
	return v
}

// phase 5: canonicalize — sort allowed-IPs within each peer and sort peers
// by public key.
func canonicalize(peers []TargetPeer) Table {
	sort.Slice(peers, func(i, j int) bool { return keyLess(peers[i].PublicKey, peers[j].PublicKey) })
	for i := range peers {
		sorted := ipset.NewSet()
		for _, c := range peers[i].AllowedIPs.All() {
			sorted.Add(c)
		}
		peers[i].AllowedIPs = sorted
	}
	return Table{Peers: peers}
}
