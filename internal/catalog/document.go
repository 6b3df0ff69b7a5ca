// Package catalog is the typed representation of a remote peer catalog:
// the JSON document fetched per source, its servers and road warriors, and
// the optional scheduled successor document it carries.
package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shoreline-systems/wgreconcile/internal/ipset"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
)

// maxNextDepth bounds recursion through Next chains; documents deeper than
// this are rejected outright (spec.md §4.B).
const maxNextDepth = 16

// Server is a peer with a reachable endpoint.
type Server struct {
	PublicKey  wgconf.Key
	Endpoint   string
	Keepalive  *int // seconds; nil means "use server default handling downstream"
	AllowedIPs ipset.Set
}

// RoadWarrior is a peer that reaches the mesh only through a base server;
// it has no endpoint of its own.
type RoadWarrior struct {
	PublicKey  wgconf.Key
	Base       wgconf.Key
	AllowedIPs ipset.Set
}

// Document is one fetched catalog, with an optional scheduled successor.
type Document struct {
	Servers      []Server
	RoadWarriors []RoadWarrior
	Next         *Document
	NextUpdateAt time.Time // zero if Next == nil
}

// wire types mirror the JSON shape of spec.md §3 exactly; unknown fields are
// ignored by plain json.Unmarshal, as every teacher config does.

type wireServer struct {
	PublicKey wgconf.Key `json:"public_key"`
	Endpoint  string     `json:"endpoint"`
	Keepalive *int       `json:"keepalive,omitempty"`
	IPv4      []string   `json:"ipv4,omitempty"`
	IPv6      []string   `json:"ipv6,omitempty"`
}

type wireRoadWarrior struct {
	PublicKey wgconf.Key `json:"public_key"`
	Base      wgconf.Key `json:"base"`
	IPv4      []string   `json:"ipv4,omitempty"`
	IPv6      []string   `json:"ipv6,omitempty"`
}

type wireDocument struct {
	Servers      []wireServer      `json:"servers,omitempty"`
	RoadWarriors []wireRoadWarrior `json:"road_warriors,omitempty"`
	Next         *wireNext         `json:"next,omitempty"`
}

type wireNext struct {
	UpdateAt     time.Time         `json:"update_at"`
	Servers      []wireServer      `json:"servers,omitempty"`
	RoadWarriors []wireRoadWarrior `json:"road_warriors,omitempty"`
	Next         *wireNext         `json:"next,omitempty"`
}

func buildSet(v4, v6 []string) (ipset.Set, error) {
	s := ipset.NewSet()
	for _, str := range v4 {
		c, err := ipset.Parse(str)
		if err != nil {
			return ipset.Set{}, err
		}
		if c.Family != ipset.V4 {
			return ipset.Set{}, fmt.Errorf("%q is not an IPv4 CIDR", str)
		}
		s.Add(c)
	}
	for _, str := range v6 {
		c, err := ipset.Parse(str)
		if err != nil {
			return ipset.Set{}, err
		}
		if c.Family != ipset.V6 {
			return ipset.Set{}, fmt.Errorf("%q is not an IPv6 CIDR", str)
		}
		s.Add(c)
	}
	return s, nil
}

func convertServers(ws []wireServer) ([]Server, error) {
	out := make([]Server, len(ws))
	seen := map[wgconf.Key]bool{}
	for i, s := range ws {
		if s.PublicKey == (wgconf.Key{}) {
			return nil, fmt.Errorf("server %d: missing public_key", i)
		}
		if s.Endpoint == "" {
			return nil, fmt.Errorf("server %d (%s): missing endpoint", i, s.PublicKey)
		}
		if seen[s.PublicKey] {
			return nil, fmt.Errorf("duplicate public key %s", s.PublicKey)
		}
		seen[s.PublicKey] = true
		allowed, err := buildSet(s.IPv4, s.IPv6)
		if err != nil {
			return nil, fmt.Errorf("server %d (%s): %w", i, s.PublicKey, err)
		}
		out[i] = Server{PublicKey: s.PublicKey, Endpoint: s.Endpoint, Keepalive: s.Keepalive, AllowedIPs: allowed}
	}
	return out, nil
}

func convertRoadWarriors(ws []wireRoadWarrior) ([]RoadWarrior, error) {
	out := make([]RoadWarrior, len(ws))
	seen := map[wgconf.Key]bool{}
	for i, rw := range ws {
		if rw.PublicKey == (wgconf.Key{}) {
			return nil, fmt.Errorf("road warrior %d: missing public_key", i)
		}
		if rw.Base == (wgconf.Key{}) {
			return nil, fmt.Errorf("road warrior %d (%s): missing base", i, rw.PublicKey)
		}
		if seen[rw.PublicKey] {
			return nil, fmt.Errorf("duplicate public key %s", rw.PublicKey)
		}
		seen[rw.PublicKey] = true
		allowed, err := buildSet(rw.IPv4, rw.IPv6)
		if err != nil {
			return nil, fmt.Errorf("road warrior %d (%s): %w", i, rw.PublicKey, err)
		}
		out[i] = RoadWarrior{PublicKey: rw.PublicKey, Base: rw.Base, AllowedIPs: allowed}
	}
	return out, nil
}

// Parse decodes raw JSON bytes into a Document, enforcing duplicate-key
// rejection and the Next-chain depth bound of spec.md §4.B.
func Parse(data []byte) (*Document, error) {
	var wd wireDocument
	if err := json.Unmarshal(data, &wd); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	return buildDocument(wd.Servers, wd.RoadWarriors, wd.Next, 0)
}

func buildDocument(ws []wireServer, wrw []wireRoadWarrior, next *wireNext, depth int) (*Document, error) {
	if depth > maxNextDepth {
		return nil, fmt.Errorf("next chain exceeds maximum depth %d", maxNextDepth)
	}
	servers, err := convertServers(ws)
	if err != nil {
		return nil, err
	}
	roadWarriorKeys := map[wgconf.Key]bool{}
	for _, rw := range wrw {
		roadWarriorKeys[rw.PublicKey] = true
	}
	for _, rw := range wrw {
		if roadWarriorKeys[rw.Base] {
			return nil, fmt.Errorf("road warrior %s has a road warrior as its base, which is undefined", rw.PublicKey)
		}
	}
	roadWarriors, err := convertRoadWarriors(wrw)
	if err != nil {
		return nil, err
	}
	// Duplicate public keys across servers and road warriors within a
	// single active document are a document error (spec.md §4.B): the
	// server/road-warrior key spaces are shared.
	seen := map[wgconf.Key]bool{}
	for _, s := range servers {
		if seen[s.PublicKey] {
			return nil, fmt.Errorf("duplicate public key %s across servers/road warriors", s.PublicKey)
		}
		seen[s.PublicKey] = true
	}
	for _, rw := range roadWarriors {
		if seen[rw.PublicKey] {
			return nil, fmt.Errorf("duplicate public key %s across servers/road warriors", rw.PublicKey)
		}
		seen[rw.PublicKey] = true
	}

	doc := &Document{Servers: servers, RoadWarriors: roadWarriors}
	if next != nil {
		child, err := buildDocument(next.Servers, next.RoadWarriors, next.Next, depth+1)
		if err != nil {
			return nil, fmt.Errorf("next: %w", err)
		}
		doc.Next = child
		doc.NextUpdateAt = next.UpdateAt.UTC()
	}
	return doc, nil
}

// MarshalJSON round-trips a Document back to the wire format of spec.md §3.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.toWire())
}

func (d *Document) toWire() wireDocument {
	wd := wireDocument{
		Servers:      serversToWire(d.Servers),
		RoadWarriors: roadWarriorsToWire(d.RoadWarriors),
	}
	if d.Next != nil {
		wd.Next = &wireNext{
			UpdateAt:     d.NextUpdateAt,
			Servers:      serversToWire(d.Next.Servers),
			RoadWarriors: roadWarriorsToWire(d.Next.RoadWarriors),
		}
		if d.Next.Next != nil {
			wd.Next.Next = d.Next.toWire().Next
		}
	}
	return wd
}

func serversToWire(servers []Server) []wireServer {
	out := make([]wireServer, len(servers))
	for i, s := range servers {
		v4, v6 := splitSet(s.AllowedIPs)
		out[i] = wireServer{PublicKey: s.PublicKey, Endpoint: s.Endpoint, Keepalive: s.Keepalive, IPv4: v4, IPv6: v6}
	}
	return out
}

func roadWarriorsToWire(rws []RoadWarrior) []wireRoadWarrior {
	out := make([]wireRoadWarrior, len(rws))
	for i, rw := range rws {
		v4, v6 := splitSet(rw.AllowedIPs)
		out[i] = wireRoadWarrior{PublicKey: rw.PublicKey, Base: rw.Base, IPv4: v4, IPv6: v6}
	}
	return out
}

func splitSet(s ipset.Set) (v4, v6 []string) {
	for _, c := range s.V4 {
		v4 = append(v4, c.String())
	}
	for _, c := range s.V6 {
		v6 = append(v6, c.String())
	}
	return
}
