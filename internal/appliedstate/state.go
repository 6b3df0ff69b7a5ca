// Package appliedstate persists the peer set the engine believes it has
// pushed to the device (spec.md §4.G), surviving restarts so the engine
// knows what it owns without re-deriving it from the live device.
package appliedstate

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/buntdb"

	"github.com/shoreline-systems/wgreconcile/internal/ipset"
	"github.com/shoreline-systems/wgreconcile/internal/merge"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
)

const stateKey = "applied_state"

// Store wraps the same kind of embedded database as srccache.Cache,
// satisfying §4.G's "atomic on-disk record" requirement through a single
// buntdb transaction rather than a hand-rolled temp-file-rename.
type Store struct {
	db *buntdb.DB
}

func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening applied-state store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type wirePeer struct {
	PublicKey  wgconf.Key           `json:"public_key"`
	Endpoint   string               `json:"endpoint,omitempty"`
	PSK        *wgconf.PresharedKey `json:"psk,omitempty"`
	Keepalive  int                  `json:"keepalive,omitempty"`
	AllowedIPs []ipset.CIDR         `json:"allowed_ips"`
}

// Load reads the persisted applied table. If nothing has ever been saved,
// it returns an empty table (the engine has no prior claim on the
// interface) and no error — spec.md §4.G.
func (s *Store) Load() (merge.Table, error) {
	var raw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		raw, err = tx.Get(stateKey)
		return err
	})
	if err == buntdb.ErrNotFound {
		return merge.Table{}, nil
	}
	if err != nil {
		return merge.Table{}, fmt.Errorf("reading applied state: %w", err)
	}
	var wps []wirePeer
	if err := json.Unmarshal([]byte(raw), &wps); err != nil {
		return merge.Table{}, fmt.Errorf("parsing applied state: %w", err)
	}
	peers := make([]merge.TargetPeer, 0, len(wps))
	for _, wp := range wps {
		set := ipset.NewSet()
		for _, c := range wp.AllowedIPs {
			set.Add(c)
		}
		peers = append(peers, merge.TargetPeer{
			PublicKey:  wp.PublicKey,
			Endpoint:   wp.Endpoint,
			PSK:        wp.PSK,
			Keepalive:  wp.Keepalive,
			AllowedIPs: set,
		})
	}
	return merge.Table{Peers: peers}, nil
}

// Save atomically writes table as the new applied state.
func (s *Store) Save(table merge.Table) error {
	wps := make([]wirePeer, 0, len(table.Peers))
	for _, p := range table.Peers {
		wps = append(wps, wirePeer{
			PublicKey:  p.PublicKey,
			Endpoint:   p.Endpoint,
			PSK:        p.PSK,
			Keepalive:  p.Keepalive,
			AllowedIPs: p.AllowedIPs.All(),
		})
	}
	encoded, err := json.Marshal(wps)
	if err != nil {
		return fmt.Errorf("encoding applied state: %w", err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(stateKey, string(encoded), nil)
		return err
	})
}
