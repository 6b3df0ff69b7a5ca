// Package config is the local policy document: global timing, the ordered
// source list, and per-public-key overrides. Parsing is a plain
// encoding/json.Unmarshal (or yaml.v3 for .yaml/.yml files) with unknown
// fields ignored, the way every
// teacher config is loaded (cmd/coord-server/main.go's loadConfig,
// cmd/device-client/main.go's Config).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shoreline-systems/wgreconcile/internal/ipset"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
	"gopkg.in/yaml.v3"
)

// Global holds the timing and directory settings of spec.md §3.
type Global struct {
	RefreshSec   int        `json:"refresh_sec" yaml:"refresh_sec"`
	MinKeepalive int        `json:"min_keepalive" yaml:"min_keepalive"`
	MaxKeepalive int        `json:"max_keepalive" yaml:"max_keepalive"`
	CacheDir     string     `json:"cache_dir" yaml:"cache_dir"`
	RuntimeDir   string     `json:"runtime_dir" yaml:"runtime_dir"`
	Sources      []Source   `json:"sources" yaml:"sources"`
	Overrides    []Override `json:"peers" yaml:"peers"`
}

// Source is one remote (or local file) peer catalog and the policy attached
// to it.
type Source struct {
	Name              string   `json:"name" yaml:"name"`
	URL               string   `json:"url" yaml:"url"`
	PSKPath           string   `json:"psk_path,omitempty" yaml:"psk_path,omitempty"`
	IPv4              []string `json:"ipv4,omitempty" yaml:"ipv4,omitempty"`
	IPv6              []string `json:"ipv6,omitempty" yaml:"ipv6,omitempty"`
	Required          bool     `json:"required,omitempty" yaml:"required,omitempty"`
	AllowRoadWarriors bool     `json:"allow_road_warriors,omitempty" yaml:"allow_road_warriors,omitempty"`

	// resolved fields, populated by Validate.
	Authorization ipset.Set            `json:"-" yaml:"-"`
	PSK           *wgconf.PresharedKey `json:"-" yaml:"-"`
}

// Override is a per-public-key policy exception.
type Override struct {
	PublicKey wgconf.Key `json:"public_key" yaml:"public_key"`
	Source    string     `json:"source,omitempty" yaml:"source,omitempty"`
	Endpoint  string     `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	PSKPath   string     `json:"psk_path,omitempty" yaml:"psk_path,omitempty"`
	Keepalive *int       `json:"keepalive,omitempty" yaml:"keepalive,omitempty"`

	PSK *wgconf.PresharedKey `json:"-" yaml:"-"`
}

const defaultRefreshSec = 1200
const defaultMinKeepalive = 10

var filesafeNameChars = func() map[rune]bool {
	m := map[rune]bool{}
	for _, r := range "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-." {
		m[r] = true
	}
	return m
}()

// Load reads a local policy document from path, picking JSON or YAML by
// file extension, and seeds directory defaults from the environment the
// way cmd/device-client/main.go seeds STATE_DIRECTORY.
func Load(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var g Global
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	g.applyDefaults()
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &g, nil
}

func (g *Global) applyDefaults() {
	if g.RefreshSec == 0 {
		g.RefreshSec = defaultRefreshSec
	}
	if g.MinKeepalive == 0 {
		g.MinKeepalive = defaultMinKeepalive
	}
	if g.CacheDir == "" {
		g.CacheDir = os.Getenv("CACHE_DIRECTORY")
	}
	if g.RuntimeDir == "" {
		g.RuntimeDir = os.Getenv("RUNTIME_DIRECTORY")
	}
}

// Validate checks structural invariants and resolves each source's
// authorization set and PSK, and each override's PSK.
func (g *Global) Validate() error {
	if g.CacheDir == "" {
		return fmt.Errorf("cache_dir is required (or set CACHE_DIRECTORY)")
	}
	if g.RuntimeDir == "" {
		return fmt.Errorf("runtime_dir is required (or set RUNTIME_DIRECTORY)")
	}
	if g.MaxKeepalive != 0 && g.MaxKeepalive < g.MinKeepalive {
		return fmt.Errorf("max_keepalive (%d) is less than min_keepalive (%d)", g.MaxKeepalive, g.MinKeepalive)
	}
	seenNames := map[string]bool{}
	for i := range g.Sources {
		s := &g.Sources[i]
		if s.Name == "" {
			return fmt.Errorf("source %d: name is required", i)
		}
		for _, r := range s.Name {
			if !filesafeNameChars[r] {
				return fmt.Errorf("source %q: name must be filesystem-safe", s.Name)
			}
		}
		if seenNames[s.Name] {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seenNames[s.Name] = true
		if s.URL == "" {
			return fmt.Errorf("source %q: url is required", s.Name)
		}
		auth, err := buildAuthorization(s.IPv4, s.IPv6)
		if err != nil {
			return fmt.Errorf("source %q: %w", s.Name, err)
		}
		s.Authorization = auth
		if s.PSKPath != "" {
			psk, err := wgconf.LoadPresharedKey(s.PSKPath)
			if err != nil {
				return fmt.Errorf("source %q: %w", s.Name, err)
			}
			s.PSK = psk
		}
	}
	seenOverride := map[wgconf.Key]bool{}
	for i := range g.Overrides {
		o := &g.Overrides[i]
		if o.PublicKey == (wgconf.Key{}) {
			return fmt.Errorf("override %d: public_key is required", i)
		}
		if seenOverride[o.PublicKey] {
			return fmt.Errorf("duplicate override for public key %s", o.PublicKey)
		}
		seenOverride[o.PublicKey] = true
		if o.Source != "" && !seenNames[o.Source] {
			return fmt.Errorf("override for %s: unknown source %q", o.PublicKey, o.Source)
		}
		if o.PSKPath != "" {
			psk, err := wgconf.LoadPresharedKey(o.PSKPath)
			if err != nil {
				return fmt.Errorf("override for %s: %w", o.PublicKey, err)
			}
			o.PSK = psk
		}
	}
	return nil
}

func buildAuthorization(v4, v6 []string) (ipset.Set, error) {
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

// OverrideMap indexes overrides by public key, as the merge engine needs.
func (g *Global) OverrideMap() map[wgconf.Key]Override {
	m := make(map[wgconf.Key]Override, len(g.Overrides))
	for _, o := range g.Overrides {
		m[o.PublicKey] = o
	}
	return m
}
