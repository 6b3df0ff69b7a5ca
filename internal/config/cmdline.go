package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
)

// tokens is a small lookahead-1 cursor over the --cmdline argv stream, so
// per-source/per-peer sub-parsers can stop at the next top-level keyword
// without consuming it.
type tokens struct {
	args []string
	pos  int
}

func (t *tokens) next() (string, bool) {
	if t.pos >= len(t.args) {
		return "", false
	}
	tok := t.args[t.pos]
	t.pos++
	return tok, true
}

func (t *tokens) peek() (string, bool) {
	if t.pos >= len(t.args) {
		return "", false
	}
	return t.args[t.pos], true
}

// globalKeywords always end the current source/peer clause: neither clause
// accepts them as a sub-token.
var globalKeywords = map[string]bool{
	"min_keepalive": true, "max_keepalive": true, "refresh_sec": true, "peer": true,
}

// ParseCmdline parses the --cmdline argv token stream of spec.md §6:
//
//	min_keepalive N
//	max_keepalive N
//	refresh_sec N
//	source NAME URL [psk PATH] [ipv4 CIDR,…] [ipv6 CIDR,…] [required] [allow_road_warriors|deny_road_warriors]
//	peer PUBKEY [endpoint HOST:PORT] [psk PATH] [keepalive N] [source NAME]
func ParseCmdline(args []string) (*Global, error) {
	g := &Global{}
	t := &tokens{args: args}
	for {
		tok, ok := t.next()
		if !ok {
			break
		}
		switch tok {
		case "min_keepalive":
			n, err := intArg(t, tok)
			if err != nil {
				return nil, err
			}
			g.MinKeepalive = n
		case "max_keepalive":
			n, err := intArg(t, tok)
			if err != nil {
				return nil, err
			}
			g.MaxKeepalive = n
		case "refresh_sec":
			n, err := intArg(t, tok)
			if err != nil {
				return nil, err
			}
			g.RefreshSec = n
		case "source":
			src, err := parseSourceTokens(t)
			if err != nil {
				return nil, err
			}
			g.Sources = append(g.Sources, src)
		case "peer":
			ov, err := parsePeerTokens(t)
			if err != nil {
				return nil, err
			}
			g.Overrides = append(g.Overrides, ov)
		default:
			return nil, fmt.Errorf("unrecognized token %q", tok)
		}
	}
	g.applyDefaults()
	return g, nil
}

func intArg(t *tokens, name string) (int, error) {
	s, ok := t.next()
	if !ok {
		return 0, fmt.Errorf("%s: missing value", name)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func parseSourceTokens(t *tokens) (Source, error) {
	var s Source
	name, ok := t.next()
	if !ok {
		return s, fmt.Errorf("source: missing name")
	}
	s.Name = name
	url, ok := t.next()
	if !ok {
		return s, fmt.Errorf("source %s: missing url", name)
	}
	s.URL = url
	s.AllowRoadWarriors = true
	for {
		tok, ok := t.peek()
		// "source" is never a sub-token of a source clause, so seeing it
		// here always means the next top-level source clause is starting.
		if !ok || globalKeywords[tok] || tok == "source" {
			break
		}
		t.next()
		switch tok {
		case "psk":
			v, ok := t.next()
			if !ok {
				return s, fmt.Errorf("source %s: psk: missing path", name)
			}
			s.PSKPath = v
		case "ipv4":
			v, ok := t.next()
			if !ok {
				return s, fmt.Errorf("source %s: ipv4: missing value", name)
			}
			s.IPv4 = append(s.IPv4, strings.Split(v, ",")...)
		case "ipv6":
			v, ok := t.next()
			if !ok {
				return s, fmt.Errorf("source %s: ipv6: missing value", name)
			}
			s.IPv6 = append(s.IPv6, strings.Split(v, ",")...)
		case "required":
			s.Required = true
		case "allow_road_warriors":
			s.AllowRoadWarriors = true
		case "deny_road_warriors":
			s.AllowRoadWarriors = false
		default:
			return s, fmt.Errorf("source %s: unrecognized token %q", name, tok)
		}
	}
	return s, nil
}

func parsePeerTokens(t *tokens) (Override, error) {
	var o Override
	keyStr, ok := t.next()
	if !ok {
		return o, fmt.Errorf("peer: missing public key")
	}
	key, err := wgconf.ParseKey(keyStr)
	if err != nil {
		return o, fmt.Errorf("peer: %w", err)
	}
	o.PublicKey = key
	for {
		tok, ok := t.peek()
		if !ok || globalKeywords[tok] {
			break
		}
		t.next()
		switch tok {
		case "endpoint":
			v, ok := t.next()
			if !ok {
				return o, fmt.Errorf("peer %s: endpoint: missing value", key)
			}
			o.Endpoint = v
		case "psk":
			v, ok := t.next()
			if !ok {
				return o, fmt.Errorf("peer %s: psk: missing path", key)
			}
			o.PSKPath = v
		case "keepalive":
			v, ok := t.next()
			if !ok {
				return o, fmt.Errorf("peer %s: keepalive: missing value", key)
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return o, fmt.Errorf("peer %s: keepalive: %w", key, err)
			}
			o.Keepalive = &n
		case "source":
			// source is the last field a peer clause may carry: once seen,
			// nothing else can follow it for this peer.
			v, ok := t.next()
			if !ok {
				return o, fmt.Errorf("peer %s: source: missing name", key)
			}
			o.Source = v
			return o, nil
		default:
			return o, fmt.Errorf("peer %s: unrecognized token %q", key, tok)
		}
	}
	return o, nil
}
