// Package wgconf holds the small value types shared by every other
// component: public keys and preshared keys.
package wgconf

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Key is a WireGuard public key, canonically its 44-character base64 form.
type Key wgtypes.Key

func ParseKey(s string) (Key, error) {
	k, err := wgtypes.ParseKey(s)
	if err != nil {
		return Key{}, err
	}
	return Key(k), nil
}

func (k Key) String() string {
	return wgtypes.Key(k).String()
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	k2, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("parsing key: %w", err)
	}
	if len(k2) != len(k) {
		return fmt.Errorf("key length must be %d but was %d", len(k), len(k2))
	}
	copy(k[:], k2)
	return nil
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(wgtypes.Key(k).String())
}

// PresharedKey is a 32-byte symmetric key, always loaded from a file path
// (base64 followed by a newline) rather than embedded in config directly.
type PresharedKey [32]byte

// LoadPresharedKey reads a base64-encoded PSK followed by a newline from path.
func LoadPresharedKey(path string) (*PresharedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading preshared key %s: %w", path, err)
	}
	s := strings.TrimSuffix(string(data), "\n")
	s = strings.TrimSpace(s)
	k, err := wgtypes.ParseKey(s)
	if err != nil {
		return nil, fmt.Errorf("parsing preshared key %s: %w", path, err)
	}
	psk := PresharedKey(k)
	return &psk, nil
}

func (p *PresharedKey) Equal(o *PresharedKey) bool {
	if p == nil || o == nil {
		return p == o
	}
	return bytes.Equal(p[:], o[:])
}

// WGTypesKey exposes the preshared key in the form wgctrl expects, at the
// device-sink boundary only; nothing else in this module should need it.
func (p *PresharedKey) WGTypesKey() *wgtypes.Key {
	if p == nil {
		return nil
	}
	k := wgtypes.Key(*p)
	return &k
}
