package devicesink

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/shoreline-systems/wgreconcile/internal/merge"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// WGCtrlSink is the real Sink, talking to an already-existing WireGuard
// interface via wgctrl. It never creates the interface or touches addresses
// or routes — those are out of scope (spec.md §1 Non-goals).
type WGCtrlSink struct {
	client *wgctrl.Client
	iface  string
}

// NewWGCtrlSink opens a wgctrl client for the named interface, which must
// already exist.
func NewWGCtrlSink(iface string) (*WGCtrlSink, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wgctrl client: %w", err)
	}
	if _, err := client.Device(iface); err != nil {
		client.Close()
		return nil, fmt.Errorf("interface %s: %w", iface, err)
	}
	return &WGCtrlSink{client: client, iface: iface}, nil
}

// Close releases the underlying wgctrl client.
func (s *WGCtrlSink) Close() error {
	return s.client.Close()
}

// PublicKey returns this interface's own public key, used by the merge
// engine to decide whether a road warrior's base is "here" (spec.md §4.D
// phase 3).
func (s *WGCtrlSink) PublicKey() (wgconf.Key, error) {
	dev, err := s.client.Device(s.iface)
	if err != nil {
		return wgconf.Key{}, fmt.Errorf("querying device %s: %w", s.iface, err)
	}
	return wgconf.Key(dev.PublicKey), nil
}

func (s *WGCtrlSink) SetPeer(ctx context.Context, p merge.TargetPeer) error {
	pc, err := toPeerConfig(p)
	if err != nil {
		return err
	}
	zap.S().Debugf("setting peer %s on %s", p.PublicKey, s.iface)
	cfg := wgtypes.Config{Peers: []wgtypes.PeerConfig{pc}}
	if err := s.client.ConfigureDevice(s.iface, cfg); err != nil {
		return fmt.Errorf("setting peer %s: %w", p.PublicKey, err)
	}
	return nil
}

func (s *WGCtrlSink) RemovePeer(ctx context.Context, key wgconf.Key) error {
	zap.S().Debugf("removing peer %s from %s", key, s.iface)
	cfg := wgtypes.Config{Peers: []wgtypes.PeerConfig{{
		PublicKey: wgtypes.Key(key),
		Remove:    true,
	}}}
	if err := s.client.ConfigureDevice(s.iface, cfg); err != nil {
		return fmt.Errorf("removing peer %s: %w", key, err)
	}
	return nil
}

func toPeerConfig(p merge.TargetPeer) (wgtypes.PeerConfig, error) {
	pc := wgtypes.PeerConfig{
		PublicKey:         wgtypes.Key(p.PublicKey),
		ReplaceAllowedIPs: true,
	}
	if p.Endpoint != "" {
		endpoint, err := net.ResolveUDPAddr("udp", p.Endpoint)
		if err != nil {
			return pc, fmt.Errorf("resolving endpoint %s for peer %s: %w", p.Endpoint, p.PublicKey, err)
		}
		pc.Endpoint = endpoint
	}
	if p.PSK != nil {
		pc.PresharedKey = p.PSK.WGTypesKey()
	}
	if p.Keepalive != 0 {
		d := secondsToDuration(p.Keepalive)
		pc.PersistentKeepaliveInterval = &d
	}
	allowed := p.AllowedIPs.All()
	ips := make([]net.IPNet, 0, len(allowed))
	for _, c := range allowed {
		ips = append(ips, c.IPNet())
	}
	pc.AllowedIPs = ips
	return pc, nil
}
