package config

import "testing"

func validGlobal() Global {
	return Global{
		CacheDir:   "/cache",
		RuntimeDir: "/run",
		Sources: []Source{
			{Name: "alpha", URL: "https://alpha.example/peers.json"},
		},
	}
}

func TestValidateRejectsIPv6InIPv4List(t *testing.T) {
	g := validGlobal()
	g.Sources[0].IPv4 = []string{"2001:db8::/32"}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for IPv6 CIDR in ipv4 list")
	}
}

func TestValidateRejectsIPv4InIPv6List(t *testing.T) {
	g := validGlobal()
	g.Sources[0].IPv6 = []string{"10.0.0.0/8"}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for IPv4 CIDR in ipv6 list")
	}
}

func TestValidateAcceptsMatchingFamilies(t *testing.T) {
	g := validGlobal()
	g.Sources[0].IPv4 = []string{"10.0.0.0/8"}
	g.Sources[0].IPv6 = []string{"2001:db8::/32"}
	if err := g.Validate(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if g.Sources[0].Authorization.Len() != 2 {
		t.Fatalf("expected 2 entries in authorization set, got %d", g.Sources[0].Authorization.Len())
	}
}
