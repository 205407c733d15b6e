package server

import (
	"errors"
	"net"
	"path/filepath"
	"slices"
	"testing"
)

func tcpAddr(host string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(host), Port: 40000}
}

func TestWhitelistPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.toml")
	wl, err := LoadWhitelist(path)
	if err != nil {
		t.Fatalf("failed loading whitelist: %v", err)
	}
	if added, err := wl.Add("127.0.0.1"); err != nil || !added {
		t.Fatalf("adding a new host returned %v, %v", added, err)
	}
	if added, err := wl.Add(" 127.0.0.1 "); err != nil || added {
		t.Fatalf("re-adding a host returned %v, %v", added, err)
	}
	if _, err := wl.Add("10.0.0.7"); err != nil {
		t.Fatalf("failed adding host: %v", err)
	}

	reloaded, err := LoadWhitelist(path)
	if err != nil {
		t.Fatalf("failed reloading whitelist: %v", err)
	}
	want := []string{"10.0.0.7", "127.0.0.1"}
	if got := reloaded.Hosts(); !slices.Equal(got, want) {
		t.Fatalf("reloaded hosts %v, expected %v", got, want)
	}

	if removed, err := reloaded.Remove("10.0.0.7"); err != nil || !removed {
		t.Fatalf("removing a present host returned %v, %v", removed, err)
	}
	if removed, err := reloaded.Remove("10.0.0.7"); err != nil || removed {
		t.Fatalf("removing an absent host returned %v, %v", removed, err)
	}
}

func TestWhitelistAllow(t *testing.T) {
	wl, err := LoadWhitelist(filepath.Join(t.TempDir(), "whitelist.toml"))
	if err != nil {
		t.Fatalf("failed loading whitelist: %v", err)
	}
	if _, err := wl.Add("127.0.0.1"); err != nil {
		t.Fatalf("failed adding host: %v", err)
	}

	stranger := tcpAddr("192.168.1.50")
	if _, allowed := wl.Allow(stranger, ""); !allowed {
		t.Fatalf("disabled whitelist denied a connection")
	}

	wl.SetEnabled(true)
	if !wl.Enabled() {
		t.Fatalf("whitelist did not report itself enabled")
	}
	if reason, allowed := wl.Allow(stranger, ""); allowed || reason == "" {
		t.Fatalf("enabled whitelist admitted an unknown host")
	}
	if _, allowed := wl.Allow(tcpAddr("127.0.0.1"), ""); !allowed {
		t.Fatalf("enabled whitelist denied a whitelisted host")
	}
}

func TestWhitelistInvalidInput(t *testing.T) {
	wl, err := LoadWhitelist(filepath.Join(t.TempDir(), "whitelist.toml"))
	if err != nil {
		t.Fatalf("failed loading whitelist: %v", err)
	}
	if _, err := wl.Add("   "); !errors.Is(err, ErrWhitelistInvalidHost) {
		t.Fatalf("adding a blank host returned %v, expected ErrWhitelistInvalidHost", err)
	}
	if _, err := LoadWhitelist(""); err == nil {
		t.Fatalf("loading a whitelist without a path succeeded")
	}

	var missing *Whitelist
	if _, err := missing.Add("127.0.0.1"); !errors.Is(err, ErrWhitelistUnavailable) {
		t.Fatalf("nil whitelist add returned %v, expected ErrWhitelistUnavailable", err)
	}
	if _, allowed := missing.Allow(tcpAddr("10.1.2.3"), ""); !allowed {
		t.Fatalf("nil whitelist denied a connection")
	}
}
