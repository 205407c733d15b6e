package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml"
)

var (
	// ErrWhitelistUnavailable is returned when the whitelist is not configured.
	ErrWhitelistUnavailable = errors.New("whitelist is not configured")
	// ErrWhitelistInvalidHost is returned when an empty host is passed to a
	// whitelist operation.
	ErrWhitelistInvalidHost = errors.New("invalid host")
)

// Whitelist is an Allower admitting only observer connections from a fixed
// set of hosts. Entries are persisted in a TOML file, so they survive
// restarts and may be edited by hand while the server is down.
type Whitelist struct {
	mu       sync.RWMutex
	hosts    map[string]struct{}
	filePath string
	enabled  bool
}

var _ Allower = (*Whitelist)(nil)

type whitelistFile struct {
	Hosts []string `toml:"hosts"`
}

// LoadWhitelist loads the whitelist stored in the file at the path passed. If
// the file does not exist yet, it is created with an empty host list.
func LoadWhitelist(path string) (*Whitelist, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("whitelist path must not be empty")
	}
	w := &Whitelist{
		hosts:    make(map[string]struct{}),
		filePath: path,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.reloadLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// Enabled reports if the whitelist is currently enforced.
func (w *Whitelist) Enabled() bool {
	if w == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

// SetEnabled updates whether the whitelist is enforced. A disabled whitelist
// admits every connection but keeps its host list.
func (w *Whitelist) SetEnabled(enabled bool) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.enabled = enabled
	w.mu.Unlock()
}

// Allow implements the Allower interface, admitting a connection if the
// whitelist is disabled or contains the host of the remote address.
func (w *Whitelist) Allow(addr net.Addr, _ string) (string, bool) {
	if w == nil {
		return "", true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.enabled {
		return "", true
	}
	if _, ok := w.hosts[normalizeHost(host)]; !ok {
		return "you are not whitelisted on this server", false
	}
	return "", true
}

// Add inserts the host passed into the whitelist and writes the list back to
// disk. The returned bool indicates if the host was newly added.
func (w *Whitelist) Add(host string) (bool, error) {
	if w == nil {
		return false, ErrWhitelistUnavailable
	}
	key := normalizeHost(host)
	if key == "" {
		return false, ErrWhitelistInvalidHost
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.hosts[key]; exists {
		return false, nil
	}
	w.hosts[key] = struct{}{}
	if err := w.writeLocked(); err != nil {
		delete(w.hosts, key)
		return false, err
	}
	return true, nil
}

// Remove deletes the host passed from the whitelist and writes the list back
// to disk. The returned bool indicates if the host was present before the
// call.
func (w *Whitelist) Remove(host string) (bool, error) {
	if w == nil {
		return false, ErrWhitelistUnavailable
	}
	key := normalizeHost(host)
	if key == "" {
		return false, ErrWhitelistInvalidHost
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.hosts[key]; !exists {
		return false, nil
	}
	delete(w.hosts, key)
	if err := w.writeLocked(); err != nil {
		w.hosts[key] = struct{}{}
		return false, err
	}
	return true, nil
}

// Hosts returns the hosts stored in the whitelist in sorted order.
func (w *Whitelist) Hosts() []string {
	if w == nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.hostsLocked()
}

func (w *Whitelist) reloadLocked() error {
	contents, err := os.ReadFile(w.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.hosts = make(map[string]struct{})
			return w.writeLocked()
		}
		return fmt.Errorf("read whitelist: %w", err)
	}
	data := whitelistFile{}
	if len(contents) != 0 {
		if err := toml.Unmarshal(contents, &data); err != nil {
			return fmt.Errorf("decode whitelist: %w", err)
		}
	}
	w.hosts = make(map[string]struct{}, len(data.Hosts))
	for _, host := range data.Hosts {
		if key := normalizeHost(host); key != "" {
			w.hosts[key] = struct{}{}
		}
	}
	return nil
}

func (w *Whitelist) writeLocked() error {
	dir := filepath.Dir(w.filePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return fmt.Errorf("create whitelist directory: %w", err)
		}
	}
	encoded, err := toml.Marshal(whitelistFile{Hosts: w.hostsLocked()})
	if err != nil {
		return fmt.Errorf("encode whitelist: %w", err)
	}
	if err := os.WriteFile(w.filePath, encoded, 0644); err != nil {
		return fmt.Errorf("write whitelist: %w", err)
	}
	return nil
}

func (w *Whitelist) hostsLocked() []string {
	hosts := make([]string, 0, len(w.hosts))
	for host := range w.hosts {
		hosts = append(hosts, host)
	}
	slices.Sort(hosts)
	return hosts
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
