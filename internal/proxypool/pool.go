// Package proxypool loads the static proxy resource described in spec §6
// ("Collaborator: Proxy pool") once at startup and serves it in-process:
// a flat list of Proxy entries plus one pool-wide default. It intentionally
// carries none of the teacher's live public-proxy-list fetching or HTTP
// health-checking — the spec's pool is a fixed file, not a rotating feed.
package proxypool

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mushstyle/fleetscrape/internal/types"
	"gopkg.in/yaml.v3"
)

// ErrUnknownProxy is returned when a caller asks for a proxy ID the pool
// never loaded.
var ErrUnknownProxy = errors.New("proxypool: unknown proxy id")

// file is the on-disk shape of the proxy resource, matching the teacher's
// config-file conventions (yaml, lowercase keys).
type file struct {
	Proxies []proxyEntry `yaml:"proxies"`
	Default string       `yaml:"default"`
}

type proxyEntry struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	Geo         string `yaml:"geo"`
	URL         string `yaml:"url"`
	Credentials string `yaml:"credentials"`
}

// Pool is the in-process, read-mostly proxy directory. Safe for concurrent
// use; Next and ByID are the hot paths: ByID takes the read lock, Next the
// write lock because it advances the round-robin cursor.
type Pool struct {
	mu        sync.RWMutex
	proxies   []types.Proxy
	byID      map[string]types.Proxy
	defaultID string
	cursor    int // round-robin offset, guarded by mu
}

// Load reads and parses the proxy resource file at path. It is meant to be
// called once at startup; the result is held in memory for the process
// lifetime (§6: "Loaded once at startup and cached in-process").
func Load(path string) (*Pool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("proxypool: read %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("proxypool: parse %s: %w", path, err)
	}
	return fromEntries(f.Proxies, f.Default)
}

// fromEntries builds a Pool directly from already-decoded entries, used by
// Load and by tests in this package that construct a pool without touching
// the filesystem.
func fromEntries(entries []proxyEntry, defaultID string) (*Pool, error) {
	p := &Pool{byID: make(map[string]types.Proxy, len(entries))}
	for _, e := range entries {
		proxy := types.Proxy{
			ID:          e.ID,
			Type:        types.ProxyType(e.Type),
			Geo:         e.Geo,
			URL:         e.URL,
			Credentials: e.Credentials,
		}
		p.proxies = append(p.proxies, proxy)
		p.byID[e.ID] = proxy
	}
	p.defaultID = defaultID
	return p, nil
}

// All returns a snapshot copy of every loaded proxy.
func (p *Pool) All() []types.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Proxy, len(p.proxies))
	copy(out, p.proxies)
	return out
}

// ByID looks up a single proxy by its stable ID.
func (p *Pool) ByID(id string) (types.Proxy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proxy, ok := p.byID[id]
	if !ok {
		return types.Proxy{}, fmt.Errorf("%w: %s", ErrUnknownProxy, id)
	}
	return proxy, nil
}

// Default returns the pool's configured default proxy, if any was set.
func (p *Pool) Default() (types.Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.defaultID == "" {
		return types.Proxy{}, false
	}
	proxy, ok := p.byID[p.defaultID]
	return proxy, ok
}

// OfType returns every proxy matching typ, in load order.
func (p *Pool) OfType(typ types.ProxyType) []types.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []types.Proxy
	for _, proxy := range p.proxies {
		if proxy.Type == typ {
			out = append(out, proxy)
		}
	}
	return out
}

// Next returns the next proxy of typ (optionally restricted to geo) using
// round-robin selection, skipping any ID present in excluded. It returns
// false if no eligible proxy exists.
func (p *Pool) Next(typ types.ProxyType, geo string, excluded map[string]struct{}) (types.Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.proxies)
	if n == 0 {
		return types.Proxy{}, false
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		proxy := p.proxies[idx]
		if proxy.Type != typ {
			continue
		}
		if geo != "" && proxy.Geo != "" && proxy.Geo != geo {
			continue
		}
		if _, blocked := excluded[proxy.ID]; blocked {
			continue
		}
		p.cursor = idx + 1
		return proxy, true
	}
	return types.Proxy{}, false
}
