package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mushstyle/fleetscrape/internal/etl"
	"github.com/mushstyle/fleetscrape/internal/proxypool"
	"github.com/mushstyle/fleetscrape/internal/site"
	"github.com/mushstyle/fleetscrape/internal/types"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, store etl.Client, driver Driver) (*Engine, *site.Manager) {
	t.Helper()
	sm := site.New(store, zap.NewNop())
	smgr := newTestSessionManager(t, driver)
	reg := newTestRegistry()
	return New(smgr, sm, reg, driver, nil, store, nil, nil), sm
}

func TestBatchOptions_ApplyDefaults(t *testing.T) {
	var o BatchOptions
	o.applyDefaults()
	if o.InstanceLimit != 10 {
		t.Errorf("expected default instance limit 10, got %d", o.InstanceLimit)
	}
	if o.CacheSizeMB != 250 {
		t.Errorf("expected default cache size 250, got %d", o.CacheSizeMB)
	}
	if o.CacheTTLSeconds != 300 {
		t.Errorf("expected default cache ttl 300, got %d", o.CacheTTLSeconds)
	}
	if o.SessionTimeoutSec != 120 {
		t.Errorf("expected default session timeout 120, got %d", o.SessionTimeoutSec)
	}
	if o.BrowserKind != types.BrowserLocal {
		t.Errorf("expected default browser kind local, got %s", o.BrowserKind)
	}
}

func TestEngine_ChooseSites_FiltersIncludeAndExclude(t *testing.T) {
	store := etl.NewMemoryClient(nil)
	e, sm := newTestEngine(t, store, fakeDriver{})
	sm.LoadConfigs([]*types.SiteConfig{
		{Domain: "a.com"}, {Domain: "b.com"}, {Domain: "c.com"},
	})

	chosen := e.chooseSites(context.Background(), BatchOptions{Sites: []string{"a.com", "b.com"}, Exclude: []string{"b.com"}})
	if len(chosen) != 1 || chosen[0] != "a.com" {
		t.Fatalf("expected only a.com, got %v", chosen)
	}
}

func TestEngine_ChooseSites_SinceExcludesRecentlyRun(t *testing.T) {
	store := etl.NewMemoryClient(nil)
	e, sm := newTestEngine(t, store, fakeDriver{})
	sm.LoadConfigs([]*types.SiteConfig{{Domain: "a.com"}})

	if _, err := store.CreateRun(context.Background(), "a.com", []string{"https://a.com/x"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	chosen := e.chooseSites(context.Background(), BatchOptions{Since: time.Now().Add(-time.Hour)})
	if len(chosen) != 0 {
		t.Fatalf("expected a.com excluded by since filter, got %v", chosen)
	}

	chosen = e.chooseSites(context.Background(), BatchOptions{Since: time.Now().Add(-time.Hour), Force: true})
	if len(chosen) != 1 {
		t.Fatalf("expected force to override since filter, got %v", chosen)
	}
}

func TestEngine_PickProxy_StrategyMapping(t *testing.T) {
	pool := testProxyPool(t)
	e := &Engine{Proxies: pool}

	cases := []struct {
		strategy types.ProxyStrategy
		wantType types.ProxyType
		wantNil  bool
	}{
		{types.ProxyNone, "", true},
		{types.ProxyDatacenter, types.ProxyTypeDatacenter, false},
		{types.ProxyResidentialStable, types.ProxyTypeResidential, false},
		{types.ProxyResidentialRotating, types.ProxyTypeResidential, false},
		{types.ProxyDatacenterToResidential, types.ProxyTypeDatacenter, false},
	}
	for _, c := range cases {
		proxy := e.pickProxy(&types.ProxyRequirement{Strategy: c.strategy}, nil)
		if c.wantNil {
			if proxy != nil {
				t.Errorf("strategy %s: expected nil proxy, got %+v", c.strategy, proxy)
			}
			continue
		}
		if proxy == nil || proxy.Type != c.wantType {
			t.Errorf("strategy %s: expected type %s, got %+v", c.strategy, c.wantType, proxy)
		}
	}
}

func TestEngine_PickProxy_DatacenterToResidentialFallsBack(t *testing.T) {
	pool := testProxyPool(t)
	e := &Engine{Proxies: pool}
	excluded := map[string]struct{}{"dc-1": {}}
	proxy := e.pickProxy(&types.ProxyRequirement{Strategy: types.ProxyDatacenterToResidential}, excluded)
	if proxy == nil || proxy.Type != types.ProxyTypeResidential {
		t.Fatalf("expected fallback to residential proxy, got %+v", proxy)
	}
}

func TestEngine_BuildSessionRequests_SkipsProxyWhenNoProxy(t *testing.T) {
	pool := testProxyPool(t)
	e := &Engine{Proxies: pool}
	sites := map[string]*types.SiteConfig{
		"a.com": {Domain: "a.com", Proxy: &types.ProxyRequirement{Strategy: types.ProxyDatacenter}},
	}
	reqs := e.buildSessionRequests(map[string]int{"a.com": 2}, sites, BatchOptions{NoProxy: true})
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	for _, r := range reqs {
		if r.Proxy != nil {
			t.Errorf("expected nil proxy with NoProxy set, got %+v", r.Proxy)
		}
	}
}

func TestDomainCountsFor_CapsAtRemaining(t *testing.T) {
	urlToDomain := map[string]string{
		"https://a.com/1": "a.com",
		"https://a.com/2": "a.com",
		"https://b.com/1": "b.com",
	}
	counts := domainCountsFor([]string{"https://a.com/1", "https://a.com/2", "https://b.com/1"}, urlToDomain, 2)
	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 2 {
		t.Fatalf("expected total capped at 2, got %d", total)
	}
}

func testProxyPool(t *testing.T) *proxypool.Pool {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/proxies.yaml"
	content := `
proxies:
  - id: dc-1
    type: datacenter
    url: http://dc-1.example.com:8080
  - id: res-1
    type: residential
    url: http://res-1.example.com:8080
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write proxy pool: %v", err)
	}
	pool, err := proxypool.Load(path)
	if err != nil {
		t.Fatalf("proxypool.Load: %v", err)
	}
	return pool
}
