package distributor

import (
	"testing"

	"github.com/mushstyle/fleetscrape/internal/types"
)

func assignmentSet(t *testing.T, got []Assignment, want []Assignment) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d assignments, want %d: got=%+v want=%+v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("assignment %d: got %+v, want %+v (full got=%+v)", i, got[i], want[i], got)
		}
	}
}

func TestDistribute_S1_EmptySessions(t *testing.T) {
	targets := []types.ScrapeTarget{{URL: "https://a.com/1"}, {URL: "https://a.com/2"}}
	res := Distribute(targets, nil, nil, nil)
	if len(res.Assignments) != 0 {
		t.Fatalf("expected no assignments, got %+v", res.Assignments)
	}
}

func TestDistribute_S2_DoneFiltered(t *testing.T) {
	targets := []types.ScrapeTarget{
		{URL: "u1", Done: true},
		{URL: "u2"},
		{URL: "u3", Done: true},
		{URL: "u4"},
		{URL: "u5"},
	}
	sessions := []types.SessionInfo{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}
	res := Distribute(targets, sessions, nil, nil)
	assignmentSet(t, res.Assignments, []Assignment{
		{URL: "u2", SessionID: "s1"},
		{URL: "u4", SessionID: "s2"},
		{URL: "u5", SessionID: "s3"},
	})
}

func TestDistribute_S3_GeoFilter(t *testing.T) {
	sessions := []types.SessionInfo{
		{ID: "s1", ProxyType: types.ProxyTypeDatacenter, ProxyGeo: "US"},
		{ID: "s2", ProxyType: types.ProxyTypeDatacenter, ProxyGeo: "UK"},
	}
	sites := map[string]*types.SiteConfig{
		"uk.com": {
			Domain: "uk.com",
			Proxy:  &types.ProxyRequirement{Strategy: types.ProxyDatacenter, Geo: "UK", SessionLimit: 3},
		},
	}
	targets := []types.ScrapeTarget{{URL: "https://uk.com/a"}, {URL: "https://uk.com/b"}}
	res := Distribute(targets, sessions, sites, nil)
	assignmentSet(t, res.Assignments, []Assignment{{URL: "https://uk.com/a", SessionID: "s2"}})
	if len(res.Unmatched) != 1 || res.Unmatched[0] != "https://uk.com/b" {
		t.Fatalf("expected uk.com/b unmatched, got %+v", res.Unmatched)
	}
}

func TestDistribute_S4_Blocklist(t *testing.T) {
	sessions := []types.SessionInfo{
		{ID: "s1", ProxyType: types.ProxyTypeDatacenter, ProxyGeo: "US", ProxyID: "proxy-dc-1"},
		{ID: "s2", ProxyType: types.ProxyTypeDatacenter, ProxyGeo: "US", ProxyID: "proxy-dc-2"},
	}
	sites := map[string]*types.SiteConfig{
		"shop.com": {
			Domain:          "shop.com",
			Proxy:           &types.ProxyRequirement{Strategy: types.ProxyDatacenter, Geo: "US", SessionLimit: 3},
			BlockedProxyIDs: map[string]struct{}{"proxy-dc-1": {}},
		},
	}
	targets := []types.ScrapeTarget{{URL: "https://shop.com/t1"}, {URL: "https://shop.com/t2"}}
	res := Distribute(targets, sessions, sites, nil)
	assignmentSet(t, res.Assignments, []Assignment{{URL: "https://shop.com/t1", SessionID: "s2"}})
}

func TestDistribute_S5_PerSiteLimit(t *testing.T) {
	var sessions []types.SessionInfo
	for i := 0; i < 10; i++ {
		sessions = append(sessions, types.SessionInfo{
			ID: string(rune('a' + i)), ProxyType: types.ProxyTypeDatacenter, ProxyGeo: "US",
		})
	}
	sites := map[string]*types.SiteConfig{
		"shop.com": {Domain: "shop.com", Proxy: &types.ProxyRequirement{Strategy: types.ProxyDatacenter, Geo: "US", SessionLimit: 3}},
	}
	var targets []types.ScrapeTarget
	for i := 0; i < 5; i++ {
		targets = append(targets, types.ScrapeTarget{URL: "https://shop.com/" + string(rune('0'+i))})
	}
	res := Distribute(targets, sessions, sites, nil)
	if len(res.Assignments) != 3 {
		t.Fatalf("expected exactly 3 assignments, got %d: %+v", len(res.Assignments), res.Assignments)
	}
}

func TestDomainOf(t *testing.T) {
	cases := map[string]string{
		"https://www.Example.com/path":  "example.com",
		"http://shop.com":               "shop.com",
		"https://user:pw@site.com/x":    "site.com",
		"www.foo.com/bar?x=1":           "foo.com",
	}
	for in, want := range cases {
		if got := domainOf(in); got != want {
			t.Errorf("domainOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSessionMatches_NoConfigMatchesAny(t *testing.T) {
	s := types.SessionInfo{ID: "s1", ProxyType: types.ProxyTypeResidential}
	if !sessionMatches(s, nil) {
		t.Fatal("expected nil site to match any session")
	}
	site := &types.SiteConfig{Domain: "x.com"}
	if !sessionMatches(s, site) {
		t.Fatal("expected site with nil proxy requirement to match any session")
	}
}

func TestSessionMatches_UnknownStrategyNeverMatches(t *testing.T) {
	s := types.SessionInfo{ID: "s1", ProxyType: types.ProxyTypeResidential}
	site := &types.SiteConfig{Domain: "x.com", Proxy: &types.ProxyRequirement{Strategy: "bogus"}}
	if sessionMatches(s, site) {
		t.Fatal("expected unknown strategy to never match")
	}
}
