// Package distributor implements the pure matching function that pairs
// pending scrape targets with compatible live sessions. It performs no
// I/O and holds no state between calls: given the same targets, sessions,
// and site configs it always produces the same assignment.
package distributor

import (
	"strings"

	"github.com/mushstyle/fleetscrape/internal/types"
)

// Assignment pairs one target URL with the session chosen to fetch it.
type Assignment struct {
	URL       string
	SessionID string
}

// Result is the outcome of one distribution pass.
type Result struct {
	Assignments []Assignment
	Unmatched   []string // target URLs that found no compatible session
}

// Domain strips a leading "www." from host, matching the way SiteConfig
// keys its StartPages/Domain against an arbitrary target URL's host.
func Domain(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// perSiteUsage tracks how many sessions are currently assigned to a domain
// during a single Distribute call, so the SessionLimit invariant holds
// even across many targets for the same site in one batch.
type perSiteUsage struct {
	counts map[string]int
}

func newPerSiteUsage(existing map[string]int) *perSiteUsage {
	u := &perSiteUsage{counts: make(map[string]int, len(existing))}
	for k, v := range existing {
		u.counts[k] = v
	}
	return u
}

// Distribute performs a greedy first-fit match: for each pending target (in
// order), it scans sessions (in order) and assigns the first one whose
// proxy/geo/blocklist/session-limit constraints are satisfied, given the
// site's configuration and the sessions already committed earlier in this
// same call. existingAssignments is the count of sessions a domain already
// holds outside of this call (e.g. from a prior batch still in flight) and
// may be nil.
func Distribute(targets []types.ScrapeTarget, sessions []types.SessionInfo, sites map[string]*types.SiteConfig, existingAssignments map[string]int) Result {
	usage := newPerSiteUsage(existingAssignments)
	used := make(map[string]bool, len(sessions))

	var res Result
	for _, t := range targets {
		if !t.Pending() {
			continue
		}
		domain := domainOf(t.URL)
		site := sites[domain]

		matched := false
		for _, s := range sessions {
			if used[s.ID] {
				continue
			}
			if site != nil && usage.counts[domain] >= site.Proxy.EffectiveSessionLimit() {
				continue
			}
			if !sessionMatches(s, site) {
				continue
			}
			used[s.ID] = true
			usage.counts[domain]++
			res.Assignments = append(res.Assignments, Assignment{URL: t.URL, SessionID: s.ID})
			matched = true
			break
		}
		if !matched {
			res.Unmatched = append(res.Unmatched, t.URL)
		}
	}
	return res
}

// domainOf extracts a lowercase, www-stripped host from a URL-ish string.
// It tolerates bare hosts and full URLs without pulling in net/url parsing
// overhead for what is, in practice, always a well-formed http(s) URL.
func domainOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		// avoid chopping an IPv6 literal; targets in practice are plain hosts
		if !strings.Contains(s, "]") {
			s = s[:i]
		}
	}
	return Domain(s)
}

// sessionMatches reports whether session s may be assigned a target for
// site. A nil site, or a site with no proxy requirement, matches any
// session — distribution only constrains sessions when a site actually
// declares a proxy strategy.
func sessionMatches(s types.SessionInfo, site *types.SiteConfig) bool {
	if site == nil || site.Proxy == nil {
		return true
	}
	req := site.Proxy
	if site.HasBlockedProxy(s.ProxyID) {
		return false
	}
	if req.Geo != "" && s.ProxyGeo != "" && !strings.EqualFold(s.ProxyGeo, req.Geo) {
		return false
	}

	switch req.Strategy {
	case "", types.ProxyNone:
		return s.ProxyType == types.ProxyTypeNone || s.ProxyType == ""
	case types.ProxyDatacenter:
		if s.ProxyType != types.ProxyTypeDatacenter {
			return false
		}
	case types.ProxyResidentialStable, types.ProxyResidentialRotating:
		if s.ProxyType != types.ProxyTypeResidential {
			return false
		}
	case types.ProxyDatacenterToResidential:
		if s.ProxyType != types.ProxyTypeDatacenter && s.ProxyType != types.ProxyTypeResidential {
			return false
		}
	default:
		return false
	}
	return true
}
