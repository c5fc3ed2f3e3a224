// Package etl defines the external store collaborator (spec §6: "ETL API")
// and ships an in-memory stub implementation used by tests and by local
// runs with no external store configured.
package etl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mushstyle/fleetscrape/internal/types"
)

// SiteMeta is the scraping-config projection the external store returns for
// a site (the source of SiteConfig when not loaded from local YAML).
type SiteMeta struct {
	Domain      string
	StartPages  []string
	Proxy       *types.ProxyRequirement
	ExtractorID string
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Domain string
	Status types.RunStatus
	Since  time.Time
}

// ItemChanges is a partial update applied to one ScrapeTarget within a run.
type ItemChanges struct {
	Done    *bool
	Failed  *int
	Invalid *bool
}

// UploadResult reports which ItemRecords in a batch were accepted.
type UploadResult struct {
	Successful []string // source URLs
	Failed     map[string]error
}

// Client is the full ETL API collaborator contract (spec §6).
type Client interface {
	CreateRun(ctx context.Context, domain string, urls []string) (types.ScrapeRun, error)
	FetchRun(ctx context.Context, runID string) (types.ScrapeRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]types.ScrapeRun, error)
	UpdateRunItem(ctx context.Context, runID, url string, changes ItemChanges) error
	FinalizeRun(ctx context.Context, runID string) error
	AddItems(ctx context.Context, batch []types.ItemRecord) (UploadResult, error)
	GetSites(ctx context.Context) ([]SiteMeta, error)
	GetSiteByID(ctx context.Context, domain string) (SiteMeta, error)
}

// MemoryClient is an in-process stub satisfying Client, grounded on the
// teacher's reporting store shape but holding everything in memory rather
// than writing HTML reports to disk.
type MemoryClient struct {
	mu      sync.Mutex
	runs    map[string]types.ScrapeRun
	sites   map[string]SiteMeta
	nextRun int
}

// NewMemoryClient returns an empty in-memory store, optionally seeded with
// site configs (as a real deployment would load from the ETL API's own
// config source).
func NewMemoryClient(sites []SiteMeta) *MemoryClient {
	m := &MemoryClient{
		runs:  make(map[string]types.ScrapeRun),
		sites: make(map[string]SiteMeta, len(sites)),
	}
	for _, s := range sites {
		m.sites[s.Domain] = s
	}
	return m
}

func (m *MemoryClient) CreateRun(_ context.Context, domain string, urls []string) (types.ScrapeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRun++
	run := types.ScrapeRun{
		ID:        fmt.Sprintf("run-%d", m.nextRun),
		Domain:    domain,
		CreatedAt: time.Now(),
		Status:    types.RunProcessing,
	}
	run.Items = make([]types.ScrapeTarget, 0, len(urls))
	for _, u := range urls {
		run.Items = append(run.Items, types.ScrapeTarget{URL: u})
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *MemoryClient) FetchRun(_ context.Context, runID string) (types.ScrapeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return types.ScrapeRun{}, fmt.Errorf("etl: run %s not found", runID)
	}
	return run, nil
}

func (m *MemoryClient) ListRuns(_ context.Context, filter RunFilter) ([]types.ScrapeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ScrapeRun
	for _, run := range m.runs {
		if filter.Domain != "" && run.Domain != filter.Domain {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && run.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (m *MemoryClient) UpdateRunItem(_ context.Context, runID, url string, changes ItemChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("etl: run %s not found", runID)
	}
	for i := range run.Items {
		if run.Items[i].URL != url {
			continue
		}
		if changes.Done != nil {
			run.Items[i].Done = *changes.Done
		}
		if changes.Failed != nil {
			run.Items[i].Failed = *changes.Failed
		}
		if changes.Invalid != nil {
			run.Items[i].Invalid = *changes.Invalid
		}
		m.runs[runID] = run
		return nil
	}
	return fmt.Errorf("etl: url %s not in run %s", url, runID)
}

func (m *MemoryClient) FinalizeRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("etl: run %s not found", runID)
	}
	run.Status = types.RunCompleted
	m.runs[runID] = run
	return nil
}

func (m *MemoryClient) AddItems(_ context.Context, batch []types.ItemRecord) (UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := UploadResult{Failed: make(map[string]error)}
	for _, item := range batch {
		if item.SourceURL == "" {
			res.Failed[item.SourceURL] = fmt.Errorf("etl: item missing sourceUrl")
			continue
		}
		res.Successful = append(res.Successful, item.SourceURL)
	}
	return res, nil
}

func (m *MemoryClient) GetSites(_ context.Context) ([]SiteMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SiteMeta, 0, len(m.sites))
	for _, s := range m.sites {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryClient) GetSiteByID(_ context.Context, domain string) (SiteMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[domain]
	if !ok {
		return SiteMeta{}, fmt.Errorf("etl: site %s not found", domain)
	}
	return s, nil
}
