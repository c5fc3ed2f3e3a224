package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mushstyle/fleetscrape/internal/cache"
	"github.com/mushstyle/fleetscrape/internal/etl"
	"github.com/mushstyle/fleetscrape/internal/extractor"
	"github.com/mushstyle/fleetscrape/internal/session"
	"github.com/mushstyle/fleetscrape/internal/types"
)

// errNavTimeout is classified ClassNetwork by internal/classify (its
// message contains "timeout"), used by tests that exercise the
// retry/exhaustion path.
var errNavTimeout = errors.New("navigation timeout exceeded")

// fakeDriver satisfies engine.Driver without touching chromedp: Open just
// stamps a handle string, OpenPage returns the URL itself as the page value
// (fakeExtractor below type-asserts it back).
type fakeDriver struct {
	openErr    error
	openPageErr map[string]error // url -> error to fail that navigation with
}

func (d fakeDriver) Open(req types.CreateSessionRequest, id string) (any, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return fmt.Sprintf("handle-%s-%s", req.Domain, id), nil
}

func (d fakeDriver) Close(handle any) error { return nil }

func (d fakeDriver) OpenPage(ctx context.Context, handle any, url string, c *cache.Cache, blockImages bool, timeout time.Duration) (any, error) {
	if err, ok := d.openPageErr[url]; ok {
		return nil, err
	}
	return url, nil
}

// fakeExtractor returns a fixed set of item URLs for every listing page and
// reports another page only paginateN times (never, when paginateN is 0),
// keeping pagination tests single-pass by default.
type fakeExtractor struct {
	id         string
	itemURLs   []string
	scrapeErr  map[string]error
	paginateN  int // how many times Paginate reports "advanced" before stopping
	paginateMu sync.Mutex
	calls      int
}

func (e *fakeExtractor) ID() string { return e.id }

func (e *fakeExtractor) GetItemURLs(ctx context.Context, page extractor.Page) ([]string, error) {
	return e.itemURLs, nil
}

func (e *fakeExtractor) Paginate(ctx context.Context, page extractor.Page) (bool, error) {
	e.paginateMu.Lock()
	defer e.paginateMu.Unlock()
	if e.calls < e.paginateN {
		e.calls++
		return true, nil
	}
	return false, nil
}

func (e *fakeExtractor) ScrapeItem(ctx context.Context, page extractor.Page) (types.ItemRecord, error) {
	url, _ := page.(string)
	if err, ok := e.scrapeErr[url]; ok {
		return types.ItemRecord{}, err
	}
	return types.ItemRecord{SourceURL: url, Fields: map[string]any{"title": "item"}}, nil
}

// failingAddItemsStore wraps a real etl.Client but always fails AddItems,
// letting tests exercise the upload-failure path without a fake that has to
// reimplement the rest of the Client contract.
type failingAddItemsStore struct {
	etl.Client
	err error
}

func (s *failingAddItemsStore) AddItems(ctx context.Context, batch []types.ItemRecord) (etl.UploadResult, error) {
	return etl.UploadResult{}, s.err
}

func newTestSessionManager(t *testing.T, driver Driver) *session.Manager {
	t.Helper()
	return session.New(5, driver.Open, driver.Close, zap.NewNop())
}

func newTestRegistry() *extractor.Registry {
	return extractor.NewRegistry(zap.NewNop())
}
