package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/mushstyle/fleetscrape/internal/etl"
)

func TestEngine_ScrapeItem_HappyPath(t *testing.T) {
	store := etl.NewMemoryClient(nil)
	ctx := context.Background()
	run, err := store.CreateRun(ctx, "shop.com", []string{"https://shop.com/item/1", "https://shop.com/item/2"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	driver := fakeDriver{}
	sm := newTestSiteManager(t, store, "shop.com", "https://shop.com/new", "shop-com")
	smgr := newTestSessionManager(t, driver)
	reg := newTestRegistry()
	reg.Register(&fakeExtractor{id: "shop-com"})

	e := New(smgr, sm, reg, driver, nil, store, nil, nil)

	result := e.ScrapeItem(ctx, ScrapeItemOptions{
		BatchOptions: BatchOptions{Sites: []string{"shop.com"}, InstanceLimit: 2},
	})

	if result.ItemsScraped != 2 {
		t.Fatalf("expected 2 items scraped, got %d (errors: %v)", result.ItemsScraped, result.Errors)
	}
	if result.ItemsFailed != 0 {
		t.Fatalf("expected no failed items, got %d", result.ItemsFailed)
	}

	updated, err := store.FetchRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("FetchRun: %v", err)
	}
	for _, item := range updated.Items {
		if !item.Done {
			t.Errorf("expected item %s marked done, got %+v", item.URL, item)
		}
	}
}

func TestEngine_ScrapeItem_NoSaveSkipsUploadAndDone(t *testing.T) {
	store := etl.NewMemoryClient(nil)
	ctx := context.Background()
	run, err := store.CreateRun(ctx, "shop.com", []string{"https://shop.com/item/1"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	driver := fakeDriver{}
	sm := newTestSiteManager(t, store, "shop.com", "https://shop.com/new", "shop-com")
	smgr := newTestSessionManager(t, driver)
	reg := newTestRegistry()
	reg.Register(&fakeExtractor{id: "shop-com"})

	e := New(smgr, sm, reg, driver, nil, store, nil, nil)

	result := e.ScrapeItem(ctx, ScrapeItemOptions{
		BatchOptions: BatchOptions{Sites: []string{"shop.com"}, InstanceLimit: 2, NoSave: true},
	})

	if result.ItemsScraped != 1 {
		t.Fatalf("expected 1 item scraped, got %d (errors: %v)", result.ItemsScraped, result.Errors)
	}

	updated, err := store.FetchRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("FetchRun: %v", err)
	}
	if updated.Items[0].Done {
		t.Errorf("expected item not marked done with NoSave set, got %+v", updated.Items[0])
	}
}

func TestEngine_ScrapeItem_UploadFailureDoesNotMarkDone(t *testing.T) {
	store := etl.NewMemoryClient(nil)
	ctx := context.Background()
	run, err := store.CreateRun(ctx, "shop.com", []string{"https://shop.com/item/1"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	failing := &failingAddItemsStore{Client: store, err: errors.New("upload unavailable")}

	driver := fakeDriver{}
	sm := newTestSiteManager(t, failing, "shop.com", "https://shop.com/new", "shop-com")
	smgr := newTestSessionManager(t, driver)
	reg := newTestRegistry()
	reg.Register(&fakeExtractor{id: "shop-com"})

	e := New(smgr, sm, reg, driver, nil, failing, nil, nil)

	result := e.ScrapeItem(ctx, ScrapeItemOptions{
		BatchOptions: BatchOptions{Sites: []string{"shop.com"}, InstanceLimit: 2},
	})

	if result.ItemsScraped != 1 {
		t.Fatalf("expected the scrape itself to still succeed, got %d scraped (errors: %v)", result.ItemsScraped, result.Errors)
	}
	if _, ok := result.Errors["https://shop.com/item/1"]; !ok {
		t.Fatalf("expected the upload failure recorded as an error, got %v", result.Errors)
	}

	updated, err := store.FetchRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("FetchRun: %v", err)
	}
	if updated.Items[0].Done {
		t.Errorf("expected item left unmarked after a failed upload, got %+v", updated.Items[0])
	}
}

func TestEngine_ScrapeItem_ExtractorErrorMarksFailed(t *testing.T) {
	store := etl.NewMemoryClient(nil)
	ctx := context.Background()
	run, err := store.CreateRun(ctx, "shop.com", []string{"https://shop.com/item/1"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	driver := fakeDriver{}
	sm := newTestSiteManager(t, store, "shop.com", "https://shop.com/new", "shop-com")
	smgr := newTestSessionManager(t, driver)
	reg := newTestRegistry()
	reg.Register(&fakeExtractor{id: "shop-com", scrapeErr: map[string]error{
		"https://shop.com/item/1": errNavTimeout,
	}})

	e := New(smgr, sm, reg, driver, nil, store, nil, nil)

	result := e.ScrapeItem(ctx, ScrapeItemOptions{
		BatchOptions: BatchOptions{Sites: []string{"shop.com"}, InstanceLimit: 2, MaxRetries: 0},
	})

	if result.ItemsFailed != 1 {
		t.Fatalf("expected 1 failed item, got %d", result.ItemsFailed)
	}
	if _, ok := result.Errors["https://shop.com/item/1"]; !ok {
		t.Fatalf("expected error recorded for the item, got %v", result.Errors)
	}

	updated, err := store.FetchRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("FetchRun: %v", err)
	}
	if updated.Items[0].Failed == 0 {
		t.Errorf("expected item marked failed in the store, got %+v", updated.Items[0])
	}
}
