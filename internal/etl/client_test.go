package etl

import (
	"context"
	"testing"

	"github.com/mushstyle/fleetscrape/internal/types"
)

func TestMemoryClient_CreateFetchFinalize(t *testing.T) {
	c := NewMemoryClient(nil)
	ctx := context.Background()

	run, err := c.CreateRun(ctx, "shop.com", []string{"https://shop.com/a", "https://shop.com/b"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != types.RunProcessing || len(run.Items) != 2 {
		t.Fatalf("unexpected run: %+v", run)
	}

	got, err := c.FetchRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("FetchRun: %v", err)
	}
	if got.ID != run.ID {
		t.Fatalf("expected fetched run to match created run, got %+v", got)
	}

	if err := c.FinalizeRun(ctx, run.ID); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}
	got, _ = c.FetchRun(ctx, run.ID)
	if got.Status != types.RunCompleted {
		t.Fatalf("expected completed status, got %s", got.Status)
	}
}

func TestMemoryClient_FetchRun_UnknownID(t *testing.T) {
	c := NewMemoryClient(nil)
	if _, err := c.FetchRun(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown run ID")
	}
}

func TestMemoryClient_UpdateRunItem(t *testing.T) {
	c := NewMemoryClient(nil)
	ctx := context.Background()
	run, _ := c.CreateRun(ctx, "shop.com", []string{"https://shop.com/a"})

	done := true
	if err := c.UpdateRunItem(ctx, run.ID, "https://shop.com/a", ItemChanges{Done: &done}); err != nil {
		t.Fatalf("UpdateRunItem: %v", err)
	}

	got, _ := c.FetchRun(ctx, run.ID)
	if !got.Items[0].Done {
		t.Fatalf("expected item marked done, got %+v", got.Items[0])
	}
}

func TestMemoryClient_UpdateRunItem_UnknownURL(t *testing.T) {
	c := NewMemoryClient(nil)
	ctx := context.Background()
	run, _ := c.CreateRun(ctx, "shop.com", []string{"https://shop.com/a"})

	if err := c.UpdateRunItem(ctx, run.ID, "https://shop.com/missing", ItemChanges{}); err == nil {
		t.Fatal("expected error for url not in run")
	}
}

func TestMemoryClient_ListRuns_FiltersByDomainAndStatus(t *testing.T) {
	c := NewMemoryClient(nil)
	ctx := context.Background()
	a, _ := c.CreateRun(ctx, "shop.com", nil)
	_, _ = c.CreateRun(ctx, "other.com", nil)
	_ = c.FinalizeRun(ctx, a.ID)

	runs, err := c.ListRuns(ctx, RunFilter{Domain: "shop.com"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Domain != "shop.com" {
		t.Fatalf("expected one shop.com run, got %+v", runs)
	}

	completed, err := c.ListRuns(ctx, RunFilter{Status: types.RunCompleted})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != a.ID {
		t.Fatalf("expected only the finalized run, got %+v", completed)
	}
}

func TestMemoryClient_AddItems_RejectsMissingSourceURL(t *testing.T) {
	c := NewMemoryClient(nil)
	res, err := c.AddItems(context.Background(), []types.ItemRecord{
		{SourceURL: "https://shop.com/a", Domain: "shop.com"},
		{Domain: "shop.com"},
	})
	if err != nil {
		t.Fatalf("AddItems: %v", err)
	}
	if len(res.Successful) != 1 || res.Successful[0] != "https://shop.com/a" {
		t.Fatalf("expected one successful item, got %+v", res.Successful)
	}
	if len(res.Failed) != 1 {
		t.Fatalf("expected one failed item, got %+v", res.Failed)
	}
}

func TestMemoryClient_GetSites(t *testing.T) {
	c := NewMemoryClient([]SiteMeta{
		{Domain: "shop.com", StartPages: []string{"https://shop.com/new"}, ExtractorID: "shop-v1"},
	})

	site, err := c.GetSiteByID(context.Background(), "shop.com")
	if err != nil {
		t.Fatalf("GetSiteByID: %v", err)
	}
	if site.ExtractorID != "shop-v1" {
		t.Fatalf("unexpected site meta: %+v", site)
	}

	all, err := c.GetSites(context.Background())
	if err != nil {
		t.Fatalf("GetSites: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one site, got %d", len(all))
	}
}

func TestMemoryClient_GetSiteByID_Unknown(t *testing.T) {
	c := NewMemoryClient(nil)
	if _, err := c.GetSiteByID(context.Background(), "nope.com"); err == nil {
		t.Fatal("expected error for unknown site")
	}
}
