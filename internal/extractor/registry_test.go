package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/mushstyle/fleetscrape/internal/types"
)

type stubExtractor struct{ id string }

func (s stubExtractor) ID() string { return s.id }
func (s stubExtractor) GetItemURLs(ctx context.Context, page Page) ([]string, error) {
	return []string{"https://x.com/1"}, nil
}
func (s stubExtractor) Paginate(ctx context.Context, page Page) (bool, error) { return false, nil }
func (s stubExtractor) ScrapeItem(ctx context.Context, page Page) (types.ItemRecord, error) {
	return types.ItemRecord{SourceURL: "https://x.com/1"}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(stubExtractor{id: "shop-com"})
	e, err := r.Get("shop-com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.ID() != "shop-com" {
		t.Fatalf("got id %q", e.ID())
	}
}

func TestRegistry_MissingExtractor(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("nope")
	if !errors.Is(err, ErrMissingExtractor) {
		t.Fatalf("expected ErrMissingExtractor, got %v", err)
	}
}

func TestRegistry_ReRegisterOverwrites(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(stubExtractor{id: "a"})
	r.Register(stubExtractor{id: "a"})
	if len(r.IDs()) != 1 {
		t.Fatalf("expected 1 id after re-register, got %v", r.IDs())
	}
}
