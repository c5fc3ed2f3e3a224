package classify

import (
	"errors"
	"testing"
	"time"
)

func TestClassify_Ordered(t *testing.T) {
	cases := []struct {
		msg  string
		want Class
	}{
		{"Target/page/context/browser has been closed.", ClassBrowserClosed},
		{"Websocket connection dropped", ClassBrowserClosed},
		{"failed to load scraper for domain x", ClassMissingExtractor},
		{"cannot find module 'extractor-x'", ClassMissingExtractor},
		{"net::ERR_ABORTED while navigating", ClassNetwork},
		{"context deadline exceeded (timeout)", ClassNetwork},
		{"connection reset by peer", ClassNetwork},
		{"something totally unexpected happened", ClassOther},
	}
	for _, c := range cases {
		if got := Classify(errors.New(c.msg)); got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestDecide_BrowserClosed_InvalidatesSessionOnly(t *testing.T) {
	a := Decide(errors.New("browser disconnected"), 0, 2)
	if !a.InvalidateSession || a.MarkFailed || a.MarkInvalid || a.Retry {
		t.Fatalf("unexpected action: %+v", a)
	}
}

func TestDecide_MissingExtractor_Terminal(t *testing.T) {
	a := Decide(errors.New("cannot find module foo"), 0, 2)
	if !a.MarkInvalid || a.Retry {
		t.Fatalf("unexpected action: %+v", a)
	}
}

func TestDecide_Network_RetriesWithBackoff(t *testing.T) {
	a := Decide(errors.New("connection timeout"), 0, 2)
	if !a.Retry || a.Backoff != 2*time.Second {
		t.Fatalf("unexpected action on attempt 0: %+v", a)
	}
	a1 := Decide(errors.New("connection timeout"), 1, 2)
	if !a1.Retry || a1.Backoff != 4*time.Second {
		t.Fatalf("unexpected action on attempt 1: %+v", a1)
	}
}

func TestDecide_Network_ExhaustedMarksFailedAndBlocks(t *testing.T) {
	a := Decide(errors.New("connection timeout"), 2, 2)
	if a.Retry || !a.MarkFailed || !a.BlockProxyIfDatacenter {
		t.Fatalf("unexpected action on exhausted attempts: %+v", a)
	}
}

func TestDecide_Other_MarksInvalidNoRetry(t *testing.T) {
	a := Decide(errors.New("unexpected panic in extractor"), 0, 2)
	if a.Retry || !a.MarkInvalid {
		t.Fatalf("unexpected action: %+v", a)
	}
}
