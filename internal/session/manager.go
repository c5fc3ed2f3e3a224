// Package session implements the fleet's Session Manager (spec §4.2): a
// mutex-guarded table of live browser sessions with a race-free batch
// create, stable IDs that the manager generates itself (not taken from the
// provider) and hands to the Opener, and an active-sessions query. It
// knows nothing about chromedp or any other driver — creation delegates to
// a caller-supplied Opener, so this package stays a pure bookkeeping layer.
package session

import (
	cryptorand "crypto/rand"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mushstyle/fleetscrape/internal/types"
)

// Opener opens one concrete session handle (a local chromedp browser, or a
// remote browser-as-a-service call). Returning an error fails only that one
// request; the batch continues.
type Opener func(req types.CreateSessionRequest, id string) (handle any, err error)

// Closer releases one session's handle.
type Closer func(handle any) error

// Manager owns the active-session table. Zero value is not usable; build
// one with New.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	cap      int
	open     Opener
	close    Closer
	log      *zap.Logger
}

// New builds a Manager with the given global session cap (spec default 5,
// applied by the caller if cap<=0 is undesired — here we apply it too so a
// zero-value Config can't silently disable capping).
func New(cap int, open Opener, closeFn Closer, log *zap.Logger) *Manager {
	if cap <= 0 {
		cap = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*types.Session),
		cap:      cap,
		open:     open,
		close:    closeFn,
		log:      log,
	}
}

// CreateSessions performs a race-free batch create: count currently-active
// sessions under the lock, allow min(len(requests), cap-active), then open
// that many outside the lock (provider I/O may block) and commit the
// successes back under the lock. A request that fails to open is logged
// and dropped; the rest of the batch still proceeds.
func (m *Manager) CreateSessions(requests []types.CreateSessionRequest) []*types.Session {
	m.mu.Lock()
	allowed := m.cap - len(m.sessions)
	m.mu.Unlock()

	if allowed <= 0 || len(requests) == 0 {
		return nil
	}
	if allowed < len(requests) {
		requests = requests[:allowed]
	}

	created := make([]*types.Session, 0, len(requests))
	for _, req := range requests {
		id := generateID()
		handle, err := m.open(req, id)
		if err != nil {
			m.log.Warn("session open failed", zap.String("domain", req.Domain), zap.Error(err))
			continue
		}
		sess := &types.Session{
			ID:          id,
			Domain:      req.Domain,
			Proxy:       req.Proxy,
			BrowserKind: req.BrowserKind,
			Headless:    req.Headless,
			TimeoutSec:  req.TimeoutSec,
			CreatedAt:   time.Now(),
			Handle:      handle,
		}
		created = append(created, sess)
	}

	m.mu.Lock()
	for _, sess := range created {
		m.sessions[sess.ID] = sess
	}
	m.mu.Unlock()

	return created
}

// GetActive returns a snapshot of every currently tracked session.
func (m *Manager) GetActive() []*types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Destroy closes one session's handle and removes it from tracking. A close
// failure is logged but the session is removed regardless — a session that
// won't close cleanly must not keep counting against the cap.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	if m.close != nil && sess.Handle != nil {
		if err := m.close(sess.Handle); err != nil {
			m.log.Warn("session close failed", zap.String("id", id), zap.Error(err))
		}
	}
}

// DestroyAll closes and removes every tracked session.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Destroy(id)
	}
}

// SetInUse flags a tracked session as in-use or idle for the engine's
// per-batch bookkeeping (spec §4.4 step c: "reset every session's inUse
// flag" then mark matched ones).
func (m *Manager) SetInUse(id string, inUse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.InUse = inUse
	}
}

// generateID derives a stable, provider-independent session ID so the
// engine can re-match the same logical session across batches without
// relying on slice position.
func generateID() string {
	b := make([]byte, 16)
	_, _ = cryptorand.Read(b)
	return fmt.Sprintf("sess-%x", b)
}
