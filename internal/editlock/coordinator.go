// Package editlock tracks which live session is editing which record so
// other sessions can show the field as busy.
package editlock

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTimeout is how long an untouched lock survives.
	DefaultTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often expired locks are collected.
	DefaultSweepInterval = 30 * time.Second

	// EventLockState is broadcast whenever a lock appears or disappears.
	EventLockState = "lockState"
)

// Lock states carried in LockState events.
const (
	StateEditing = "EDITING"
	StateIdle    = "IDLE"
)

// Publisher delivers lock state changes to a store room.
type Publisher interface {
	Publish(room, event string, payload any)
}

// Gauge reports the number of held locks.
type Gauge interface {
	SetActiveLocks(n int)
}

// Entry is a held edit-lock.
type Entry struct {
	StoreID     string    `json:"storeId"`
	ProductCode string    `json:"productCode"`
	SessionID   string    `json:"sessionId"`
	Field       string    `json:"field"`
	AcquiredAt  time.Time `json:"acquiredAt"`
}

// LockState is the broadcast payload of EventLockState.
type LockState struct {
	ProductCode string `json:"productCode"`
	Field       string `json:"field,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	State       string `json:"state"`
}

type key struct {
	store string
	code  string
}

// Config tunes Coordinator.
type Config struct {
	Timeout       time.Duration
	SweepInterval time.Duration
}

// Coordinator holds advisory edit-locks in memory. Locks are last-writer-wins:
// acquiring a held lock takes it over. Locks are not shared across instances.
type Coordinator struct {
	mu      sync.Mutex
	entries map[key]Entry

	cfg    Config
	events Publisher
	gauge  Gauge
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator constructs Coordinator.
func NewCoordinator(cfg Config, events Publisher, logger *slog.Logger) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		entries: make(map[key]Entry),
		cfg:     cfg,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

// SetGauge wires the active lock gauge.
func (c *Coordinator) SetGauge(g Gauge) {
	c.mu.Lock()
	c.gauge = g
	n := len(c.entries)
	c.mu.Unlock()
	if g != nil {
		g.SetActiveLocks(n)
	}
}

// WithNow overrides the clock for testing.
func (c *Coordinator) WithNow(now func() time.Time) {
	c.now = now
}

// Acquire records that session edits field of a product and broadcasts EDITING.
func (c *Coordinator) Acquire(storeID, productCode, sessionID, field string) Entry {
	entry := Entry{
		StoreID:     storeID,
		ProductCode: productCode,
		SessionID:   sessionID,
		Field:       field,
		AcquiredAt:  c.now(),
	}
	c.mu.Lock()
	prev, held := c.entries[key{storeID, productCode}]
	c.entries[key{storeID, productCode}] = entry
	n := len(c.entries)
	c.mu.Unlock()

	if held && prev.SessionID != sessionID {
		c.logger.Debug("edit lock taken over",
			slog.String("store", storeID),
			slog.String("product_code", productCode),
			slog.String("previous_session", prev.SessionID),
			slog.String("session", sessionID))
	}
	c.report(n)
	c.publish(storeID, LockState{ProductCode: productCode, Field: field, SessionID: sessionID, State: StateEditing})
	return entry
}

// Release drops the lock only when session and field both match the holder.
func (c *Coordinator) Release(storeID, productCode, sessionID, field string) bool {
	return c.releaseIf(storeID, productCode, func(e Entry) bool {
		return e.SessionID == sessionID && e.Field == field
	})
}

// ReleaseHeldBy drops the lock on a product when session holds it, whatever
// the field.
func (c *Coordinator) ReleaseHeldBy(storeID, productCode, sessionID string) bool {
	return c.releaseIf(storeID, productCode, func(e Entry) bool {
		return e.SessionID == sessionID
	})
}

func (c *Coordinator) releaseIf(storeID, productCode string, match func(Entry) bool) bool {
	k := key{storeID, productCode}
	c.mu.Lock()
	entry, ok := c.entries[k]
	if !ok || !match(entry) {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, k)
	n := len(c.entries)
	c.mu.Unlock()

	c.report(n)
	c.publish(storeID, LockState{ProductCode: productCode, Field: entry.Field, State: StateIdle})
	return true
}

// ReleaseAllForSession drops every lock a session holds, typically on disconnect.
func (c *Coordinator) ReleaseAllForSession(sessionID string) int {
	released := c.removeWhere(func(e Entry) bool { return e.SessionID == sessionID })
	for _, e := range released {
		c.publish(e.StoreID, LockState{ProductCode: e.ProductCode, Field: e.Field, State: StateIdle})
	}
	return len(released)
}

// SweepExpired drops locks older than maxAge.
func (c *Coordinator) SweepExpired(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	released := c.removeWhere(func(e Entry) bool { return e.AcquiredAt.Before(cutoff) })
	for _, e := range released {
		c.publish(e.StoreID, LockState{ProductCode: e.ProductCode, Field: e.Field, State: StateIdle})
	}
	if len(released) > 0 {
		c.logger.Info("expired edit locks released", slog.Int("count", len(released)))
	}
	return len(released)
}

func (c *Coordinator) removeWhere(match func(Entry) bool) []Entry {
	c.mu.Lock()
	var released []Entry
	for k, e := range c.entries {
		if match(e) {
			released = append(released, e)
			delete(c.entries, k)
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	if len(released) > 0 {
		c.report(n)
	}
	sort.Slice(released, func(i, j int) bool {
		if released[i].StoreID != released[j].StoreID {
			return released[i].StoreID < released[j].StoreID
		}
		return released[i].ProductCode < released[j].ProductCode
	})
	return released
}

// Snapshot lists the locks currently held in a store, ordered by product code.
func (c *Coordinator) Snapshot(storeID string) []Entry {
	c.mu.Lock()
	out := make([]Entry, 0)
	for k, e := range c.entries {
		if k.store == storeID {
			out = append(out, e)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProductCode < out[j].ProductCode })
	return out
}

// Run sweeps expired locks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpired(c.cfg.Timeout)
		}
	}
}

func (c *Coordinator) publish(storeID string, state LockState) {
	if c.events != nil {
		c.events.Publish(storeID, EventLockState, state)
	}
}

func (c *Coordinator) report(n int) {
	c.mu.Lock()
	g := c.gauge
	c.mu.Unlock()
	if g != nil {
		g.SetActiveLocks(n)
	}
}
