package capacity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	pkgerrors "github.com/platesaver/platesaver-backend/pkg/errors"
	"github.com/platesaver/platesaver-backend/pkg/logger"
	"github.com/platesaver/platesaver-backend/pkg/metrics"
)

// WindowKey identifies one sellable unit pool.
type WindowKey struct {
	OfferID  uuid.UUID
	Day      string
	WindowID string
}

// String implements fmt.Stringer.
func (k WindowKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.OfferID, k.Day, k.WindowID)
}

// Reservation reports the outcome of a reserve call.
type Reservation struct {
	Granted        bool
	RemainingAfter int
}

// SnapshotSource supplies the durable truth used to seed a counter on first
// access: the window's base capacity and the number of orders currently
// holding a unit.
type SnapshotSource interface {
	WindowSnapshot(ctx context.Context, key WindowKey) (base int, outstanding int, err error)
}

// Ledger tracks remaining units per offer window. Each window gets its own
// lockable cell so contention stays local to one key; cells are created on
// first access and never removed.
type Ledger struct {
	mu      sync.RWMutex
	entries map[WindowKey]*entry

	source  SnapshotSource
	logg    *logger.Logger
	metrics *metrics.CapacityMetrics
}

type entry struct {
	mu        sync.Mutex
	base      int
	remaining int
}

// NewLedger builds a capacity ledger seeded lazily from the given source.
func NewLedger(source SnapshotSource, logg *logger.Logger, m *metrics.CapacityMetrics) (*Ledger, error) {
	if source == nil {
		return nil, fmt.Errorf("snapshot source required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Ledger{
		entries: map[WindowKey]*entry{},
		source:  source,
		logg:    logg,
		metrics: m,
	}, nil
}

// ReserveOne atomically claims one unit if any remain. Two callers racing for
// the last unit observe exactly one grant.
func (l *Ledger) ReserveOne(ctx context.Context, key WindowKey) (Reservation, error) {
	e, _, err := l.entryFor(ctx, key)
	if err != nil {
		return Reservation{}, err
	}

	e.mu.Lock()
	granted := e.remaining > 0
	if granted {
		e.remaining--
	}
	remaining := e.remaining
	e.mu.Unlock()

	l.metrics.SetRemaining(key.String(), remaining)
	return Reservation{Granted: granted, RemainingAfter: remaining}, nil
}

// ReleaseOne returns one unit to the window, clamped at base capacity. A
// clamped release indicates a caller bug and is logged, never fatal.
func (l *Ledger) ReleaseOne(ctx context.Context, key WindowKey) error {
	e, created, err := l.entryFor(ctx, key)
	if err != nil {
		return err
	}
	if created {
		// The snapshot was taken after the releasing order already went
		// terminal in the store, so the fresh counter is already correct.
		e.mu.Lock()
		remaining := e.remaining
		e.mu.Unlock()
		l.metrics.SetRemaining(key.String(), remaining)
		return nil
	}

	e.mu.Lock()
	clamped := e.remaining >= e.base
	if !clamped {
		e.remaining++
	}
	remaining := e.remaining
	e.mu.Unlock()

	l.metrics.SetRemaining(key.String(), remaining)
	if clamped {
		l.metrics.IncOverRelease(key.String())
		logCtx := l.logg.WithWindow(ctx, key.String())
		l.logg.Warn(logCtx, "capacity release clamped at base capacity")
	}
	return nil
}

// Peek returns a point-in-time remaining count with no ordering guarantee
// relative to concurrent reservations.
func (l *Ledger) Peek(ctx context.Context, key WindowKey) (int, error) {
	e, _, err := l.entryFor(ctx, key)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	remaining := e.remaining
	e.mu.Unlock()
	return remaining, nil
}

// entryFor returns the cell for the key, creating it from a store snapshot on
// first access. The snapshot read happens outside both locks so a slow store
// never serializes unrelated windows.
func (l *Ledger) entryFor(ctx context.Context, key WindowKey) (*entry, bool, error) {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e, false, nil
	}

	base, outstanding, err := l.source.WindowSnapshot(ctx, key)
	if err != nil {
		return nil, false, err
	}
	remaining := base - outstanding
	if remaining < 0 {
		remaining = 0
	}
	if remaining > base {
		remaining = base
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[key]; ok {
		return existing, false, nil
	}
	e = &entry{base: base, remaining: remaining}
	l.entries[key] = e
	return e, true, nil
}

// ErrUnknownWindow builds the not-found error snapshot sources return for
// windows that were never published.
func ErrUnknownWindow(key WindowKey) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "offer window not found").
		WithDetails(map[string]string{"window": key.String()})
}
