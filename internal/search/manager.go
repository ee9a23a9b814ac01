package search

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
)

// Backend selection values accepted by NewManagerForType.
const (
	TypeAuto   = "auto"
	TypeSystem = "system"
	TypeSQLite = "sqlite"
)

// Manager routes queries to a primary backend and fails over to a
// fallback. Once the primary reports itself unavailable, every later query
// goes to the fallback until RefreshAvailability finds the primary again.
type Manager struct {
	primary         Backend
	fallback        Backend
	primaryIsSystem bool

	usingFallback atomic.Bool
}

// NewManager creates a Manager. fallback may be nil. The primary's
// availability is probed once here.
func NewManager(ctx context.Context, primary, fallback Backend) *Manager {
	m := &Manager{
		primary:         primary,
		fallback:        fallback,
		primaryIsSystem: primary.Name() != BackendStorage,
	}
	if fallback != nil && !primary.Available(ctx) {
		slog.Info("primary search backend unavailable, using fallback",
			slog.String("primary", primary.Name()),
			slog.String("fallback", fallback.Name()))
		m.usingFallback.Store(true)
	}
	return m
}

// NewManagerForType builds a Manager for a configured backend type.
//
//   - "auto" or "": system search with the local index as fallback when the
//     system service is reachable now, otherwise the local index alone.
//   - "system": system search with the local index as fallback, even if the
//     service is currently down.
//   - "sqlite": the local index alone.
//
// system may be nil on platforms without a system search service.
func NewManagerForType(ctx context.Context, typ string, storage, system Backend) (*Manager, error) {
	switch typ {
	case TypeAuto, "":
		if system != nil && system.Available(ctx) {
			return NewManager(ctx, system, storage), nil
		}
		return NewManager(ctx, storage, nil), nil
	case TypeSystem:
		if system == nil {
			slog.Warn("no system search service on this platform, using the local index")
			return NewManager(ctx, storage, nil), nil
		}
		return NewManager(ctx, system, storage), nil
	case TypeSQLite:
		return NewManager(ctx, storage, nil), nil
	default:
		return nil, serrors.ValidationError("unknown search backend "+typ, nil).
			WithSuggestion("use one of: auto, system, sqlite")
	}
}

// Search answers q. It never fails: when every backend errors the result is
// empty and its backend name is "none".
func (m *Manager) Search(ctx context.Context, q Query) *Result {
	if q.MaxResults <= 0 {
		q.MaxResults = q.limit()
	}

	if m.usingFallback.Load() {
		b := m.fallback
		if b == nil {
			b = m.primary
		}
		res, err := b.Search(ctx, q)
		if err != nil {
			slog.Warn("search failed", slog.String("backend", b.Name()), slog.String("error", err.Error()))
			return Empty(BackendNone)
		}
		return res
	}

	res, err := m.primary.Search(ctx, q)
	if err == nil {
		return res
	}
	if m.fallback == nil {
		slog.Warn("search failed", slog.String("backend", m.primary.Name()), slog.String("error", err.Error()))
		return Empty(BackendNone)
	}

	if errors.Is(err, ErrUnavailable) {
		slog.Warn("primary search backend went away, switching to fallback",
			slog.String("primary", m.primary.Name()),
			slog.String("error", err.Error()))
		m.usingFallback.Store(true)
	} else {
		slog.Debug("primary search failed, retrying on fallback",
			slog.String("primary", m.primary.Name()),
			slog.String("error", err.Error()))
	}

	res, err = m.fallback.Search(ctx, q)
	if err != nil {
		slog.Warn("fallback search failed", slog.String("backend", m.fallback.Name()), slog.String("error", err.Error()))
		return Empty(BackendNone)
	}
	return res
}

// RefreshAvailability probes the primary again and leaves fallback mode if
// it is back.
func (m *Manager) RefreshAvailability(ctx context.Context) {
	if m.fallback == nil {
		return
	}
	available := m.primary.Available(ctx)
	if was := m.usingFallback.Swap(!available); was && available {
		slog.Info("primary search backend is back", slog.String("primary", m.primary.Name()))
	}
}

// NeedsIndexing reports whether the local index must be maintained, which
// is always except while a system service is answering queries.
func (m *Manager) NeedsIndexing() bool {
	return !m.primaryIsSystem || m.usingFallback.Load()
}

// BackendName is the name of the backend that will answer the next query.
func (m *Manager) BackendName() string {
	if m.usingFallback.Load() && m.fallback != nil {
		return m.fallback.Name()
	}
	return m.primary.Name()
}

// UsingFallback reports whether queries currently go to the fallback.
func (m *Manager) UsingFallback() bool {
	return m.usingFallback.Load()
}
