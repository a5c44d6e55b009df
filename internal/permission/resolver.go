package permission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/app"
	"github.com/ultralight-ai/mcp-host/internal/cache"
	"github.com/ultralight-ai/mcp-host/internal/store"
)

// Snapshot is the cached permission state for one (user, app) pair. A
// nil *Snapshot means unrestricted: owner, or public/unlisted app.
type Snapshot struct {
	mu      sync.Mutex
	allowed map[string]struct{}
	rows    []store.PermissionRow
}

// AllowsFunction reports whether fn carries an allowed=true row. A nil
// snapshot allows everything.
func (s *Snapshot) AllowsFunction(fn string) bool {
	if s == nil {
		return true
	}
	_, ok := s.allowed[fn]
	return ok
}

// Empty reports whether the user has no access at all, the case the
// dispatcher hides behind "App not found".
func (s *Snapshot) Empty() bool {
	return s != nil && len(s.allowed) == 0
}

// RowFor returns the allowed row for fn, or nil.
func (s *Snapshot) RowFor(fn string) *store.PermissionRow {
	if s == nil {
		return nil
	}
	for i := range s.rows {
		if s.rows[i].FunctionName == fn && s.rows[i].Allowed {
			return &s.rows[i]
		}
	}
	return nil
}

// PermissionStore is the slice of the repository the resolver needs.
type PermissionStore interface {
	ListPermissions(ctx context.Context, userID, appID string) ([]store.PermissionRow, error)
	IncrementBudgetUsed(ctx context.Context, rowID string, used int64) error
}

// ResolverOptions tune the snapshot cache.
type ResolverOptions struct {
	TTL      time.Duration
	Capacity int
	Now      func() time.Time
	OnLookup func(hit bool)
}

// Resolver loads and caches permission snapshots. Store failures
// resolve to an empty snapshot: unauthorized rather than unavailable.
type Resolver struct {
	store PermissionStore
	cache *cache.ExpiringLRU[*Snapshot]
	log   *zap.Logger
}

func NewResolver(st PermissionStore, log *zap.Logger, opts ResolverOptions) *Resolver {
	if opts.TTL == 0 {
		opts.TTL = time.Minute
	}
	if opts.Capacity == 0 {
		opts.Capacity = 2048
	}
	return &Resolver{
		store: st,
		cache: cache.New[*Snapshot](cache.Options{
			Expiration: opts.TTL,
			Capacity:   opts.Capacity,
			Now:        opts.Now,
			OnLookup:   opts.OnLookup,
		}),
		log: log,
	}
}

// Resolve returns the permission snapshot for (user, app): nil when the
// user is the owner or the app is public/unlisted, a denied-or-allowed
// snapshot otherwise. Denied users are cached the same as allowed ones
// so probes do not hammer the store.
func (r *Resolver) Resolve(ctx context.Context, userID string, a *app.App) *Snapshot {
	if userID == a.OwnerID || a.Visibility == "public" || a.Visibility == "unlisted" {
		return nil
	}

	key := userID + "|" + a.ID
	snap, err := r.cache.Get(ctx, key, func() (*Snapshot, error) {
		rows, err := r.store.ListPermissions(ctx, userID, a.ID)
		if err != nil {
			return nil, err
		}
		allowed := make(map[string]struct{})
		for _, row := range rows {
			if row.Allowed {
				allowed[row.FunctionName] = struct{}{}
			}
		}
		return &Snapshot{allowed: allowed, rows: rows}, nil
	})
	if err != nil {
		r.log.Warn("permission lookup failed, denying",
			zap.String("user_id", userID), zap.String("app_id", a.ID), zap.Error(err))
		return &Snapshot{allowed: map[string]struct{}{}}
	}
	return snap
}

// Invalidate drops the cached snapshot for (user, app); the admin API
// calls it on every permission write.
func (r *Resolver) Invalidate(userID, appID string) {
	r.cache.Delete(context.Background(), userID+"|"+appID)
}

// Admit applies row's constraints and, on admit, consumes one unit of
// any budget the row carries. Comparison and increment share the
// snapshot lock, so a budget of N admits exactly N calls no matter how
// they interleave. The increment is persisted best-effort off the
// request path. A nil snapshot or row constrains nothing and admits.
func (r *Resolver) Admit(snap *Snapshot, row *store.PermissionRow, clientIP string, now time.Time, args map[string]any) Decision {
	if snap == nil || row == nil {
		return Decision{Allowed: true}
	}

	snap.mu.Lock()
	d := Check(row, clientIP, now, args)
	if !d.Allowed || row.BudgetLimit == nil {
		snap.mu.Unlock()
		return d
	}
	row.BudgetUsed++
	used := row.BudgetUsed
	snap.mu.Unlock()

	rowID := row.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.IncrementBudgetUsed(ctx, rowID, used); err != nil {
			r.log.Warn("budget increment not persisted",
				zap.String("row_id", rowID), zap.Error(err))
		}
	}()
	return d
}
