package app

import (
	"context"
	"strings"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

// Loader resolves app snapshots from the relational store. It does no
// visibility checking; admission owns that.
type Loader struct {
	store *store.Client
}

func NewLoader(st *store.Client) *Loader {
	return &Loader{store: st}
}

// FindByID returns the snapshot for an app id, or nil when no such app
// exists.
func (l *Loader) FindByID(ctx context.Context, appID string) (*App, error) {
	rec, err := l.store.GetApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return FromRecord(rec)
}

// FindBySlug resolves "ownerId/slug" addressing, the form inter-app
// calls use. A ref without a slash is treated as a plain app id.
func (l *Loader) FindBySlug(ctx context.Context, ref string) (*App, error) {
	owner, slug, ok := strings.Cut(ref, "/")
	if !ok {
		return l.FindByID(ctx, ref)
	}
	rec, err := l.store.FindAppBySlug(ctx, owner, slug)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return FromRecord(rec)
}
