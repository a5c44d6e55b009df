// Package setup materializes everything one execution needs before the
// sandbox starts: code, decrypted env material, per-user secrets, the
// caller profile, and the upstream database binding. The fetches are
// independent, so they fan out and join.
package setup

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ultralight-ai/mcp-host/internal/ai"
	"github.com/ultralight-ai/mcp-host/internal/app"
	"github.com/ultralight-ai/mcp-host/internal/codecache"
	"github.com/ultralight-ai/mcp-host/internal/envcrypt"
	"github.com/ultralight-ai/mcp-host/internal/store"
)

// Store is the repository slice the orchestrator reads.
type Store interface {
	GetUser(ctx context.Context, userID string) (*store.User, error)
	GetUserSecrets(ctx context.Context, userID, appID string) (map[string]string, error)
	GetUpstreamDBConfig(ctx context.Context, configID string) (*store.UpstreamDBConfig, error)
}

// AIFactory builds the model caller for a decrypted provider key. The
// provider name is informational: every stored provider routes through
// the same OpenAI-compatible endpoint.
type AIFactory func(provider, apiKey string) ai.Caller

// MissingSecretsError reports required per-user secrets the caller has
// not connected yet. It fails the call before any sandbox work starts.
type MissingSecretsError struct {
	Keys []string
}

func (e *MissingSecretsError) Error() string {
	return "missing required secrets: " + strings.Join(e.Keys, ", ")
}

// Result is the joined material for one execution.
type Result struct {
	Code       codecache.Entry
	Env        map[string]string
	Profile    *store.User
	AI         ai.Caller
	UpstreamDB string
}

// Orchestrator runs the parallel setup stage.
type Orchestrator struct {
	code     *codecache.Cache
	store    Store
	envelope *envcrypt.Envelope
	ai       AIFactory
	log      *zap.Logger
}

func NewOrchestrator(code *codecache.Cache, st Store, envelope *envcrypt.Envelope, aiFactory AIFactory, log *zap.Logger) *Orchestrator {
	return &Orchestrator{code: code, store: st, envelope: envelope, ai: aiFactory, log: log}
}

// Prepare assembles the execution material for one (app, user) pair.
// Code and profile fetches are hard failures; a single undecryptable
// env var or secret is skipped, and secrets the app requires must all
// survive decryption or the call stops with MissingSecretsError.
func (o *Orchestrator) Prepare(ctx context.Context, a *app.App, userID string) (*Result, error) {
	res := &Result{}
	var (
		universal map[string]string
		secrets   map[string]string
		explicit  *store.UpstreamDBConfig
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		entry, err := o.code.Load(gctx, a.ID, a.StorageKey)
		if err != nil {
			return fmt.Errorf("load code: %w", err)
		}
		res.Code = entry
		return nil
	})

	g.Go(func() error {
		universal = o.decryptAll(a.ID, a.EnvVars, "env var")
		return nil
	})

	g.Go(func() error {
		if !a.HasPerUserKeys() {
			return nil
		}
		enc, err := o.store.GetUserSecrets(gctx, userID, a.ID)
		if err != nil {
			return fmt.Errorf("fetch secrets: %w", err)
		}
		secrets = o.decryptAll(a.ID, enc, "secret")
		return nil
	})

	g.Go(func() error {
		u, err := o.store.GetUser(gctx, userID)
		if err != nil {
			return fmt.Errorf("fetch profile: %w", err)
		}
		res.Profile = u
		return nil
	})

	g.Go(func() error {
		if a.UpstreamDBConfigID == "" {
			return nil
		}
		cfg, err := o.store.GetUpstreamDBConfig(gctx, a.UpstreamDBConfigID)
		if err != nil {
			return fmt.Errorf("fetch upstream config: %w", err)
		}
		explicit = cfg
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range a.RequiredPerUserKeys() {
		if _, ok := secrets[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingSecretsError{Keys: missing}
	}

	// Per-user values shadow universal ones of the same name.
	env := make(map[string]string, len(universal)+len(secrets))
	for k, v := range universal {
		env[k] = v
	}
	for k, v := range secrets {
		env[k] = v
	}
	res.Env = env

	res.UpstreamDB = o.resolveUpstream(a, explicit, res.Profile)
	res.AI = o.bindAI(res.Profile)
	return res, nil
}

// AIFor resolves just the caller's model binding, for paths that skip
// the full fan-out.
func (o *Orchestrator) AIFor(ctx context.Context, userID string) ai.Caller {
	u, err := o.store.GetUser(ctx, userID)
	if err != nil {
		o.log.Warn("profile fetch for ai binding failed", zap.String("user_id", userID), zap.Error(err))
		return ai.Unconfigured{}
	}
	return o.bindAI(u)
}

// decryptAll opens every envelope in enc, dropping entries that fail.
// A dropped required secret surfaces later as missing, which tells the
// caller to reconnect it instead of handing the app garbage.
func (o *Orchestrator) decryptAll(appID string, enc map[string]string, kind string) map[string]string {
	if len(enc) == 0 {
		return nil
	}
	out := make(map[string]string, len(enc))
	for key, blob := range enc {
		plain, _, err := o.envelope.Decrypt(blob)
		if err != nil {
			o.log.Warn("undecryptable "+kind+" skipped",
				zap.String("app_id", appID),
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		out[key] = plain
	}
	return out
}

// resolveUpstream picks the app's database binding: an explicit config
// row wins, then the legacy blob on the app, then the user's platform
// config. Undecryptable candidates fall through to the next one.
func (o *Orchestrator) resolveUpstream(a *app.App, explicit *store.UpstreamDBConfig, profile *store.User) string {
	if explicit != nil && explicit.ConfigEncrypted != "" {
		if plain, _, err := o.envelope.Decrypt(explicit.ConfigEncrypted); err == nil {
			return plain
		} else {
			o.log.Warn("explicit upstream config undecryptable", zap.String("app_id", a.ID), zap.Error(err))
		}
	}
	if a.UpstreamDBConfigEncrypted != "" {
		if plain, _, err := o.envelope.Decrypt(a.UpstreamDBConfigEncrypted); err == nil {
			return plain
		} else {
			o.log.Warn("legacy upstream config undecryptable", zap.String("app_id", a.ID), zap.Error(err))
		}
	}
	if profile != nil && profile.UpstreamDBConfigEncrypted != "" {
		if plain, _, err := o.envelope.Decrypt(profile.UpstreamDBConfigEncrypted); err == nil {
			return plain
		} else {
			o.log.Warn("user upstream config undecryptable", zap.String("user_id", profile.ID), zap.Error(err))
		}
	}
	return ""
}

// bindAI turns the profile's BYOK state into a caller. Anything short
// of a decryptable key degrades to the unconfigured stub; ai() then
// reports the condition instead of the call failing.
func (o *Orchestrator) bindAI(profile *store.User) ai.Caller {
	if profile == nil || !profile.BYOKEnabled || profile.BYOKAPIKeyEncrypted == "" {
		return ai.Unconfigured{}
	}
	key, _, err := o.envelope.Decrypt(profile.BYOKAPIKeyEncrypted)
	if err != nil {
		o.log.Warn("byok key undecryptable", zap.String("user_id", profile.ID), zap.Error(err))
		return ai.Unconfigured{}
	}
	return o.ai(profile.BYOKProvider, key)
}
