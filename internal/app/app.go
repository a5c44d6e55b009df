// Package app models a hosted app as the immutable snapshot one request
// works against: identity, visibility, advertised tools, pricing, and the
// encrypted configuration the setup stage later materializes.
package app

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

// defaultInputSchema advertises an unconstrained object for functions
// whose author supplied no schema.
var defaultInputSchema = json.RawMessage(`{"type":"object","additionalProperties":true}`)

// Tool is one callable function an app advertises.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// App is the request-scoped snapshot of one hosted app.
type App struct {
	ID             string
	Slug           string
	Name           string
	Description    string
	OwnerID        string
	Visibility     string
	StorageKey     string
	CurrentVersion string
	SkillsMD       string

	Tools []Tool

	EnvVars   map[string]string
	EnvSchema map[string]store.EnvVarSchema

	RateLimit *store.RateLimitConfig
	Pricing   map[string]int64

	HostingSuspended bool

	UpstreamDBConfigID        string
	UpstreamDBConfigEncrypted string
}

// manifest is the structured function list current uploads carry.
type manifest struct {
	Functions []struct {
		Name         string          `json:"name"`
		Title        string          `json:"title"`
		Description  string          `json:"description"`
		InputSchema  json.RawMessage `json:"input_schema"`
		OutputSchema json.RawMessage `json:"output_schema"`
	} `json:"functions"`
}

// legacySkill is one entry of the skills_parsed list older uploads carry.
type legacySkill struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FromRecord builds the snapshot from a store row, preferring the
// manifest over the legacy parsed skills.
func FromRecord(rec *store.App) (*App, error) {
	a := &App{
		ID:             rec.ID,
		Slug:           rec.Slug,
		Name:           rec.Name,
		Description:    rec.Description,
		OwnerID:        rec.OwnerID,
		Visibility:     rec.Visibility,
		StorageKey:     rec.StorageKey,
		CurrentVersion: rec.CurrentVersion,
		SkillsMD:       rec.SkillsMD,

		EnvVars:   rec.EnvVars,
		EnvSchema: rec.EnvSchema,
		RateLimit: rec.RateLimitConfig,
		Pricing:   rec.PricingConfig,

		HostingSuspended: rec.HostingSuspended,

		UpstreamDBConfigID:        rec.UpstreamDBConfigID,
		UpstreamDBConfigEncrypted: rec.UpstreamDBConfigEncrypted,
	}
	if a.Name == "" {
		a.Name = a.Slug
	}

	tools, err := parseTools(rec)
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", rec.ID, err)
	}
	a.Tools = tools
	return a, nil
}

func parseTools(rec *store.App) ([]Tool, error) {
	if len(rec.Manifest) > 0 && string(rec.Manifest) != "null" {
		var m manifest
		if err := json.Unmarshal(rec.Manifest, &m); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		tools := make([]Tool, 0, len(m.Functions))
		for _, fn := range m.Functions {
			if fn.Name == "" {
				continue
			}
			t := Tool{
				Name:         fn.Name,
				Title:        fn.Title,
				Description:  fn.Description,
				InputSchema:  fn.InputSchema,
				OutputSchema: fn.OutputSchema,
			}
			if len(t.InputSchema) == 0 {
				t.InputSchema = defaultInputSchema
			}
			tools = append(tools, t)
		}
		return tools, nil
	}

	if len(rec.SkillsParsed) > 0 && string(rec.SkillsParsed) != "null" {
		var skills []legacySkill
		if err := json.Unmarshal(rec.SkillsParsed, &skills); err != nil {
			return nil, fmt.Errorf("parse skills: %w", err)
		}
		tools := make([]Tool, 0, len(skills))
		for _, s := range skills {
			if s.Name == "" {
				continue
			}
			t := Tool{
				Name:        s.Name,
				Description: s.Description,
				InputSchema: s.Parameters,
			}
			if len(t.InputSchema) == 0 {
				t.InputSchema = defaultInputSchema
			}
			tools = append(tools, t)
		}
		return tools, nil
	}

	return nil, nil
}

// HasFunction reports whether the app advertises fn.
func (a *App) HasFunction(fn string) bool {
	for _, t := range a.Tools {
		if t.Name == fn {
			return true
		}
	}
	return false
}

// PriceCents resolves the per-call price for fn: an exact entry, then
// the "default" entry, then free.
func (a *App) PriceCents(fn string) int64 {
	if a.Pricing == nil {
		return 0
	}
	if p, ok := a.Pricing[fn]; ok {
		return p
	}
	return a.Pricing["default"]
}

// RequiredPerUserKeys lists the env keys the schema declares as
// per-user and required, sorted for stable error payloads.
func (a *App) RequiredPerUserKeys() []string {
	var keys []string
	for key, schema := range a.EnvSchema {
		if schema.Scope == "per_user" && schema.Required {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// HasPerUserKeys reports whether any declared env var is per-user
// scoped, required or not.
func (a *App) HasPerUserKeys() bool {
	for _, schema := range a.EnvSchema {
		if schema.Scope == "per_user" {
			return true
		}
	}
	return false
}

// SkillsDoc returns the app's documentation: the author's skills_md, or
// a generated summary of the advertised tools.
func (a *App) SkillsDoc() string {
	if a.SkillsMD != "" {
		return a.SkillsMD
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", a.Name)
	if a.Description != "" {
		b.WriteString(a.Description + "\n\n")
	}
	if len(a.Tools) > 0 {
		b.WriteString("## Functions\n\n")
		for _, t := range a.Tools {
			desc := t.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Fprintf(&b, "- `%s`: %s\n", t.Name, desc)
		}
	}
	return b.String()
}
