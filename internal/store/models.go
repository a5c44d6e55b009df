package store

import (
	"encoding/json"
	"time"
)

// User is a row in the users table. BalanceCents funds both tool calls
// the user makes and hosting for apps the user owns.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Tier          string     `json:"tier"`
	TierExpiresAt *time.Time `json:"tier_expires_at,omitempty"`
	BalanceCents  int64      `json:"balance_cents"`

	AutoTopupEnabled     bool  `json:"auto_topup_enabled"`
	AutoTopupThresholdCt int64 `json:"auto_topup_threshold_cents"`
	AutoTopupAmountCt    int64 `json:"auto_topup_amount_cents"`

	BYOKEnabled         bool   `json:"byok_enabled"`
	BYOKProvider        string `json:"byok_provider,omitempty"`
	BYOKAPIKeyEncrypted string `json:"byok_api_key_encrypted,omitempty"`

	// Platform-level upstream database config, the last fallback in the
	// setup resolution chain.
	UpstreamDBConfigEncrypted string `json:"upstream_db_config_encrypted,omitempty"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// EnvVarSchema describes one declared env var of an app.
type EnvVarSchema struct {
	Scope       string `json:"scope"` // universal | per_user
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// RateLimitConfig is the app author's own throttling on callers.
type RateLimitConfig struct {
	CallsPerMinute int64 `json:"calls_per_minute,omitempty"`
	CallsPerDay    int64 `json:"calls_per_day,omitempty"`
}

// App is a row in the apps table. Manifest and SkillsParsed stay raw
// here; the app package owns their interpretation.
type App struct {
	ID             string          `json:"id"`
	Slug           string          `json:"slug"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	OwnerID        string          `json:"owner_id"`
	Visibility     string          `json:"visibility"` // public | unlisted | private
	StorageKey     string          `json:"storage_key"`
	CurrentVersion string          `json:"current_version"`
	Manifest       json.RawMessage `json:"manifest,omitempty"`
	SkillsParsed   json.RawMessage `json:"skills_parsed,omitempty"`
	SkillsMD       string          `json:"skills_md,omitempty"`

	EnvVars   map[string]string       `json:"env_vars,omitempty"`   // key -> encrypted blob
	EnvSchema map[string]EnvVarSchema `json:"env_schema,omitempty"` // key -> declaration

	RateLimitConfig *RateLimitConfig `json:"rate_limit_config,omitempty"`
	PricingConfig   map[string]int64 `json:"pricing_config,omitempty"` // fn -> cents, "default" fallback

	HostingSuspended bool `json:"hosting_suspended"`

	UpstreamDBConfigID        string `json:"upstream_db_config_id,omitempty"`
	UpstreamDBConfigEncrypted string `json:"upstream_db_config_encrypted,omitempty"` // legacy app-level blob

	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// APIToken is a row in the api_tokens table. The secret is never stored;
// lookup is by SHA-256 hash of the full token.
type APIToken struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name,omitempty"`
	TokenHash   string     `json:"token_hash"`
	TokenPrefix string     `json:"token_prefix"`
	AppIDs      []string   `json:"app_ids,omitempty"`        // empty or ["*"] means unrestricted
	Functions   []string   `json:"function_names,omitempty"` // empty or ["*"] means unrestricted
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// TimeWindow restricts a permission row to local hours and weekdays.
type TimeWindow struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Days      []int  `json:"days,omitempty"` // 0=Sunday .. 6=Saturday
	Timezone  string `json:"timezone,omitempty"`
}

// PermissionRow authorizes one (user, app, function) tuple with optional
// constraints.
type PermissionRow struct {
	ID              string           `json:"id"`
	GrantedToUserID string           `json:"granted_to_user_id"`
	AppID           string           `json:"app_id"`
	FunctionName    string           `json:"function_name"`
	Allowed         bool             `json:"allowed"`
	AllowedIPs      []string         `json:"allowed_ips,omitempty"`
	TimeWindow      *TimeWindow      `json:"time_window,omitempty"`
	BudgetLimit     *int64           `json:"budget_limit,omitempty"`
	BudgetUsed      int64            `json:"budget_used"`
	BudgetPeriod    string           `json:"budget_period,omitempty"` // hour|day|week|month|lifetime
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	AllowedArgs     map[string][]any `json:"allowed_args,omitempty"`
	CreatedAt       *time.Time       `json:"created_at,omitempty"`
}

// UserSecret is one per-user per-app env var, encrypted at rest.
type UserSecret struct {
	UserID         string `json:"user_id"`
	AppID          string `json:"app_id"`
	Key            string `json:"key"`
	ValueEncrypted string `json:"value_encrypted"`
}

// KVRow is one entry of the per-user per-app storage the sandbox sees.
type KVRow struct {
	AppID     string          `json:"app_id"`
	UserID    string          `json:"user_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// MemoryRow is one cross-app memory entry. Scope is "app:<id>" or "user".
type MemoryRow struct {
	UserID    string          `json:"user_id"`
	Scope     string          `json:"scope"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// ToolCall is one row of the call log.
type ToolCall struct {
	UserID         string          `json:"user_id"`
	AppID          string          `json:"app_id"`
	AppName        string          `json:"app_name"`
	AppVersion     string          `json:"app_version,omitempty"`
	FunctionName   string          `json:"function_name"`
	Method         string          `json:"method"`
	Success        bool            `json:"success"`
	DurationMS     int64           `json:"duration_ms"`
	Error          string          `json:"error,omitempty"`
	InputArgs      json.RawMessage `json:"input_args,omitempty"`
	Output         string          `json:"output,omitempty"`
	Tier           string          `json:"tier"`
	AICostCents    int64           `json:"ai_cost_cents"`
	SessionID      string          `json:"session_id,omitempty"`
	SequenceNumber int64           `json:"sequence_number,omitempty"`
	UserQuery      string          `json:"user_query,omitempty"`
	ResponseBytes  int64           `json:"response_bytes"`
	ComputeCents   int64           `json:"compute_cents"`
	ChargeCents    int64           `json:"call_charge_cents"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
}

// BalanceTransfer records a settled charge, written fire-and-forget
// after the stored procedure commits.
type BalanceTransfer struct {
	FromUserID   string `json:"from_user_id"`
	ToUserID     string `json:"to_user_id"`
	AmountCents  int64  `json:"amount_cents"`
	AppID        string `json:"app_id"`
	FunctionName string `json:"function_name"`
}

// UpstreamDBConfig is an explicit upstream database config referenced by
// id from an app.
type UpstreamDBConfig struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	ConfigEncrypted string `json:"config_encrypted"`
}
