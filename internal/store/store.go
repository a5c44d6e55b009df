// Package store is the typed repository over the platform's relational
// store (PostgREST), its object storage, and the stored procedures the
// billing and quota paths depend on. All REST-ish URL composition lives
// here; business logic above never sees a URL or a table name.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	supabase "github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// Client wraps the supabase client for table CRUD and storage, plus a raw
// HTTP path for stored procedures, whose status handling the supabase
// builder hides.
type Client struct {
	db     *supabase.Client
	url    string
	apiKey string
	bucket string
	http   *http.Client
	log    *zap.Logger
}

func New(url, serviceKey, codeBucket string, log *zap.Logger) (*Client, error) {
	db, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Client{
		db:     db,
		url:    strings.TrimRight(url, "/"),
		apiKey: serviceKey,
		bucket: codeBucket,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}, nil
}

// rpc invokes a stored procedure through PostgREST and decodes the JSON
// result into dest (pass nil to discard).
func (c *Client) rpc(ctx context.Context, name string, args any, dest any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal rpc args: %w", err)
	}

	url := fmt.Sprintf("%s/rest/v1/rpc/%s", c.url, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc %s: read response: %w", name, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rpc %s: HTTP %d: %s", name, resp.StatusCode, truncate(raw, 256))
	}
	if dest == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("rpc %s: decode response: %w", name, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
