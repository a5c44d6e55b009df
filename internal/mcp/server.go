package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/app"
	"github.com/ultralight-ai/mcp-host/internal/auth"
	"github.com/ultralight-ai/mcp-host/internal/billing"
	"github.com/ultralight-ai/mcp-host/internal/calllog"
	"github.com/ultralight-ai/mcp-host/internal/metrics"
	"github.com/ultralight-ai/mcp-host/internal/permission"
	"github.com/ultralight-ai/mcp-host/internal/ratelimit"
	"github.com/ultralight-ai/mcp-host/internal/sandbox"
	"github.com/ultralight-ai/mcp-host/internal/session"
	"github.com/ultralight-ai/mcp-host/internal/setup"
	"github.com/ultralight-ai/mcp-host/internal/store"
)

// Deps wires the server's collaborators.
type Deps struct {
	BaseURL            string
	ComputeCentsPerSec int64

	Verifier *auth.Verifier
	Apps     *app.Loader
	Perms    *permission.Resolver
	Limiter  *ratelimit.Limiter
	Setup    *setup.Orchestrator
	Gateway  *sandbox.Gateway
	Settler  *billing.Settler
	Calls    *calllog.Logger
	Sessions *session.Sequencer
	Store    *store.Client
	Metrics  *metrics.Metrics
	Log      *zap.Logger

	// Loopback serves inter-app calls; nil gets a default client.
	Loopback *http.Client
}

// Server hosts the per-app MCP endpoints.
type Server struct {
	Deps
}

func NewServer(d Deps) *Server {
	if d.Loopback == nil {
		d.Loopback = &http.Client{Timeout: 120 * time.Second}
	}
	d.BaseURL = strings.TrimRight(d.BaseURL, "/")
	return &Server{Deps: d}
}

// Register mounts the MCP transport and the discovery manifest.
func (s *Server) Register(r *gin.Engine) {
	r.POST("/mcp/:appId", s.handleMCP)
	r.GET("/mcp/:appId", s.handleMethodNotAllowed)
	r.DELETE("/mcp/:appId", s.handleSessionDelete)
	r.GET("/a/:appId/.well-known/mcp.json", s.handleDiscovery)
}

// requestCtx is the admitted state one method handler works with.
type requestCtx struct {
	req  request
	id   *auth.Identity
	app  *app.App
	snap *permission.Snapshot
}

func (rc *requestCtx) callerIsOwner() bool { return rc.id.UserID == rc.app.OwnerID }

// handleMCP runs the admission chain and dispatches one JSON-RPC
// message. Order matters: nothing tenant-specific is revealed before
// the caller is authenticated, and "no access" is indistinguishable
// from "no such app".
func (s *Server) handleMCP(c *gin.Context) {
	method := "invalid"
	defer func() { s.countRequest(method, c.Writer.Status()) }()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, nil, CodeParse, "Parse error: Invalid JSON", nil)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeError(c, req.ID, CodeInvalidRequest, "Invalid Request", nil)
		return
	}
	method = req.Method

	// The protocol revision header is advisory; a mismatch never rejects.
	if v := c.GetHeader("MCP-Protocol-Version"); v != "" && v != protocolVersion {
		s.Log.Debug("client protocol version differs",
			zap.String("app_id", c.Param("appId")), zap.String("version", v))
	}

	// Notifications carry no id, so there is nothing to answer to;
	// acknowledge receipt and stop.
	if req.notification() {
		c.Status(http.StatusAccepted)
		return
	}

	identity, err := s.Verifier.Verify(c.Request.Context(), c.GetHeader("Authorization"))
	if err != nil {
		s.writeAuthError(c, req.ID, err)
		return
	}

	a, err := s.Apps.FindByID(c.Request.Context(), c.Param("appId"))
	if err != nil {
		s.Log.Error("app load failed", zap.String("app_id", c.Param("appId")), zap.Error(err))
		writeError(c, req.ID, CodeInternal, "Internal error", nil)
		return
	}
	if a == nil {
		writeError(c, req.ID, CodeNotFound, "App not found", nil)
		return
	}

	// Token scope and private visibility share one negative answer so
	// probing cannot separate "exists" from "denied".
	if !identity.AllowsApp(a.ID) {
		writeError(c, req.ID, CodeNotFound, "App not found", nil)
		return
	}
	snap := s.Perms.Resolve(c.Request.Context(), identity.UserID, a)
	if snap.Empty() {
		writeError(c, req.ID, CodeNotFound, "App not found", nil)
		return
	}

	if a.HostingSuspended {
		writeError(c, req.ID, CodeNotFound, "App suspended", nil)
		return
	}

	rc := &requestCtx{req: req, id: identity, app: a, snap: snap}

	switch req.Method {
	case "initialize":
		s.handleInitialize(c, rc)
	case "notifications/initialized":
		// Sent with an id by some clients; acknowledge with an empty
		// result instead of rejecting the handshake.
		writeResult(c, req.ID, struct{}{})
	case "tools/list":
		s.handleToolsList(c, rc)
	case "tools/call":
		s.handleToolsCall(c, rc)
	case "resources/list":
		s.handleResourcesList(c, rc)
	case "resources/read":
		s.handleResourcesRead(c, rc)
	default:
		writeError(c, req.ID, CodeMethodNotFound, "Method not found: "+req.Method, nil)
	}
}

func (s *Server) handleMethodNotAllowed(c *gin.Context) {
	c.Header("Allow", "POST, DELETE")
	c.Status(http.StatusMethodNotAllowed)
}

// handleSessionDelete acknowledges a session teardown. Sessions hold no
// server-side state beyond sequence counters, which age out on their
// own.
func (s *Server) handleSessionDelete(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) handleInitialize(c *gin.Context, rc *requestCtx) {
	if d := s.Limiter.AllowEndpoint(c.Request.Context(), rc.id.UserID, "mcp:initialize"); d != nil {
		s.writeRateLimited(c, rc.req.ID, d)
		return
	}

	c.Header("Mcp-Session-Id", uuid.NewString())
	writeResult(c, rc.req.ID, gin.H{
		"protocolVersion": protocolVersion,
		"capabilities": gin.H{
			"tools":     gin.H{"listChanged": false},
			"resources": gin.H{"subscribe": false, "listChanged": false},
		},
		"serverInfo":   gin.H{"name": rc.app.Slug, "version": serverVersion},
		"instructions": rc.app.SkillsDoc(),
	})
}

func (s *Server) handleResourcesList(c *gin.Context, rc *requestCtx) {
	writeResult(c, rc.req.ID, gin.H{
		"resources": []gin.H{{
			"uri":         s.skillsURI(rc.app),
			"name":        "skills.md",
			"description": "Usage documentation for " + rc.app.Name,
			"mimeType":    "text/markdown",
		}},
	})
}

func (s *Server) handleResourcesRead(c *gin.Context, rc *requestCtx) {
	var params struct {
		URI string `json:"uri"`
	}
	if len(rc.req.Params) > 0 {
		if err := json.Unmarshal(rc.req.Params, &params); err != nil {
			writeError(c, rc.req.ID, CodeInvalidParams, "Invalid params", nil)
			return
		}
	}
	if params.URI != s.skillsURI(rc.app) {
		writeError(c, rc.req.ID, CodeNotFound, "Resource not found", nil)
		return
	}
	writeResult(c, rc.req.ID, gin.H{
		"contents": []gin.H{{
			"uri":      params.URI,
			"mimeType": "text/markdown",
			"text":     rc.app.SkillsDoc(),
		}},
	})
}

func (s *Server) skillsURI(a *app.App) string {
	return fmt.Sprintf("ultralight://app/%s/skills.md", a.ID)
}

func (s *Server) writeAuthError(c *gin.Context, id json.RawMessage, err error) {
	typ := auth.TypeAuthRequired
	msg := "Authentication failed"
	var ae *auth.Error
	if errors.As(err, &ae) {
		typ = ae.Type
		msg = ae.Message
	}
	c.Header("WWW-Authenticate",
		fmt.Sprintf("Bearer resource_metadata=%q", s.BaseURL+"/.well-known/oauth-protected-resource"))
	writeError(c, id, CodeAuth, msg, gin.H{"type": typ})
}

func (s *Server) writeRateLimited(c *gin.Context, id json.RawMessage, d *ratelimit.Denial) {
	if secs := int64(time.Until(d.ResetAt).Seconds()); secs > 0 {
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(c, id, CodeRateLimited, "Rate limit exceeded", gin.H{
		"scope":   d.Scope,
		"limit":   d.Limit,
		"resetAt": d.ResetAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) countRequest(method string, status int) {
	if s.Metrics == nil {
		return
	}
	result := "ok"
	switch {
	case status == http.StatusAccepted:
		result = "notification"
	case status >= 400:
		result = "error"
	}
	s.Metrics.Requests.WithLabelValues(method, result).Inc()
}
