package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/ai"
	"github.com/ultralight-ai/mcp-host/internal/billing"
	"github.com/ultralight-ai/mcp-host/internal/ratelimit"
	"github.com/ultralight-ai/mcp-host/internal/sandbox"
	"github.com/ultralight-ai/mcp-host/internal/setup"
	"github.com/ultralight-ai/mcp-host/internal/store"
)

// maxLoggedOutput bounds the output excerpt persisted per call.
const maxLoggedOutput = 4096

// sdkPrefix marks platform tools, which run host-side.
const sdkPrefix = "ultralight."

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// callMeta is the observability context threaded through one call.
type callMeta struct {
	sessionID string
	userQuery string
	args      map[string]any
}

// handleToolsCall admits and runs one tool call. The order is fixed:
// quotas, token scope, grant, per-function constraints, then hand-off
// to the sandbox or the SDK surface.
func (s *Server) handleToolsCall(c *gin.Context, rc *requestCtx) {
	ctx := c.Request.Context()

	var params callParams
	if len(rc.req.Params) > 0 {
		if err := json.Unmarshal(rc.req.Params, &params); err != nil {
			writeError(c, rc.req.ID, CodeInvalidParams, "Invalid params", nil)
			return
		}
	}
	if params.Name == "" {
		writeError(c, rc.req.ID, CodeInvalidParams, "Invalid params: tool name required", nil)
		return
	}
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}

	// Observability hints ride as underscore-prefixed arguments and are
	// stripped before anything downstream sees the args.
	meta := callMeta{args: args}
	meta.userQuery, _ = args["_user_query"].(string)
	meta.sessionID = strings.TrimSpace(c.GetHeader("Mcp-Session-Id"))
	if v, ok := args["_session_id"].(string); ok && v != "" {
		meta.sessionID = v
	}
	delete(args, "_user_query")
	delete(args, "_session_id")

	if d := s.Limiter.AllowCall(ctx, ratelimit.CallRequest{
		UserID:        rc.id.UserID,
		Tier:          rc.id.Tier,
		AppID:         rc.app.ID,
		AppLimits:     rc.app.RateLimit,
		CallerIsOwner: rc.callerIsOwner(),
	}); d != nil {
		s.writeRateLimited(c, rc.req.ID, d)
		return
	}

	if !rc.id.AllowsFunction(params.Name) {
		writeError(c, rc.req.ID, CodePermission,
			"Permission denied: API token scope does not allow "+params.Name, nil)
		return
	}
	if !rc.snap.AllowsFunction(params.Name) {
		writeError(c, rc.req.ID, CodePermission, "Permission denied: function not granted", nil)
		return
	}
	if row := rc.snap.RowFor(params.Name); row != nil {
		if d := s.Perms.Admit(rc.snap, row, c.ClientIP(), time.Now(), args); !d.Allowed {
			writeError(c, rc.req.ID, CodePermission, "Permission denied: "+d.Reason, nil)
			return
		}
	}

	if strings.HasPrefix(params.Name, sdkPrefix) {
		s.runSDKCall(c, rc, params.Name, meta)
		return
	}
	if !rc.app.HasFunction(params.Name) {
		writeError(c, rc.req.ID, CodeInvalidParams, "Unknown tool: "+params.Name, nil)
		return
	}
	s.runAppCall(c, rc, params.Name, meta)
}

// runAppCall executes an app function in the sandbox and settles it.
func (s *Server) runAppCall(c *gin.Context, rc *requestCtx, name string, meta callMeta) {
	ctx := c.Request.Context()

	prep, err := s.Setup.Prepare(ctx, rc.app, rc.id.UserID)
	if err != nil {
		var miss *setup.MissingSecretsError
		if errors.As(err, &miss) {
			writeError(c, rc.req.ID, CodeMissingSecrets, "Missing required secrets", gin.H{
				"type":            "MISSING_SECRETS",
				"missing_secrets": miss.Keys,
				"connect_url":     fmt.Sprintf("%s/a/%s/connect", s.BaseURL, rc.app.ID),
			})
			return
		}
		s.Log.Error("setup failed", zap.String("app_id", rc.app.ID), zap.Error(err))
		writeError(c, rc.req.ID, CodeInternal, "Failed to prepare execution", nil)
		return
	}

	caps := &sandbox.Capabilities{
		KV:     sandbox.BindKV(s.Store, rc.app.ID, rc.id.UserID),
		Memory: sandbox.BindMemory(s.Store, rc.id.UserID, rc.app.ID),
		AI:     prep.AI,
		Apps:   sandbox.NewLoopbackCaller(s.Loopback, s.BaseURL, rc.id.Bearer, s.resolveAppRef),
		Env:    sandbox.StaticEnv(prep.Env),
	}

	out, elapsed := s.Gateway.Invoke(ctx, &sandbox.Call{
		App:        rc.app,
		UserID:     rc.id.UserID,
		Function:   name,
		Args:       meta.args,
		Source:     string(prep.Code.Source),
		Entrypoint: prep.Code.Entrypoint,
		Env:        prep.Env,
		UpstreamDB: prep.UpstreamDB,
		Caps:       caps,
	})

	var settlement billing.Settlement
	var result toolResult
	if out.Success {
		settlement = s.Settler.Settle(ctx, rc.app, rc.id.UserID, name)
		if settlement.PaymentRequired {
			result = textResult(billing.PaymentRequiredText(settlement.PriceCents), true)
		} else {
			result = rawResult(out.Result)
		}
	} else {
		result = textResult(out.Error, true)
	}

	s.recordCall(rc, name, meta, result, callUsage{
		success:     out.Success,
		errText:     out.Error,
		duration:    elapsed,
		aiCents:     out.AICostCents,
		chargeCents: settlement.ChargeCents,
		computed:    true,
	})

	writeResult(c, rc.req.ID, result)
}

// runSDKCall executes a platform tool host-side. SDK tools are free:
// no sandbox, no settlement, but the call is still logged.
func (s *Server) runSDKCall(c *gin.Context, rc *requestCtx, name string, meta callMeta) {
	start := time.Now()
	raw, aiCents, err := s.execSDKTool(c.Request.Context(), rc, name, meta.args)
	elapsed := time.Since(start)

	var result toolResult
	success := err == nil
	errText := ""
	if err != nil {
		errText = err.Error()
		result = textResult(errText, true)
	} else {
		result = rawResult(raw)
	}

	s.recordCall(rc, name, meta, result, callUsage{
		success:  success,
		errText:  errText,
		duration: elapsed,
		aiCents:  aiCents,
	})

	writeResult(c, rc.req.ID, result)
}

// execSDKTool dispatches one ultralight.* tool. Failures are
// tool-level: they ride back in the result envelope, not as protocol
// errors.
func (s *Server) execSDKTool(ctx context.Context, rc *requestCtx, name string, args map[string]any) (json.RawMessage, int64, error) {
	kv := sandbox.BindKV(s.Store, rc.app.ID, rc.id.UserID)
	mem := sandbox.BindMemory(s.Store, rc.id.UserID, rc.app.ID)

	var p struct {
		Key          string          `json:"key"`
		Value        json.RawMessage `json:"value"`
		Prefix       string          `json:"prefix"`
		Limit        int             `json:"limit"`
		Offset       int             `json:"offset"`
		Scope        string          `json:"scope"`
		AppID        string          `json:"app_id"`
		FunctionName string          `json:"function_name"`
		Args         map[string]any  `json:"args"`
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal(encoded, &p); err != nil {
		return nil, 0, fmt.Errorf("invalid arguments: %w", err)
	}

	needsKey := func() error {
		if p.Key == "" {
			return errors.New("argument \"key\" is required")
		}
		return nil
	}

	switch name {
	case "ultralight.getSkills":
		raw, err := json.Marshal(rc.app.SkillsDoc())
		return raw, 0, err

	case "ultralight.store":
		if err := needsKey(); err != nil {
			return nil, 0, err
		}
		if err := kv.Set(ctx, p.Key, p.Value); err != nil {
			return nil, 0, err
		}
		return marshalH(gin.H{"ok": true, "key": p.Key})

	case "ultralight.load":
		if err := needsKey(); err != nil {
			return nil, 0, err
		}
		value, err := kv.Get(ctx, p.Key)
		if err != nil {
			return nil, 0, err
		}
		return marshalH(gin.H{"key": p.Key, "value": orNull(value)})

	case "ultralight.list":
		keys, err := kv.List(ctx, p.Prefix)
		if err != nil {
			return nil, 0, err
		}
		if keys == nil {
			keys = []string{}
		}
		return marshalH(gin.H{"keys": keys})

	case "ultralight.query":
		entries, err := kv.Query(ctx, p.Prefix, p.Limit, p.Offset)
		if err != nil {
			return nil, 0, err
		}
		if entries == nil {
			entries = []sandbox.KVEntry{}
		}
		return marshalH(gin.H{"entries": entries})

	case "ultralight.remove":
		if err := needsKey(); err != nil {
			return nil, 0, err
		}
		if err := kv.Remove(ctx, p.Key); err != nil {
			return nil, 0, err
		}
		return marshalH(gin.H{"ok": true})

	case "ultralight.remember":
		if err := needsKey(); err != nil {
			return nil, 0, err
		}
		if err := mem.Remember(ctx, p.Key, p.Value, p.Scope); err != nil {
			return nil, 0, err
		}
		return marshalH(gin.H{"ok": true})

	case "ultralight.recall":
		if err := needsKey(); err != nil {
			return nil, 0, err
		}
		value, err := mem.Recall(ctx, p.Key, p.Scope)
		if err != nil {
			return nil, 0, err
		}
		return marshalH(gin.H{"key": p.Key, "value": orNull(value)})

	case "ultralight.ai":
		var req aiRequestArgs
		if err := json.Unmarshal(encoded, &req); err != nil {
			return nil, 0, fmt.Errorf("invalid arguments: %w", err)
		}
		resp := s.Setup.AIFor(ctx, rc.id.UserID).Call(ctx, req.toRequest())
		raw, err := json.Marshal(resp)
		return raw, resp.Usage.CostCents, err

	case "ultralight.call":
		if p.AppID == "" || p.FunctionName == "" {
			return nil, 0, errors.New("arguments \"app_id\" and \"function_name\" are required")
		}
		caller := sandbox.NewLoopbackCaller(s.Loopback, s.BaseURL, rc.id.Bearer, s.resolveAppRef)
		raw, err := caller.Call(ctx, p.AppID, p.FunctionName, p.Args)
		return raw, 0, err
	}

	return nil, 0, fmt.Errorf("unknown tool: %s", name)
}

// resolveAppRef resolves an inter-app target to its id.
func (s *Server) resolveAppRef(ctx context.Context, ref string) (string, error) {
	a, err := s.Apps.FindBySlug(ctx, ref)
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", errors.New("app not found")
	}
	return a.ID, nil
}

// callUsage carries the measured footprint of one call into the log.
type callUsage struct {
	success     bool
	errText     string
	duration    time.Duration
	aiCents     int64
	chargeCents int64
	computed    bool
}

// recordCall hands one audit row to the fire-and-forget logger.
func (s *Server) recordCall(rc *requestCtx, name string, meta callMeta, result toolResult, usage callUsage) {
	inputArgs, _ := json.Marshal(meta.args)
	payload, _ := json.Marshal(result)

	output := ""
	if len(result.Content) > 0 {
		output = truncate(result.Content[0].Text, maxLoggedOutput)
	}

	row := &store.ToolCall{
		UserID:        rc.id.UserID,
		AppID:         rc.app.ID,
		AppName:       rc.app.Name,
		AppVersion:    rc.app.CurrentVersion,
		FunctionName:  name,
		Method:        "tools/call",
		Success:       usage.success,
		DurationMS:    usage.duration.Milliseconds(),
		Error:         usage.errText,
		InputArgs:     inputArgs,
		Output:        output,
		Tier:          rc.id.Tier,
		AICostCents:   usage.aiCents,
		UserQuery:     meta.userQuery,
		ResponseBytes: int64(len(payload)),
		ChargeCents:   usage.chargeCents,
	}
	if usage.computed {
		row.ComputeCents = usage.duration.Milliseconds() * s.ComputeCentsPerSec / 1000
	}
	if meta.sessionID != "" {
		row.SessionID = meta.sessionID
		row.SequenceNumber = s.Sessions.Next(meta.sessionID)
	}
	s.Calls.Record(row)
}

// aiRequestArgs mirrors ai.Request for tools/call argument decoding.
type aiRequestArgs struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Model       string            `json:"model"`
	Temperature *float64          `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
	Tools       []json.RawMessage `json:"tools"`
}

func (a aiRequestArgs) toRequest() ai.Request {
	req := ai.Request{
		Model:       a.Model,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
		Tools:       a.Tools,
	}
	for _, m := range a.Messages {
		req.Messages = append(req.Messages, ai.Message{Role: m.Role, Content: m.Content})
	}
	return req
}

func marshalH(h gin.H) (json.RawMessage, int64, error) {
	raw, err := json.Marshal(h)
	return raw, 0, err
}

func orNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
