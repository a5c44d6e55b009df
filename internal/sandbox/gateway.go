package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/app"
)

// Gateway frames one admitted function call for the engine and
// collects the outcome.
type Gateway struct {
	engine  Engine
	log     *zap.Logger
	observe func(seconds float64)
}

// NewGateway wires the gateway. observe receives the wall-clock
// duration of each execution and may be nil.
func NewGateway(engine Engine, log *zap.Logger, observe func(seconds float64)) *Gateway {
	return &Gateway{engine: engine, log: log, observe: observe}
}

// Call describes one execution the gateway should run.
type Call struct {
	App        *app.App
	UserID     string
	Function   string
	Args       map[string]any
	Source     string
	Entrypoint string
	Env        map[string]string
	UpstreamDB string
	Caps       *Capabilities
}

// Invoke runs the call and reports the outcome plus how long the
// engine held it. Transport failures come back as failed outcomes: by
// this point the call is admitted and the response path always needs
// something to render.
func (g *Gateway) Invoke(ctx context.Context, call *Call) (*Outcome, time.Duration) {
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	inv := &Invocation{
		ExecutionID: uuid.NewString(),
		AppID:       call.App.ID,
		UserID:      call.UserID,
		Source:      call.Source,
		Entrypoint:  call.Entrypoint,
		Function:    call.Function,
		Args:        []any{args},
		Permissions: DefaultPermissions(),
		Env:         call.Env,
		UpstreamDB:  call.UpstreamDB,
		Caps:        call.Caps,
	}

	start := time.Now()
	out, err := g.engine.Execute(ctx, inv)
	elapsed := time.Since(start)
	if g.observe != nil {
		g.observe(elapsed.Seconds())
	}

	if err != nil {
		g.log.Error("sandbox execution failed",
			zap.String("app_id", call.App.ID),
			zap.String("function", call.Function),
			zap.String("execution_id", inv.ExecutionID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return &Outcome{Error: fmt.Sprintf("execution failed: %v", err)}, elapsed
	}

	g.log.Info("sandbox execution finished",
		zap.String("app_id", call.App.ID),
		zap.String("function", call.Function),
		zap.String("execution_id", inv.ExecutionID),
		zap.Bool("success", out.Success),
		zap.Duration("elapsed", elapsed))
	return out, elapsed
}
