package proxy

import (
	"context"

	"github.com/toolgate/toolgate/pkg/mcp"
)

// ToolCallRequest is the typed shape a Mount's middleware chain dispatches:
// one call to one tool on one upstream, addressed by (ServerName, ToolName,
// Arguments) with the tool's unprefixed name.
type ToolCallRequest struct {
	ServerName string
	ToolName   string
	Arguments  map[string]interface{}
	SessionID  string
	Gateway    string // which front-end received the call
}

// ToolHandler executes one tool call and returns its result. The innermost
// handler in a chain actually dispatches to the upstream; everything wrapped
// around it is governance bookkeeping.
type ToolHandler func(ctx context.Context, req ToolCallRequest) (mcp.CallResult, error)

// Middleware wraps a ToolHandler with additional behavior, forming a
// composable handler pipeline.
type Middleware func(next ToolHandler) ToolHandler

// Chain composes middlewares around a final handler, applying them in the
// order given: Chain(h, a, b)(req) runs a(b(h))(req) — a is outermost.
func Chain(final ToolHandler, mws ...Middleware) ToolHandler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
