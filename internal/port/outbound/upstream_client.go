package outbound

import (
	"context"
	"time"

	"github.com/toolgate/toolgate/pkg/mcp"
)

// HandshakeTimeout bounds list_tools() during mount: a handshake that
// doesn't answer within this window is fatal to the mount attempt.
const HandshakeTimeout = 10 * time.Second

// ToolDescriptor is one tool as reported by an upstream's tools/list
// response, before the Mount Engine attaches server identity and a
// discovery timestamp to turn it into a deployment.ToolRecord.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema []byte
}

// ErrUpstreamClosed is returned by CallTool once an upstream's transport is
// confirmed broken (stdio child exited, http connection torn down).
// Subsequent calls on that client must keep failing the same way rather
// than retrying.
var ErrUpstreamClosed = upstreamClosedError{}

type upstreamClosedError struct{}

func (upstreamClosedError) Error() string { return "upstream_closed" }

// UpstreamClient is the high-level outbound port for one mounted upstream:
// the tool-level contract the Mount Engine and forwarding handlers use,
// layered on top of the transport-level MCPClient port.
type UpstreamClient interface {
	// ListTools performs the tools/list handshake. Callers should bound ctx
	// to HandshakeTimeout; a timeout here is fatal to the mount attempt.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// CallTool invokes one tool by name. A transport-level failure is
	// surfaced as a CallResult with IsError set, not as an error return,
	// unless the transport is confirmed broken, in which case err wraps
	// ErrUpstreamClosed and the mount must be torn down.
	CallTool(ctx context.Context, name string, inputs map[string]interface{}) (mcp.CallResult, error)

	// Closed reports whether a prior call observed the transport break.
	Closed() bool

	// Close releases the underlying transport.
	Close() error
}
