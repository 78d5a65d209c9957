// Package stdio provides the stdio transport adapter for the proxy: a
// front-end that reads one governed tool call per line from stdin and
// writes one result per line to stdout, using the same mount-index
// dispatch model as the HTTP front-end (internal/adapter/inbound/http).
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/toolgate/toolgate/internal/domain/proxy"
	"github.com/toolgate/toolgate/internal/port/inbound"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// maxLineSize bounds one request/response line, mirroring the scanner
// buffer the outbound MCP client adapter uses for a single upstream message.
const maxLineSize = 1 << 20

// FrontEnd is the stdio counterpart of http.FrontEnd: it owns no listener,
// just stdin/stdout, and routes each decoded call to the *proxy.Mount that
// owns its mounted (prefixed) tool name.
type FrontEnd struct {
	mounts     map[string]*proxy.Mount
	gatewayTag string
	logger     *slog.Logger

	in     io.Reader
	out    io.Writer
	closed atomic.Bool
}

// NewFrontEnd builds a stdio front-end dispatching to mounts (keyed by
// mounted/prefixed tool name), reading from in and writing to out. In
// production in/out are os.Stdin/os.Stdout; tests substitute pipes.
func NewFrontEnd(mounts map[string]*proxy.Mount, gatewayTag string, in io.Reader, out io.Writer, logger *slog.Logger) *FrontEnd {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrontEnd{
		mounts:     mounts,
		gatewayTag: gatewayTag,
		in:         in,
		out:        out,
		logger:     logger,
	}
}

// toolCallRequest is the external tool-invocation wire shape, identical to
// the HTTP front-end's: one call per line instead of one call per POST body.
type toolCallRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	SessionID string                 `json:"session_id,omitempty"`
}

// Start reads newline-delimited tool-call requests from stdin until ctx is
// cancelled or the input is exhausted, dispatching each to its mount and
// writing the newline-delimited result to stdout. A malformed line or an
// unknown tool name produces an error CallResult rather than stopping the
// loop, matching the HTTP front-end's per-request error handling.
func (f *FrontEnd) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(f.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return f.Close()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if f.closed.Load() {
				continue
			}
			f.handleLine(ctx, line)
		}
	}
}

func (f *FrontEnd) handleLine(ctx context.Context, line string) {
	if line == "" {
		return
	}

	var req toolCallRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		f.writeResult(mcp.TextResult(true, "invalid request line"))
		return
	}

	mount, ok := f.mounts[req.Name]
	if !ok {
		f.writeResult(mcp.TextResult(true, "no upstream registered for tool \""+req.Name+"\""))
		return
	}

	result, err := mount.Handle(ctx, proxy.ToolCallRequest{
		ServerName: mount.ServerName,
		ToolName:   unprefixedToolName(req.Name, mount),
		Arguments:  req.Arguments,
		SessionID:  req.SessionID,
		Gateway:    f.gatewayTag,
	})
	if err != nil {
		f.writeResult(mcp.TextResult(true, err.Error()))
		return
	}
	f.writeResult(result)
}

// unprefixedToolName strips the mount's governance_prefix (if any), mirroring
// the HTTP front-end's helper of the same name.
func unprefixedToolName(mountedName string, mount *proxy.Mount) string {
	prefix := mount.Governance.GovernancePrefix
	if prefix != "" && len(mountedName) > len(prefix) && mountedName[:len(prefix)] == prefix {
		return mountedName[len(prefix):]
	}
	return mountedName
}

func (f *FrontEnd) writeResult(result mcp.CallResult) {
	b, err := json.Marshal(result)
	if err != nil {
		f.logger.Error("stdio front-end: failed to encode result", "error", err)
		return
	}
	b = append(b, '\n')
	if _, err := f.out.Write(b); err != nil {
		f.logger.Error("stdio front-end: write failed", "error", err)
	}
}

// Close marks the front-end as draining: in-flight handleLine calls finish,
// but no further lines are dispatched. Stdio has no listener to shut down.
func (f *FrontEnd) Close() error {
	f.closed.Store(true)
	return nil
}

var _ inbound.ProxyService = (*FrontEnd)(nil)
