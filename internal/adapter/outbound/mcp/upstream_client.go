package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/toolgate/toolgate/internal/port/outbound"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// UpstreamClient adapts a transport-level outbound.MCPClient (stdio or HTTP,
// whichever StdioClient/HTTPClient provided) into the tool-level
// outbound.UpstreamClient port the Mount Engine depends on: it frames
// JSON-RPC requests, performs the initialize handshake, and correlates
// responses to requests by ID over the transport's newline-delimited stream.
type UpstreamClient struct {
	transport outbound.MCPClient

	writeMu sync.Mutex
	stdin   io.WriteCloser

	readMu sync.Mutex
	stdout *bufio.Scanner

	nextID atomic.Int64

	closedMu sync.Mutex
	closed   bool
}

// Connect starts transport and performs the initialize/notifications-initialized
// handshake. Callers should bound ctx to outbound.HandshakeTimeout.
func Connect(ctx context.Context, transport outbound.MCPClient) (*UpstreamClient, error) {
	stdin, stdout, err := transport.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting upstream transport: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	c := &UpstreamClient{
		transport: transport,
		stdin:     stdin,
		stdout:    scanner,
	}

	if err := c.handshake(ctx); err != nil {
		_ = transport.Close()
		return nil, err
	}

	return c, nil
}

func (c *UpstreamClient) handshake(ctx context.Context) error {
	initParams := map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolgate",
			"version": "1.0.0",
		},
	}
	if _, err := c.call(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	return c.notify(ctx, "notifications/initialized", map[string]any{})
}

// ListTools performs the tools/list handshake and converts the result into
// ToolDescriptors.
func (c *UpstreamClient) ListTools(ctx context.Context) ([]outbound.ToolDescriptor, error) {
	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}

	tools := make([]outbound.ToolDescriptor, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		tools = append(tools, outbound.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// CallTool invokes one tool by name and decodes the response into a
// mcp.CallResult. A JSON-RPC error response is surfaced as an error-content
// CallResult rather than a Go error, matching the port's contract.
func (c *UpstreamClient) CallTool(ctx context.Context, name string, inputs map[string]interface{}) (mcp.CallResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": inputs,
	}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		if errors.Is(err, outbound.ErrUpstreamClosed) {
			return mcp.CallResult{}, err
		}
		return mcp.TextResult(true, err.Error()), nil
	}

	var callResult mcp.CallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return mcp.TextResult(true, fmt.Sprintf("decoding tools/call result: %v", err)), nil
	}
	return callResult, nil
}

// Closed reports whether a prior call observed the transport break.
func (c *UpstreamClient) Closed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

// Close releases the underlying transport.
func (c *UpstreamClient) Close() error {
	c.markClosed()
	return c.transport.Close()
}

func (c *UpstreamClient) markClosed() {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()
}

// call sends a request and blocks for its matching response. Calls are
// serialized: one request in flight at a time per upstream connection,
// matching the synchronous round-trip the underlying pipe supports.
// Requests are framed and responses decoded through pkg/mcp's codec, which
// wraps the modelcontextprotocol/go-sdk/jsonrpc wire types.
func (c *UpstreamClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.Closed() {
		return nil, outbound.ErrUpstreamClosed
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding request params: %w", err)
	}
	id, err := jsonrpc.MakeID(c.nextID.Add(1))
	if err != nil {
		return nil, fmt.Errorf("assigning request id: %w", err)
	}
	wantID, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encoding request id: %w", err)
	}
	req := &jsonrpc.Request{ID: id, Method: method, Params: rawParams}

	type callOutcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan callOutcome, 1)

	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		data, err := mcp.EncodeMessage(req)
		if err != nil {
			done <- callOutcome{err: fmt.Errorf("encoding request: %w", err)}
			return
		}
		data = append(data, '\n')

		if _, err := c.stdin.Write(data); err != nil {
			c.markClosed()
			done <- callOutcome{err: fmt.Errorf("%w: writing request: %v", outbound.ErrUpstreamClosed, err)}
			return
		}

		c.readMu.Lock()
		defer c.readMu.Unlock()

		for {
			if !c.stdout.Scan() {
				c.markClosed()
				if serr := c.stdout.Err(); serr != nil {
					done <- callOutcome{err: fmt.Errorf("%w: reading response: %v", outbound.ErrUpstreamClosed, serr)}
				} else {
					done <- callOutcome{err: fmt.Errorf("%w: upstream closed without response", outbound.ErrUpstreamClosed)}
				}
				return
			}

			decoded, err := mcp.DecodeMessage(c.stdout.Bytes())
			if err != nil {
				continue // skip lines that aren't well-formed JSON-RPC (e.g. stray notifications)
			}
			resp, ok := decoded.(*jsonrpc.Response)
			if !ok {
				continue // a request/notification from the upstream, not a reply
			}
			gotID, err := json.Marshal(resp.ID)
			if err != nil || string(gotID) != string(wantID) {
				continue
			}
			if resp.Error != nil {
				if werr, ok := resp.Error.(*jsonrpc.Error); ok {
					done <- callOutcome{err: fmt.Errorf("upstream error %d: %s", werr.Code, werr.Message)}
				} else {
					done <- callOutcome{err: fmt.Errorf("upstream error: %w", resp.Error)}
				}
				return
			}
			done <- callOutcome{result: resp.Result}
			return
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.result, out.err
	}
}

// notify sends a one-way notification: a *jsonrpc.Request with no ID, which
// the codec encodes without an "id" field, matching JSON-RPC notification
// semantics (no response is expected or awaited).
func (c *UpstreamClient) notify(ctx context.Context, method string, params any) error {
	if c.Closed() {
		return outbound.ErrUpstreamClosed
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding notification params: %w", err)
	}
	req := &jsonrpc.Request{Method: method, Params: rawParams}

	data, err := mcp.EncodeMessage(req)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stdin.Write(data); err != nil {
		c.markClosed()
		return fmt.Errorf("%w: writing notification: %v", outbound.ErrUpstreamClosed, err)
	}
	return nil
}

var _ outbound.UpstreamClient = (*UpstreamClient)(nil)
