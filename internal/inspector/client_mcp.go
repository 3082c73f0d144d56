package inspector

import (
	"context"
	"encoding/json"
	"fmt"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Request sends a raw JSON-RPC request and returns the result. When the
// connection turns out to be lost, it reconnects once and retries.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.logger.Request(method, params)

	const maxRetries = 1
	var result json.RawMessage
	var err error

	for i := 0; i <= maxRetries; i++ {
		result, err = c.request(ctx, method, params)
		if err == nil {
			c.logger.Response(method, result)
			return result, nil
		}

		if isConnectionLost(err) && i < maxRetries {
			c.logger.Error("Connection lost during %s. Attempting to reconnect...", method)
			if reconnErr := c.Reconnect(ctx); reconnErr != nil {
				err = fmt.Errorf("failed to reconnect: %w", reconnErr)
				break
			}
			c.logger.Info("Reconnected successfully. Retrying %s...", method)
			continue
		}
		break
	}

	c.logger.Error("%s failed: %v", method, err)
	return nil, err
}

func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	_, conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	// String ids keep raw requests apart from the numeric ids of the mcp-go
	// client sharing the transport.
	id := fmt.Sprintf("inspect-%d", c.reqID.Add(1))
	resp, err := conn.SendRequest(ctx, mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(id),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.AsError()
	}
	return resp.Result, nil
}

// CallTool executes a tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	raw, err := c.Request(ctx, "tools/call", mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return mcp.ParseCallToolResult(&raw)
}

// ReadResource retrieves a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	raw, err := c.Request(ctx, "resources/read", mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	return mcp.ParseReadResourceResult(&raw)
}

// GetPrompt retrieves a prompt with arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	raw, err := c.Request(ctx, "prompts/get", mcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return mcp.ParseGetPromptResult(&raw)
}

// SetLoggingLevel asks the server to send log notifications at level and
// above.
func (c *Client) SetLoggingLevel(ctx context.Context, level mcp.LoggingLevel) error {
	if c.Status() == StatusConnected && !c.ServerSupportsLogging() {
		return ErrLoggingUnsupported
	}
	_, err := c.Request(ctx, "logging/setLevel", mcp.SetLevelParams{Level: level})
	return err
}

// Ping checks the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, "ping", nil)
	return err
}

// RefreshLists lists tools, resources and prompts again.
func (c *Client) RefreshLists(ctx context.Context) error {
	if _, _, err := c.connection(); err != nil {
		return err
	}
	c.refreshAll(ctx)
	return nil
}

func (c *Client) listTools(ctx context.Context, initial bool) error {
	mc, _, err := c.connection()
	if err != nil {
		return err
	}
	req := mcp.ListToolsRequest{}
	c.logger.Request("tools/list", req.Params)
	result, err := mc.ListTools(ctx, req)
	if err != nil {
		return err
	}
	c.logger.Response("tools/list", result)

	c.mu.Lock()
	old := c.tools
	c.tools = result.Tools
	c.mu.Unlock()

	if !initial {
		c.showDiff("Tool", toolNames(old), toolNames(result.Tools))
	}
	c.emit(Event{Type: EventCapabilitiesChanged})
	return nil
}

func (c *Client) listResources(ctx context.Context, initial bool) error {
	mc, _, err := c.connection()
	if err != nil {
		return err
	}
	req := mcp.ListResourcesRequest{}
	c.logger.Request("resources/list", req.Params)
	result, err := mc.ListResources(ctx, req)
	if err != nil {
		return err
	}
	c.logger.Response("resources/list", result)

	c.mu.Lock()
	old := c.resources
	c.resources = result.Resources
	c.mu.Unlock()

	if !initial {
		c.showDiff("Resource", resourceURIs(old), resourceURIs(result.Resources))
	}
	c.emit(Event{Type: EventCapabilitiesChanged})
	return nil
}

func (c *Client) listPrompts(ctx context.Context, initial bool) error {
	mc, _, err := c.connection()
	if err != nil {
		return err
	}
	req := mcp.ListPromptsRequest{}
	c.logger.Request("prompts/list", req.Params)
	result, err := mc.ListPrompts(ctx, req)
	if err != nil {
		return err
	}
	c.logger.Response("prompts/list", result)

	c.mu.Lock()
	old := c.prompts
	c.prompts = result.Prompts
	c.mu.Unlock()

	if !initial {
		c.showDiff("Prompt", promptNames(old), promptNames(result.Prompts))
	}
	c.emit(Event{Type: EventCapabilitiesChanged})
	return nil
}
