package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-inspect/internal/inspector"
	"github.com/giantswarm/mcp-inspect/internal/manager"
)

// jsonResult marshals v into a text result.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// target resolves the server argument of a request.
func (s *Server) target(request mcp.CallToolRequest) (string, *inspector.Client, error) {
	name, err := request.RequireString("server")
	if err != nil {
		return "", nil, err
	}
	id, ok := s.manager.Lookup(name)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", manager.ErrUnknownServer, name)
	}
	c, err := s.manager.Get(id)
	if err != nil {
		return "", nil, err
	}
	return id, c, nil
}

// connected resolves the server argument and requires an open session.
func (s *Server) connected(request mcp.CallToolRequest) (*inspector.Client, error) {
	_, c, err := s.target(request)
	if err != nil {
		return nil, err
	}
	if st := c.Status(); st != inspector.StatusConnected {
		return nil, fmt.Errorf("server is %s, call connect_server first", st)
	}
	return c, nil
}

func (s *Server) handleListServers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.manager.List()), nil
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, c, err := s.target(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.manager.Connect(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("connect failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"status":     c.Status(),
		"serverInfo": c.ServerInfo(),
	}), nil
}

func (s *Server) handleDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _, err := s.target(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.manager.Disconnect(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("disconnect failed: %v", err)), nil
	}
	return mcp.NewToolResultText("disconnected"), nil
}

type statusResult struct {
	Status       inspector.Status        `json:"status"`
	LastError    string                  `json:"lastError,omitempty"`
	ServerInfo   *mcp.Implementation     `json:"serverInfo,omitempty"`
	Capabilities *mcp.ServerCapabilities `json:"capabilities,omitempty"`
	Instructions string                  `json:"instructions,omitempty"`
	Reliability  manager.Reliability     `json:"reliability"`
	LoggingSync  *manager.SyncRecord     `json:"loggingSync,omitempty"`
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, c, err := s.target(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := statusResult{
		Status:       c.Status(),
		ServerInfo:   c.ServerInfo(),
		Capabilities: c.Capabilities(),
		Instructions: c.Instructions(),
	}
	if lastErr := c.LastError(); lastErr != nil {
		res.LastError = lastErr.Error()
	}
	if res.Reliability, err = s.manager.Reliability(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if res.LoggingSync, err = s.manager.SyncRecord(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleListTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.connected(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(c.Tools()), nil
}

func (s *Server) handleListResources(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.connected(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(c.Resources()), nil
}

func (s *Server) handleListPrompts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.connected(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(c.Prompts()), nil
}

// objectArg returns an optional object argument.
func objectArg(request mcp.CallToolRequest, key string) (map[string]any, error) {
	v, ok := request.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'%s' must be an object", key)
	}
	return obj, nil
}

// handleCallTool returns the result of the upstream tool as is.
func (s *Server) handleCallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.connected(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args, err := objectArg(request, "arguments")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := c.CallTool(ctx, name, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool execution failed: %v", err)), nil
	}
	return result, nil
}

func (s *Server) handleGetResource(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.connected(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	uri, err := request.RequireString("uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := c.ReadResource(ctx, uri)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resource retrieval failed: %v", err)), nil
	}
	return jsonResult(result.Contents), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.connected(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawArgs, err := objectArg(request, "arguments")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := make(map[string]string, len(rawArgs))
	for k, v := range rawArgs {
		args[k] = fmt.Sprintf("%v", v)
	}

	result, err := c.GetPrompt(ctx, name, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("prompt retrieval failed: %v", err)), nil
	}
	return jsonResult(result), nil
}

func (s *Server) handleSendRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.connected(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	method, err := request.RequireString("method")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	params, err := objectArg(request, "params")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var p any
	if params != nil {
		p = params
	}
	result, err := c.Request(ctx, method, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("request failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleGetMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, c, err := s.target(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	messages := c.Messages()
	if limit := request.GetInt("limit", 0); limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return jsonResult(messages), nil
}

func (s *Server) handleSetLoggingLevel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _, err := s.target(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	level, err := request.RequireString("level")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !validLevel(level) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid level: %s", level)), nil
	}

	if err := s.manager.SetLoggingLevel(ctx, id, mcp.LoggingLevel(level)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("setting logging level failed: %v", err)), nil
	}
	return mcp.NewToolResultText("logging level set to " + level), nil
}

func validLevel(level string) bool {
	switch mcp.LoggingLevel(level) {
	case mcp.LoggingLevelDebug, mcp.LoggingLevelInfo, mcp.LoggingLevelNotice, mcp.LoggingLevelWarning,
		mcp.LoggingLevelError, mcp.LoggingLevelCritical, mcp.LoggingLevelAlert, mcp.LoggingLevelEmergency:
		return true
	}
	return false
}
