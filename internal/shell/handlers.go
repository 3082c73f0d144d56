package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-inspect/internal/inspector"
	"github.com/giantswarm/mcp-inspect/internal/logging"
)

// logLevels are the levels accepted by logging/setLevel.
var logLevels = []string{
	string(mcp.LoggingLevelDebug),
	string(mcp.LoggingLevelInfo),
	string(mcp.LoggingLevelNotice),
	string(mcp.LoggingLevelWarning),
	string(mcp.LoggingLevelError),
	string(mcp.LoggingLevelCritical),
	string(mcp.LoggingLevelAlert),
	string(mcp.LoggingLevelEmergency),
}

// defaultTail is how many entries messages, stderr and fetches show.
const defaultTail = 20

func (r *REPL) handleServers() error {
	servers := r.manager.List()
	if len(servers) == 0 {
		fmt.Fprintln(r.out, "No servers configured.")
		return nil
	}

	r.mu.Lock()
	current := r.current
	r.mu.Unlock()

	fmt.Fprintf(r.out, "Servers (%d):\n", len(servers))
	for _, s := range servers {
		marker := " "
		if s.ID == current {
			marker = "*"
		}
		fmt.Fprintf(r.out, " %s %-20s %-14s %-16s %s\n", marker, s.Name, s.Status, s.Config.Kind(), s.Config.Target())
		if s.LastError != "" {
			fmt.Fprintf(r.out, "     last error: %s\n", s.LastError)
		}
	}
	return nil
}

// target resolves an optional server name argument to an id, falling back
// to the selected server.
func (r *REPL) target(args []string) (string, string, error) {
	if len(args) > 0 {
		id, ok := r.manager.Lookup(args[0])
		if !ok {
			return "", "", fmt.Errorf("unknown server: %s", args[0])
		}
		return id, args[0], nil
	}
	_, id, err := r.client()
	if err != nil {
		return "", "", err
	}
	r.mu.Lock()
	name := r.currentName
	r.mu.Unlock()
	return id, name, nil
}

func (r *REPL) handleConnect(ctx context.Context, args []string) error {
	id, name, err := r.target(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Connecting to %s...\n", name)
	if err := r.manager.Connect(ctx, id); err != nil {
		if inspector.IsAuthorizationRequired(err) {
			return fmt.Errorf("%s requires authorization, run 'mcp-inspect authorize': %w", name, err)
		}
		return err
	}
	fmt.Fprintf(r.out, "Connected to %s\n", name)
	r.refreshCompleter()
	return nil
}

func (r *REPL) handleDisconnect(ctx context.Context, args []string) error {
	id, name, err := r.target(args)
	if err != nil {
		return err
	}
	if err := r.manager.Disconnect(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Disconnected from %s\n", name)
	return nil
}

func (r *REPL) handleStatus() error {
	c, id, err := r.client()
	if err != nil {
		return err
	}
	w := r.out

	fmt.Fprintf(w, "Status: %s\n", c.Status())
	if lastErr := c.LastError(); lastErr != nil {
		fmt.Fprintf(w, "Last error: %v\n", lastErr)
	}
	if info := c.ServerInfo(); info != nil {
		fmt.Fprintf(w, "Server: %s %s\n", info.Name, info.Version)
	}
	if instructions := c.Instructions(); instructions != "" {
		fmt.Fprintf(w, "Instructions: %s\n", instructions)
	}

	if c.Capabilities() != nil {
		fmt.Fprintln(w, "Capabilities:")
		fmt.Fprintf(w, "  tools:     %t\n", c.ServerSupportsTools())
		fmt.Fprintf(w, "  resources: %t\n", c.ServerSupportsResources())
		fmt.Fprintf(w, "  prompts:   %t\n", c.ServerSupportsPrompts())
		fmt.Fprintf(w, "  logging:   %t\n", c.ServerSupportsLogging())
	}

	rel, err := r.manager.Reliability(id)
	if err == nil {
		fmt.Fprintf(w, "Connection attempts: %d\n", rel.ConnectionAttempts)
		if rel.LastSuccessfulConnection != nil {
			fmt.Fprintf(w, "Last successful connection: %s\n", rel.LastSuccessfulConnection.Format("15:04:05"))
		}
		for _, ce := range rel.FirstConnectionErrors {
			fmt.Fprintf(w, "  attempt %d at %s: %s\n", ce.Attempt, ce.Time.Format("15:04:05"), ce.Error)
		}
	}
	if rec, err := r.manager.SyncRecord(id); err == nil && rec != nil {
		result := "ok"
		if !rec.Success {
			result = "failed: " + rec.Error
		}
		fmt.Fprintf(w, "Logging level: %s (%s)\n", rec.Level, result)
	}
	return nil
}

// handleList lists the cached tools, resources or prompts
func (r *REPL) handleList(target string) error {
	c, _, err := r.client()
	if err != nil {
		return err
	}
	switch strings.ToLower(target) {
	case "tools", "tool":
		if !c.ServerSupportsTools() {
			fmt.Fprintln(r.out, "Server does not support tools capability.")
			return nil
		}
		r.listTools(c.Tools())
	case "resources", "resource":
		if !c.ServerSupportsResources() {
			fmt.Fprintln(r.out, "Server does not support resources capability.")
			return nil
		}
		r.listResources(c.Resources())
	case "prompts", "prompt":
		if !c.ServerSupportsPrompts() {
			fmt.Fprintln(r.out, "Server does not support prompts capability.")
			return nil
		}
		r.listPrompts(c.Prompts())
	default:
		return fmt.Errorf("unknown list target: %s. Use 'tools', 'resources', or 'prompts'", target)
	}
	return nil
}

func (r *REPL) listTools(tools []mcp.Tool) {
	if len(tools) == 0 {
		fmt.Fprintln(r.out, "No tools available.")
		return
	}
	fmt.Fprintf(r.out, "Available tools (%d):\n", len(tools))
	for i, tool := range tools {
		fmt.Fprintf(r.out, "  %d. %-30s - %s\n", i+1, tool.Name, tool.Description)
	}
}

func (r *REPL) listResources(resources []mcp.Resource) {
	if len(resources) == 0 {
		fmt.Fprintln(r.out, "No resources available.")
		return
	}
	fmt.Fprintf(r.out, "Available resources (%d):\n", len(resources))
	for i, resource := range resources {
		desc := resource.Description
		if desc == "" {
			desc = resource.Name
		}
		fmt.Fprintf(r.out, "  %d. %-40s - %s\n", i+1, resource.URI, desc)
	}
}

func (r *REPL) listPrompts(prompts []mcp.Prompt) {
	if len(prompts) == 0 {
		fmt.Fprintln(r.out, "No prompts available.")
		return
	}
	fmt.Fprintf(r.out, "Available prompts (%d):\n", len(prompts))
	for i, prompt := range prompts {
		fmt.Fprintf(r.out, "  %d. %-30s - %s\n", i+1, prompt.Name, prompt.Description)
	}
}

// handleDescribe handles describe commands
func (r *REPL) handleDescribe(targetType, name string) error {
	c, _, err := r.client()
	if err != nil {
		return err
	}
	w := r.out
	switch strings.ToLower(targetType) {
	case "tool":
		tool := findTool(c, name)
		if tool == nil {
			return fmt.Errorf("tool not found: %s", name)
		}
		fmt.Fprintf(w, "Tool: %s\n", tool.Name)
		fmt.Fprintf(w, "Description: %s\n", tool.Description)
		fmt.Fprintln(w, "Input Schema:")
		fmt.Fprintln(w, logging.PrettyJSON(tool.InputSchema))
	case "resource":
		resource := findResource(c, name)
		if resource == nil {
			return fmt.Errorf("resource not found: %s", name)
		}
		fmt.Fprintf(w, "Resource: %s\n", resource.URI)
		fmt.Fprintf(w, "Name: %s\n", resource.Name)
		if resource.Description != "" {
			fmt.Fprintf(w, "Description: %s\n", resource.Description)
		}
		if resource.MIMEType != "" {
			fmt.Fprintf(w, "MIME Type: %s\n", resource.MIMEType)
		}
	case "prompt":
		prompt := findPrompt(c, name)
		if prompt == nil {
			return fmt.Errorf("prompt not found: %s", name)
		}
		fmt.Fprintf(w, "Prompt: %s\n", prompt.Name)
		fmt.Fprintf(w, "Description: %s\n", prompt.Description)
		if len(prompt.Arguments) > 0 {
			fmt.Fprintln(w, "Arguments:")
			for _, arg := range prompt.Arguments {
				required := ""
				if arg.Required {
					required = " (required)"
				}
				fmt.Fprintf(w, "  - %s%s: %s\n", arg.Name, required, arg.Description)
			}
		}
	default:
		return fmt.Errorf("unknown describe target: %s. Use 'tool', 'resource', or 'prompt'", targetType)
	}
	return nil
}

func findTool(c *inspector.Client, name string) *mcp.Tool {
	for _, t := range c.Tools() {
		if t.Name == name {
			return &t
		}
	}
	return nil
}

func findResource(c *inspector.Client, uri string) *mcp.Resource {
	for _, res := range c.Resources() {
		if res.URI == uri {
			return &res
		}
	}
	return nil
}

func findPrompt(c *inspector.Client, name string) *mcp.Prompt {
	for _, p := range c.Prompts() {
		if p.Name == name {
			return &p
		}
	}
	return nil
}

// parseJSONObject parses an optional JSON object argument.
func parseJSONObject(argsStr string) (map[string]any, error) {
	if argsStr == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}

// handleCallTool executes a tool with the given arguments
func (r *REPL) handleCallTool(ctx context.Context, toolName string, argsStr string) error {
	c, _, err := r.client()
	if err != nil {
		return err
	}
	if !c.ServerSupportsTools() {
		return errors.New("server does not support tools capability")
	}
	if findTool(c, toolName) == nil {
		return fmt.Errorf("tool not found: %s", toolName)
	}

	args, err := parseJSONObject(argsStr)
	if err != nil {
		fmt.Fprintf(r.out, "Example: call %s {\"param1\": \"value1\", \"param2\": 123}\n", toolName)
		return err
	}

	fmt.Fprintf(r.out, "Executing tool: %s...\n", toolName)
	result, err := c.CallTool(ctx, toolName, args)
	if err != nil {
		return fmt.Errorf("tool execution failed: %w", err)
	}

	r.displayToolResult(result)
	return nil
}

func (r *REPL) displayToolResult(result *mcp.CallToolResult) {
	if result.IsError {
		fmt.Fprintln(r.out, "Tool returned an error:")
		for _, content := range result.Content {
			if textContent, ok := mcp.AsTextContent(content); ok {
				fmt.Fprintf(r.out, "  %s\n", textContent.Text)
			}
		}
		return
	}

	fmt.Fprintln(r.out, "Result:")
	for _, content := range result.Content {
		r.displayContent(content)
	}
	if result.StructuredContent != nil {
		fmt.Fprintln(r.out, "Structured content:")
		fmt.Fprintln(r.out, logging.PrettyJSON(result.StructuredContent))
	}
}

func (r *REPL) displayContent(content mcp.Content) {
	if textContent, ok := mcp.AsTextContent(content); ok {
		r.displayText(textContent.Text)
	} else if imageContent, ok := mcp.AsImageContent(content); ok {
		fmt.Fprintf(r.out, "[Image: MIME type %s, %d bytes]\n", imageContent.MIMEType, len(imageContent.Data))
	} else if audioContent, ok := mcp.AsAudioContent(content); ok {
		fmt.Fprintf(r.out, "[Audio: MIME type %s, %d bytes]\n", audioContent.MIMEType, len(audioContent.Data))
	} else if resource, ok := mcp.AsEmbeddedResource(content); ok {
		fmt.Fprintf(r.out, "[Embedded Resource: %v]\n", resource.Resource)
	} else {
		fmt.Fprintf(r.out, "%+v\n", content)
	}
}

// displayText pretty-prints JSON text and prints anything else as is.
func (r *REPL) displayText(text string) {
	var jsonData any
	if err := json.Unmarshal([]byte(text), &jsonData); err == nil {
		fmt.Fprintln(r.out, logging.PrettyJSON(jsonData))
	} else {
		fmt.Fprintln(r.out, text)
	}
}

// handleGetResource retrieves and displays a resource
func (r *REPL) handleGetResource(ctx context.Context, uri string) error {
	c, _, err := r.client()
	if err != nil {
		return err
	}
	if !c.ServerSupportsResources() {
		return errors.New("server does not support resources capability")
	}
	resource := findResource(c, uri)
	if resource == nil {
		return fmt.Errorf("resource not found: %s", uri)
	}

	fmt.Fprintf(r.out, "Retrieving resource: %s...\n", uri)
	result, err := c.ReadResource(ctx, uri)
	if err != nil {
		return fmt.Errorf("resource retrieval failed: %w", err)
	}

	fmt.Fprintln(r.out, "Contents:")
	for _, content := range result.Contents {
		if textContent, ok := mcp.AsTextResourceContents(content); ok {
			if resource.MIMEType == "application/json" {
				r.displayText(textContent.Text)
			} else {
				fmt.Fprintln(r.out, textContent.Text)
			}
		} else if blobContent, ok := mcp.AsBlobResourceContents(content); ok {
			fmt.Fprintf(r.out, "[Binary data: %d bytes]\n", len(blobContent.Blob))
		}
	}
	return nil
}

// parsePromptArgs parses and validates prompt arguments
func parsePromptArgs(argsStr string, prompt *mcp.Prompt) (map[string]string, error) {
	jsonArgs, err := parseJSONObject(argsStr)
	if err != nil {
		return nil, err
	}
	args := make(map[string]string, len(jsonArgs))
	for k, v := range jsonArgs {
		args[k] = fmt.Sprintf("%v", v)
	}

	for _, arg := range prompt.Arguments {
		if arg.Required && args[arg.Name] == "" {
			return nil, fmt.Errorf("missing required argument: %s", arg.Name)
		}
	}
	return args, nil
}

// handleGetPrompt retrieves and displays a prompt with arguments
func (r *REPL) handleGetPrompt(ctx context.Context, promptName string, argsStr string) error {
	c, _, err := r.client()
	if err != nil {
		return err
	}
	if !c.ServerSupportsPrompts() {
		return errors.New("server does not support prompts capability")
	}
	prompt := findPrompt(c, promptName)
	if prompt == nil {
		return fmt.Errorf("prompt not found: %s", promptName)
	}

	args, err := parsePromptArgs(argsStr, prompt)
	if err != nil {
		fmt.Fprintf(r.out, "Example: prompt %s {\"arg1\": \"value1\", \"arg2\": \"value2\"}\n", promptName)
		return err
	}

	fmt.Fprintf(r.out, "Getting prompt: %s...\n", promptName)
	result, err := c.GetPrompt(ctx, promptName, args)
	if err != nil {
		return fmt.Errorf("prompt retrieval failed: %w", err)
	}

	fmt.Fprintln(r.out, "Messages:")
	for i, msg := range result.Messages {
		fmt.Fprintf(r.out, "\n[%d] Role: %s\n", i+1, msg.Role)
		fmt.Fprint(r.out, "Content: ")
		r.displayContent(msg.Content)
	}
	return nil
}

// handleSend sends an arbitrary request and prints the raw result.
func (r *REPL) handleSend(ctx context.Context, method, paramsStr string) error {
	c, _, err := r.client()
	if err != nil {
		return err
	}
	var params any
	if paramsStr != "" {
		if err := json.Unmarshal([]byte(paramsStr), &params); err != nil {
			return fmt.Errorf("invalid JSON params: %w", err)
		}
	}

	result, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	r.displayText(string(result))
	return nil
}

// tail parses the optional count argument.
func tail(args []string) (int, error) {
	if len(args) == 0 {
		return defaultTail, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count: %s", args[0])
	}
	return n, nil
}

func last[T any](items []T, n int) []T {
	if len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

func (r *REPL) handleMessages(args []string) error {
	c, _, err := r.client()
	if err != nil {
		return err
	}
	n, err := tail(args)
	if err != nil {
		return err
	}
	entries := last(c.Messages(), n)
	if len(entries) == 0 {
		fmt.Fprintln(r.out, "No messages recorded.")
		return nil
	}
	for _, e := range entries {
		duration := ""
		if e.DurationMs != nil {
			duration = fmt.Sprintf(" (%dms)", *e.DurationMs)
		}
		fmt.Fprintf(r.out, "%s %-12s %s%s\n", e.Timestamp.Format("15:04:05.000"), e.Direction, compact(e.Message), duration)
		if len(e.Response) > 0 {
			fmt.Fprintf(r.out, "%12s %-12s %s\n", "", "<-", compact(e.Response))
		}
	}
	return nil
}

func compact(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func (r *REPL) handleStderr(args []string) error {
	c, _, err := r.client()
	if err != nil {
		return err
	}
	n, err := tail(args)
	if err != nil {
		return err
	}
	lines := last(c.StderrLogs(), n)
	if len(lines) == 0 {
		fmt.Fprintln(r.out, "No stderr output.")
		return nil
	}
	for _, l := range lines {
		fmt.Fprintf(r.out, "%s %s\n", l.Timestamp.Format("15:04:05.000"), l.Line)
	}
	return nil
}

func (r *REPL) handleFetches(args []string) error {
	c, _, err := r.client()
	if err != nil {
		return err
	}
	n, err := tail(args)
	if err != nil {
		return err
	}
	fetches := last(c.FetchRequests(), n)
	if len(fetches) == 0 {
		fmt.Fprintln(r.out, "No HTTP requests recorded.")
		return nil
	}
	for _, f := range fetches {
		result := strconv.Itoa(f.Status)
		if f.Error != "" {
			result = f.Error
		}
		fmt.Fprintf(r.out, "%s %-9s %-6s %s %s (%dms)\n",
			f.Timestamp.Format("15:04:05.000"), f.Category, f.Method, f.URL, result, f.DurationMs)
	}
	return nil
}

func (r *REPL) handleLogLevel(ctx context.Context, level string) error {
	_, id, err := r.client()
	if err != nil {
		return err
	}
	level = strings.ToLower(level)
	valid := false
	for _, l := range logLevels {
		if l == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid level: %s. Use one of %s", level, strings.Join(logLevels, ", "))
	}

	if err := r.manager.SetLoggingLevel(ctx, id, mcp.LoggingLevel(level)); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Logging level set to %s\n", level)
	return nil
}

// handleNotifications enables or disables notification display
func (r *REPL) handleNotifications(setting string) error {
	switch strings.ToLower(setting) {
	case "on":
		r.setNotifications(true)
		fmt.Fprintln(r.out, "Notifications enabled")
	case "off":
		r.setNotifications(false)
		fmt.Fprintln(r.out, "Notifications disabled")
	default:
		return fmt.Errorf("invalid setting: %s. Use 'on' or 'off'", setting)
	}
	return nil
}

func (r *REPL) setNotifications(on bool) {
	r.mu.Lock()
	r.notifications = on
	r.mu.Unlock()
}

// printNotification shows a server notification when enabled.
func (r *REPL) printNotification(w io.Writer, n *mcp.JSONRPCNotification) {
	r.mu.Lock()
	on := r.notifications
	r.mu.Unlock()
	if !on || n == nil {
		return
	}
	fmt.Fprintf(w, "\n← %s %s\n", n.Method, compactAny(n.Params))
}

func compactAny(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}
