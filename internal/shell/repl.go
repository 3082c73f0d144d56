// Package shell is the interactive inspector shell. It drives the sessions
// of a manager.Manager: one server is selected at a time, and commands list
// and call its tools, resources and prompts, send raw requests and show the
// captured traffic.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-inspect/internal/inspector"
	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/manager"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL is the read-eval-print loop over the managed servers.
type REPL struct {
	manager *manager.Manager
	logger  *logging.Logger
	out     io.Writer
	rl      *readline.Instance

	mu          sync.Mutex
	current     string
	currentName string
	unsubscribe func()

	notifications bool

	commandHandlers map[string]commandHandler
}

// New creates a REPL. Output goes to stdout until SetOutput is called.
func New(m *manager.Manager, logger *logging.Logger) *REPL {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &REPL{
		manager: m,
		logger:  logger,
		out:     os.Stdout,

		notifications: true,
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// SetOutput redirects command output.
func (r *REPL) SetOutput(w io.Writer) {
	r.out = w
}

// Use selects the server commands act on.
func (r *REPL) Use(name string) error {
	id, ok := r.manager.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", manager.ErrUnknownServer, name)
	}
	client, err := r.manager.Get(id)
	if err != nil {
		return err
	}

	unsubscribe := client.Subscribe(r.handleEvent)
	r.mu.Lock()
	prev := r.unsubscribe
	r.current = id
	r.currentName = name
	r.unsubscribe = unsubscribe
	r.mu.Unlock()
	if prev != nil {
		prev()
	}

	r.refreshCompleter()
	return nil
}

// client returns the selected session.
func (r *REPL) client() (*inspector.Client, string, error) {
	r.mu.Lock()
	id := r.current
	r.mu.Unlock()
	if id == "" {
		return nil, "", errors.New("no server selected, use 'servers' and 'use <name>'")
	}
	c, err := r.manager.Get(id)
	if err != nil {
		return nil, "", err
	}
	return c, id, nil
}

// Run reads commands until exit, EOF or ctx ends.
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".mcp_inspect_history")

	config := &readline.Config{
		Prompt:          r.prompt(),
		HistoryFile:     historyFile,
		AutoComplete:    r.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.mu.Lock()
	r.rl = rl
	r.mu.Unlock()
	defer r.stop()

	r.logger.Info("Inspector shell started. Type 'help' for available commands. Use TAB for completion.")
	fmt.Fprintln(r.out)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Shell shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
		}
		rl.SetPrompt(r.prompt())

		fmt.Fprintln(r.out)
	}
}

func (r *REPL) stop() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.rl = nil
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *REPL) prompt() string {
	c, _, err := r.client()
	if err != nil {
		return "MCP> "
	}
	r.mu.Lock()
	name := r.currentName
	r.mu.Unlock()
	return fmt.Sprintf("MCP %s [%s]> ", name, c.Status())
}

// handleEvent keeps the completer current and shows notifications.
func (r *REPL) handleEvent(ev inspector.Event) {
	switch ev.Type {
	case inspector.EventCapabilitiesChanged:
		r.refreshCompleter()
	case inspector.EventNotification:
		r.printNotification(r.out, ev.Notification)
		r.refreshPrompt()
	case inspector.EventStatusChanged:
		r.refreshPrompt()
	}
}

func (r *REPL) refreshPrompt() {
	r.mu.Lock()
	rl := r.rl
	r.mu.Unlock()
	if rl != nil {
		rl.SetPrompt(r.prompt())
		rl.Refresh()
	}
}

func (r *REPL) refreshCompleter() {
	r.mu.Lock()
	rl := r.rl
	r.mu.Unlock()
	if rl != nil {
		rl.Config.AutoComplete = r.createCompleter()
	}
}

// buildPcItems converts a slice of strings to readline completer items
func buildPcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

// buildBaseCompleterItems creates the base command completion items
func (r *REPL) buildBaseCompleterItems() []readline.PrefixCompleterInterface {
	var names []string
	for _, s := range r.manager.List() {
		names = append(names, s.Name)
	}
	serverItems := buildPcItems(names)

	return []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("servers"),
		readline.PcItem("use", serverItems...),
		readline.PcItem("connect", serverItems...),
		readline.PcItem("disconnect", serverItems...),
		readline.PcItem("reconnect"),
		readline.PcItem("status"),
		readline.PcItem("send"),
		readline.PcItem("messages"),
		readline.PcItem("stderr"),
		readline.PcItem("fetches"),
		readline.PcItem("clear"),
		readline.PcItem("loglevel", buildPcItems(logLevels)...),
		readline.PcItem("notifications",
			readline.PcItem("on"),
			readline.PcItem("off"),
		),
	}
}

// createCompleter creates the tab completion configuration
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	items := r.buildBaseCompleterItems()

	c, _, err := r.client()
	if err != nil {
		return readline.NewPrefixCompleter(items...)
	}

	tools := buildPcItems(names(c.Tools(), func(t mcp.Tool) string { return t.Name }))
	resources := buildPcItems(names(c.Resources(), func(res mcp.Resource) string { return res.URI }))
	prompts := buildPcItems(names(c.Prompts(), func(p mcp.Prompt) string { return p.Name }))

	var listItems, describeItems []readline.PrefixCompleterInterface
	if c.ServerSupportsTools() {
		listItems = append(listItems, readline.PcItem("tools"))
		describeItems = append(describeItems, readline.PcItem("tool", tools...))
		items = append(items, readline.PcItem("call", tools...))
	}
	if c.ServerSupportsResources() {
		listItems = append(listItems, readline.PcItem("resources"))
		describeItems = append(describeItems, readline.PcItem("resource", resources...))
		items = append(items, readline.PcItem("get", resources...))
	}
	if c.ServerSupportsPrompts() {
		listItems = append(listItems, readline.PcItem("prompts"))
		describeItems = append(describeItems, readline.PcItem("prompt", prompts...))
		items = append(items, readline.PcItem("prompt", prompts...))
	}
	if len(listItems) > 0 {
		items = append(items, readline.PcItem("list", listItems...))
	}
	if len(describeItems) > 0 {
		items = append(items, readline.PcItem("describe", describeItems...))
	}

	return readline.NewPrefixCompleter(items...)
}

func names[T any](items []T, name func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = name(it)
	}
	return out
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	help := commandHandler{minArgs: 1, handler: func(ctx context.Context, parts []string) error {
		return r.showHelp()
	}}
	exit := commandHandler{minArgs: 1, handler: func(ctx context.Context, parts []string) error {
		return errExit
	}}

	return map[string]commandHandler{
		"help": help,
		"?":    help,
		"exit": exit,
		"quit": exit,
		"servers": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleServers()
		}},
		"use": {
			minArgs: 2,
			usage:   "usage: use <server>",
			handler: func(ctx context.Context, parts []string) error {
				if err := r.Use(parts[1]); err != nil {
					return err
				}
				fmt.Fprintf(r.out, "Using %s\n", parts[1])
				return nil
			},
		},
		"connect": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleConnect(ctx, parts[1:])
		}},
		"disconnect": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleDisconnect(ctx, parts[1:])
		}},
		"reconnect": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			c, _, err := r.client()
			if err != nil {
				return err
			}
			return c.Reconnect(ctx)
		}},
		"status": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleStatus()
		}},
		"list": {
			minArgs: 2,
			usage:   "usage: list <tools|resources|prompts>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleList(parts[1])
			},
		},
		"describe": {
			minArgs: 3,
			usage:   "usage: describe <tool|resource|prompt> <name>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleDescribe(parts[1], strings.Join(parts[2:], " "))
			},
		},
		"call": {
			minArgs: 2,
			usage:   "usage: call <tool-name> [args...]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleCallTool(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"get": {
			minArgs: 2,
			usage:   "usage: get <resource-uri>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleGetResource(ctx, parts[1])
			},
		},
		"prompt": {
			minArgs: 2,
			usage:   "usage: prompt <prompt-name> [args...]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleGetPrompt(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"send": {
			minArgs: 2,
			usage:   "usage: send <method> [params...]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleSend(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"messages": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleMessages(parts[1:])
		}},
		"stderr": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleStderr(parts[1:])
		}},
		"fetches": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleFetches(parts[1:])
		}},
		"clear": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			c, _, err := r.client()
			if err != nil {
				return err
			}
			c.ClearMessages()
			fmt.Fprintln(r.out, "Message history cleared")
			return nil
		}},
		"loglevel": {
			minArgs: 2,
			usage:   "usage: loglevel <" + strings.Join(logLevels, "|") + ">",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleLogLevel(ctx, parts[1])
			},
		},
		"notifications": {
			minArgs: 2,
			usage:   "usage: notifications <on|off>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleNotifications(parts[1])
			},
		},
	}
}

// executeCommand parses and executes a command
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	w := r.out
	fmt.Fprintln(w, "Available commands:")
	fmt.Fprintln(w, "  help, ?                      - Show this help message")
	fmt.Fprintln(w, "  servers                      - List configured servers")
	fmt.Fprintln(w, "  use <server>                 - Select the server to work with")
	fmt.Fprintln(w, "  connect [server]             - Connect, retrying with backoff")
	fmt.Fprintln(w, "  disconnect [server]          - Disconnect")
	fmt.Fprintln(w, "  reconnect                    - Disconnect and connect again")
	fmt.Fprintln(w, "  status                       - Show connection status and capabilities")
	fmt.Fprintln(w, "  list tools                   - List all available tools")
	fmt.Fprintln(w, "  list resources               - List all available resources")
	fmt.Fprintln(w, "  list prompts                 - List all available prompts")
	fmt.Fprintln(w, "  describe tool <name>         - Show detailed information about a tool")
	fmt.Fprintln(w, "  describe resource <uri>      - Show detailed information about a resource")
	fmt.Fprintln(w, "  describe prompt <name>       - Show detailed information about a prompt")
	fmt.Fprintln(w, "  call <tool> {json}           - Execute a tool with JSON arguments")
	fmt.Fprintln(w, "  get <resource-uri>           - Retrieve a resource")
	fmt.Fprintln(w, "  prompt <name> {json}         - Get a prompt with JSON arguments")
	fmt.Fprintln(w, "  send <method> {json}         - Send a raw JSON-RPC request")
	fmt.Fprintln(w, "  messages [n]                 - Show the last n tracked messages")
	fmt.Fprintln(w, "  stderr [n]                   - Show the last n stderr lines")
	fmt.Fprintln(w, "  fetches [n]                  - Show the last n HTTP requests")
	fmt.Fprintln(w, "  clear                        - Clear the message history")
	fmt.Fprintln(w, "  loglevel <level>             - Set the server logging level")
	fmt.Fprintln(w, "  notifications <on|off>       - Enable/disable notification display")
	fmt.Fprintln(w, "  exit, quit                   - Exit the shell")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Keyboard shortcuts:")
	fmt.Fprintln(w, "  TAB                          - Auto-complete commands and arguments")
	fmt.Fprintln(w, "  ↑/↓ (arrow keys)             - Navigate command history")
	fmt.Fprintln(w, "  Ctrl+R                       - Search command history")
	fmt.Fprintln(w, "  Ctrl+C                       - Cancel current line")
	fmt.Fprintln(w, "  Ctrl+D                       - Exit the shell")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  call calculate {\"operation\": \"add\", \"x\": 5, \"y\": 3}")
	fmt.Fprintln(w, "  get docs://readme")
	fmt.Fprintln(w, "  send tools/list {}")
	return nil
}
