// Package mcpserver exposes the inspector itself as an MCP server so that an
// AI assistant can connect to, exercise and debug other MCP servers.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/manager"
)

// Transports the server can be served over.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// EndpointPath is where the streamable HTTP transport listens.
const EndpointPath = "/mcp"

const shutdownTimeout = 5 * time.Second

// Server wraps a manager and exposes its operations as MCP tools.
type Server struct {
	manager   *manager.Manager
	logger    *logging.Logger
	mcpServer *server.MCPServer
}

// New creates the server and registers its tools.
func New(m *manager.Manager, logger *logging.Logger, version string) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		manager: m,
		logger:  logger,
		mcpServer: server.NewMCPServer(
			"mcp-inspect",
			version,
			server.WithToolCapabilities(false),
			server.WithInstructions("Tools of this server connect to other MCP servers by name and inspect them. "+
				"Call list_servers first, then connect_server."),
		),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server, for in-process clients.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Serve runs the server over the given transport until ctx ends.
func (s *Server) Serve(ctx context.Context, transport, listenAddr string) error {
	switch transport {
	case TransportStdio:
		return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)

	case TransportStreamableHTTP:
		httpServer := server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath(EndpointPath))
		errCh := make(chan error, 1)
		go func() {
			s.logger.Info("Serving MCP on http://%s%s", listenAddr, EndpointPath)
			errCh <- httpServer.Start(listenAddr)
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		}

	default:
		return fmt.Errorf("unsupported server transport: %s", transport)
	}
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	serverArg := mcp.WithString("server",
		mcp.Required(),
		mcp.Description("Name of the configured server"),
	)

	s.mcpServer.AddTool(mcp.NewTool("list_servers",
		mcp.WithDescription("List the configured MCP servers and their connection status"),
	), s.handleListServers)

	s.mcpServer.AddTool(mcp.NewTool("connect_server",
		mcp.WithDescription("Connect to a configured server, retrying with backoff"),
		serverArg,
	), s.handleConnect)

	s.mcpServer.AddTool(mcp.NewTool("disconnect_server",
		mcp.WithDescription("Disconnect from a server"),
		serverArg,
	), s.handleDisconnect)

	s.mcpServer.AddTool(mcp.NewTool("server_status",
		mcp.WithDescription("Show status, capabilities, server info and connection history of a server"),
		serverArg,
	), s.handleStatus)

	s.mcpServer.AddTool(mcp.NewTool("list_tools",
		mcp.WithDescription("List the tools of a connected server"),
		serverArg,
	), s.handleListTools)

	s.mcpServer.AddTool(mcp.NewTool("list_resources",
		mcp.WithDescription("List the resources of a connected server"),
		serverArg,
	), s.handleListResources)

	s.mcpServer.AddTool(mcp.NewTool("list_prompts",
		mcp.WithDescription("List the prompts of a connected server"),
		serverArg,
	), s.handleListPrompts)

	s.mcpServer.AddTool(mcp.NewTool("call_tool",
		mcp.WithDescription("Execute a tool with the given arguments"),
		serverArg,
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the tool to call"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments to pass to the tool (as JSON object)"),
		),
	), s.handleCallTool)

	s.mcpServer.AddTool(mcp.NewTool("get_resource",
		mcp.WithDescription("Retrieve the contents of a resource"),
		serverArg,
		mcp.WithString("uri",
			mcp.Required(),
			mcp.Description("URI of the resource to retrieve"),
		),
	), s.handleGetResource)

	s.mcpServer.AddTool(mcp.NewTool("get_prompt",
		mcp.WithDescription("Get a prompt with the given arguments"),
		serverArg,
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the prompt to get"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments to pass to the prompt (as JSON object with string values)"),
		),
	), s.handleGetPrompt)

	s.mcpServer.AddTool(mcp.NewTool("send_request",
		mcp.WithDescription("Send a raw JSON-RPC request and return its result"),
		serverArg,
		mcp.WithString("method",
			mcp.Required(),
			mcp.Description("JSON-RPC method"),
		),
		mcp.WithObject("params",
			mcp.Description("Request params"),
		),
	), s.handleSendRequest)

	s.mcpServer.AddTool(mcp.NewTool("get_messages",
		mcp.WithDescription("Return the recorded JSON-RPC traffic of a server, oldest first"),
		serverArg,
		mcp.WithNumber("limit",
			mcp.Description("Return at most this many of the newest entries"),
		),
	), s.handleGetMessages)

	s.mcpServer.AddTool(mcp.NewTool("set_logging_level",
		mcp.WithDescription("Set the logging level of a server. It is applied again after reconnects"),
		serverArg,
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("One of debug, info, notice, warning, error, critical, alert, emergency"),
		),
	), s.handleSetLoggingLevel)
}
