// Package mcp exposes the broker as an MCP server: each browser capability
// is a tool, and tool calls flow through the dispatch pipeline like any
// other client command.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tabmux/tabmux/pkg/broker"
	"github.com/tabmux/tabmux/pkg/versions"
)

// Dispatcher is the broker surface tool handlers call into.
type Dispatcher interface {
	Dispatch(ctx context.Context, req broker.Request) broker.Result
}

// toolSpec is one catalog entry.
type toolSpec struct {
	name        string
	description string
	options     []mcp.ToolOption
}

// catalog is the fixed browser tool set. Tool arguments beyond tabId pass
// through to the extension untouched.
var catalog = []toolSpec{
	{"browser_navigate", "Navigate the target tab to a URL.",
		[]mcp.ToolOption{mcp.WithString("url", mcp.Required(), mcp.Description("Destination URL"))}},
	{"browser_click", "Click an element in the target tab.",
		[]mcp.ToolOption{mcp.WithString("selector", mcp.Required(), mcp.Description("CSS selector of the element"))}},
	{"browser_type", "Type text into an element in the target tab.",
		[]mcp.ToolOption{
			mcp.WithString("selector", mcp.Required(), mcp.Description("CSS selector of the element")),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to type")),
		}},
	{"browser_screenshot", "Capture a screenshot of the target tab.", nil},
	{"browser_snapshot", "Capture an accessibility snapshot of the target tab.", nil},
	{"browser_get_console_logs", "Read the console log of the target tab.", nil},
	{"tabs_new", "Open a new browser tab.",
		[]mcp.ToolOption{mcp.WithString("url", mcp.Description("URL to open, blank page when omitted"))}},
	{"tabs_list", "List the tabs this session owns.", nil},
	{"tabs_close", "Close the target tab.", nil},
}

// Server is the MCP front end.
type Server struct {
	dispatcher Dispatcher
	mcpServer  *server.MCPServer
	streamable *server.StreamableHTTPServer
}

// New builds the MCP server and registers the tool catalog plus the generic
// browser_call passthrough.
func New(dispatcher Dispatcher) *Server {
	s := &Server{dispatcher: dispatcher}

	s.mcpServer = server.NewMCPServer(
		"tabmux",
		versions.GetVersionInfo().Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	for _, spec := range catalog {
		opts := append([]mcp.ToolOption{
			mcp.WithDescription(spec.description),
			mcp.WithNumber("tabId", mcp.Description("Target tab id; defaults to the session's focused tab")),
		}, spec.options...)
		s.mcpServer.AddTool(mcp.NewTool(spec.name, opts...), s.toolHandler(spec.name))
	}

	s.mcpServer.AddTool(mcp.NewTool("browser_call",
		mcp.WithDescription("Invoke any extension command by name."),
		mcp.WithString("tool", mcp.Required(), mcp.Description("Extension command name")),
		mcp.WithObject("params", mcp.Description("Command parameters, passed through unmodified")),
		mcp.WithNumber("tabId", mcp.Description("Target tab id; defaults to the session's focused tab")),
	), s.callHandler)

	s.streamable = server.NewStreamableHTTPServer(s.mcpServer)
	return s
}

// Handler returns the streamable HTTP handler for mounting at /mcp.
func (s *Server) Handler() http.Handler {
	return s.streamable
}

// toolHandler forwards one catalog tool to the dispatcher under its own name.
func (s *Server) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		return s.forward(ctx, name, args)
	}
}

// callHandler forwards an arbitrary command named inside the arguments.
func (s *Server) callHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	name, _ := args["tool"].(string)
	if name == "" {
		return mcp.NewToolResultError("browser_call requires a tool name"), nil
	}
	params, _ := args["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	if tabID, ok := tabIDFrom(args); ok {
		params["tabId"] = tabID
	}
	return s.forward(ctx, name, params)
}

func (s *Server) forward(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	tabID, _ := tabIDFrom(args)
	delete(args, "tabId")

	payload, err := json.Marshal(args)
	if err != nil {
		return mcp.NewToolResultError("encoding arguments: " + err.Error()), nil
	}

	res := s.dispatcher.Dispatch(ctx, broker.Request{
		SessionID: sessionIDFrom(ctx),
		Command:   name,
		Params:    payload,
		TabID:     tabID,
	})
	if res.Error != nil {
		return mcp.NewToolResultError(res.Error.Kind + ": " + res.Error.Message), nil
	}
	if len(res.Data) == 0 {
		return mcp.NewToolResultText("{}"), nil
	}
	return mcp.NewToolResultText(string(res.Data)), nil
}

// tabIDFrom pulls a numeric tabId out of tool arguments. JSON numbers arrive
// as float64.
func tabIDFrom(args map[string]any) (int, bool) {
	switch v := args["tabId"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// sessionIDFrom maps the MCP client session onto a broker session, so every
// tool call from one MCP client shares tabs and ordering.
func sessionIDFrom(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		return cs.SessionID()
	}
	return ""
}
