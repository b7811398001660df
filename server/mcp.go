package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes bridge introspection as MCP tools over stdio so agent
// tooling can inspect a running instance.
type MCPServer struct {
	Server *server.MCPServer
}

func NewMCPServer(c *Coordinator) *MCPServer {
	s := server.NewMCPServer("Callbridge MCP Server", "1.0.0")

	listServices := mcp.NewTool("list_services",
		mcp.WithDescription("Get the services registered on this bridge with their queue depths"))
	s.AddTool(listServices, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jsonBytes, err := json.MarshalIndent(c.Registry.Snapshot(), "", "  ")
		if err != nil {
			return nil, err
		}
		return textResult(string(jsonBytes)), nil
	})

	serverStatus := mcp.NewTool("server_status",
		mcp.WithDescription("Get uptime, session count and transport state for this bridge"))
	s.AddTool(serverStatus, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type transportElement struct {
			Protocol string `json:"protocol"`
			Address  string `json:"address"`
			Clients  int    `json:"clients"`
		}
		transports := make([]transportElement, 0, len(c.Transports))
		for _, t := range c.Transports {
			meta := t.Meta()
			transports = append(transports, transportElement{
				Protocol: meta.Protocol,
				Address:  meta.Address,
				Clients:  meta.Clients,
			})
		}
		status := map[string]any{
			"uptime":          time.Since(c.started).String(),
			"sessions":        c.SessionCount(),
			"services_active": c.Registry.ActiveCount(),
			"transports":      transports,
		}
		jsonBytes, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return nil, err
		}
		return textResult(string(jsonBytes)), nil
	})

	return &MCPServer{Server: s}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

func (s *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	if err := server.ServeStdio(s.Server); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
