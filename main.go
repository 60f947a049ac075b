package main

import (
	"context"
	"log"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dslh/codemode-mcp/internal/config"
	"github.com/dslh/codemode-mcp/internal/engine"
	"github.com/dslh/codemode-mcp/internal/server"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadMerged()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := config.ValidateNoSanitizedCollisions(cfg.Servers); err != nil {
		log.Fatalf("config error: %v", err)
	}

	eng, err := engine.New(ctx, cfg.Servers)
	if err != nil {
		log.Fatalf("failed to start proxy engine: %v", err)
	}
	defer eng.Shutdown()

	log.Printf("%s", eng.Summary())

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "codemode-mcp",
		Version: "0.1.0",
	}, nil)

	server.New(eng, "").Register(mcpServer)

	log.Printf("Starting codemode-mcp proxy server...")
	if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
