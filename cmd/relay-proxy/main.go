// ABOUTME: Entry point for the relay-proxy sandbox node daemon
// ABOUTME: Hosts sandboxed agent runs and tunnels them to the gateway

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/acp-relay/internal/proxy"
	"github.com/2389/acp-relay/internal/sandbox"
	"github.com/2389/acp-relay/internal/sandbox/docker"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `

  __ _  ___ _ __        _ __  _ __ ___ __  __ _   _
 / _' |/ __| '_ \ _____| '_ \| '__/ _ \\ \/ /| | | |
| (_| | (__| |_) |_____| |_) | | | (_) |>  < | |_| |
 \__,_|\___| .__/      | .__/|_|  \___//_/\_\ \__, |
           |_|         |_|                    |___/
`

// getConfigPath returns the path to the proxy config file.
// Priority: ACP_PROXY_CONFIG env var > XDG_CONFIG_HOME/acp-relay/proxy.toml
// > ~/.config/acp-relay/proxy.toml
func getConfigPath() string {
	if envPath := os.Getenv("ACP_PROXY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "proxy.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "acp-relay", "proxy.toml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-proxy <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run [config]     Connect to the gateway and serve runs")
		fmt.Println("  check [config]   Validate the config file and exit")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runProxy(ctx, argConfigPath())
	case "check":
		err = runCheck(argConfigPath())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func argConfigPath() string {
	if len(os.Args) > 2 {
		return os.Args[2]
	}
	return getConfigPath()
}

func runCheck(configPath string) error {
	cfg, err := proxy.LoadConfig(configPath)
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen)
	green.Printf("  ✓ %s is valid\n", configPath)
	fmt.Printf("  agent:   %s (%s)\n", cfg.Agent.ID, cfg.Agent.Name)
	fmt.Printf("  gateway: %s\n", cfg.GatewayURL)
	fmt.Printf("  sandbox: %s image=%s mode=%s\n",
		cfg.Sandbox.Provider, cfg.Sandbox.Image, cfg.Sandbox.WorkspaceMode)
	return nil
}

func runProxy(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := proxy.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agent:   %s\n", cfg.Agent.ID)
	green.Print("    ▶ ")
	fmt.Printf("Gateway: %s\n", cfg.GatewayURL)
	fmt.Println()

	driver, err := buildDriver(cfg)
	if err != nil {
		return err
	}

	manager, err := sandbox.NewManager(sandbox.ManagerConfig{
		Driver:        driver,
		Image:         cfg.Sandbox.Image,
		WorkspaceMode: cfg.Sandbox.WorkspaceMode,
		WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
		Env:           cfg.Sandbox.Env,
		Logger:        logger.With("component", "sandbox"),
	})
	if err != nil {
		return fmt.Errorf("creating sandbox manager: %w", err)
	}

	client := proxy.NewClient(cfg, logger.With("component", "gateway-client"))
	p := proxy.New(cfg, manager, client, logger.With("component", "proxy"))

	logger.Info("starting relay-proxy",
		"agent_id", cfg.Agent.ID,
		"gateway_url", cfg.GatewayURL,
		"provider", cfg.Sandbox.Provider,
	)

	return p.Run(ctx, client)
}

func buildDriver(cfg *proxy.Config) (sandbox.Driver, error) {
	switch cfg.Sandbox.Provider {
	case "docker":
		return docker.New()
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Sandbox.Provider)
	}
}
