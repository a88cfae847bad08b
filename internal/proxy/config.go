// ABOUTME: Proxy daemon configuration loaded from TOML
// ABOUTME: Environment overrides cover the deploy-sensitive fields only

package proxy

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the proxy daemon's configuration file.
type Config struct {
	GatewayURL       string `toml:"gateway_url"`
	AuthToken        string `toml:"auth_token"`
	HeartbeatSeconds int    `toml:"heartbeat_seconds"`
	InventorySeconds int    `toml:"inventory_seconds"`

	Agent   AgentConfig   `toml:"agent"`
	Sandbox SandboxConfig `toml:"sandbox"`
}

// AgentConfig identifies this proxy to the gateway and names the agent
// command exec'd inside each sandbox instance.
type AgentConfig struct {
	ID            string   `toml:"id"`
	Name          string   `toml:"name"`
	MaxConcurrent int      `toml:"max_concurrent"`
	Command       []string `toml:"command"`
}

// SandboxConfig selects the sandbox provider and its instance defaults.
type SandboxConfig struct {
	Provider      string            `toml:"provider"`
	Runtime       string            `toml:"runtime"`
	Image         string            `toml:"image"`
	WorkspaceMode string            `toml:"workspace_mode"`
	WorkspaceRoot string            `toml:"workspace_root"`
	Env           map[string]string `toml:"env"`
}

// LoadConfig reads and validates a proxy config file. ACP_PROXY_GATEWAY_URL
// and ACP_PROXY_AUTH_TOKEN override the file so deployments can keep
// credentials out of it.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if v := strings.TrimSpace(os.Getenv("ACP_PROXY_GATEWAY_URL")); v != "" {
		cfg.GatewayURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ACP_PROXY_AUTH_TOKEN")); v != "" {
		cfg.AuthToken = v
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 30
	}
	if c.InventorySeconds <= 0 {
		c.InventorySeconds = 300
	}
	if c.Agent.MaxConcurrent <= 0 {
		c.Agent.MaxConcurrent = 1
	}
	if c.Agent.Name == "" {
		c.Agent.Name = c.Agent.ID
	}
	if len(c.Agent.Command) == 0 {
		c.Agent.Command = []string{"npx", "--yes", "@zed-industries/codex-acp"}
	}
	if c.Sandbox.Provider == "" {
		c.Sandbox.Provider = "docker"
	}
	if c.Sandbox.WorkspaceMode == "" {
		c.Sandbox.WorkspaceMode = "mount"
	}
}

func (c *Config) validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required")
	}
	if c.Sandbox.WorkspaceMode == "mount" && c.Sandbox.WorkspaceRoot == "" {
		return fmt.Errorf("sandbox.workspace_root is required in mount mode")
	}
	return nil
}
