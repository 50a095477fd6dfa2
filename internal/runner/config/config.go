// Package config loads the runner's configuration from, in order of
// precedence: command-line flags, SENTRYVIBE_* environment variables, and
// an optional runner.yaml file in the working directory or ~/.sentryvibe.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	KeyBrokerURL    = "broker.url"
	KeyRunnerID     = "runner.id"
	KeyRunnerSecret = "runner.secret"
	KeyWorkspaceDir = "workspace.dir"
	KeyTunnelBinary = "tunnel.binary"
	KeyAgentName    = "agent.name"
	KeyAgentCommand = "agent.command"
	KeyLogLevel     = "log.level"
)

// Option describes one configurable key with its flag spelling and default.
type Option struct {
	Key         string
	Flag        string
	Default     string
	Description string
}

// Options is every runner configuration key.
var Options = []Option{
	{KeyBrokerURL, "broker-url", "ws://localhost:8080/api/v1/runner/attach", "Broker attach endpoint"},
	{KeyRunnerID, "runner-id", defaultRunnerID(), "Stable runner identifier commands are addressed to"},
	{KeyRunnerSecret, "runner-secret", "", "Runner key issued by the broker (or the local-mode shared secret)"},
	{KeyWorkspaceDir, "workspace-dir", defaultWorkspaceDir(), "Directory holding one subdirectory per project"},
	{KeyTunnelBinary, "tunnel-binary", "cloudflared", "cloudflared binary used for quick tunnels"},
	{KeyAgentName, "agent-name", "claude-code", "Name of the default agent provider"},
	{KeyAgentCommand, "agent-command", "", "Shell command that runs the agent CLI (reads the prompt on stdin, writes JSON frames)"},
	{KeyLogLevel, "log-level", "info", "Log level (debug, info, warn, error)"},
}

// Config wraps the merged view of flags, environment, and file.
type Config struct {
	v *viper.Viper
}

// New builds a Config with defaults, an optional config file, and the
// environment applied. Flags are bound separately with BindFlags.
func New() (*Config, error) {
	v := viper.New()

	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("runner")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".sentryvibe"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SENTRYVIBE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers every option as a flag on fs and binds it.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	for _, o := range Options {
		fs.String(o.Flag, o.Default, o.Description)
		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("config: binding flag %s: %w", o.Flag, err)
		}
	}
	return nil
}

// Validate reports the required keys that are missing.
func (c *Config) Validate() error {
	var missing []string
	for _, key := range []string{KeyBrokerURL, KeyRunnerID, KeyRunnerSecret} {
		if c.v.GetString(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) BrokerURL() string    { return c.v.GetString(KeyBrokerURL) }    // SENTRYVIBE_BROKER_URL
func (c *Config) RunnerID() string     { return c.v.GetString(KeyRunnerID) }     // SENTRYVIBE_RUNNER_ID
func (c *Config) RunnerSecret() string { return c.v.GetString(KeyRunnerSecret) } // SENTRYVIBE_RUNNER_SECRET
func (c *Config) WorkspaceDir() string { return c.v.GetString(KeyWorkspaceDir) } // SENTRYVIBE_WORKSPACE_DIR
func (c *Config) TunnelBinary() string { return c.v.GetString(KeyTunnelBinary) } // SENTRYVIBE_TUNNEL_BINARY
func (c *Config) AgentName() string    { return c.v.GetString(KeyAgentName) }    // SENTRYVIBE_AGENT_NAME
func (c *Config) AgentCommand() string { return c.v.GetString(KeyAgentCommand) } // SENTRYVIBE_AGENT_COMMAND
func (c *Config) LogLevel() string     { return c.v.GetString(KeyLogLevel) }     // SENTRYVIBE_LOG_LEVEL

func defaultRunnerID() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "runner"
}

func defaultWorkspaceDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "sentryvibe-workspace")
	}
	return "./workspace"
}
