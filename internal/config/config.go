// Package config assembles a runtime Config from a YAML file, environment
// variables, and CLI flag overrides, for every deployment shape the
// cmd/meshsocks entrypoint supports: server, client, provider, connector.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role identifies which of the CLI subcommands a Config was built for.
type Role string

const (
	RoleServer    Role = "server"
	RoleClient    Role = "client"
	RoleProvider  Role = "provider"
	RoleConnector Role = "connector"
)

// Config is the merged configuration for one meshsocks process. Most
// fields have a CLI flag equivalent (see cmd/meshsocks); the port range and
// the Tokens list are set only from a YAML file. The file is otherwise
// optional, and is what bootstraps a server with more than one token, since
// the CLI surface carries just one `-t/--token` per process.
type Config struct {
	Role Role `yaml:"-"`

	// Token is the plaintext credential this process authenticates with
	// (client/provider/connector), or the single token a server process
	// bootstraps when no Tokens list is given.
	Token string `yaml:"token"`

	// URL is the full ws(s)://host:port/path to dial. If empty, it is
	// assembled from WSHost/WSPort.
	URL    string `yaml:"url"`
	WSHost string `yaml:"ws_host"`
	WSPort int    `yaml:"ws_port"`

	SocksHost     string `yaml:"socks_host"`
	SocksPort     int    `yaml:"socks_port"`
	SocksUsername string `yaml:"socks_username"`
	SocksPassword string `yaml:"socks_password"`

	// Reverse marks a client-role process as a reverse-mode provider
	// (equivalent to the `provider` subcommand / `-r`).
	Reverse bool `yaml:"reverse"`

	// ConnectorToken is the reverse token a connector-role process pairs
	// with when ConnectorAutonomy is false (round-robin) or advertises
	// when true (exclusive pairing, set on the provider side instead).
	ConnectorToken    string `yaml:"connector_token"`
	ConnectorAutonomy bool   `yaml:"connector_autonomy"`

	BufferSize int  `yaml:"buffer_size"`
	FastOpen   bool `yaml:"fast_open"`

	UpstreamProxy string `yaml:"upstream_proxy"`
	NoEnvProxy    bool   `yaml:"no_env_proxy"`
	UserAgent     string `yaml:"user_agent"`

	// Threads opens this many parallel peer sessions under the same
	// token on the client-initiator side (spec.md §4.4).
	Threads int `yaml:"threads"`

	NoReconnect bool `yaml:"no_reconnect"`

	// APIKey enables the HTTP management API on the server's own
	// host:port when non-empty.
	APIKey string `yaml:"api_key"`

	// Debug is the `-d` repeat count: 0 = info, 1 = debug, 2+ = trace.
	Debug int `yaml:"-"`

	// PortRangeLow/High bound the reverse-mode SOCKS5 listener port pool.
	PortRangeLow  int `yaml:"port_range_low"`
	PortRangeHigh int `yaml:"port_range_high"`

	// Tokens bootstraps a server's token registry from a config file,
	// the only way to register more than one token without the
	// management API.
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig describes one statically-provisioned token for a server's
// startup registry.
type TokenConfig struct {
	Kind                string `yaml:"kind"` // forward | reverse | connector
	Token               string `yaml:"token"`
	Port                int    `yaml:"port"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	AllowManageConnector bool  `yaml:"allow_manage_connector"`
	ReverseToken        string `yaml:"reverse_token"`
}

// Default returns a Config with the spec's stated defaults.
func Default() *Config {
	return &Config{
		WSHost:        "127.0.0.1",
		WSPort:        8765,
		SocksHost:     "127.0.0.1",
		SocksPort:     1080,
		BufferSize:    32 * 1024,
		Threads:       1,
		PortRangeLow:  20000,
		PortRangeHigh: 30000,
	}
}

// Load reads a YAML config file and merges it onto the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML document (with ${VAR} / $VAR expansion) onto the
// default Config.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR}, ${VAR:-default}, and $VAR references with
// environment values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Save writes cfg as YAML to path, for the setup wizard's output file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Addr assembles the ws(s):// URL to dial from WSHost/WSPort when URL is
// not set explicitly.
func (c *Config) Addr() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("ws://%s:%d/link", c.WSHost, c.WSPort)
}

// SocksAddr assembles the SOCKS5 listener bind address.
func (c *Config) SocksAddr() string {
	return fmt.Sprintf("%s:%d", c.SocksHost, c.SocksPort)
}

// LogLevel maps the -d repeat count to a slog level name.
func (c *Config) LogLevel() string {
	switch {
	case c.Debug >= 2:
		return "trace"
	case c.Debug == 1:
		return "debug"
	default:
		return "info"
	}
}

// Validate checks the merged configuration for the invariants each role
// requires before the process starts serving.
func (c *Config) Validate() error {
	var errs []string

	switch c.Role {
	case RoleServer:
		if c.WSPort <= 0 {
			errs = append(errs, "ws_port is required for the server role")
		}
		for i, t := range c.Tokens {
			if err := t.validate(); err != nil {
				errs = append(errs, fmt.Sprintf("tokens[%d]: %v", i, err))
			}
		}
	case RoleClient, RoleProvider:
		if c.Token == "" {
			errs = append(errs, "token is required")
		}
		if c.Addr() == "" {
			errs = append(errs, "url (or ws_host/ws_port) is required")
		}
		if c.Role == RoleProvider {
			c.Reverse = true
		}
	case RoleConnector:
		if c.Token == "" {
			errs = append(errs, "token is required")
		}
		if !c.ConnectorAutonomy && c.ConnectorToken == "" {
			errs = append(errs, "connector_token is required unless connector_autonomy is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown role: %q", c.Role))
	}

	if c.BufferSize < 1024 {
		errs = append(errs, "buffer_size must be at least 1024")
	}
	if c.Threads < 1 {
		errs = append(errs, "threads must be at least 1")
	}
	if c.PortRangeLow <= 0 || c.PortRangeHigh <= c.PortRangeLow {
		errs = append(errs, "port_range_low must be positive and less than port_range_high")
	}
	if c.UpstreamProxy != "" && !strings.HasPrefix(c.UpstreamProxy, "socks5://") {
		errs = append(errs, "upstream_proxy must be a socks5:// URL")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (t *TokenConfig) validate() error {
	switch t.Kind {
	case "forward":
	case "reverse":
	case "connector":
		if t.ReverseToken == "" {
			return fmt.Errorf("connector token requires reverse_token")
		}
	default:
		return fmt.Errorf("invalid kind: %q (must be forward, reverse, or connector)", t.Kind)
	}
	return nil
}

// redactedValue is substituted for sensitive fields by Redacted.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with secrets scrubbed, safe to
// log at any verbosity — spec.md's token-secrecy invariant applies to
// logs, not just the token registry.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Token != "" {
		cp.Token = redactedValue
	}
	if cp.SocksPassword != "" {
		cp.SocksPassword = redactedValue
	}
	if cp.ConnectorToken != "" {
		cp.ConnectorToken = redactedValue
	}
	if cp.APIKey != "" {
		cp.APIKey = redactedValue
	}
	cp.Tokens = make([]TokenConfig, len(c.Tokens))
	for i, t := range c.Tokens {
		t.Token = redactedValue
		if t.Password != "" {
			t.Password = redactedValue
		}
		if t.ReverseToken != "" {
			t.ReverseToken = redactedValue
		}
		cp.Tokens[i] = t
	}
	return &cp
}

// String renders the redacted config as YAML, for startup log lines.
func (c *Config) String() string {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(data)
}
