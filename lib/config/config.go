// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "P2PCC_CONFIG"

// Transport kinds.
const (
	TransportTCP    = "tcp"
	TransportWebRTC = "webrtc"
)

// Config is the master configuration for p2pcc.
type Config struct {
	// Transport selects and configures the stream provider.
	Transport TransportConfig `yaml:"transport"`

	// Host configures the serving side.
	Host HostConfig `yaml:"host"`

	// Agent configures the spawned claude processes.
	Agent AgentConfig `yaml:"agent"`

	// Client configures connection lifecycle and polling.
	Client ClientConfig `yaml:"client"`
}

// TransportConfig configures the transport provider.
type TransportConfig struct {
	// Kind is "tcp" or "webrtc".
	// Default: tcp
	Kind string `yaml:"kind"`

	// ListenAddress is the TCP address serve binds.
	// Default: 127.0.0.1:7420
	ListenAddress string `yaml:"listen_address"`

	// Name is this side's WebRTC peer id. Empty means the host name for
	// serve and a random id for clients.
	Name string `yaml:"name"`

	// StoreDir is the discovery store directory. For WebRTC both peers
	// must see the same directory (a shared or synced folder). The host
	// also mirrors its session list here; empty disables the mirror for
	// tcp.
	// Default: ${P2PCC_HOME}/store
	StoreDir string `yaml:"store_dir"`

	// ICEServers are STUN/TURN URLs for WebRTC.
	ICEServers []string `yaml:"ice_servers"`

	// ICEUsername and ICECredential authenticate TURN servers.
	ICEUsername   string `yaml:"ice_username"`
	ICECredential string `yaml:"ice_credential"`
}

// HostConfig configures the host.
type HostConfig struct {
	// RootDir confines session working directories.
	// Default: ${HOME}
	RootDir string `yaml:"root_dir"`

	// KeyFile is the pairing key file.
	// Default: ${P2PCC_HOME}/host.key
	KeyFile string `yaml:"key_file"`

	// OutputCapacity is the per-session output buffer size.
	// Default: 1000
	OutputCapacity int `yaml:"output_capacity"`
}

// AgentConfig configures the agent driver.
type AgentConfig struct {
	// Binary is the claude executable, a path or a name looked up in PATH.
	// Default: claude
	Binary string `yaml:"binary"`

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `yaml:"extra_args"`

	// TranscriptDir receives a compressed transcript per session. Empty
	// disables transcripts.
	TranscriptDir string `yaml:"transcript_dir"`

	// StopGrace is how long a stopped agent has between SIGTERM and
	// SIGKILL.
	// Default: 5s
	StopGrace Duration `yaml:"stop_grace"`
}

// ClientConfig tunes the client connection manager.
type ClientConfig struct {
	// Default: 10s
	ConnectTimeout Duration `yaml:"connect_timeout"`
	// Default: 1s
	BackoffBase Duration `yaml:"backoff_base"`
	// Default: 30s
	BackoffMax Duration `yaml:"backoff_max"`
	// MaxAttempts is the number of scheduled reconnects before giving up.
	// Default: 10
	MaxAttempts int `yaml:"max_attempts"`
	// Default: 30s
	CallTimeout Duration `yaml:"call_timeout"`
	// PollInterval is how often attach polls for output.
	// Default: 500ms
	PollInterval Duration `yaml:"poll_interval"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses "1m30s"-style strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the default configuration. Paths still contain
// ${...} references until expanded by the loaders.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:          TransportTCP,
			ListenAddress: "127.0.0.1:7420",
			StoreDir:      "${P2PCC_HOME}/store",
		},
		Host: HostConfig{
			RootDir:        "${HOME}",
			KeyFile:        "${P2PCC_HOME}/host.key",
			OutputCapacity: 1000,
		},
		Agent: AgentConfig{
			Binary:    "claude",
			StopGrace: Duration(5 * time.Second),
		},
		Client: ClientConfig{
			ConnectTimeout: Duration(10 * time.Second),
			BackoffBase:    Duration(time.Second),
			BackoffMax:     Duration(30 * time.Second),
			MaxAttempts:    10,
			CallTimeout:    Duration(30 * time.Second),
			PollInterval:   Duration(500 * time.Millisecond),
		},
	}
}

// Load loads configuration from the P2PCC_CONFIG environment variable.
// It fails when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your p2pcc.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, layered over Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// Resolve loads flagPath if set, else P2PCC_CONFIG if set, else the
// expanded defaults.
func Resolve(flagPath string) (*Config, error) {
	if flagPath != "" {
		return LoadFile(flagPath)
	}
	if os.Getenv(EnvVar) != "" {
		return Load()
	}
	cfg := Default()
	cfg.expandVariables()
	return cfg, nil
}

// loadFile decodes one file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if strings.HasSuffix(path, ".jsonc") || strings.HasSuffix(path, ".json") {
		// JSON is a YAML subset, so the stripped document decodes
		// through the same tags.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":       os.Getenv("HOME"),
		"P2PCC_HOME": defaultHome(),
	}

	c.Transport.StoreDir = expandVars(c.Transport.StoreDir, vars)
	c.Host.RootDir = expandVars(c.Host.RootDir, vars)
	c.Host.KeyFile = expandVars(c.Host.KeyFile, vars)
	c.Agent.Binary = expandVars(c.Agent.Binary, vars)
	c.Agent.TranscriptDir = expandVars(c.Agent.TranscriptDir, vars)
}

// defaultHome is $P2PCC_HOME, else ~/.config/p2pcc.
func defaultHome() string {
	if home := os.Getenv("P2PCC_HOME"); home != "" {
		return home
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "p2pcc")
	}
	return filepath.Join(configDir, "p2pcc")
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport.Kind {
	case TransportTCP:
		if c.Transport.ListenAddress == "" {
			errs = append(errs, errors.New("transport.listen_address is required for tcp"))
		}
	case TransportWebRTC:
		if c.Transport.StoreDir == "" {
			errs = append(errs, errors.New("transport.store_dir is required for webrtc"))
		}
		if strings.Contains(c.Transport.Name, "|") {
			errs = append(errs, errors.New("transport.name must not contain '|'"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be one of: [%s %s], got %q",
			TransportTCP, TransportWebRTC, c.Transport.Kind))
	}

	if c.Host.RootDir == "" {
		errs = append(errs, errors.New("host.root_dir is required"))
	} else if !filepath.IsAbs(c.Host.RootDir) {
		errs = append(errs, fmt.Errorf("host.root_dir must be absolute, got %q", c.Host.RootDir))
	}
	if c.Host.KeyFile == "" {
		errs = append(errs, errors.New("host.key_file is required"))
	}
	if c.Host.OutputCapacity < 2 {
		errs = append(errs, fmt.Errorf("host.output_capacity must be at least 2, got %d", c.Host.OutputCapacity))
	}

	if c.Agent.Binary == "" {
		errs = append(errs, errors.New("agent.binary is required"))
	}
	if c.Agent.StopGrace < 0 {
		errs = append(errs, errors.New("agent.stop_grace must not be negative"))
	}

	positive := []struct {
		name  string
		value Duration
	}{
		{"client.connect_timeout", c.Client.ConnectTimeout},
		{"client.backoff_base", c.Client.BackoffBase},
		{"client.backoff_max", c.Client.BackoffMax},
		{"client.call_timeout", c.Client.CallTimeout},
		{"client.poll_interval", c.Client.PollInterval},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", field.name))
		}
	}
	if c.Client.BackoffMax < c.Client.BackoffBase {
		errs = append(errs, errors.New("client.backoff_max must not be less than client.backoff_base"))
	}
	if c.Client.MaxAttempts < 1 {
		errs = append(errs, errors.New("client.max_attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the directories the host writes into.
func (c *Config) EnsurePaths() error {
	paths := []string{
		filepath.Dir(c.Host.KeyFile),
		c.Agent.TranscriptDir,
		c.Transport.StoreDir,
	}
	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// AgentBinary resolves Agent.Binary: an explicit path is checked as is,
// a bare name is looked up in PATH.
func (c *Config) AgentBinary() (string, error) {
	name := c.Agent.Binary
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("agent binary: %w", err)
		}
		return name, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
