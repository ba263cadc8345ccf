// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/threematrix/pkg/retry"
	"github.com/aiku/threematrix/pkg/threema"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvPrefix is prepended to every environment override, for example
// THREEMATRIX_THREEMA_SECRET.
const EnvPrefix = "THREEMATRIX_"

const (
	DefaultListenAddr     = ":8888"
	DefaultCallbackPath   = "/callback"
	DefaultCommandPrefix  = "!threematrix"
	DefaultStateEventType = "m.threematrix"
)

// Config is the bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Threema    ThreemaConfig     `yaml:"threema"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Retry      retry.Policy      `yaml:"retry"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// HomeserverConfig holds the Matrix bot account. Either Password or
// AccessToken must be set.
type HomeserverConfig struct {
	URL         string `yaml:"url" env:"URL"`
	UserID      string `yaml:"user_id" env:"USER_ID"`
	Password    string `yaml:"password" env:"PASSWORD"`
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN"`
}

// ThreemaConfig holds the gateway identity and the callback listener.
type ThreemaConfig struct {
	GatewayID    string `yaml:"gateway_id" env:"GATEWAY_ID"`
	Secret       string `yaml:"secret" env:"SECRET"`
	PrivateKey   string `yaml:"private_key" env:"PRIVATE_KEY"`
	APIURL       string `yaml:"api_url" env:"API_URL"`
	ListenAddr   string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	CallbackPath string `yaml:"callback_path" env:"CALLBACK_PATH"`

	privateKey threema.PrivateKey `yaml:"-"`
}

// BridgeConfig tunes the behavior of the router.
type BridgeConfig struct {
	CommandPrefix  string `yaml:"command_prefix" env:"COMMAND_PREFIX"`
	StateEventType string `yaml:"state_event_type" env:"STATE_EVENT_TYPE"`
	AutoJoin       bool   `yaml:"auto_join" env:"AUTO_JOIN"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	raw := rawConfig{
		Retry:  retry.DefaultPolicy,
		Bridge: BridgeConfig{AutoJoin: true},
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = Config(raw)
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "url")
	helper.Copy(up.Str, "homeserver", "user_id")
	helper.Copy(up.Str|up.Null, "homeserver", "password")
	helper.Copy(up.Str|up.Null, "homeserver", "access_token")

	helper.Copy(up.Str, "threema", "gateway_id")
	helper.Copy(up.Str, "threema", "secret")
	helper.Copy(up.Str, "threema", "private_key")
	helper.Copy(up.Str, "threema", "api_url")
	helper.Copy(up.Str, "threema", "listen_addr")
	helper.Copy(up.Str, "threema", "callback_path")

	helper.Copy(up.Str, "bridge", "command_prefix")
	helper.Copy(up.Str, "bridge", "state_event_type")
	helper.Copy(up.Bool, "bridge", "auto_join")

	helper.Copy(up.Str|up.Int, "retry", "delay")
	helper.Copy(up.Int, "retry", "max_retries")

	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader merges an existing config file into the example config, so
// that new options appear with their defaults and obsolete ones are dropped.
var ConfigUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"threema"},
		{"bridge"},
		{"retry"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// UpgradeConfig rewrites the config file at path in the layout of the
// example config. With save false the file is left alone and only the
// upgraded content is returned.
func UpgradeConfig(path string, save bool) ([]byte, error) {
	data, _, err := up.Do(path, save, ConfigUpgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return data, nil
}

// LoadConfig reads a YAML config file, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data, os.Environ())
}

// ParseConfig is LoadConfig for an in-memory file and an explicit
// environment in KEY=value form.
func ParseConfig(data []byte, environ []string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(environ); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(environ []string) error {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	sections := []struct {
		prefix string
		target any
	}{
		{"HOMESERVER_", &c.Homeserver},
		{"THREEMA_", &c.Threema},
		{"BRIDGE_", &c.Bridge},
		{"RETRY_", &c.Retry},
	}
	for _, s := range sections {
		err := env.ParseWithOptions(s.target, env.Options{
			Prefix:      EnvPrefix + s.prefix,
			Environment: vars,
		})
		if err != nil {
			return fmt.Errorf("failed to apply %s%s* environment: %w", EnvPrefix, s.prefix, err)
		}
	}
	return nil
}

// PostProcess fills defaults and validates the config.
func (c *Config) PostProcess() error {
	if c.Homeserver.URL == "" {
		return fmt.Errorf("homeserver.url is required")
	}
	if c.Homeserver.UserID == "" {
		return fmt.Errorf("homeserver.user_id is required")
	}
	if c.Homeserver.Password == "" && c.Homeserver.AccessToken == "" {
		return fmt.Errorf("homeserver.password or homeserver.access_token is required")
	}
	if !threema.ValidIdentity(c.Threema.GatewayID) || !strings.HasPrefix(c.Threema.GatewayID, "*") {
		return fmt.Errorf("threema.gateway_id %q must be an 8 character gateway identity starting with '*'", c.Threema.GatewayID)
	}
	if c.Threema.Secret == "" {
		return fmt.Errorf("threema.secret is required")
	}
	key, err := threema.ParseKey(c.Threema.PrivateKey)
	if err != nil {
		return fmt.Errorf("threema.private_key: %w", err)
	}
	c.Threema.privateKey = key
	if c.Threema.APIURL == "" {
		c.Threema.APIURL = threema.DefaultGatewayURL
	}
	if c.Threema.ListenAddr == "" {
		c.Threema.ListenAddr = DefaultListenAddr
	}
	if c.Threema.CallbackPath == "" {
		c.Threema.CallbackPath = DefaultCallbackPath
	} else if !strings.HasPrefix(c.Threema.CallbackPath, "/") {
		c.Threema.CallbackPath = "/" + c.Threema.CallbackPath
	}
	if c.Bridge.CommandPrefix == "" {
		c.Bridge.CommandPrefix = DefaultCommandPrefix
	}
	if c.Bridge.StateEventType == "" {
		c.Bridge.StateEventType = DefaultStateEventType
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.Delay < 0 {
		c.Retry.Delay = 0
	} else if c.Retry.Delay > time.Hour {
		return fmt.Errorf("retry.delay %s is longer than an hour", c.Retry.Delay)
	}
	return nil
}

// GatewayConfig returns the settings for the Threema gateway client.
func (c *Config) GatewayConfig() threema.GatewayConfig {
	return threema.GatewayConfig{
		BaseURL:    c.Threema.APIURL,
		ID:         c.Threema.GatewayID,
		Secret:     c.Threema.Secret,
		PrivateKey: c.Threema.privateKey,
	}
}

// StateEventType returns the room state event type that holds bindings.
func (c *Config) StateEventType() event.Type {
	return event.Type{Type: c.Bridge.StateEventType, Class: event.StateEventType}
}
