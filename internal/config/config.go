// Package config loads and validates the guardian YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Redis             RedisConfig    `yaml:"redis"`
	BanMinutes        int            `yaml:"ban_minutes"`
	InboundsLimit     map[string]int `yaml:"inbounds_limit"`
	Nodes             []NodeConfig   `yaml:"nodes"`
	Telegram          TelegramConfig `yaml:"telegram"`
	ListenAddr        string         `yaml:"listen_addr"`
	RejectedThreshold int            `yaml:"rejected_threshold"` // reserved
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type NodeConfig struct {
	Name            string `yaml:"name"`
	Host            string `yaml:"host"`
	SSHPort         int    `yaml:"ssh_port"`
	SSHUser         string `yaml:"ssh_user"`
	DockerContainer string `yaml:"docker_container"`
	SSHKey          string `yaml:"ssh_key"`
	SSHPass         string `yaml:"ssh_pass"`
}

type TelegramConfig struct {
	BotToken     string   `yaml:"bot_token"`
	ChatID       string   `yaml:"chat_id"`
	ExtraChatIDs []string `yaml:"extra_chat_ids"`
	AdminIDs     []int64  `yaml:"admin_ids"`
}

// Load reads and decodes the config file, applying the same defaults the
// interactive setup writes.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://127.0.0.1:6379/0"
	}
	if c.BanMinutes == 0 {
		c.BanMinutes = 10
	}
	if c.InboundsLimit == nil {
		c.InboundsLimit = map[string]int{}
	}
	// Loopback only: the HTTP surface is unauthenticated and meant for
	// local operators and scrapers.
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8686"
	}
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.SSHPort == 0 {
			n.SSHPort = 22
		}
		if n.SSHUser == "" {
			n.SSHUser = "root"
		}
		if n.DockerContainer == "" {
			n.DockerContainer = "marzban-node"
		}
	}
	// Env overrides so secrets can stay out of the config file.
	if v := os.Getenv("GUARDIAN_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("GUARDIAN_TG_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("GUARDIAN_TG_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
}

// Validate reports the fatal misconfigurations: an empty fleet, a node
// without exactly one auth method, or a non-positive inbound limit.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: no nodes configured")
	}
	seen := map[string]bool{}
	for _, n := range c.Nodes {
		if n.Name == "" || n.Host == "" {
			return fmt.Errorf("config: node %q: name and host are required", n.Name)
		}
		if seen[n.Name] {
			return fmt.Errorf("config: duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
		hasKey := n.SSHKey != ""
		hasPass := n.SSHPass != ""
		if hasKey == hasPass {
			return fmt.Errorf("config: node %q: exactly one of ssh_key or ssh_pass is required", n.Name)
		}
	}
	for inbound, limit := range c.InboundsLimit {
		if limit <= 0 {
			return fmt.Errorf("config: inbound %q: limit must be positive, got %d", inbound, limit)
		}
	}
	if c.BanMinutes <= 0 {
		return fmt.Errorf("config: ban_minutes must be positive, got %d", c.BanMinutes)
	}
	return nil
}
