// Package config provides configuration types and loading for amialive.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Observer, Agent, Voting, Budget, Gateway, Channels, Kafka.
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Observer ObserverConfig `json:"observer"`
	Agent    AgentConfig    `json:"agent"`
	Voting   VotingConfig   `json:"voting"`
	Budget   BudgetConfig   `json:"budget"`
	Gateway  GatewayConfig  `json:"gateway"`
	Channels ChannelsConfig `json:"channels"`
	Kafka    KafkaConfig    `json:"kafka"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings. The workspace is wiped on
// death; credits, memories and the vault survive it.
type PathsConfig struct {
	DataDir   string `json:"dataDir" envconfig:"DATA_DIR"`
	Database  string `json:"database" envconfig:"DATABASE_PATH"`
	Memories  string `json:"memories" envconfig:"MEMORIES_PATH"`
	Credits   string `json:"credits" envconfig:"CREDITS_PATH"`
	Workspace string `json:"workspace" envconfig:"WORKSPACE_PATH"`
	Vault     string `json:"vault" envconfig:"VAULT_PATH"`
}

// ---------------------------------------------------------------------------
// Observer – authority, auth, background loops
// ---------------------------------------------------------------------------

// ObserverConfig contains observer-side settings.
type ObserverConfig struct {
	AdminToken       string `json:"adminToken" envconfig:"ADMIN_TOKEN"`
	InternalAPIKey   string `json:"internalApiKey" envconfig:"INTERNAL_API_KEY"`
	LocalNetworkCIDR string `json:"localNetworkCidr" envconfig:"LOCAL_NETWORK_CIDR"`
	// TrustedProxyCIDRs are peers whose forwarded-for headers are honored.
	TrustedProxyCIDRs []string `json:"trustedProxyCidrs" envconfig:"TRUSTED_PROXY_CIDRS"`
	AgentURL          string   `json:"agentUrl" envconfig:"AGENT_API_URL"`
	PublicURL         string   `json:"publicUrl" envconfig:"PUBLIC_URL"`
	SyncIntervalS     int      `json:"syncIntervalS" envconfig:"SYNC_INTERVAL_S"`
	RespawnDelayMinS  int      `json:"respawnDelayMinS" envconfig:"RESPAWN_DELAY_MIN_S"`
	RespawnDelayMaxS  int      `json:"respawnDelayMaxS" envconfig:"RESPAWN_DELAY_MAX_S"`
}

// SyncInterval returns the sync validator interval as a duration.
func (c ObserverConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalS) * time.Second
}

// ---------------------------------------------------------------------------
// Agent – think-act loop and model gateway
// ---------------------------------------------------------------------------

// AgentConfig contains agent-side settings.
type AgentConfig struct {
	InternalAPIKey  string  `json:"internalApiKey" envconfig:"INTERNAL_API_KEY"`
	ObserverURL     string  `json:"observerUrl" envconfig:"OBSERVER_API_URL"`
	GatewayKey      string  `json:"gatewayKey" envconfig:"MODEL_GATEWAY_KEY"`
	GatewayBase     string  `json:"gatewayBase" envconfig:"MODEL_GATEWAY_BASE"`
	ThinkMinS       int     `json:"thinkMinS" envconfig:"THINK_INTERVAL_MIN_S"`
	ThinkMaxS       int     `json:"thinkMaxS" envconfig:"THINK_INTERVAL_MAX_S"`
	SwitchFloorUSD  float64 `json:"switchFloorUsd" envconfig:"MODEL_SWITCH_FLOOR_USD"`
	ListenAddr      string  `json:"listenAddr" envconfig:"AGENT_LISTEN_ADDR"`
	MaxTokens       int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature     float64 `json:"temperature" envconfig:"TEMPERATURE"`
	ProxyListenAddr string  `json:"proxyListenAddr" envconfig:"PROXY_LISTEN_ADDR"`
	WeatherURL      string  `json:"weatherUrl" envconfig:"WEATHER_URL"`
	ResearchURL     string  `json:"researchUrl" envconfig:"RESEARCH_HELPER_URL"`
}

// ---------------------------------------------------------------------------
// Voting – rounds, fingerprints, cooldowns
// ---------------------------------------------------------------------------

// VotingConfig contains voting round settings.
type VotingConfig struct {
	IPSalt          string `json:"ipSalt" envconfig:"IP_SALT"`
	WindowS         int    `json:"windowS" envconfig:"VOTING_WINDOW_S"`
	MinVotesDeath   int    `json:"minVotesDeath" envconfig:"MIN_VOTES_FOR_DEATH"`
	CooldownS       int    `json:"cooldownS" envconfig:"VOTE_COOLDOWN_S"`
	WatcherTickS    int    `json:"watcherTickS" envconfig:"VOTE_WATCHER_TICK_S"`
	MessageCooldown int    `json:"messageCooldownS" envconfig:"MESSAGE_COOLDOWN_S"`
}

// Window returns the round duration.
func (c VotingConfig) Window() time.Duration { return time.Duration(c.WindowS) * time.Second }

// Cooldown returns the per-fingerprint cooldown between accepted votes.
func (c VotingConfig) Cooldown() time.Duration { return time.Duration(c.CooldownS) * time.Second }

// ---------------------------------------------------------------------------
// Budget – bankruptcy detection
// ---------------------------------------------------------------------------

// BudgetConfig contains credit ledger and poller settings.
type BudgetConfig struct {
	MonthlyUSD    float64 `json:"monthlyUsd" envconfig:"MONTHLY_BUDGET_USD"`
	PollIntervalS int     `json:"pollIntervalS" envconfig:"BUDGET_POLL_INTERVAL_S"`
}

// PollInterval returns the budget poll interval as a duration.
func (c BudgetConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS) * time.Second
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains observer HTTP server settings.
type GatewayConfig struct {
	Host string `json:"host" envconfig:"HOST"`
	Port int    `json:"port" envconfig:"PORT"`
}

// Addr returns the listen address.
func (c GatewayConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// ---------------------------------------------------------------------------
// Channels – outbound publishing
// ---------------------------------------------------------------------------

// ChannelsConfig contains outbound channel configurations.
type ChannelsConfig struct {
	Slack SlackConfig `json:"slack"`
}

// SlackConfig configures the Slack publishing channel.
type SlackConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	Token     string `json:"token" envconfig:"SLACK_TOKEN"`
	ChannelID string `json:"channelId" envconfig:"SLACK_CHANNEL_ID"`
}

// ---------------------------------------------------------------------------
// Kafka – optional activity event mirror
// ---------------------------------------------------------------------------

// KafkaConfig configures the optional activity mirror. The mirror is off
// unless brokers are set.
type KafkaConfig struct {
	Brokers []string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string   `json:"topic" envconfig:"KAFKA_ACTIVITY_TOPIC"`
}

// Enabled reports whether the mirror should run.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:   "/app/data",
			Database:  "/app/data/observer.db",
			Memories:  "/app/data/memories",
			Credits:   "/app/data/credits",
			Workspace: "/app/data/workspace",
			Vault:     "/app/data/vault",
		},
		Observer: ObserverConfig{
			LocalNetworkCIDR: "192.168.0.0/24",
			AgentURL:         "http://127.0.0.1:8001",
			PublicURL:        "http://localhost:8000",
			SyncIntervalS:    30,
			RespawnDelayMinS: 10,
			RespawnDelayMaxS: 60,
		},
		Agent: AgentConfig{
			ObserverURL:    "http://127.0.0.1:8000",
			GatewayBase:    "https://openrouter.ai/api/v1",
			ThinkMinS:      60,
			ThinkMaxS:      300,
			SwitchFloorUSD: 0.25,
			ListenAddr:     "127.0.0.1:8001",
			MaxTokens:      2048,
			Temperature:    0.8,
		},
		Voting: VotingConfig{
			WindowS:         3600,
			MinVotesDeath:   3,
			CooldownS:       3600,
			WatcherTickS:    5,
			MessageCooldown: 3600,
		},
		Budget: BudgetConfig{
			MonthlyUSD:    5.00,
			PollIntervalS: 30,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Kafka: KafkaConfig{
			Topic: "amialive.activity",
		},
	}
}

// Load builds the config from defaults overridden by the environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	for _, group := range []any{
		&cfg.Paths,
		&cfg.Observer,
		&cfg.Agent,
		&cfg.Voting,
		&cfg.Budget,
		&cfg.Gateway,
		&cfg.Channels.Slack,
		&cfg.Kafka,
	} {
		if err := envconfig.Process("", group); err != nil {
			return nil, fmt.Errorf("process environment: %w", err)
		}
	}
	return cfg, nil
}

// ValidateObserver checks the settings the observer cannot run without.
func (c *Config) ValidateObserver() error {
	if c.Observer.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if c.Observer.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required")
	}
	if c.Voting.IPSalt == "" {
		return fmt.Errorf("IP_SALT is required")
	}
	return nil
}

// ValidateAgent checks the settings the agent cannot run without.
func (c *Config) ValidateAgent() error {
	if c.Agent.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}
	return nil
}
