// Package config provides configuration types and loading for minerd.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Server, Provider, Playbook, Conversation, Executor, Audit.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Provider     ProviderConfig     `json:"provider"`
	Playbook     PlaybookConfig     `json:"playbook"`
	Conversation ConversationConfig `json:"conversation"`
	Executor     ExecutorConfig     `json:"executor"`
	Audit        AuditConfig        `json:"audit"`
}

// ServerConfig groups HTTP server settings.
type ServerConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
	MinerName string `json:"minerName" envconfig:"MINER_NAME"`
}

// ProviderConfig groups LLM backend settings. Kind selects the wire
// protocol; "openai" covers vLLM and other OpenAI-compatible servers via
// APIBase.
type ProviderConfig struct {
	Kind           string  `json:"kind" envconfig:"PROVIDER"`
	APIKey         string  `json:"apiKey" envconfig:"API_KEY"`
	APIBase        string  `json:"apiBase" envconfig:"API_BASE"`
	Model          string  `json:"model" envconfig:"MODEL"`
	MaxTokens      int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature    float64 `json:"temperature" envconfig:"TEMPERATURE"`
	TimeoutSeconds int     `json:"timeoutSeconds" envconfig:"PROVIDER_TIMEOUT_SECONDS"`
}

// PlaybookConfig groups playbook store settings.
type PlaybookConfig struct {
	DBPath     string `json:"dbPath" envconfig:"DB_PATH"`
	MaxEntries int    `json:"maxEntries" envconfig:"PLAYBOOK_MAX_ENTRIES"`
}

// ConversationConfig groups the recent-message window settings.
type ConversationConfig struct {
	MaxMessages   int `json:"maxMessages" envconfig:"CONVERSATION_MAX_MESSAGES"`
	RetentionDays int `json:"retentionDays" envconfig:"CONVERSATION_RETENTION_DAYS"`
}

// ExecutorConfig groups recursive task executor bounds.
type ExecutorConfig struct {
	MaxIterations int `json:"maxIterations" envconfig:"EXECUTOR_MAX_ITERATIONS"`
	MaxDepth      int `json:"maxDepth" envconfig:"EXECUTOR_MAX_DEPTH"`
}

// AuditConfig groups the optional Kafka audit event publisher.
type AuditConfig struct {
	Enabled bool   `json:"enabled" envconfig:"AUDIT_ENABLED"`
	Brokers string `json:"brokers" envconfig:"AUDIT_BROKERS"`
	Topic   string `json:"topic" envconfig:"AUDIT_TOPIC"`
}

// ProviderTimeout returns the provider request timeout as a duration.
func (c *ProviderConfig) ProviderTimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// applyDefaults fills zero-valued fields with working defaults.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8001
	}
	if c.Server.MinerName == "" {
		c.Server.MinerName = "minerd"
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = "openai"
	}
	if c.Provider.Model == "" {
		c.Provider.Model = "gpt-4o-mini"
	}
	if c.Provider.MaxTokens == 0 {
		c.Provider.MaxTokens = 4000
	}
	if c.Provider.Temperature == 0 {
		c.Provider.Temperature = 0.7
	}
	if c.Playbook.MaxEntries == 0 {
		c.Playbook.MaxEntries = 50
	}
	if c.Conversation.MaxMessages == 0 {
		c.Conversation.MaxMessages = 10
	}
	if c.Conversation.RetentionDays == 0 {
		c.Conversation.RetentionDays = 7
	}
	if c.Executor.MaxIterations == 0 {
		c.Executor.MaxIterations = 3
	}
	if c.Executor.MaxDepth == 0 {
		c.Executor.MaxDepth = 1
	}
	if c.Audit.Topic == "" {
		c.Audit.Topic = "minerd.playbook.operations"
	}
}
