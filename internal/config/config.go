// Package config handles concierge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/concierge/config.yaml, /etc/concierge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "concierge", "config.yaml"))
	}

	paths = append(paths, "/etc/concierge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all concierge configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Model    ModelConfig    `yaml:"model"`
	Agent    AgentConfig    `yaml:"agent"`
	Weather  WeatherConfig  `yaml:"weather"`
	Calendar CalendarConfig `yaml:"calendar"`
	Contacts ContactsConfig `yaml:"contacts"`
	Notify   NotifyConfig   `yaml:"notify"`

	// DataDir is where sqlite databases live. Defaults to ./data.
	DataDir string `yaml:"data_dir"`
	// NotesDir is an optional directory of markdown notes ingested
	// into the fact store at startup.
	NotesDir string `yaml:"notes_dir"`
	// DisabledTools lists tool names to withhold from the model.
	DisabledTools []string `yaml:"disabled_tools"`
	LogLevel      string   `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// APITokenHash is a bcrypt hash of the bearer token required on
	// API requests. Empty disables authentication (local use only).
	APITokenHash string `yaml:"api_token_hash"`
}

// ModelConfig defines the LLM backend settings.
type ModelConfig struct {
	// BaseURL is the Ollama-compatible API endpoint.
	BaseURL string `yaml:"base_url"`
	// Name is the model to request (e.g., "qwen3:8b").
	Name string `yaml:"name"`
	// ContextWindow is the model's context size in tokens.
	ContextWindow int `yaml:"context_window"`
	// MaxTools caps how many tool definitions are advertised per turn.
	// Zero means no limit.
	MaxTools int `yaml:"max_tools"`
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	// MaxIterations bounds the reason/act/observe loop per run.
	MaxIterations int `yaml:"max_iterations"`
	// MaxRetries is the total number of streaming attempts allowed
	// for transient provider failures.
	MaxRetries int `yaml:"max_retries"`
	// BaseRetryDelay seeds the exponential backoff between attempts.
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`
	// PromptBudget is the token reserve for the system prompt.
	PromptBudget int `yaml:"prompt_budget"`
	// HistoryBudget is the token ceiling for conversation history.
	HistoryBudget int `yaml:"history_budget"`
	// SummarizeThreshold is the history usage ratio (0-1) at which
	// background summarization is requested.
	SummarizeThreshold float64 `yaml:"summarize_threshold"`
}

// WeatherConfig defines the forecast tool's location and endpoint.
type WeatherConfig struct {
	// BaseURL defaults to the public Open-Meteo API.
	BaseURL   string  `yaml:"base_url"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// CalendarConfig defines the CalDAV connection for the calendar tool.
type CalendarConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Collection is the calendar collection path on the server.
	// Discovered automatically when empty.
	Collection string `yaml:"collection"`
	// InsecureTLS skips certificate verification, for self-hosted
	// CalDAV servers with self-signed certificates.
	InsecureTLS bool `yaml:"insecure_tls"`
}

// ContactsConfig defines where contact cards are loaded from.
type ContactsConfig struct {
	// VCardPath is a .vcf file containing one or more vCards.
	VCardPath string `yaml:"vcard_path"`
}

// NotifyConfig defines the optional MQTT notification publisher.
type NotifyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"` // e.g., mqtt://broker:1883
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// TopicPrefix defaults to "concierge".
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Model: ModelConfig{
			BaseURL:       "http://localhost:11434",
			Name:          "qwen3:8b",
			ContextWindow: 8192,
		},
		Agent: AgentConfig{
			MaxIterations:      5,
			MaxRetries:         3,
			BaseRetryDelay:     time.Second,
			PromptBudget:       2000,
			HistoryBudget:      4000,
			SummarizeThreshold: 0.8,
		},
		Weather: WeatherConfig{
			BaseURL: "https://api.open-meteo.com",
		},
		Notify: NotifyConfig{
			TopicPrefix: "concierge",
		},
	}
}
