// Package config handles Meridian configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Server
	Server ServerConfig `json:"server"`

	// Providers
	Google  GoogleConfig  `json:"google"`
	Weather WeatherConfig `json:"weather"`
	Oura    OuraConfig    `json:"oura"`

	// Logging
	LogLevel string `json:"log_level"`
}

// ServerConfig for the HTTP API server
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// GoogleConfig for Google Calendar OAuth
type GoogleConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
}

// WeatherConfig for the weather provider
type WeatherConfig struct {
	BaseURL   string  `json:"base_url"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// OuraConfig for the Oura provider
type OuraConfig struct {
	BaseURL string `json:"base_url"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".meridian"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Google: GoogleConfig{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  "http://localhost:8765/callback",
		},
		Weather: WeatherConfig{
			BaseURL: "https://api.open-meteo.com/v1",
		},
		Oura: OuraConfig{
			BaseURL: "https://api.ouraring.com/v2",
		},
		LogLevel: "info",
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Env always wins for OAuth secrets
	if id := os.Getenv("GOOGLE_CLIENT_ID"); id != "" {
		cfg.Google.ClientID = id
	}
	if secret := os.Getenv("GOOGLE_CLIENT_SECRET"); secret != "" {
		cfg.Google.ClientSecret = secret
	}

	return cfg, nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't persist OAuth secrets to the config file
	safeCfg := *c
	safeCfg.Google.ClientSecret = ""

	data, err := json.MarshalIndent(safeCfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
