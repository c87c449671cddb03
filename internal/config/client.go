package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultClientTimeout applies when timeout_seconds is unset.
const DefaultClientTimeout = 30 * time.Second

// Client is the map-client configuration file.
type Client struct {
	ServerURL      string   `yaml:"server_url"`
	UserID         string   `yaml:"user_id"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	SignedHeaders  []string `yaml:"signed_headers,omitempty"`
	LegacySigning  bool     `yaml:"legacy_signing,omitempty"`
}

// Timeout returns the request timeout as a duration.
func (c *Client) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultClientTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoadClient reads a client config file. Missing fields are left for flags
// to fill in; only a missing server URL is fatal.
func LoadClient(path string) (*Client, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Client
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse client config %s: %w", path, err)
	}
	if c.ServerURL == "" {
		return nil, errors.New("client config: server_url is required")
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = int(DefaultClientTimeout / time.Second)
	}
	return &c, nil
}

// SaveClient writes c to path readable only by the owner, since it holds
// the shared secret.
func SaveClient(path string, c *Client) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}
