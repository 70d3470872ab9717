// Package config loads server configuration: an optional TOML file with
// an environment variable overlay on top. Environment keys win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Hostname   string `toml:"hostname"`
	Port       int    `toml:"port"`
	ServiceDid string `toml:"service_did"`
	// PublicURL is the externally reachable endpoint; derived from
	// Hostname when empty.
	PublicURL string `toml:"public_url"`
	DataDir   string `toml:"data_dir"`

	RepoSigningKeyHex  string `toml:"repo_signing_key_hex"`
	RepoSigningKeyType string `toml:"repo_signing_key_type"` // secp256k1 (default) or p256
	JwtSecret          string `toml:"jwt_secret"`

	InviteRequired bool `toml:"invite_required"`

	Blobstore  BlobstoreConfig  `toml:"blobstore"`
	Federation FederationConfig `toml:"federation"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Firehose   FirehoseConfig   `toml:"firehose"`
}

// BlobstoreConfig selects the blob backend. Tagged union: Backend picks
// which of the other fields apply.
type BlobstoreConfig struct {
	Backend string `toml:"backend"` // "disk" or "s3"

	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// FederationConfig controls outbound relay notification.
type FederationConfig struct {
	Enabled   bool     `toml:"enabled"`
	RelayURLs []string `toml:"relay_urls"`
}

// RateLimitConfig carries the limit caps recognized from the
// environment; enforcement lives in the HTTP middleware layer.
type RateLimitConfig struct {
	PerIpPerMinute int `toml:"per_ip_per_minute"`
	WritesPerHour  int `toml:"writes_per_hour"`
}

// FirehoseConfig tunes the subscription server.
type FirehoseConfig struct {
	BufferSize   int  `toml:"buffer_size"`
	BackfillOnly bool `toml:"backfill_only"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Hostname: "localhost",
		Port:     3000,
		DataDir:  "./data",
		Blobstore: BlobstoreConfig{
			Backend: "disk",
		},
		RateLimit: RateLimitConfig{
			PerIpPerMinute: 300,
			WritesPerHour:  5000,
		},
		Firehose: FirehoseConfig{
			BufferSize: 256,
		},
	}
}

// Load reads the optional TOML file at path (empty or missing path is
// fine), applies the environment overlay, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	setStr(&c.Hostname, "HOSTNAME")
	setInt(&c.Port, "PORT")
	setStr(&c.ServiceDid, "SERVICE_DID")
	setStr(&c.PublicURL, "PUBLIC_URL")
	setStr(&c.DataDir, "DATA_DIR")
	setStr(&c.RepoSigningKeyHex, "REPO_SIGNING_KEY_HEX")
	setStr(&c.RepoSigningKeyType, "REPO_SIGNING_KEY_TYPE")
	setStr(&c.JwtSecret, "JWT_SECRET")
	setBool(&c.InviteRequired, "INVITE_REQUIRED")

	setStr(&c.Blobstore.Backend, "BLOBSTORE_BACKEND")
	setStr(&c.Blobstore.S3Bucket, "BLOBSTORE_S3_BUCKET")
	setStr(&c.Blobstore.S3Region, "BLOBSTORE_S3_REGION")
	setStr(&c.Blobstore.S3Endpoint, "BLOBSTORE_S3_ENDPOINT")
	setStr(&c.Blobstore.S3AccessKey, "BLOBSTORE_S3_ACCESS_KEY")
	setStr(&c.Blobstore.S3SecretKey, "BLOBSTORE_S3_SECRET_KEY")

	setBool(&c.Federation.Enabled, "FEDERATION_ENABLED")
	if v, ok := os.LookupEnv("FEDERATION_RELAY_URLS"); ok {
		c.Federation.RelayURLs = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Federation.RelayURLs = append(c.Federation.RelayURLs, u)
			}
		}
	}

	setInt(&c.RateLimit.PerIpPerMinute, "RATE_LIMIT_PER_IP_MINUTE")
	setInt(&c.RateLimit.WritesPerHour, "RATE_LIMIT_WRITES_HOUR")

	setInt(&c.Firehose.BufferSize, "FIREHOSE_BUFFER_SIZE")
	setBool(&c.Firehose.BackfillOnly, "FIREHOSE_BACKFILL_ONLY")
}

func (c *Config) finish() error {
	if c.PublicURL == "" {
		if c.Port == 443 {
			c.PublicURL = "https://" + c.Hostname
		} else {
			c.PublicURL = fmt.Sprintf("http://%s:%d", c.Hostname, c.Port)
		}
	}
	if c.ServiceDid == "" {
		c.ServiceDid = "did:web:" + c.Hostname
	}
	if c.RepoSigningKeyType == "" {
		c.RepoSigningKeyType = "secp256k1"
	}
	switch c.RepoSigningKeyType {
	case "secp256k1", "p256":
	default:
		return fmt.Errorf("config: unknown signing key type %q", c.RepoSigningKeyType)
	}
	switch c.Blobstore.Backend {
	case "disk", "memory":
	case "s3":
		if c.Blobstore.S3Bucket == "" {
			return fmt.Errorf("config: s3 blobstore requires a bucket")
		}
	default:
		return fmt.Errorf("config: unknown blobstore backend %q", c.Blobstore.Backend)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// RequireSecrets validates the fields serve needs but keygen-style
// commands do not.
func (c *Config) RequireSecrets() error {
	if c.RepoSigningKeyHex == "" {
		return fmt.Errorf("config: REPO_SIGNING_KEY_HEX is required (run keygen)")
	}
	if len(c.JwtSecret) < 16 {
		return fmt.Errorf("config: JWT_SECRET must be at least 16 bytes")
	}
	return nil
}
