package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"crowdescrow/native/pool"
)

// EnvPrefix namespaces the environment overrides applied after the file is
// decoded.
const EnvPrefix = "ESCROWD_"

// DefaultPoolDestination is the pool settlement address of a fresh install.
const DefaultPoolDestination = "escrow-pool-vault"

type Config struct {
	ListenAddress string    `toml:"ListenAddress" yaml:"listen_address" env:"LISTEN_ADDRESS"`
	DataDir       string    `toml:"DataDir" yaml:"data_dir" env:"DATA_DIR"`
	Environment   string    `toml:"Environment" yaml:"environment" env:"ENV"`
	LogFile       string    `toml:"LogFile" yaml:"log_file" env:"LOG_FILE"`
	Pool          Pool      `toml:"pool" yaml:"pool" envPrefix:"POOL_"`
	HTTP          HTTP      `toml:"http" yaml:"http" envPrefix:"HTTP_"`
	Auth          Auth      `toml:"auth" yaml:"auth" envPrefix:"AUTH_"`
	Telemetry     Telemetry `toml:"telemetry" yaml:"telemetry" envPrefix:"OTEL_"`
}

// Load loads the configuration from the given path. Files ending in .yaml or
// .yml are decoded as YAML, everything else as TOML. A missing file is
// created with defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		created, err := createDefault(path)
		if err != nil {
			return nil, err
		}
		cfg = created
	} else if err != nil {
		return nil, err
	} else {
		cfg = Default()
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	return &Config{
		ListenAddress: ":8088",
		DataDir:       "./escrow-data",
		Environment:   "local",
		Pool: Pool{
			Cap:         pool.DefaultCap,
			Destination: DefaultPoolDestination,
		},
		HTTP: HTTP{
			RequestsPerSecond: 20,
			Burst:             40,
			ReadHeaderTimeout: 5,
			WriteTimeout:      15,
			StoreTimeout:      5,
			MaxBodyBytes:      1 << 20,
		},
		Auth: Auth{
			Issuer:   "crowdescrow",
			Audience: "escrowd",
		},
		Telemetry: Telemetry{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.Environment = strings.TrimSpace(c.Environment)
	c.Pool.Destination = strings.TrimSpace(c.Pool.Destination)
	if c.Pool.Cap == 0 {
		c.Pool.Cap = pool.DefaultCap
	}
}

// CampaignDBPath is the LevelDB directory holding campaign snapshots and the
// refund ledger.
func (c *Config) CampaignDBPath() string {
	return filepath.Join(c.DataDir, "campaigns")
}

// SQLitePath is the daemon's idempotency, audit and outbox database.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "escrowd.db")
}

// createDefault creates and saves a default configuration file with a
// freshly generated operator secret.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	cfg.Auth.HMACSecret = secret
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, MinHMACSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate hmac secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	default:
		return toml.NewEncoder(f).Encode(cfg)
	}
}
