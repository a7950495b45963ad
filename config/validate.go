package config

import (
	"fmt"
	"strings"
)

var (
	MinHMACSecretBytes = 32
)

func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listen_address: required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir: required")
	}
	if c.Pool.Cap == 0 {
		return fmt.Errorf("pool: cap must be positive")
	}
	if strings.TrimSpace(c.Pool.Destination) == "" {
		return fmt.Errorf("pool: destination required")
	}
	if c.HTTP.RequestsPerSecond <= 0 {
		return fmt.Errorf("http: requests_per_second must be positive")
	}
	if c.HTTP.Burst <= 0 {
		return fmt.Errorf("http: burst must be positive")
	}
	if c.HTTP.StoreTimeout <= 0 {
		return fmt.Errorf("http: store_timeout must be positive")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http: max_body_bytes must be positive")
	}
	if len(c.Auth.HMACSecret) < MinHMACSecretBytes {
		return fmt.Errorf("auth: hmac_secret must be at least %d bytes", MinHMACSecretBytes)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}
