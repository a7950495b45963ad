package config

// Pool captures the immutable parameters of the pooled escrow.
type Pool struct {
	Cap         uint64 `toml:"Cap" yaml:"cap" env:"CAP"`
	Destination string `toml:"Destination" yaml:"destination" env:"DESTINATION"`
}

// HTTP controls request admission and timeouts. Timeouts are in seconds.
type HTTP struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond" yaml:"requests_per_second" env:"RPS"`
	Burst             int     `toml:"Burst" yaml:"burst" env:"BURST"`
	ReadHeaderTimeout int     `toml:"ReadHeaderTimeout" yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	WriteTimeout      int     `toml:"WriteTimeout" yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	StoreTimeout      int     `toml:"StoreTimeout" yaml:"store_timeout" env:"STORE_TIMEOUT"`
	MaxBodyBytes      int64   `toml:"MaxBodyBytes" yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// TrustProxyHeaders keys rate limiting on X-Real-IP / X-Forwarded-For.
	// Enable only behind a proxy that overwrites both headers.
	TrustProxyHeaders bool `toml:"TrustProxyHeaders" yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
}

// Auth configures the HMAC-signed bearer tokens accepted on operator routes.
type Auth struct {
	HMACSecret string `toml:"HMACSecret" yaml:"hmac_secret" env:"HMAC_SECRET"`
	Issuer     string `toml:"Issuer" yaml:"issuer" env:"ISSUER"`
	Audience   string `toml:"Audience" yaml:"audience" env:"AUDIENCE"`
}

// Telemetry configures the OTLP/HTTP exporters.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure" env:"INSECURE"`
	Headers     string  `toml:"Headers" yaml:"headers" env:"HEADERS"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics" env:"METRICS"`
	Traces      bool    `toml:"Traces" yaml:"traces" env:"TRACES"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}
