package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ResourceConfig declares one payment-gated endpoint.
type ResourceConfig struct {
	Path        string `yaml:"path"`
	Amount      string `yaml:"amount"`
	Description string `yaml:"description"`
}

// RateLimitConfig caps request rates on the payment surface.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

// Config captures runtime configuration for the stealthpay daemon.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	Environment   string        `yaml:"environment"`
	DataDir       string        `yaml:"dataDir"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`

	Network string `yaml:"network"`
	Asset   string `yaml:"asset"`
	PayTo   string `yaml:"payTo"`
	Owner   string `yaml:"owner"`
	PoolID  string `yaml:"poolId"`

	FacilitatorURL string `yaml:"facilitatorUrl"`
	BalanceRPCURL  string `yaml:"balanceRpcUrl"`
	BalanceRPCAuth string `yaml:"balanceRpcAuth"`
	ProviderURL    string `yaml:"providerUrl"`
	ProviderAPIKey string `yaml:"providerApiKey"`

	MetricsPrefix string           `yaml:"metricsPrefix"`
	RateLimit     RateLimitConfig  `yaml:"rateLimit"`
	Resources     []ResourceConfig `yaml:"resources"`
}

// Load reads configuration from a YAML file, applying defaults for anything
// unset. An empty path yields the defaults alone.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8080",
		Environment:   "dev",
		DataDir:       "stealthpay-data",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		MetricsPrefix: "stealthpay",
	}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if listen := strings.TrimSpace(os.Getenv("STEALTHPAY_LISTEN")); listen != "" {
		cfg.ListenAddress = listen
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.PayTo) == "" {
		return fmt.Errorf("payTo is required")
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		return fmt.Errorf("owner is required")
	}
	if strings.TrimSpace(cfg.Network) == "" {
		return fmt.Errorf("network is required")
	}
	if strings.TrimSpace(cfg.FacilitatorURL) == "" {
		return fmt.Errorf("facilitatorUrl is required")
	}
	if strings.TrimSpace(cfg.ProviderURL) == "" {
		return fmt.Errorf("providerUrl is required")
	}
	for i, res := range cfg.Resources {
		if !strings.HasPrefix(res.Path, "/") {
			return fmt.Errorf("resources[%d].path must start with '/'", i)
		}
		if strings.TrimSpace(res.Amount) == "" {
			return fmt.Errorf("resources[%d].amount is required", i)
		}
	}
	return nil
}
