/*
Package config loads the ledger's runtime configuration.

LOAD ORDER (later wins):
  1. Defaults (in-memory everything, port 8080)
  2. YAML file, when a path is given
  3. .env file (KEY=VALUE), never overriding variables already set
  4. LEDGER_* environment variables

ENVIRONMENT:
  LEDGER_PORT, LEDGER_LOG_LEVEL, LEDGER_CORS_ORIGINS (comma separated)
  LEDGER_STORE_DRIVER (memory|sqlite), LEDGER_DB_PATH
  LEDGER_LOCK_DRIVER (memory|redis), LEDGER_REDIS_ADDR, LEDGER_REDIS_PASSWORD, LEDGER_REDIS_DB
  LEDGER_CONTENT_DRIVER (memory|ipfs), LEDGER_IPFS_API_URL, LEDGER_IPFS_JWT,
  LEDGER_IPFS_STRATEGY, LEDGER_IPFS_GATEWAYS (comma separated)
  LEDGER_CHAIN_DRIVER (none|memory|http), LEDGER_CHAIN_URL, LEDGER_CHAIN_API_KEY
  LEDGER_NOTARIZE_INTERVAL

EXAMPLE (ledger.yaml):
  server:
    port: 8080
  store:
    driver: sqlite
    path: ./data/ledger.db
  lock:
    driver: redis
    redis_addr: localhost:6379
  content:
    driver: ipfs
    api_url: https://api.pinata.cloud
    gateways:
      - https://gateway.pinata.cloud
      - https://ipfs.io
  chain:
    driver: http
    url: http://localhost:8545/relayer
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/chainlog"
	"github.com/warp/harvest-ledger/content"
	"github.com/warp/harvest-ledger/retry"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverIPFS   = "ipfs"
	DriverHTTP   = "http"
	DriverNone   = "none"
)

type Config struct {
	LogLevel string `yaml:"log_level"`

	Server struct {
		Port         int           `yaml:"port"`
		CORSOrigins  []string      `yaml:"cors_origins"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Store struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"store"`

	Lock struct {
		Driver         string        `yaml:"driver"`
		RedisAddr      string        `yaml:"redis_addr"`
		RedisPassword  string        `yaml:"redis_password"`
		RedisDB        int           `yaml:"redis_db"`
		AcquireTimeout time.Duration `yaml:"acquire_timeout"`
		LeaseTTL       time.Duration `yaml:"lease_ttl"`
	} `yaml:"lock"`

	Content struct {
		Driver         string        `yaml:"driver"`
		APIURL         string        `yaml:"api_url"`
		JWT            string        `yaml:"jwt"`
		Strategy       string        `yaml:"strategy"`
		Gateways       []string      `yaml:"gateways"`
		Sequential     bool          `yaml:"sequential"`
		GatewayTimeout time.Duration `yaml:"gateway_timeout"`
		PinRate        float64       `yaml:"pin_rate"`
		PinBurst       int           `yaml:"pin_burst"`
	} `yaml:"content"`

	Chain struct {
		Driver  string        `yaml:"driver"`
		URL     string        `yaml:"url"`
		APIKey  string        `yaml:"api_key"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"chain"`

	Notarization struct {
		Enabled   bool          `yaml:"enabled"`
		Interval  time.Duration `yaml:"interval"`
		BatchSize int           `yaml:"batch_size"`
	} `yaml:"notarization"`

	Retry struct {
		MaxRetries      uint64        `yaml:"max_retries"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
	} `yaml:"retry"`
}

// Default runs everything in process.
func Default() *Config {
	c := &Config{LogLevel: "info"}
	c.Server.Port = 8080
	c.Server.CORSOrigins = []string{"*"}
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 60 * time.Second
	c.Store.Driver = DriverMemory
	c.Store.Path = "ledger.db"
	c.Lock.Driver = DriverMemory
	c.Lock.RedisAddr = "localhost:6379"
	c.Lock.AcquireTimeout = 5 * time.Second
	c.Lock.LeaseTTL = 30 * time.Second
	c.Content.Driver = DriverMemory
	c.Content.GatewayTimeout = content.DefaultGatewayTimeout
	c.Chain.Driver = DriverMemory
	c.Chain.Timeout = chainlog.DefaultTimeout
	c.Notarization.Enabled = true
	c.Notarization.Interval = time.Minute
	c.Notarization.BatchSize = 50
	c.Retry.MaxRetries = retry.Default.MaxRetries
	c.Retry.InitialInterval = retry.Default.InitialInterval
	c.Retry.MaxInterval = retry.Default.MaxInterval
	return c
}

// Load applies path (optional) and envFile (optional) over the defaults,
// then the LEDGER_* environment, and validates the result.
func Load(path, envFile string) (*Config, error) {
	l := log.WithFields(log.Fields{"package": "config", "func": "Load"})
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config unmarshal %s: %w", path, err)
		}
		l.WithField("path", path).Debug("Config file loaded")
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("env file %s: %w", envFile, err)
			}
			l.WithField("path", envFile).Debug("No env file, relying on process environment")
		}
	}

	if err := applyEnvOverrides(c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnvOverrides(c *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("LEDGER_LOG_LEVEL", &c.LogLevel)
	list("LEDGER_CORS_ORIGINS", &c.Server.CORSOrigins)
	str("LEDGER_STORE_DRIVER", &c.Store.Driver)
	str("LEDGER_DB_PATH", &c.Store.Path)
	str("LEDGER_LOCK_DRIVER", &c.Lock.Driver)
	str("LEDGER_REDIS_ADDR", &c.Lock.RedisAddr)
	str("LEDGER_REDIS_PASSWORD", &c.Lock.RedisPassword)
	str("LEDGER_CONTENT_DRIVER", &c.Content.Driver)
	str("LEDGER_IPFS_API_URL", &c.Content.APIURL)
	str("LEDGER_IPFS_JWT", &c.Content.JWT)
	str("LEDGER_IPFS_STRATEGY", &c.Content.Strategy)
	list("LEDGER_IPFS_GATEWAYS", &c.Content.Gateways)
	str("LEDGER_CHAIN_DRIVER", &c.Chain.Driver)
	str("LEDGER_CHAIN_URL", &c.Chain.URL)
	str("LEDGER_CHAIN_API_KEY", &c.Chain.APIKey)

	if v := os.Getenv("LEDGER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LEDGER_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_REDIS_DB %q: %w", v, err)
		}
		c.Lock.RedisDB = db
	}
	if v := os.Getenv("LEDGER_NOTARIZE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEDGER_NOTARIZE_INTERVAL %q: %w", v, err)
		}
		c.Notarization.Interval = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects unknown drivers and settings a driver cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store: sqlite driver needs a path")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	switch c.Lock.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Lock.RedisAddr == "" {
			return errors.New("lock: redis driver needs redis_addr")
		}
	default:
		return fmt.Errorf("lock: unknown driver %q", c.Lock.Driver)
	}
	switch c.Content.Driver {
	case DriverMemory:
	case DriverIPFS:
		if c.Content.APIURL == "" || len(c.Content.Gateways) == 0 {
			return errors.New("content: ipfs driver needs api_url and at least one gateway")
		}
		switch content.Strategy(c.Content.Strategy) {
		case content.StrategyAuto, content.StrategyPinata, content.StrategyKubo:
		default:
			return fmt.Errorf("content: unknown strategy %q", c.Content.Strategy)
		}
	default:
		return fmt.Errorf("content: unknown driver %q", c.Content.Driver)
	}
	switch c.Chain.Driver {
	case DriverNone, DriverMemory:
	case DriverHTTP:
		if c.Chain.URL == "" {
			return errors.New("chain: http driver needs url")
		}
	default:
		return fmt.Errorf("chain: unknown driver %q", c.Chain.Driver)
	}
	return nil
}

// =============================================================================
// DERIVED CLIENT SETTINGS
// =============================================================================

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:      c.Retry.MaxRetries,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		MaxElapsed:      retry.Default.MaxElapsed,
	}
}

func (c *Config) IPFS() content.IPFSConfig {
	return content.IPFSConfig{
		APIURL:         c.Content.APIURL,
		JWT:            c.Content.JWT,
		Strategy:       content.Strategy(c.Content.Strategy),
		Gateways:       c.Content.Gateways,
		Sequential:     c.Content.Sequential,
		GatewayTimeout: c.Content.GatewayTimeout,
		Retry:          c.RetryPolicy(),
		PinRate:        c.Content.PinRate,
		PinBurst:       c.Content.PinBurst,
	}
}

func (c *Config) ChainHTTP() chainlog.HTTPConfig {
	return chainlog.HTTPConfig{
		BaseURL: c.Chain.URL,
		APIKey:  c.Chain.APIKey,
		Timeout: c.Chain.Timeout,
		Retry:   c.RetryPolicy(),
	}
}

// ApplyLogging sets the global logrus level.
func (c *Config) ApplyLogging() {
	ll, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		ll = log.InfoLevel
	}
	log.SetLevel(ll)
}
