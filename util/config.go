package util

import (
	_ "embed"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const Name = "fedcore"
const ConfigFileName = "config.yaml"
const EnvPrefix = "FEDCORE"

//go:embed config_default.yaml
var embeddedConfig []byte

type Conf struct {
	Host      string `yaml:"host" envconfig:"HOST"`
	HttpPort  int    `yaml:"httpPort" envconfig:"HTTP_PORT"`
	SslDomain string `yaml:"sslDomain" envconfig:"SSL_DOMAIN"`
	Scheme    string `yaml:"scheme" envconfig:"SCHEME"`
	DbPath    string `yaml:"dbPath" envconfig:"DB_PATH"`
	LogLevel  string `yaml:"logLevel" envconfig:"LOG_LEVEL"`
	LogFile   string `yaml:"logFile" envconfig:"LOG_FILE"`

	// delivery
	Workers           int           `yaml:"workers" envconfig:"WORKERS"`
	BatchSize         int           `yaml:"batchSize" envconfig:"BATCH_SIZE"`
	PollInterval      time.Duration `yaml:"pollInterval" envconfig:"POLL_INTERVAL"`
	MaxAttempts       int           `yaml:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	InitialBackoff    time.Duration `yaml:"initialBackoff" envconfig:"INITIAL_BACKOFF"`
	MaxBackoff        time.Duration `yaml:"maxBackoff" envconfig:"MAX_BACKOFF"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier" envconfig:"BACKOFF_MULTIPLIER"`
	BackoffJitter     float64       `yaml:"backoffJitter" envconfig:"BACKOFF_JITTER"`
	RequestTimeout    time.Duration `yaml:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`
	LeaseDuration     time.Duration `yaml:"leaseDuration" envconfig:"LEASE_DURATION"`

	// remote actors
	ActorCacheSize int           `yaml:"actorCacheSize" envconfig:"ACTOR_CACHE_SIZE"`
	ActorCacheTTL  time.Duration `yaml:"actorCacheTTL" envconfig:"ACTOR_CACHE_TTL"`
	RedisURL       string        `yaml:"redisURL" envconfig:"REDIS_URL"`

	// inbound
	MaxInboxBytes int64         `yaml:"maxInboxBytes" envconfig:"MAX_INBOX_BYTES"`
	SignatureSkew time.Duration `yaml:"signatureSkew" envconfig:"SIGNATURE_SKEW"`
	RateLimit     float64       `yaml:"rateLimit" envconfig:"RATE_LIMIT"`
	RateBurst     int           `yaml:"rateBurst" envconfig:"RATE_BURST"`

	TokenSecret string `yaml:"tokenSecret" envconfig:"TOKEN_SECRET"`
}

type AppConfig struct {
	Conf Conf `yaml:"conf"`
}

// ReadConf loads config.yaml (local dir first, then the user config dir),
// falls back to the embedded defaults and applies FEDCORE_* overrides.
func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		buf = embeddedConfig
		if configDir, dirErr := GetConfigDir(); dirErr == nil {
			_ = os.WriteFile(filepath.Join(configDir, ConfigFileName), embeddedConfig, 0644)
		}
	}

	return ParseConf(buf)
}

// LoadConf reads path, or falls back to ReadConf when path is empty.
func LoadConf(path string) (*AppConfig, error) {
	if path == "" {
		return ReadConf()
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return ParseConf(buf)
}

// ParseConf decodes buf on top of the embedded defaults, then applies the
// environment and validates the result.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, errors.Wrap(err, "in embedded config")
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, errors.Wrap(err, "in config file")
	}
	if err := envconfig.Process(EnvPrefix, &c.Conf); err != nil {
		return nil, errors.Wrap(err, "in environment")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return c, nil
}

func (c *AppConfig) Validate() error {
	conf := &c.Conf
	return validation.ValidateStruct(conf,
		validation.Field(&conf.HttpPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&conf.SslDomain, validation.Required),
		validation.Field(&conf.Scheme, validation.Required, validation.In("http", "https")),
		validation.Field(&conf.DbPath, validation.Required),
		validation.Field(&conf.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&conf.Workers, validation.Required, validation.Min(1)),
		validation.Field(&conf.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&conf.PollInterval, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&conf.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&conf.InitialBackoff, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&conf.MaxBackoff, validation.Required, validation.Min(conf.InitialBackoff)),
		validation.Field(&conf.BackoffMultiplier, validation.Required, validation.Min(1.0)),
		validation.Field(&conf.BackoffJitter, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&conf.RequestTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&conf.LeaseDuration, validation.Required, validation.Min(conf.MinLease())),
		validation.Field(&conf.ActorCacheSize, validation.Required, validation.Min(1)),
		validation.Field(&conf.ActorCacheTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&conf.MaxInboxBytes, validation.Required, validation.Min(int64(1024))),
		validation.Field(&conf.SignatureSkew, validation.Required),
		validation.Field(&conf.RateLimit, validation.Required, validation.Min(0.1)),
		validation.Field(&conf.RateBurst, validation.Required, validation.Min(1)),
	)
}

// MinLease is the longest a claimed batch can take: each worker sends its
// share of the batch one after another, each bounded by RequestTimeout.
func (c *Conf) MinLease() time.Duration {
	if c.Workers < 1 || c.BatchSize < 1 {
		return c.RequestTimeout
	}
	rounds := (c.BatchSize + c.Workers - 1) / c.Workers
	return time.Duration(rounds) * c.RequestTimeout
}

// BaseURL is the scheme and domain every local IRI hangs off.
func (c *AppConfig) BaseURL() string {
	return c.Conf.Scheme + "://" + c.Conf.SslDomain
}
