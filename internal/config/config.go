package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/lzyats/yuim-realtime/pkg/push"
)

type RateLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr         string        `yaml:"addr"` // ":7001"
		WriteTimeout time.Duration `yaml:"write_timeout"`
		OutQueue     int           `yaml:"out_queue"`  // per-connection outbound frames
		ReadLimit    int64         `yaml:"read_limit"` // max inbound frame bytes
	} `yaml:"http"`

	Node struct {
		// ID names this instance on the bus and in logs; generated when empty.
		ID string `yaml:"id"`
	} `yaml:"node"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
	} `yaml:"redis"`

	Bus struct {
		Backend  string                `yaml:"backend"` // redis | rocketmq | nats | local
		Channel  string                `yaml:"channel"`
		RocketMQ push.RocketMQSettings `yaml:"rocketmq"`
		NATS     struct {
			URL      string `yaml:"url"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
		} `yaml:"nats"`
	} `yaml:"bus"`

	Auth struct {
		Mode  string `yaml:"mode"` // jwt | session
		Token struct {
			Header       string `yaml:"header"`
			BearerPrefix string `yaml:"bearer_prefix"`
			QueryKey     string `yaml:"query_key"`
			CookieName   string `yaml:"cookie_name"`
			RedisPrefix  string `yaml:"redis_prefix"`
			Secret       string `yaml:"secret"`
		} `yaml:"token"`
		JWT struct {
			Secret string        `yaml:"secret"`
			Issuer string        `yaml:"issuer"`
			Leeway time.Duration `yaml:"leeway"`
		} `yaml:"jwt"`
	} `yaml:"auth"`

	Heartbeat struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"heartbeat"`

	Presence struct {
		OnlineTTL  time.Duration `yaml:"online_ttl"`
		OfflineTTL time.Duration `yaml:"offline_ttl"`
	} `yaml:"presence"`

	Receipts struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"receipts"`

	Retry struct {
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxAttempts int           `yaml:"max_attempts"`
		Retention   time.Duration `yaml:"retention"`
		Tick        time.Duration `yaml:"tick"`
		SweepEvery  time.Duration `yaml:"sweep_every"`
		Batch       int           `yaml:"batch"`
	} `yaml:"retry"`

	// RateLimits is keyed by client event name. Entries override the
	// defaults one by one; a limit of 0 disables limiting for that event.
	RateLimits map[string]RateLimit `yaml:"rate_limits"`

	// Fallback is the out-of-band push used after terminal delivery failure.
	Fallback push.PushSettings `yaml:"fallback"`

	Breaker struct {
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`
}

// DefaultRateLimits are applied per connection.
func DefaultRateLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"sendMessage":     {Limit: 20, Window: time.Minute},
		"typingIndicator": {Limit: 30, Window: time.Minute},
		"joinRoom":        {Limit: 30, Window: time.Minute},
		"leaveRoom":       {Limit: 30, Window: time.Minute},
		"readReceipt":     {Limit: 120, Window: time.Minute},
		"presenceUpdate":  {Limit: 10, Window: time.Minute},
	}
}

// Load supports comma-separated config files: "-c common.yml,im-gateway.yml".
// Later files override earlier ones.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-gateway.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config %s: %w", p, err)
		}
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7001"
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 5 * time.Second
	}
	if c.HTTP.OutQueue <= 0 {
		c.HTTP.OutQueue = 256
	}
	if c.HTTP.ReadLimit <= 0 {
		c.HTTP.ReadLimit = 64 << 10
	}
	if c.Node.ID == "" {
		c.Node.ID = "gw-" + uuid.NewString()[:8]
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}

	c.Bus.Backend = strings.ToLower(strings.TrimSpace(c.Bus.Backend))
	if c.Bus.Backend == "" {
		c.Bus.Backend = "redis"
	}
	if c.Bus.Channel == "" {
		c.Bus.Channel = "yuim.realtime.bus"
	}
	if c.Bus.RocketMQ.Topic == "" {
		c.Bus.RocketMQ.Topic = "YUIM_REALTIME_BUS"
	}
	if c.Bus.RocketMQ.Producer.Group == "" {
		c.Bus.RocketMQ.Producer.Group = "yuim-gateway-producer"
	}
	if c.Bus.RocketMQ.Consumer.Group == "" {
		c.Bus.RocketMQ.Consumer.Group = "yuim-gateway-consumer"
	}
	if c.Bus.NATS.URL == "" {
		c.Bus.NATS.URL = "nats://127.0.0.1:4222"
	}

	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.Mode == "" {
		c.Auth.Mode = "jwt"
	}
	// token lookup defaults (compatible with the Java token + redis session)
	if c.Auth.Token.Header == "" {
		c.Auth.Token.Header = "Authorization"
	}
	if c.Auth.Token.BearerPrefix == "" {
		c.Auth.Token.BearerPrefix = "Bearer "
	}
	if c.Auth.Token.QueryKey == "" {
		c.Auth.Token.QueryKey = "token"
	}
	if c.Auth.Token.CookieName == "" {
		c.Auth.Token.CookieName = "token"
	}
	if c.Auth.Token.RedisPrefix == "" {
		// Java example: token:app:<token>
		c.Auth.Token.RedisPrefix = "token:app:"
	}
	if c.Auth.JWT.Leeway == 0 {
		c.Auth.JWT.Leeway = 30 * time.Second
	}

	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 25 * time.Second
	}
	if c.Presence.OnlineTTL <= 0 {
		c.Presence.OnlineTTL = 60 * time.Second
	}
	if c.Presence.OfflineTTL <= 0 {
		c.Presence.OfflineTTL = 24 * time.Hour
	}
	if c.Receipts.TTL <= 0 {
		c.Receipts.TTL = 7 * 24 * time.Hour
	}

	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 5 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Retention <= 0 {
		c.Retry.Retention = 7 * 24 * time.Hour
	}
	if c.Retry.Tick <= 0 {
		c.Retry.Tick = time.Second
	}
	if c.Retry.SweepEvery <= 0 {
		c.Retry.SweepEvery = time.Minute
	}
	if c.Retry.Batch <= 0 {
		c.Retry.Batch = 200
	}

	limits := DefaultRateLimits()
	for name, l := range c.RateLimits {
		if l.Window <= 0 {
			l.Window = time.Minute
		}
		limits[name] = l
	}
	c.RateLimits = limits

	c.Fallback = c.Fallback.WithDefaults()

	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Window <= 0 {
		c.Breaker.Window = 10 * time.Second
	}
	if c.Breaker.OpenFor <= 0 {
		c.Breaker.OpenFor = 5 * time.Second
	}
}

func (c *Config) validate() error {
	switch c.Bus.Backend {
	case "redis", "local", "nats":
	case "rocketmq":
		if c.Bus.RocketMQ.NameServer == "" {
			return errors.New("config: bus.rocketmq.name-server required for the rocketmq backend")
		}
	default:
		return fmt.Errorf("config: unknown bus.backend %q", c.Bus.Backend)
	}
	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWT.Secret == "" {
			return errors.New("config: auth.jwt.secret required for jwt mode")
		}
	case "session":
		switch len(c.Auth.Token.Secret) {
		case 16, 24, 32:
		default:
			return errors.New("config: auth.token.secret must be an AES key of 16, 24 or 32 bytes")
		}
	default:
		return fmt.Errorf("config: unknown auth.mode %q", c.Auth.Mode)
	}
	if c.Presence.OnlineTTL < c.Heartbeat.Interval {
		return errors.New("config: presence.online_ttl must be at least heartbeat.interval")
	}
	return nil
}
