package push

import (
	"strings"
	"time"
)

// RedisSettings describes the shared Redis used for presence, the retry
// queue, receipts and (optionally) the bus.
type RedisSettings struct {
	Enabled  string        `yaml:"enabled" json:"enabled"`
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	Database int           `yaml:"database" json:"database"`
	Password string        `yaml:"password" json:"password"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	Lettuce  RedisLettuce  `yaml:"lettuce" json:"lettuce"`
}

type RedisLettuce struct {
	Pool RedisPool `yaml:"pool" json:"pool"`
}

type RedisPool struct {
	MaxIdle   int           `yaml:"max-idle" json:"maxIdle"`
	MaxActive int           `yaml:"max-active" json:"maxActive"`
	MaxWait   time.Duration `yaml:"max-wait" json:"maxWait"`
}

func (s RedisSettings) WithDefaults() RedisSettings {
	o := s
	o.Enabled = NormalizeYN(o.Enabled)
	if o.Port == 0 {
		o.Port = 6379
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

type RocketMQSettings struct {
	NameServer string           `yaml:"name-server" json:"nameServer"`
	Producer   RocketMQProducer `yaml:"producer" json:"producer"`
	Consumer   RocketMQConsumer `yaml:"consumer" json:"consumer"`
	Topic      string           `yaml:"topic" json:"topic"`
	Tag        string           `yaml:"tag" json:"tag"`
}

type RocketMQProducer struct {
	AccessKey string `yaml:"access-key" json:"accessKey"`
	SecretKey string `yaml:"secret-key" json:"secretKey"`
	Group     string `yaml:"group" json:"group"`
}

type RocketMQConsumer struct {
	Group string `yaml:"group" json:"group"`
}

// PushSettings configures the GeTui vendor used as the out-of-band
// fallback for deliveries that exhausted the retry queue.
type PushSettings struct {
	Enabled      string `yaml:"enabled" json:"enabled"`
	AppID        string `yaml:"appId" json:"appId"`
	AppKey       string `yaml:"appKey" json:"appKey"`
	AppSecret    string `yaml:"appSecret" json:"appSecret"`
	MasterSecret string `yaml:"masterSecret" json:"masterSecret"`
	BaseURL      string `yaml:"baseUrl" json:"baseUrl"`
	TTLMillis    int64  `yaml:"ttl" json:"ttl"`
}

func (s PushSettings) WithDefaults() PushSettings {
	o := s
	o.Enabled = NormalizeYN(o.Enabled)
	if o.BaseURL == "" {
		o.BaseURL = "https://restapi.getui.com/v2"
	}
	if o.TTLMillis <= 0 {
		o.TTLMillis = 2 * 60 * 60 * 1000
	}
	return o
}

// NormalizeYN maps the loose boolean spellings used in shared YAML to "Y"/"N".
func NormalizeYN(v string) string {
	switch strings.TrimSpace(strings.ToUpper(v)) {
	case "Y", "YES", "TRUE", "1":
		return "Y"
	default:
		return "N"
	}
}
