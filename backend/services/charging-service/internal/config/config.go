package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "flashcharge/backend/libs/config"
	"flashcharge/backend/services/charging-service/internal/battery"
	"flashcharge/backend/services/charging-service/internal/telemetry"
)

// Charge control modes.
const (
	ControlSteve  = "steve"
	ControlDirect = "direct"
)

type HTTPConfig struct {
	Port string `yaml:"port" env:"CHARGING_HTTP_PORT"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"CHARGING_POSTGRES_DSN"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"REDIS_ADDR"`
	Password    string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"REDIS_DB"`
	SnapshotTTL time.Duration `yaml:"snapshotTtl" env:"SNAPSHOT_CACHE_TTL"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret" env:"JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"tokenTtl" env:"JWT_EXPIRES_IN"`
}

// ControlConfig selects how start and stop commands reach chargers.
type ControlConfig struct {
	Mode            string        `yaml:"mode" env:"CHARGE_CONTROL_MODE"`
	SteveURL        string        `yaml:"steveUrl" env:"STEVE_API_URL"`
	SteveAPIKey     string        `yaml:"steveApiKey" env:"STEVE_API_KEY"`
	Timeout         time.Duration `yaml:"timeout" env:"STEVE_TIMEOUT"`
	OnlineThreshold time.Duration `yaml:"onlineThreshold" env:"CHARGER_ONLINE_THRESHOLD"`
	FinishingDelay  time.Duration `yaml:"finishingDelay" env:"FINISHING_DELAY"`
}

type BatteryConfig struct {
	NominalVoltage float64 `yaml:"nominalVoltage" env:"BATTERY_NOMINAL_VOLTAGE"`
	RangePerAh     float64 `yaml:"rangePerAh" env:"BATTERY_RANGE_PER_AH"`
	FullSOC        float64 `yaml:"fullSoc" env:"BATTERY_FULL_SOC"`
}

type PricingConfig struct {
	PricePerKWh     float64 `yaml:"pricePerKwh" env:"PRICE_PER_KWH"`
	Currency        string  `yaml:"currency" env:"PRICE_CURRENCY"`
	RefundThreshold float64 `yaml:"refundThreshold" env:"REFUND_THRESHOLD"`
}

// CadenceConfig holds polling intervals and lookbacks.
type CadenceConfig struct {
	PushRefresh    time.Duration `yaml:"pushRefresh" env:"PUSH_REFRESH_INTERVAL"`
	PrepaidPoll    time.Duration `yaml:"prepaidPoll" env:"PREPAID_POLL_INTERVAL"`
	ParamsLookback time.Duration `yaml:"paramsLookback" env:"PARAMS_LOOKBACK"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"pingInterval" env:"WS_PING_INTERVAL"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" env:"WS_WRITE_TIMEOUT"`
	PerIPLimit     int           `yaml:"perIpLimit" env:"WS_PER_IP_LIMIT"`
	// TrustedProxies lists addresses or CIDRs whose X-Forwarded-For is honored.
	TrustedProxies []string      `yaml:"trustedProxies" env:"WS_TRUSTED_PROXIES"`
}

// MQTTConfig enables the snapshot bridge when BrokerURL is set.
type MQTTConfig struct {
	BrokerURL   string   `yaml:"brokerUrl" env:"MQTT_BROKER_URL"`
	ClientID    string   `yaml:"clientId" env:"MQTT_CLIENT_ID"`
	TopicPrefix string   `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX"`
	Chargers    []string `yaml:"chargers" env:"MQTT_CHARGERS"`
}

// Config defines charging service configuration.
type Config struct {
	HTTP      HTTPConfig        `yaml:"http"`
	Database  DatabaseConfig    `yaml:"database"`
	Redis     RedisConfig       `yaml:"redis"`
	Auth      AuthConfig        `yaml:"auth"`
	Control   ControlConfig     `yaml:"control"`
	Battery   BatteryConfig     `yaml:"battery"`
	Pricing   PricingConfig     `yaml:"pricing"`
	Variants  []battery.Variant `yaml:"variants" env:"-"`
	Limits    battery.Limits    `yaml:"limits"`
	Windows   telemetry.Windows `yaml:"windows"`
	Cadence   CadenceConfig     `yaml:"cadence"`
	WebSocket WebSocketConfig   `yaml:"websocket"`
	MQTT      MQTTConfig        `yaml:"mqtt"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	model := battery.DefaultModel()
	return &Config{
		HTTP: HTTPConfig{Port: "3000"},
		Redis: RedisConfig{
			SnapshotTTL: 5 * time.Second,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Control: ControlConfig{
			Mode:            ControlSteve,
			Timeout:         10 * time.Second,
			OnlineThreshold: 60 * time.Second,
			FinishingDelay:  2 * time.Second,
		},
		Battery: BatteryConfig{
			NominalVoltage: model.NominalVoltage,
			RangePerAh:     model.RangePerAh,
			FullSOC:        model.FullSOC,
		},
		Pricing: PricingConfig{
			PricePerKWh:     model.PricePerKWh,
			Currency:        "INR",
			RefundThreshold: 0.5,
		},
		Variants: battery.DefaultVariants(),
		Limits:   battery.DefaultLimits(),
		Windows:  telemetry.DefaultWindows(),
		Cadence: CadenceConfig{
			PushRefresh:    5 * time.Second,
			PrepaidPoll:    5 * time.Second,
			ParamsLookback: time.Hour,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			PerIPLimit:   50,
		},
		MQTT: MQTTConfig{
			ClientID:    "flashcharge-charging-service",
			TopicPrefix: "flashcharge",
		},
	}
}

// Load uses shared config loader and validates required fields.
func Load() (*Config, error) {
	return LoadWithLookup(nil)
}

// LoadWithLookup is Load with an injectable environment source.
func LoadWithLookup(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfigWithLookup(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("config: database DSN is required"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("config: JWT secret is required"))
	}
	switch c.Control.Mode {
	case ControlSteve:
		if strings.TrimSpace(c.Control.SteveURL) == "" {
			errs = append(errs, errors.New("config: steve url is required in steve control mode"))
		}
	case ControlDirect:
	default:
		errs = append(errs, fmt.Errorf("config: unknown control mode %q", c.Control.Mode))
	}
	if c.Battery.NominalVoltage <= 0 || c.Battery.RangePerAh <= 0 {
		errs = append(errs, errors.New("config: battery nominal voltage and range per Ah must be positive"))
	}
	if c.Battery.FullSOC <= 0 || c.Battery.FullSOC > 100 {
		errs = append(errs, errors.New("config: battery full SOC must be within (0, 100]"))
	}
	if c.Pricing.PricePerKWh <= 0 {
		errs = append(errs, errors.New("config: price per kWh must be positive"))
	}
	for _, v := range c.Variants {
		if strings.TrimSpace(v.Name) == "" || v.MaxCurrent <= 0 || v.CapacityAh <= 0 {
			errs = append(errs, fmt.Errorf("config: invalid variant %+v", v))
		}
	}
	return errors.Join(errs...)
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "3000"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// BatteryModel returns the pack constants with the configured price.
func (c *Config) BatteryModel() battery.Model {
	return battery.Model{
		NominalVoltage: c.Battery.NominalVoltage,
		RangePerAh:     c.Battery.RangePerAh,
		FullSOC:        c.Battery.FullSOC,
		PricePerKWh:    c.Pricing.PricePerKWh,
	}
}

// MQTTEnabled reports whether the snapshot bridge is configured.
func (c *Config) MQTTEnabled() bool {
	return strings.TrimSpace(c.MQTT.BrokerURL) != ""
}
