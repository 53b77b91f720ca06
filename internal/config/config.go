package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the edge gateway.
type Config struct {
	App       AppConfig
	Broker    BrokerConfig
	Gateway   GatewayConfig
	Reconnect ReconnectConfig
	Services  []ServiceSpec
	Webhooks  WebhookConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// BrokerConfig defines broker connection information.
type BrokerConfig struct {
	Brokers []string
	GroupID string
}

// GatewayConfig controls request/reply behaviour.
type GatewayConfig struct {
	DefaultTimeout time.Duration
	PingCommand    string
}

// ReconnectConfig controls the channel reconnection backoff schedule.
type ReconnectConfig struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// ServiceSpec describes one logical backend service. Each registered service
// owns exactly one request topic and one reply topic for the process
// lifetime.
type ServiceSpec struct {
	Name         string
	RequestTopic string
	ReplyTopic   string
}

// WebhookProviderConfig holds the verification settings for one webhook
// provider.
type WebhookProviderConfig struct {
	Secret          string
	SignatureHeader string
}

// WebhookConfig wraps configuration for inbound webhook providers and the
// event classification rules.
type WebhookConfig struct {
	Transfers  WebhookProviderConfig
	KYC        WebhookProviderConfig
	BuyEvents  []string
	SellEvents []string
}

// Default event sets for the crypto transfer webhook. Overridable via
// WEBHOOK_BUY_EVENTS / WEBHOOK_SELL_EVENTS since providers version their
// event vocabularies independently of this service.
var (
	defaultSellEvents = []string{
		"transfer.pending",
		"transfer.processing",
		"transfer.funds_received",
	}
	defaultBuyEvents = []string{
		"transfer.funds_converted",
		"transfer.outgoing_payment_sent",
		"transfer.funds_delivered",
	}
)

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Broker.Brokers = ldr.getStringSlice("BROKER_URLS", true)
	cfg.Broker.GroupID = ldr.getString("BROKER_GROUP_ID", "edge-gateway", false)

	cfg.Gateway.DefaultTimeout = time.Duration(ldr.getInt("GATEWAY_TIMEOUT_MS", 20000, false)) * time.Millisecond
	cfg.Gateway.PingCommand = ldr.getString("GATEWAY_PING_COMMAND", "health.ping", false)

	cfg.Reconnect.BaseBackoff = time.Duration(ldr.getInt("RECONNECT_BASE_BACKOFF_MS", 500, false)) * time.Millisecond
	cfg.Reconnect.MaxBackoff = time.Duration(ldr.getInt("RECONNECT_MAX_BACKOFF_MS", 30000, false)) * time.Millisecond

	for _, name := range ldr.getStringSlice("GATEWAY_SERVICES", true) {
		cfg.Services = append(cfg.Services, serviceSpec(ldr, name))
	}

	cfg.Webhooks.Transfers.Secret = ldr.getString("TRANSFER_WEBHOOK_SECRET", "", true)
	cfg.Webhooks.Transfers.SignatureHeader = ldr.getString("TRANSFER_WEBHOOK_SIGNATURE_HEADER", "X-Busha-Signature", false)
	cfg.Webhooks.KYC.Secret = ldr.getString("PAYSTACK_SECRET_KEY", "", true)
	cfg.Webhooks.KYC.SignatureHeader = ldr.getString("KYC_WEBHOOK_SIGNATURE_HEADER", "x-paystack-signature", false)

	cfg.Webhooks.BuyEvents = ldr.getStringSliceDefault("WEBHOOK_BUY_EVENTS", defaultBuyEvents)
	cfg.Webhooks.SellEvents = ldr.getStringSliceDefault("WEBHOOK_SELL_EVENTS", defaultSellEvents)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// serviceSpec resolves the topics for a named service. Topic names follow
// the svc.<name>.requests / svc.<name>.replies convention unless overridden
// through SVC_<NAME>_REQUEST_TOPIC / SVC_<NAME>_REPLY_TOPIC.
func serviceSpec(ldr *envLoader, name string) ServiceSpec {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return ServiceSpec{
		Name:         name,
		RequestTopic: ldr.getString("SVC_"+key+"_REQUEST_TOPIC", "svc."+name+".requests", false),
		ReplyTopic:   ldr.getString("SVC_"+key+"_REPLY_TOPIC", "svc."+name+".replies", false),
	}
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) getStringSliceDefault(key string, def []string) []string {
	out := l.getStringSlice(key, false)
	if len(out) == 0 {
		return append([]string(nil), def...)
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
