package topology

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// BrokerConfig carries the externally supplied connection settings. Every
// field has a safe local-development fallback; production deployments are
// expected to override all of them through the environment.
type BrokerConfig struct {
	Host                 string
	Port                 int
	Username             string
	Password             string
	VHost                string
	Heartbeat            time.Duration
	ConnectionTimeout    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	PrefetchCount        int
}

// ConfigFromEnv reads the broker configuration from RABBITMQ_* environment
// variables, falling back to local-development defaults.
func ConfigFromEnv() BrokerConfig {
	return BrokerConfig{
		Host:                 envString("RABBITMQ_HOST", "localhost"),
		Port:                 envInt("RABBITMQ_PORT", 5672),
		Username:             envString("RABBITMQ_USERNAME", "guest"),
		Password:             envString("RABBITMQ_PASSWORD", "guest"),
		VHost:                envString("RABBITMQ_VHOST", "/"),
		Heartbeat:            envDuration("RABBITMQ_HEARTBEAT", 60*time.Second),
		ConnectionTimeout:    envDuration("RABBITMQ_CONNECTION_TIMEOUT", 30*time.Second),
		ReconnectDelay:       envDuration("RABBITMQ_RECONNECT_DELAY", 5*time.Second),
		MaxReconnectAttempts: envInt("RABBITMQ_MAX_RECONNECT_ATTEMPTS", 5),
		PrefetchCount:        envInt("RABBITMQ_PREFETCH_COUNT", 10),
	}
}

// URL renders the AMQP connection string.
func (c BrokerConfig) URL() string {
	vhost := c.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password),
		c.Host, c.Port, url.PathEscape(vhost))
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts either a Go duration string or a bare number of
// seconds, matching how deployments commonly set these values.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
