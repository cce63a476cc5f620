package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig PostgreSQL connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int
	MaxIdle     int
	PingTimeout time.Duration
}

// RedisConfig Redis connection settings. ReadTimeout must exceed the
// longest blocking stream read.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// MQTTConfig MQTT broker settings
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// GetDSN returns a lib/pq URL. Credentials are escaped, so passwords may
// contain any character.
func (c *DatabaseConfig) GetDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted is GetDSN without the password, for logs.
func (c *DatabaseConfig) Redacted() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.User, c.Host, c.Port, c.Database)
}

// Validate reports settings lib/pq would reject only at dial time.
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" || c.Database == "" {
		return fmt.Errorf("database host and name are required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("database port %d out of range", c.Port)
	}
	return nil
}

// LoadFromEnv overrides fields from PREFIX_HOST, PREFIX_PORT, PREFIX_USER,
// PREFIX_PASSWORD, PREFIX_NAME, PREFIX_SSLMODE, PREFIX_MAX_CONNS and
// PREFIX_MAX_IDLE.
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	e := env(prefix)
	e.str("HOST", &c.Host)
	e.num("PORT", &c.Port)
	e.str("USER", &c.User)
	e.str("PASSWORD", &c.Password)
	e.str("NAME", &c.Database)
	e.str("SSLMODE", &c.SSLMode)
	e.num("MAX_CONNS", &c.MaxConns)
	e.num("MAX_IDLE", &c.MaxIdle)
}

// LoadFromEnv overrides fields from PREFIX_ADDR, PREFIX_PASSWORD, PREFIX_DB
// and PREFIX_POOL_SIZE.
func (c *RedisConfig) LoadFromEnv(prefix string) {
	e := env(prefix)
	e.str("ADDR", &c.Addr)
	e.str("PASSWORD", &c.Password)
	e.num("DB", &c.DB)
	e.num("POOL_SIZE", &c.PoolSize)
}

// LoadFromEnv overrides fields from PREFIX_BROKER, PREFIX_CLIENT_ID,
// PREFIX_USERNAME, PREFIX_PASSWORD and PREFIX_QOS.
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	e := env(prefix)
	e.str("BROKER", &c.Broker)
	e.str("CLIENT_ID", &c.ClientID)
	e.str("USERNAME", &c.Username)
	e.str("PASSWORD", &c.Password)

	qos := int(c.QoS)
	e.num("QOS", &qos)
	if qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
}

// env reads PREFIX_KEY variables; unset or unparsable values keep the
// current field value.
type env string

func (e env) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(string(e) + "_" + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e env) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e env) num(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
