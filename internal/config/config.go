// Package config reads the service settings from the environment, loading
// a .env file first when one is present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/alerts"
	"github.com/ukydev/ambulance-dispatch/internal/assign"
	"github.com/ukydev/ambulance-dispatch/internal/auth"
	"github.com/ukydev/ambulance-dispatch/internal/dispatch"
	"github.com/ukydev/ambulance-dispatch/internal/eta"
	"github.com/ukydev/ambulance-dispatch/internal/events"
)

// Config holds every runtime setting of the dispatch server.
type Config struct {
	Port string

	MongoURI string
	MongoDB  string

	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string

	NATSURL string

	JWTSecret string
	JWTExpiry time.Duration

	OSRMURL     string
	ETASpeedKmh float64

	Dispatch dispatch.Config

	BootstrapSupervisor string
	BootstrapPassword   string

	LogLevel  string
	LogFormat string
}

// Load reads .env (if any) and the environment. Unset variables keep their
// defaults; malformed values are errors.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}
	d := dispatch.DefaultConfig()
	engine := assign.DefaultConfig()
	al := alerts.DefaultConfig()

	cfg := &Config{
		Port:                r.str("PORT", "8080"),
		MongoURI:            r.str("MONGO_URI", ""),
		MongoDB:             r.str("MONGO_DB", "ambulance_dispatch"),
		MQTTBroker:          r.str("MQTT_BROKER", ""),
		MQTTClientID:        r.str("MQTT_CLIENT_ID", "dispatch-core"),
		MQTTTopic:           r.str("MQTT_TOPIC", "dispatch/pings/+"),
		NATSURL:             r.str("NATS_URL", ""),
		JWTSecret:           r.str("JWT_SECRET", ""),
		JWTExpiry:           r.duration("JWT_EXPIRY", auth.DefaultTokenExpiry),
		OSRMURL:             r.str("OSRM_URL", eta.DefaultOSRMURL),
		ETASpeedKmh:         r.float("ETA_SPEED_KMH", eta.DefaultSpeedKmh),
		BootstrapSupervisor: r.str("BOOTSTRAP_SUPERVISOR", ""),
		BootstrapPassword:   r.str("BOOTSTRAP_PASSWORD", ""),
		LogLevel:            r.str("LOG_LEVEL", "info"),
		LogFormat:           r.str("LOG_FORMAT", "text"),
	}

	engine.EstimateTimeout = r.duration("ETA_TIMEOUT", engine.EstimateTimeout)
	engine.CoalesceWindow = r.duration("ENGINE_COALESCE_WINDOW", engine.CoalesceWindow)
	engine.MaxStaleRetries = r.int("ENGINE_MAX_STALE_RETRIES", engine.MaxStaleRetries)
	if level := r.str("ETA_TRAFFIC", ""); level != "" {
		traffic, err := eta.ParseLevel(level)
		if err != nil {
			r.errs = append(r.errs, "ETA_TRAFFIC: "+err.Error())
		} else {
			engine.Traffic = traffic
		}
	}
	al.OverloadThreshold = r.float("ALERT_OVERLOAD_THRESHOLD", al.OverloadThreshold)
	al.StaleAfter = r.duration("ALERT_STALE_AFTER", al.StaleAfter)
	al.SweepInterval = r.duration("ALERT_SWEEP_INTERVAL", al.SweepInterval)
	al.CoverageCellDeg = r.float("ALERT_COVERAGE_CELL_DEG", al.CoverageCellDeg)
	d.QueueSize = r.int("BUS_QUEUE_SIZE", events.DefaultQueueSize)
	d.Engine = engine
	d.Alerts = al
	cfg.Dispatch = d

	if len(r.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(r.errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Dispatch.Alerts.OverloadThreshold <= 0 || c.Dispatch.Alerts.OverloadThreshold > 1 {
		return fmt.Errorf("ALERT_OVERLOAD_THRESHOLD must be in (0, 1]")
	}
	if (c.BootstrapSupervisor == "") != (c.BootstrapPassword == "") {
		return fmt.Errorf("BOOTSTRAP_SUPERVISOR and BOOTSTRAP_PASSWORD must be set together")
	}
	return nil
}

// SetupLogging applies LOG_LEVEL and LOG_FORMAT to the standard logger.
func (c *Config) SetupLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)
	switch c.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat)
	}
	return nil
}

type reader struct {
	getenv func(string) string
	errs   []string
}

func (r *reader) str(key, def string) string {
	if v := r.getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}
