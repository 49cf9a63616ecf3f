// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Dispatcher names accepted in OUTBOX_DISPATCHER.
const (
	DispatcherLog      = "log"
	DispatcherKafka    = "kafka"
	DispatcherRabbitMQ = "rabbitmq"
	DispatcherNATS     = "nats"
)

type (
	Config struct {
		Database DatabaseConfig
		HTTP     HTTPConfig
		Logging  LoggingConfig
		Outbox   OutboxConfig
		Kafka    KafkaConfig
		AMQP     AMQPConfig
		NATS     NATSConfig
	}

	DatabaseConfig struct {
		URL         string `validate:"required,url"`
		PoolSize    int    `validate:"gt=0"`
		AutoMigrate bool
	}

	HTTPConfig struct {
		Port int `validate:"gt=0,lte=65535"`
	}

	LoggingConfig struct {
		Level string `validate:"oneof=debug info warn error"`
	}

	OutboxConfig struct {
		PollInterval    time.Duration `validate:"gt=0"`
		BatchSize       int           `validate:"gt=0"`
		MaxRetries      int32         `validate:"gt=0"`
		DispatchTimeout time.Duration `validate:"gt=0"`
		Dispatcher      string        `validate:"oneof=log kafka rabbitmq nats"`
	}

	KafkaConfig struct {
		Brokers []string
		Topic   string
	}

	AMQPConfig struct {
		URL   string
		Queue string
	}

	NATSConfig struct {
		URL     string
		Subject string
	}
)

var validate = validator.New()

// Load reads the configuration. Files are loaded with godotenv first and never
// override variables already set in the environment; without files an
// optional .env in the working directory is used.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("loading %s: %w", strings.Join(files, ", "), err)
	}

	var p parser
	cfg := &Config{
		Database: DatabaseConfig{
			URL:         os.Getenv("DATABASE_URL"),
			PoolSize:    p.int("DATABASE_POOL_SIZE", 10),
			AutoMigrate: p.bool("DB_AUTO_MIGRATE", false),
		},
		HTTP: HTTPConfig{
			Port: p.int("PORT", 3000),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
		Outbox: OutboxConfig{
			PollInterval:    p.millis("OUTBOX_POLL_INTERVAL_MS", 2000),
			BatchSize:       p.int("OUTBOX_BATCH_SIZE", 20),
			MaxRetries:      int32(p.int("OUTBOX_MAX_RETRIES", 10)),
			DispatchTimeout: p.millis("OUTBOX_DISPATCH_TIMEOUT_MS", 5000),
			Dispatcher:      strings.ToLower(getEnv("OUTBOX_DISPATCHER", DispatcherLog)),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   os.Getenv("KAFKA_TOPIC"),
		},
		AMQP: AMQPConfig{
			URL:   os.Getenv("AMQP_URL"),
			Queue: os.Getenv("AMQP_QUEUE"),
		},
		NATS: NATSConfig{
			URL:     os.Getenv("NATS_URL"),
			Subject: os.Getenv("NATS_SUBJECT"),
		},
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the settings required by the selected dispatcher.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var missing []string
	switch c.Outbox.Dispatcher {
	case DispatcherKafka:
		if len(c.Kafka.Brokers) == 0 {
			missing = append(missing, "KAFKA_BROKERS")
		}
		if c.Kafka.Topic == "" {
			missing = append(missing, "KAFKA_TOPIC")
		}
	case DispatcherRabbitMQ:
		if c.AMQP.URL == "" {
			missing = append(missing, "AMQP_URL")
		}
		if c.AMQP.Queue == "" {
			missing = append(missing, "AMQP_QUEUE")
		}
	case DispatcherNATS:
		if c.NATS.URL == "" {
			missing = append(missing, "NATS_URL")
		}
		if c.NATS.Subject == "" {
			missing = append(missing, "NATS_SUBJECT")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid configuration: %s dispatcher requires %s",
			c.Outbox.Dispatcher, strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects conversion errors so every bad variable is reported at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, val))
		return defaultVal
	}
	return i
}

func (p *parser) bool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, val))
		return defaultVal
	}
	return b
}

func (p *parser) millis(key string, defaultVal int) time.Duration {
	return time.Duration(p.int(key, defaultVal)) * time.Millisecond
}
