package config

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "COFFEE"

type Config struct {
	HTTP     HTTPConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	Breaker  BreakerConfig
	Log      LogConfig
}

type HTTPConfig struct {
	Port string
}

type PostgresConfig struct {
	DSN string
}

type KafkaConfig struct {
	Brokers     []string
	GroupID     string
	DLQGroupID  string
	ReplayDelay time.Duration
}

type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
	MaxRequests int
}

type LogConfig struct {
	Level string
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8081")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.group_id", "announcer-group")
	v.SetDefault("kafka.dlq_group_id", "dlq-replay-group")
	v.SetDefault("kafka.replay_delay", "30s")
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("breaker.max_requests", 1)
	v.SetDefault("log.level", "info")
}

// Load reads defaults, an optional config file and COFFEE_* environment
// variables, in increasing order of precedence.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return &Config{
		HTTP:     HTTPConfig{Port: v.GetString("http.port")},
		Postgres: PostgresConfig{DSN: v.GetString("postgres.dsn")},
		Kafka: KafkaConfig{
			Brokers:     splitList(v.GetString("kafka.brokers")),
			GroupID:     v.GetString("kafka.group_id"),
			DLQGroupID:  v.GetString("kafka.dlq_group_id"),
			ReplayDelay: v.GetDuration("kafka.replay_delay"),
		},
		Breaker: BreakerConfig{
			MaxFailures: v.GetInt("breaker.max_failures"),
			Timeout:     v.GetDuration("breaker.timeout"),
			MaxRequests: v.GetInt("breaker.max_requests"),
		},
		Log: LogConfig{Level: v.GetString("log.level")},
	}, nil
}

func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		logger.WithField("level", c.Log.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
