package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config top-level struct
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Mpesa     MpesaConfig     `yaml:"mpesa"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// MpesaConfig holds Daraja credentials and the callback strategy.
// An empty CallbackURL means the URL is derived from the incoming request,
// limited to AllowedHosts when that list is set.
type MpesaConfig struct {
	BaseURL           string        `yaml:"base_url"`
	ConsumerKey       string        `yaml:"consumer_key"`
	ConsumerSecret    string        `yaml:"consumer_secret"`
	ShortCode         string        `yaml:"short_code"`
	PassKey           string        `yaml:"passkey"`
	TransactionType   string        `yaml:"transaction_type"`
	CallbackURL       string        `yaml:"callback_url"`
	AllowedHosts      []string      `yaml:"allowed_hosts"`
	Timeout           time.Duration `yaml:"timeout"`
	SimulationEnabled bool          `yaml:"simulation_enabled"`
}

// Load reads .env (if any) and the yaml file, then applies env overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		Env: EnvDevelopment,
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis:     RedisConfig{TTL: 10 * time.Minute},
		Kafka:     KafkaConfig{Topic: "mpesa.transactions", PollInterval: time.Second, BatchSize: 100},
		RateLimit: RateLimitConfig{RPS: 10, Burst: 20},
		Mpesa: MpesaConfig{
			BaseURL:         "https://sandbox.safaricom.co.ke",
			TransactionType: "CustomerPayBillOnline",
			Timeout:         30 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if env := os.Getenv("APP_ENV"); env != "" {
		c.Env = env
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if v := os.Getenv("MPESA_CONSUMER_KEY"); v != "" {
		c.Mpesa.ConsumerKey = v
	}
	if v := os.Getenv("MPESA_CONSUMER_SECRET"); v != "" {
		c.Mpesa.ConsumerSecret = v
	}
	if v := os.Getenv("MPESA_PASSKEY"); v != "" {
		c.Mpesa.PassKey = v
	}
	if v := os.Getenv("MPESA_CALLBACK_URL"); v != "" {
		c.Mpesa.CallbackURL = v
	}
	// simulation must never be reachable in production
	if c.IsProduction() {
		c.Mpesa.SimulationEnabled = false
	}
}

func (c *Config) IsProduction() bool { return c.Env == EnvProduction }
