package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Process binding
	BindHost  string
	BindPort  int
	Transport string // tcp or inproc

	// Store backend: s3, redis, etcd, postgres, memory
	StoreBackend string
	Bucket       string

	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	RedisHost string
	RedisPort string

	EtcdEndpoints []string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Timing
	RequestTimeout  time.Duration
	ElectionTimeout time.Duration
	CoordinatorWait time.Duration
	LeaseTimeout    time.Duration
	PollInterval    time.Duration
	RefreshSchedule string

	APIPort string

	LogLevel    string
	LogEncoding string

	TracingEndpoint string
}

func LoadConfig() *Config {
	return &Config{
		BindHost:  getEnv("BIND_HOST", "localhost"),
		BindPort:  getEnvAsInt("BIND_PORT", 3000),
		Transport: getEnv("TRANSPORT", "tcp"),

		StoreBackend: getEnv("STORE_BACKEND", "s3"),
		Bucket:       getEnv("STORE_BUCKET", "distributed-election"),

		S3Region:          getEnv("S3_REGION", "us-west-2"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),

		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),

		EtcdEndpoints: strings.Split(getEnv("ETCD_ENDPOINTS", "localhost:2379"), ","),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "bullywork"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "bullywork"),

		RequestTimeout:  getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		ElectionTimeout: getEnvAsDuration("ELECTION_TIMEOUT", 10*time.Second),
		CoordinatorWait: getEnvAsDuration("COORDINATOR_WAIT", 30*time.Second),
		LeaseTimeout:    getEnvAsDuration("LEASE_TIMEOUT", 30*time.Second),
		PollInterval:    getEnvAsDuration("POLL_INTERVAL", time.Second),
		RefreshSchedule: getEnv("REFRESH_SCHEDULE", "@every 30s"),

		APIPort: getEnv("API_PORT", ""),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),

		TracingEndpoint: getEnv("OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("10s") or plain milliseconds ("10000").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
