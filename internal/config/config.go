package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Server     ServerConfig
	DynamoDB   DynamoDBConfig
	Redis      RedisConfig
	JWT        JWTConfig
	OTP        OTPConfig
	RateLimit  RateLimitConfig
	Mail       MailConfig
	Disposable DisposableConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// OTPConfig controls code shape and lifetime. Validity is also the ceiling
// for any rate-limit wait we report.
type OTPConfig struct {
	Length          int
	Validity        time.Duration
	ExpiryTolerance time.Duration
	HashCost        int
}

type RateLimitConfig struct {
	BaseInterval time.Duration
}

type MailConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	FromAddress  string
	FromName     string
	AppName      string
	RetryCount   int
	RetryBackoff time.Duration
}

// DisposableConfig points at a newline-delimited domain list, either a file
// path or an http(s) URL. Empty disables the check.
type DisposableConfig struct {
	Source  string
	Timeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "MailOTPUsers"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
		},
		OTP: OTPConfig{
			Length:          getEnvAsInt("OTP_LENGTH", 6),
			Validity:        getEnvAsDuration("OTP_VALIDITY", 6*time.Hour),
			ExpiryTolerance: getEnvAsDuration("OTP_EXPIRY_TOLERANCE", 30*time.Second),
			HashCost:        getEnvAsInt("OTP_HASH_COST", bcrypt.MinCost),
		},
		RateLimit: RateLimitConfig{
			BaseInterval: getEnvAsDuration("OTP_BASE_INTERVAL", 60*time.Second),
		},
		Mail: MailConfig{
			Host:         getEnv("SMTP_HOST", ""),
			Port:         getEnvAsInt("SMTP_PORT", 587),
			Username:     getEnv("SMTP_USERNAME", ""),
			Password:     getEnv("SMTP_PASSWORD", ""),
			FromAddress:  getEnv("MAIL_FROM_ADDRESS", ""),
			FromName:     getEnv("MAIL_FROM_NAME", ""),
			AppName:      getEnv("APP_NAME", "MailOTP"),
			RetryCount:   getEnvAsInt("MAIL_RETRY_COUNT", 2),
			RetryBackoff: getEnvAsDuration("MAIL_RETRY_BACKOFF", 200*time.Millisecond),
		},
		Disposable: DisposableConfig{
			Source:  getEnv("DISPOSABLE_DOMAINS_SOURCE", ""),
			Timeout: getEnvAsDuration("DISPOSABLE_DOMAINS_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if c.Mail.Host == "" || c.Mail.FromAddress == "" {
		return fmt.Errorf("SMTP_HOST and MAIL_FROM_ADDRESS environment variables are required")
	}

	if c.OTP.Length <= 0 {
		return fmt.Errorf("OTP_LENGTH must be positive, got %d", c.OTP.Length)
	}

	if c.OTP.Validity <= 0 {
		return fmt.Errorf("OTP_VALIDITY must be positive, got %s", c.OTP.Validity)
	}

	if c.OTP.ExpiryTolerance < 0 || c.OTP.ExpiryTolerance >= c.OTP.Validity {
		return fmt.Errorf("OTP_EXPIRY_TOLERANCE must be within [0, OTP_VALIDITY), got %s", c.OTP.ExpiryTolerance)
	}

	if c.OTP.HashCost < bcrypt.MinCost || c.OTP.HashCost > bcrypt.MaxCost {
		return fmt.Errorf("OTP_HASH_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	if c.RateLimit.BaseInterval <= 0 {
		return fmt.Errorf("OTP_BASE_INTERVAL must be positive, got %s", c.RateLimit.BaseInterval)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
