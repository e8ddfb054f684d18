package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	GRPCPort string
	GinMode  string

	DB       DBConfig
	RedisURL string

	KafkaBroker       string
	NotificationTopic string

	Razorpay RazorpayConfig
	PhonePe  PhonePeConfig
	Cashfree CashfreeConfig

	GatewayTimeout    time.Duration
	LinkTTL           time.Duration
	Sweep             SweepConfig
	WorkerConcurrency int
}

type DBConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type RazorpayConfig struct {
	BaseUrl       string
	KeyId         string
	KeySecret     string
	WebhookSecret string
}

type PhonePeConfig struct {
	BaseUrl         string
	AuthUrl         string
	ClientId        string
	ClientSecret    string
	ClientVersion   string
	WebhookUsername string
	WebhookPassword string
	RedirectUrl     string
}

type CashfreeConfig struct {
	BaseUrl      string
	ClientId     string
	ClientSecret string
	ApiVersion   string
}

type SweepConfig struct {
	Cron        string
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
}

// LoadEnv reads .env from the working directory, falling back to the parent
// directory and finally to the process environment.
func LoadEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env", "../.env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return
		}
	}
	log.Println("No .env file found, using system environment variables")
}

func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		GRPCPort: getEnv("GRPC_PORT", "50051"),
		GinMode:  os.Getenv("GIN_MODE"),
		DB: DBConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "driving_school"),
		},
		RedisURL:          getEnv("REDIS_URL", "localhost:6379"),
		KafkaBroker:       getEnv("KAFKA_BROKER", "localhost:9092"),
		NotificationTopic: getEnv("PAYMENT_NOTIFICATION_TOPIC", "payment_notifications"),
		Razorpay: RazorpayConfig{
			BaseUrl:       getEnv("RAZORPAY_BASE_URL", "https://api.razorpay.com/v1"),
			KeyId:         os.Getenv("RAZORPAY_KEY_ID"),
			KeySecret:     os.Getenv("RAZORPAY_KEY_SECRET"),
			WebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
		},
		PhonePe: PhonePeConfig{
			BaseUrl:         getEnv("PHONEPE_BASE_URL", "https://api.phonepe.com/apis/pg"),
			AuthUrl:         getEnv("PHONEPE_AUTH_URL", "https://api.phonepe.com/apis/identity-manager/v1/oauth/token"),
			ClientId:        os.Getenv("PHONEPE_CLIENT_ID"),
			ClientSecret:    os.Getenv("PHONEPE_CLIENT_SECRET"),
			ClientVersion:   getEnv("PHONEPE_CLIENT_VERSION", "1"),
			WebhookUsername: os.Getenv("PHONEPE_WEBHOOK_USERNAME"),
			WebhookPassword: os.Getenv("PHONEPE_WEBHOOK_PASSWORD"),
			RedirectUrl:     os.Getenv("PHONEPE_REDIRECT_URL"),
		},
		Cashfree: CashfreeConfig{
			BaseUrl:      getEnv("CASHFREE_BASE_URL", "https://api.cashfree.com/pg"),
			ClientId:     os.Getenv("CASHFREE_CLIENT_ID"),
			ClientSecret: os.Getenv("CASHFREE_CLIENT_SECRET"),
			ApiVersion:   getEnv("CASHFREE_API_VERSION", "2023-08-01"),
		},
		GatewayTimeout: getDuration("GATEWAY_TIMEOUT", 10*time.Second),
		LinkTTL:        getDuration("LINK_TTL", 24*time.Hour),
		Sweep: SweepConfig{
			Cron:        getEnv("SWEEP_CRON", "*/10 * * * *"),
			StaleAfter:  getDuration("SWEEP_STALE_AFTER", 15*time.Minute),
			BatchSize:   getInt("SWEEP_BATCH_SIZE", 50),
			Concurrency: getInt("SWEEP_CONCURRENCY", 4),
		},
		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}
