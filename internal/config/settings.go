package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Settings struct {
	AppPort       string
	AppEnv        string
	UploadDir     string
	MaxUploadSize int64
	RateLimit     float64
	RateBurst     int

	StorageBackend    string
	SQLitePath        string
	PostgresDSN       string
	DynamoTable       string
	DynamoCreateTable bool

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
	S3Bucket           string

	SQSQueueURL           string
	SQSDeadLetterQueueURL string
	SQSWaitTimeSeconds    int64
	SQSVisibilityTimeout  int64
	SQSMaxReceiveCount    int
	SQSTempDir            string

	DedupBackend    string
	DedupTTL        time.Duration
	DedupMaxEntries int
	RedisAddress    string
	RedisPassword   string
	RedisDB         int

	InferenceURL     string
	InferenceTimeout time.Duration
	InferenceWorkers int64
	CallbackTimeout  time.Duration
}

// Load reads .env when present and fills Settings from the environment.
func Load(log *logrus.Logger) *Settings {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Could not load .env file: %v", err)
	}

	return &Settings{
		AppPort:       getEnv("APP_PORT", "8080"),
		AppEnv:        getEnv("APP_ENV", "development"),
		UploadDir:     getEnv("UPLOAD_DIR", "uploads"),
		MaxUploadSize: int64(getEnvInt("MAX_UPLOAD_SIZE", 10*1024*1024)),
		RateLimit:     getEnvFloat("RATE_LIMIT", 50),
		RateBurst:     getEnvInt("RATE_BURST", 100),

		StorageBackend:    getEnv("STORAGE_BACKEND", "sqlite"),
		SQLitePath:        getEnv("SQLITE_PATH", "predictions.db"),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
		DynamoTable:       getEnv("DYNAMODB_TABLE", "YoloPredictions"),
		DynamoCreateTable: getEnvBool("DYNAMODB_CREATE_TABLE", true),

		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpoint:        getEnv("AWS_ENDPOINT", ""),
		S3Bucket:           getEnv("S3_BUCKET", ""),

		SQSQueueURL:           getEnv("SQS_QUEUE_URL", ""),
		SQSDeadLetterQueueURL: getEnv("SQS_DEAD_LETTER_QUEUE_URL", ""),
		SQSWaitTimeSeconds:    int64(getEnvInt("SQS_WAIT_TIME_SECONDS", 20)),
		SQSVisibilityTimeout:  int64(getEnvInt("SQS_VISIBILITY_TIMEOUT", 60)),
		SQSMaxReceiveCount:    getEnvInt("SQS_MAX_RECEIVE_COUNT", 5),
		SQSTempDir:            getEnv("SQS_TEMP_DIR", ""),

		DedupBackend:    getEnv("DEDUP_BACKEND", "memory"),
		DedupTTL:        getEnvDuration("DEDUP_TTL", time.Hour),
		DedupMaxEntries: getEnvInt("DEDUP_MAX_ENTRIES", 10000),
		RedisAddress:    getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),

		InferenceURL:     getEnv("INFERENCE_URL", "http://localhost:5000/detect"),
		InferenceTimeout: getEnvDuration("INFERENCE_TIMEOUT", 60*time.Second),
		InferenceWorkers: int64(getEnvInt("INFERENCE_WORKERS", 1)),
		CallbackTimeout:  getEnvDuration("CALLBACK_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key string, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return d
}
