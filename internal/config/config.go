package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads an optional .env file into the environment. Variables already
// set in the environment win.
func Load() {
	_ = godotenv.Load()
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func GetBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

// GetList splits a comma separated variable, e.g. a broker list.
func GetList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(GetEnv(key, defaultValue), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type Log struct {
	Level string
	Dev   bool
}

func loadLog() Log {
	return Log{
		Level: GetEnv("LOG_LEVEL", "info"),
		Dev:   GetBool("LOG_DEV", false),
	}
}

type Postgres struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

// Terminal configures cmd/pos-terminal. BackendTransport picks how the
// terminal reaches the sales service: "grpc" or "http".
type Terminal struct {
	HTTPPort         string
	BackendTransport string
	BackendURL       string
	BackendGRPCAddr  string
	BackendTimeout  time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	Log             Log
}

func LoadTerminal() *Terminal {
	return &Terminal{
		HTTPPort:         GetEnv("HTTP_PORT", "8081"),
		BackendTransport: strings.ToLower(GetEnv("SALES_SERVICE_TRANSPORT", TransportGRPC)),
		BackendURL:       GetEnv("SALES_SERVICE_URL", "http://localhost:8080"),
		BackendGRPCAddr:  GetEnv("SALES_SERVICE_GRPC_ADDR", "localhost:9090"),
		BackendTimeout:   GetDuration("SALES_SERVICE_TIMEOUT", 10*time.Second),
		RequestTimeout:   GetDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout:  GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Log:              loadLog(),
	}
}

// Sales configures cmd/sales-service.
type Sales struct {
	HTTPPort        string
	GRPCPort        string
	Postgres        Postgres
	RedisAddr       string
	RedisPassword   string
	KafkaBrokers    []string
	KafkaTopic      string
	OutboxInterval  time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	Log             Log
}

func LoadSales() *Sales {
	return &Sales{
		HTTPPort: GetEnv("HTTP_PORT", "8080"),
		GRPCPort: GetEnv("GRPC_PORT", "9090"),
		Postgres: Postgres{
			Host:              GetEnv("POSTGRES_HOST", "localhost"),
			Port:              GetInt("POSTGRES_PORT", 5432),
			User:              GetEnv("POSTGRES_USER", "postgres"),
			Password:          GetEnv("POSTGRES_PASSWORD", "postgres"),
			DBName:            GetEnv("POSTGRES_DB", "libreria"),
			MigrationsDirPath: GetEnv("MIGRATIONS_DIR", "internal/store/migrations"),
		},
		RedisAddr:       GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   GetEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:    GetList("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:      GetEnv("KAFKA_TOPIC", "pos-sales"),
		OutboxInterval:  GetDuration("OUTBOX_INTERVAL", time.Second),
		RequestTimeout:  GetDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Log:             loadLog(),
	}
}

// Audit configures cmd/audit-service.
type Audit struct {
	HTTPPort        string
	MongoURI        string
	MongoDB         string
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string
	ShutdownTimeout time.Duration
	Log             Log
}

func LoadAudit() *Audit {
	return &Audit{
		HTTPPort:        GetEnv("HTTP_PORT", "8082"),
		MongoURI:        GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:         GetEnv("MONGO_DB", "libreria"),
		KafkaBrokers:    GetList("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:      GetEnv("KAFKA_TOPIC", "pos-sales"),
		KafkaGroupID:    GetEnv("KAFKA_GROUP_ID", "audit-service"),
		ShutdownTimeout: GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Log:             loadLog(),
	}
}
