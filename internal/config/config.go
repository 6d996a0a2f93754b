package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMock     = "mock"
	BackendPinecone = "pinecone"
	BackendGemini   = "gemini"
)

type Config struct {
	HTTPPort    string
	DatabaseURL string
	LogLevel    string

	AuthSecret   string
	AuthPassword string

	AssistantBackend      string
	PineconeAPIKey        string
	PineconeAssistantName string
	PineconeBaseURL       string
	PineconeModel         string
	GeminiAPIKey          string
	GeminiModel           string

	GenerateURL   string
	StreamTimeout time.Duration
	TasksFile     string
	DefaultTask   string

	RateLimitRPS   int
	RateLimitBurst int
}

var AppConfig Config

// LoadConfig fills AppConfig from the environment and a .env file, exiting on
// invalid settings.
func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	AppConfig = cfg
}

// Load reads the configuration from the environment only.
func Load() (Config, error) {
	port := getEnv("HTTP_PORT", "8080")
	cfg := Config{
		HTTPPort:    port,
		DatabaseURL: getEnv("DATABASE_URL", "article_assistant.db"),
		LogLevel:    strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),

		AuthSecret:   getEnv("AUTH_SECRET", ""),
		AuthPassword: getEnv("AUTH_PASSWORD", ""),

		AssistantBackend:      strings.ToLower(getEnv("ASSISTANT_BACKEND", BackendMock)),
		PineconeAPIKey:        getEnv("PINECONE_API_KEY", ""),
		PineconeAssistantName: getEnv("PINECONE_ASSISTANT_NAME", ""),
		PineconeBaseURL:       getEnv("PINECONE_BASE_URL", "https://prod-1-data.ke.pinecone.io"),
		PineconeModel:         getEnv("PINECONE_MODEL", "claude-3-5-sonnet"),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiModel:           getEnv("GEMINI_MODEL", "gemini-2.0-flash"),

		GenerateURL:   getEnv("GENERATE_URL", "http://localhost:"+port+"/api/generate"),
		StreamTimeout: time.Duration(getEnvAsInt("STREAM_TIMEOUT_SECONDS", 60)) * time.Second,
		TasksFile:     getEnv("TASKS_FILE", ""),
		DefaultTask:   getEnv("DEFAULT_TASK", "draft-article"),

		RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 10),
	}

	switch cfg.AssistantBackend {
	case BackendMock:
	case BackendPinecone:
		if cfg.PineconeAPIKey == "" || cfg.PineconeAssistantName == "" {
			return Config{}, fmt.Errorf("PINECONE_API_KEY and PINECONE_ASSISTANT_NAME are required for the %s backend", BackendPinecone)
		}
	case BackendGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY is required for the %s backend", BackendGemini)
		}
	default:
		return Config{}, fmt.Errorf("unknown ASSISTANT_BACKEND %q", cfg.AssistantBackend)
	}

	if cfg.StreamTimeout <= 0 {
		return Config{}, fmt.Errorf("STREAM_TIMEOUT_SECONDS must be positive")
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if cfg.AuthSecret == "" {
		log.Println("AUTH_SECRET is empty, authentication is disabled")
	}
	return cfg, nil
}

// Debugf logs only when LOG_LEVEL is DEBUG.
func Debugf(format string, args ...any) {
	if AppConfig.LogLevel == "DEBUG" {
		log.Output(2, fmt.Sprintf("DEBUG "+format, args...))
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
