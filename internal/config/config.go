package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Dedup backends
const (
	DedupMemory   = "memory"
	DedupRedis    = "redis"
	DedupPostgres = "postgres"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	DomainName         string // Base URL for published video and thumbnail URLs

	// Redis
	RedisURL        string
	ProcessingQueue string
	ResultsQueue    string

	// Dedup
	DedupBackend string
	DedupTTL     time.Duration

	// Database (record history, postgres dedup)
	DatabaseURL string

	// Files
	OutputDir string // Composed videos and thumbnails
	TempDir   string // Uploaded participant recordings
	WorkDir   string // Per-job segment scratch space

	// Composition
	OutputFPS          int
	CellWidth          int
	CellHeight         int
	LabelFontSize      int
	LabelFontFile      string
	ThumbnailAtSeconds float64
	MaxTimelineSeconds int // Jobs ending later than this are rejected
	FFmpegPath         string
	FFprobePath        string

	// Supabase (optional; local file serving otherwise)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Logging
	LogLevel  string
	LogPretty bool

	// Uploads
	UploadConcurrency int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "5986"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DomainName:            getEnv("DOMAIN_NAME", "http://localhost:5986"),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		ProcessingQueue:       getEnv("QUEUE_PROCESSING", "processing"),
		ResultsQueue:          getEnv("QUEUE_RESULTS", "results"),
		DedupBackend:          getEnv("DEDUP_BACKEND", DedupMemory),
		DedupTTL:              time.Duration(getEnvInt("DEDUP_TTL_HOURS", 168)) * time.Hour,
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		OutputDir:             getEnv("OUTPUT_DIR", "output_videos"),
		TempDir:               getEnv("TEMP_DIR", "temp"),
		WorkDir:               getEnv("WORK_DIR", "/tmp/meetcomposer"),
		OutputFPS:             getEnvInt("OUTPUT_FPS", 15),
		CellWidth:             getEnvInt("CELL_WIDTH", 640),
		CellHeight:            getEnvInt("CELL_HEIGHT", 480),
		LabelFontSize:         getEnvInt("LABEL_FONT_SIZE", 12),
		LabelFontFile:         getEnv("LABEL_FONT_FILE", ""),
		ThumbnailAtSeconds:    getEnvFloat("THUMBNAIL_AT_SECONDS", 1),
		MaxTimelineSeconds:    getEnvInt("MAX_TIMELINE_SECONDS", 4*60*60),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "meeting-recordings"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogPretty:             getEnvBool("LOG_PRETTY", false),
		UploadConcurrency:     getEnvInt("UPLOAD_CONCURRENCY", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.DedupBackend {
	case DedupMemory, DedupRedis:
	case DedupPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DEDUP_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("DEDUP_BACKEND must be one of memory, redis, postgres (got %q)", c.DedupBackend)
	}

	if c.DedupTTL <= 0 {
		return fmt.Errorf("DEDUP_TTL_HOURS must be positive")
	}

	if c.OutputFPS <= 0 {
		return fmt.Errorf("OUTPUT_FPS must be positive")
	}

	if c.CellWidth <= 0 || c.CellHeight <= 0 || c.CellWidth%2 != 0 || c.CellHeight%2 != 0 {
		return fmt.Errorf("CELL_WIDTH and CELL_HEIGHT must be positive even numbers")
	}

	if c.MaxTimelineSeconds <= 0 {
		return fmt.Errorf("MAX_TIMELINE_SECONDS must be positive")
	}

	if c.UploadConcurrency <= 0 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be positive")
	}

	// Supabase publishing is all or nothing
	if (c.SupabaseURL == "") != (c.SupabaseServiceKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set together")
	}

	return nil
}

// UseSupabase reports whether results are published through Supabase Storage.
func (c *Config) UseSupabase() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}
