package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultUploadsSubDir = "uploads"
	DefaultResultsSubDir = "results"
)

const (
	defaultAPIBaseURL       = "https://sdbe.replit.app"
	defaultWorkflowName     = "lastnurses_api"
	defaultPollInterval     = 10 * time.Second
	defaultHTTPTimeout      = 30 * time.Second
	defaultMaxResponseBytes = 64 * 1024 * 1024
	defaultMaxUploadBytes   = 10 * 1024 * 1024
	defaultJPEGQuality      = 90
	defaultMaxSurfacePixels = 64 * 1024 * 1024
	defaultThumbnailMaxSize = 300
)

type Config struct {
	Port string

	// database path (key/value store and local job log)
	DatabasePath string

	// media storage configuration
	MediaStoragePath string // primary root for uploads and archived results
	UploadsPath      string // full-calculated path for normalized uploads
	ResultsPath      string // full-calculated path for archived outputs

	// remote transformation service
	APIBaseURL   string
	WorkflowName string
	PollInterval time.Duration
	HTTPTimeout  time.Duration

	// cap on remote response bodies; job status may inline the output image
	MaxResponseBytes int64

	// ingest settings
	MaxUploadBytes   int64
	JPEGQuality      int
	MaxSurfacePixels int
	ThumbnailMaxSize int

	AllowedOrigins []string

	// optional object storage for archived results, disabled when bucket is empty
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	S3AccessKeyID     string
	S3SecretAccessKey string
}

func positiveIntOrDefault(v *viper.Viper, key string, defaultVal int) int {
	val := v.GetInt(key)
	if val <= 0 {
		if raw := v.GetString(key); raw != "" && raw != fmt.Sprint(defaultVal) {
			log.Printf("Warning: Invalid %s '%s'. Using default %d.", key, raw, defaultVal)
		}
		return defaultVal
	}
	return val
}

func durationOrDefault(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	val := v.GetDuration(key)
	if val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %s.", key, v.GetString(key), defaultVal)
		return defaultVal
	}
	return val
}

func LoadConfig() (Config, error) {
	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_PATH", "lastnurses.db")
	v.SetDefault("MEDIA_STORAGE_PATH", filepath.Join(".", "media_storage"))
	v.SetDefault("UPLOADS_SUBDIR", DefaultUploadsSubDir)
	v.SetDefault("RESULTS_SUBDIR", DefaultResultsSubDir)
	v.SetDefault("API_BASE_URL", defaultAPIBaseURL)
	v.SetDefault("WORKFLOW_NAME", defaultWorkflowName)
	v.SetDefault("POLL_INTERVAL", defaultPollInterval.String())
	v.SetDefault("HTTP_TIMEOUT", defaultHTTPTimeout.String())
	v.SetDefault("MAX_UPLOAD_BYTES", defaultMaxUploadBytes)
	v.SetDefault("MAX_RESPONSE_BYTES", defaultMaxResponseBytes)
	v.SetDefault("JPEG_QUALITY", defaultJPEGQuality)
	v.SetDefault("MAX_SURFACE_PIXELS", defaultMaxSurfacePixels)
	v.SetDefault("THUMBNAIL_MAX_SIZE", defaultThumbnailMaxSize)
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173")
	v.SetDefault("S3_REGION", "us-east-1")
	v.AutomaticEnv()

	mediaStorage := v.GetString("MEDIA_STORAGE_PATH")
	absMediaStorage, err := filepath.Abs(mediaStorage)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for media storage '%s': %w", mediaStorage, err)
	}

	baseURL := strings.TrimRight(v.GetString("API_BASE_URL"), "/")
	if baseURL == "" {
		return Config{}, fmt.Errorf("API_BASE_URL must not be empty")
	}

	quality := positiveIntOrDefault(v, "JPEG_QUALITY", defaultJPEGQuality)
	if quality > 100 {
		log.Printf("Warning: JPEG_QUALITY %d above 100. Using default %d.", quality, defaultJPEGQuality)
		quality = defaultJPEGQuality
	}

	var origins []string
	for _, o := range strings.Split(v.GetString("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	cfg := Config{
		Port:             v.GetString("PORT"),
		DatabasePath:     v.GetString("DATABASE_PATH"),
		MediaStoragePath: absMediaStorage,
		UploadsPath:      filepath.Join(absMediaStorage, v.GetString("UPLOADS_SUBDIR")),
		ResultsPath:      filepath.Join(absMediaStorage, v.GetString("RESULTS_SUBDIR")),
		APIBaseURL:       baseURL,
		WorkflowName:     v.GetString("WORKFLOW_NAME"),
		PollInterval:     durationOrDefault(v, "POLL_INTERVAL", defaultPollInterval),
		HTTPTimeout:      durationOrDefault(v, "HTTP_TIMEOUT", defaultHTTPTimeout),
		MaxResponseBytes: int64(positiveIntOrDefault(v, "MAX_RESPONSE_BYTES", defaultMaxResponseBytes)),
		MaxUploadBytes:   int64(positiveIntOrDefault(v, "MAX_UPLOAD_BYTES", defaultMaxUploadBytes)),
		JPEGQuality:      quality,
		MaxSurfacePixels: positiveIntOrDefault(v, "MAX_SURFACE_PIXELS", defaultMaxSurfacePixels),
		ThumbnailMaxSize: positiveIntOrDefault(v, "THUMBNAIL_MAX_SIZE", defaultThumbnailMaxSize),
		AllowedOrigins:   origins,
		S3Bucket:         v.GetString("S3_BUCKET"),
		S3Region:         v.GetString("S3_REGION"),
		S3Endpoint:       v.GetString("S3_ENDPOINT"),
		S3Prefix:         v.GetString("S3_PREFIX"),

		S3AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
	}

	return cfg, nil
}
