// Package config provides configuration management for rollcall.
// It loads configuration from YAML files with sensible defaults and lets
// ROLLCALL_* environment variables (optionally from a .env file) override
// deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Persistence policies for failed attendance writes.
const (
	PolicyAtMostOnce        = "at_most_once"
	PolicyRetryUntilSuccess = "retry_until_success"
)

// Storage drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Landmark sources for blink liveness.
const (
	LandmarksDlib = "dlib"
	LandmarksONNX = "onnx"
)

// Camera backends.
const (
	BackendOpenCV = "opencv"
	BackendV4L2   = "v4l2"
)

// Config holds all rollcall configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Liveness    LivenessConfig    `yaml:"liveness_detection"`
	Session     SessionConfig     `yaml:"session"`
	Storage     StorageConfig     `yaml:"storage"`
	Audit       AuditConfig       `yaml:"audit"`
	Events      EventsConfig      `yaml:"events"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CameraConfig holds capture device settings.
type CameraConfig struct {
	Backend   string  `yaml:"backend"`
	Device    string  `yaml:"device"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FPS       int     `yaml:"fps"`
	Mirror    bool    `yaml:"mirror"`
	Downscale float64 `yaml:"downscale"`
}

// RecognitionConfig holds face recognition settings.
type RecognitionConfig struct {
	// Tolerance is the maximum embedding distance accepted as a match.
	Tolerance float64 `yaml:"tolerance"`
	ModelPath string  `yaml:"model_path"`
}

// LivenessConfig holds blink liveness settings.
type LivenessConfig struct {
	EARThreshold float64 `yaml:"ear_threshold"`
	// LandmarkSource selects dlib's 68-point shape predictor (loaded with the
	// recognition models) or an ONNX network at LandmarkModel.
	LandmarkSource string `yaml:"landmark_source"`
	LandmarkModel  string `yaml:"landmark_model"`
	LandmarkInput  int    `yaml:"landmark_input_size"`
	Acceleration   string `yaml:"acceleration"`
}

// SessionConfig holds attendance session settings.
type SessionConfig struct {
	PersistencePolicy string        `yaml:"persistence_policy"`
	OverlayDuration   time.Duration `yaml:"overlay_duration"`
	ShowWindow        bool          `yaml:"show_window"`
	WindowTitle       string        `yaml:"window_title"`
}

// StorageConfig holds identity store settings.
type StorageConfig struct {
	Driver            string `yaml:"driver"`
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	MaxHistory        int    `yaml:"max_history"`
	DatabaseURL       string `yaml:"database_url"`
}

// AuditConfig holds audit sink settings.
type AuditConfig struct {
	File string `yaml:"file"`
}

// EventsConfig holds attendance event publishing settings.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MetricsConfig holds the observability HTTP server settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/rollcall")
	return &Config{
		Camera: CameraConfig{
			Backend:   BackendOpenCV,
			Device:    "0",
			Width:     640,
			Height:    480,
			FPS:       30,
			Mirror:    true,
			Downscale: 0.5,
		},
		Recognition: RecognitionConfig{
			Tolerance: 0.6,
			ModelPath: filepath.Join(dataDir, "models"),
		},
		Liveness: LivenessConfig{
			EARThreshold:   0.20,
			LandmarkSource: LandmarksDlib,
			LandmarkModel:  filepath.Join(dataDir, "models", "face_landmarks_68.onnx"),
			LandmarkInput:  112,
			Acceleration:   "auto",
		},
		Session: SessionConfig{
			PersistencePolicy: PolicyAtMostOnce,
			OverlayDuration:   3 * time.Second,
			ShowWindow:        true,
			WindowTitle:       "Liveness Face Attendance",
		},
		Storage: StorageConfig{
			Driver:            DriverFile,
			DataDir:           dataDir,
			EncryptionEnabled: false,
			MaxHistory:        0,
		},
		Audit: AuditConfig{
			File: filepath.Join(dataDir, "attendance.csv"),
		},
		Events: EventsConfig{
			Enabled: false,
			Topic:   "attendance.marked",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "rollcall.log"),
		},
	}
}

// Load loads configuration from the specified file on top of the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/rollcall/rollcall.yaml"); err == nil {
		return Load("/etc/rollcall/rollcall.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/rollcall/rollcall.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ApplyEnv loads envFile (if it exists) and applies ROLLCALL_* overrides.
// A missing env file is not an error.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if v := os.Getenv("ROLLCALL_CAMERA_DEVICE"); v != "" {
		c.Camera.Device = v
	}
	if v := os.Getenv("ROLLCALL_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("ROLLCALL_DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv("ROLLCALL_KAFKA_BROKERS"); v != "" {
		c.Events.Brokers = splitList(v)
		c.Events.Enabled = true
	}
	if v := os.Getenv("ROLLCALL_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("ROLLCALL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Camera.Backend {
	case BackendOpenCV, BackendV4L2:
	default:
		return fmt.Errorf("invalid camera backend: %s (must be opencv or v4l2)", c.Camera.Backend)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}
	if c.Camera.Downscale <= 0 || c.Camera.Downscale > 1 {
		return fmt.Errorf("downscale must be in (0, 1], got %f", c.Camera.Downscale)
	}

	if c.Recognition.Tolerance <= 0 || c.Recognition.Tolerance > 1 {
		return fmt.Errorf("tolerance must be in (0, 1], got %f", c.Recognition.Tolerance)
	}

	if c.Liveness.EARThreshold <= 0 || c.Liveness.EARThreshold >= 1 {
		return fmt.Errorf("ear_threshold must be in (0, 1), got %f", c.Liveness.EARThreshold)
	}
	switch c.Liveness.LandmarkSource {
	case LandmarksDlib:
	case LandmarksONNX:
		if c.Liveness.LandmarkModel == "" {
			return fmt.Errorf("landmark_model is required for the onnx landmark source")
		}
		if c.Liveness.LandmarkInput <= 0 {
			return fmt.Errorf("landmark_input_size must be positive, got %d", c.Liveness.LandmarkInput)
		}
	default:
		return fmt.Errorf("invalid landmark_source: %s (must be %s or %s)",
			c.Liveness.LandmarkSource, LandmarksDlib, LandmarksONNX)
	}

	switch c.Session.PersistencePolicy {
	case PolicyAtMostOnce, PolicyRetryUntilSuccess:
	default:
		return fmt.Errorf("invalid persistence_policy: %s (must be %s or %s)",
			c.Session.PersistencePolicy, PolicyAtMostOnce, PolicyRetryUntilSuccess)
	}
	if c.Session.OverlayDuration < 0 {
		return fmt.Errorf("overlay_duration must not be negative, got %s", c.Session.OverlayDuration)
	}

	switch c.Storage.Driver {
	case DriverFile:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("data_dir is required for the file storage driver")
		}
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres storage driver")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be file or postgres)", c.Storage.Driver)
	}
	if c.Storage.MaxHistory < 0 {
		return fmt.Errorf("max_history must not be negative, got %d", c.Storage.MaxHistory)
	}

	if c.Audit.File == "" {
		return fmt.Errorf("audit file is required")
	}

	if c.Events.Enabled && c.Events.Topic == "" {
		return fmt.Errorf("events topic is required when events are enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Liveness.LandmarkModel = ExpandPath(c.Liveness.LandmarkModel)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Audit.File = ExpandPath(c.Audit.File)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates necessary directories for storage, audit and logging.
func (c *Config) EnsureDirectories() error {
	if c.Storage.Driver == DriverFile {
		if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if err := os.MkdirAll(c.Recognition.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.Audit.File), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}
