package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// Database configuration
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Encoder settings
	Transcode TranscodeConfig `yaml:"transcode" json:"transcode"`

	// Job loop settings
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Scanner configuration
	Scanner ScannerConfig `yaml:"scanner" json:"scanner"`

	// Poster images
	Assets AssetConfig `yaml:"assets" json:"assets"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds the HTTP query surface configuration
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" env:"VIDEORY_HTTP" default:"true"`
	Host         string        `yaml:"host" json:"host" env:"VIDEORY_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" json:"port" env:"PORT" default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"VIDEORY_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"VIDEORY_WRITE_TIMEOUT" default:"30s"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors" env:"VIDEORY_ENABLE_CORS" default:"true"`
}

// DatabaseConfig selects and tunes the catalog store
type DatabaseConfig struct {
	Type            string        `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	URL             string        `yaml:"url" json:"url" env:"DATABASE_URL"`
	Host            string        `yaml:"host" json:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port            int           `yaml:"port" json:"port" env:"POSTGRES_PORT" default:"5432"`
	Username        string        `yaml:"username" json:"username" env:"POSTGRES_USER" default:"videory"`
	Password        string        `yaml:"password" json:"-" env:"POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" json:"database" env:"POSTGRES_DB" default:"videory"`
	DataDir         string        `yaml:"data_dir" json:"data_dir" env:"VIDEORY_DATA_DIR" default:"./data"`
	DatabasePath    string        `yaml:"database_path" json:"database_path" env:"VIDEORY_DATABASE_PATH"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"2h"`
	LogQueries      bool          `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// TranscodeConfig holds encoder settings
type TranscodeConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path" json:"ffmpeg_path" env:"FFMPEG_PATH" default:"ffmpeg"`
	FFprobePath string `yaml:"ffprobe_path" json:"ffprobe_path" env:"FFPROBE_PATH" default:"ffprobe"`
	Codec       string `yaml:"codec" json:"codec" env:"CODEC" default:"libx264"`
	CRF         int    `yaml:"crf" json:"crf" env:"CRF" default:"22"`
	Preset      string `yaml:"preset" json:"preset" env:"PRESET" default:"medium"`
	Bitrate     string `yaml:"bitrate" json:"bitrate" env:"VIDEORY_BITRATE"`
	AudioCodec  string `yaml:"audio_codec" json:"audio_codec" env:"VIDEORY_AUDIO_CODEC" default:"aac"`
	OutputDir   string `yaml:"output_dir" json:"output_dir" env:"VIDEORY_OUTPUT_DIR"`
}

// SchedulerConfig holds job loop settings
type SchedulerConfig struct {
	BatchSize          int           `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE" default:"4"`
	PollInterval       time.Duration `yaml:"poll_interval" json:"poll_interval" env:"POLL_INTERVAL" default:"10s"`
	AllowVersions      bool          `yaml:"allow_versions" json:"allow_versions" env:"ALLOW_VERSIONS" default:"false"`
	MaxVersionAttempts int           `yaml:"max_version_attempts" json:"max_version_attempts" env:"VIDEORY_MAX_VERSION_ATTEMPTS" default:"100"`
	MinFreeDiskMB      uint64        `yaml:"min_free_disk_mb" json:"min_free_disk_mb" env:"VIDEORY_MIN_FREE_DISK_MB" default:"1024"`
}

// ScannerConfig holds crawl and watch configuration
type ScannerConfig struct {
	InputDirs      []string      `yaml:"input_dirs" json:"input_dirs" env:"VIDEORY_INPUT_DIRS"`
	Extensions     []string      `yaml:"extensions" json:"extensions" env:"VIDEORY_EXTENSIONS" default:".mp4,.mov"`
	IgnorePatterns []string      `yaml:"ignore_patterns" json:"ignore_patterns" env:"VIDEORY_IGNORE_PATTERNS" default:"_.*"`
	MaxDepth       int           `yaml:"max_depth" json:"max_depth" env:"VIDEORY_MAX_DEPTH" default:"10"`
	Workers        int           `yaml:"workers" json:"workers" env:"VIDEORY_SCAN_WORKERS" default:"2"`
	Watch          bool          `yaml:"watch" json:"watch" env:"VIDEORY_WATCH" default:"false"`
	WatchDebounce  time.Duration `yaml:"watch_debounce" json:"watch_debounce" env:"VIDEORY_WATCH_DEBOUNCE" default:"2s"`
}

// AssetConfig holds poster image configuration
type AssetConfig struct {
	Posters     bool          `yaml:"posters" json:"posters" env:"VIDEORY_POSTERS" default:"false"`
	Dir         string        `yaml:"dir" json:"dir" env:"VIDEORY_ASSETS_DIR"`
	Quality     int           `yaml:"quality" json:"quality" env:"VIDEORY_POSTER_QUALITY" default:"80"`
	Width       int           `yaml:"width" json:"width" env:"VIDEORY_POSTER_WIDTH" default:"640"`
	FrameOffset time.Duration `yaml:"frame_offset" json:"frame_offset" env:"VIDEORY_POSTER_OFFSET" default:"10s"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" json:"level" env:"VIDEORY_LOG_LEVEL" default:"info"`
	Format       string `yaml:"format" json:"format" env:"VIDEORY_LOG_FORMAT" default:"text"`
	EnableColors bool   `yaml:"enable_colors" json:"enable_colors" env:"VIDEORY_LOG_COLORS" default:"true"`
}

// Override mutates a freshly loaded configuration before validation.
// Command line flags are applied this way.
type Override func(*Config)

// ConfigManager owns the process configuration
type ConfigManager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

var (
	globalConfigManager *ConfigManager
	configOnce          sync.Once
)

// GetConfigManager returns the global configuration manager instance
func GetConfigManager() *ConfigManager {
	configOnce.Do(func() {
		globalConfigManager = NewConfigManager()
	})
	return globalConfigManager
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() *ConfigManager {
	return &ConfigManager{config: DefaultConfig()}
}

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   true,
		},
		Database: DatabaseConfig{
			Type:            "sqlite",
			Host:            "localhost",
			Port:            5432,
			Username:        "videory",
			Database:        "videory",
			DataDir:         "./data",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 2 * time.Hour,
		},
		Transcode: TranscodeConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			Codec:       "libx264",
			CRF:         22,
			Preset:      "medium",
			AudioCodec:  "aac",
		},
		Scheduler: SchedulerConfig{
			BatchSize:          4,
			PollInterval:       10 * time.Second,
			MaxVersionAttempts: 100,
			MinFreeDiskMB:      1024,
		},
		Scanner: ScannerConfig{
			Extensions:     []string{".mp4", ".mov"},
			IgnorePatterns: []string{"_.*"},
			MaxDepth:       10,
			Workers:        2,
			WatchDebounce:  2 * time.Second,
		},
		Assets: AssetConfig{
			Quality:     80,
			Width:       640,
			FrameOffset: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "text",
			EnableColors: true,
		},
	}
}

// LoadConfig builds a configuration from defaults, the optional file, the
// environment and the overrides, in that order, then validates it.
func (cm *ConfigManager) LoadConfig(configPath string, overrides ...Override) error {
	newConfig := DefaultConfig()

	if configPath != "" {
		if !fileExists(configPath) {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		if err := loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem()); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	for _, override := range overrides {
		override(newConfig)
	}

	applyDerivedConfig(newConfig)

	if err := validateConfig(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.mu.Lock()
	cm.config = newConfig
	cm.configPath = configPath
	cm.mu.Unlock()
	return nil
}

// GetConfig returns a copy of the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	return &configCopy
}

// ConfigPath returns the file the configuration was loaded from, if any
func (cm *ConfigManager) ConfigPath() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.configPath
}

func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// loadStructFromEnv only applies variables that are set. Defaults live in
// DefaultConfig so values from the config file survive.
func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue, ok := os.LookupEnv(envTag)
		if !ok || strings.TrimSpace(envValue) == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	value = strings.TrimSpace(value)

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := parseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		uintVal, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(uintVal)
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %v", field.Type())
		}
		var values []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		field.Set(reflect.ValueOf(values))
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}

// parseDuration accepts Go durations. Bare numbers are milliseconds.
func parseDuration(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

func validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Type != "sqlite" && config.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", config.Database.Type)
	}

	if len(config.Scanner.InputDirs) == 0 {
		return fmt.Errorf("at least one input directory is required")
	}

	if config.Transcode.Codec == "" || config.Transcode.Preset == "" {
		return fmt.Errorf("codec and preset are required")
	}

	if config.Transcode.CRF < 0 || config.Transcode.CRF > 63 {
		return fmt.Errorf("invalid crf: %d", config.Transcode.CRF)
	}

	if config.Scheduler.BatchSize < 1 {
		return fmt.Errorf("invalid batch size: %d", config.Scheduler.BatchSize)
	}

	if config.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %s", config.Scheduler.PollInterval)
	}

	if config.Scheduler.MaxVersionAttempts < 2 {
		return fmt.Errorf("invalid max version attempts: %d", config.Scheduler.MaxVersionAttempts)
	}

	if config.Scanner.MaxDepth < 1 {
		return fmt.Errorf("invalid max depth: %d", config.Scanner.MaxDepth)
	}
	if config.Scanner.Workers < 1 {
		return fmt.Errorf("invalid scan workers: %d", config.Scanner.Workers)
	}

	if config.Assets.Quality < 1 || config.Assets.Quality > 100 {
		return fmt.Errorf("invalid poster quality: %d", config.Assets.Quality)
	}

	return nil
}

func applyDerivedConfig(config *Config) {
	if config.Database.DatabasePath == "" && config.Database.Type == "sqlite" {
		config.Database.DatabasePath = filepath.Join(config.Database.DataDir, "videory.db")
	}

	if config.Assets.Dir == "" {
		config.Assets.Dir = filepath.Join(config.Database.DataDir, "posters")
	}

	// Encodes land beside the sources unless told otherwise
	if config.Transcode.OutputDir == "" && len(config.Scanner.InputDirs) > 0 {
		config.Transcode.OutputDir = config.Scanner.InputDirs[0]
	}

	for i, ext := range config.Scanner.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		config.Scanner.Extensions[i] = ext
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Get returns the current global configuration
func Get() *Config {
	return GetConfigManager().GetConfig()
}

// Load loads the global configuration
func Load(configPath string, overrides ...Override) error {
	return GetConfigManager().LoadConfig(configPath, overrides...)
}
