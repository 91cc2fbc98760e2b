package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults
const (
	DefaultEndpoint            = "https://api.example.com"
	DefaultWebClientURL        = "https://app.example.com"
	DefaultAPITimeout          = "30s"
	DefaultStorageBackend      = "minio"
	DefaultStorageEndpoint     = "localhost:9000"
	DefaultStorageRegion       = "us-east-1"
	DefaultStorageBucket       = "sperm-videos"
	DefaultCacheControl        = "3600"
	DefaultJobPollInterval     = "2s"
	DefaultJobTimeout          = "5m"
	DefaultDevicePath          = "/dev/video0"
	DefaultDebounceDuration    = "500ms"
	DefaultLogLevel            = "info"
	DefaultLogMaxSizeMB        = 10
	DefaultLogMaxBackups       = 5
	DefaultMaxCaptureSizeGB    = 2.0
	DefaultPruneCheckInterval  = "1m"
	DefaultPruneBatchSize      = 20
	DefaultPruneHighWatermark  = 90
	DefaultPruneLowWatermark   = 70
	DefaultChatModel           = "gpt-4o-mini"
	DefaultChatMaxTokens       = 800
	DefaultChatTemperature     = 0.7
	EnvPrefix                  = "MSCOPE"
	defaultCaptureDirName      = "captures"
	defaultWatchDirName        = "inbox"
	defaultDBName              = "mscope.db"
	defaultLogName             = "mscope.log"
	storageBackendS3           = "s3"
)

// Config is the on-disk configuration (config.json next to the binary).
// Every key can be overridden from the environment, e.g.
// MSCOPE_STORAGE_SECRET_ACCESS_KEY or MSCOPE_JOB_TIMEOUT.
type Config struct {
	Endpoint     string `json:"endpoint" mapstructure:"endpoint"`
	WebClientURL string `json:"web_client_url" mapstructure:"web_client_url"`
	APITimeout   string `json:"api_timeout" mapstructure:"api_timeout"`

	// Identity, written by pairing.
	DeviceID  string `json:"device_id" mapstructure:"device_id"`
	UserID    string `json:"user_id" mapstructure:"user_id"`
	Email     string `json:"email,omitempty" mapstructure:"email"`
	AuthToken string `json:"auth_token" mapstructure:"auth_token"`

	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Job     JobConfig     `json:"job" mapstructure:"job"`
	Capture CaptureConfig `json:"capture" mapstructure:"capture"`
	Chat    ChatConfig    `json:"chat" mapstructure:"chat"`

	WatchPath        string `json:"watch_path" mapstructure:"watch_path"`
	DebounceDuration string `json:"debounce_duration" mapstructure:"debounce_duration"`
	DBPath           string `json:"db_path" mapstructure:"db_path"`

	LogPath       string `json:"log_path" mapstructure:"log_path"`
	LogLevel      string `json:"log_level" mapstructure:"log_level"`
	LogMaxSizeMB  int    `json:"log_max_size_mb" mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `json:"log_max_backups" mapstructure:"log_max_backups"`
	LogCompress   bool   `json:"log_compress" mapstructure:"log_compress"`

	MaxCaptureSizeGB          float64 `json:"max_capture_size_gb" mapstructure:"max_capture_size_gb"`
	PruneCheckInterval        string  `json:"prune_check_interval" mapstructure:"prune_check_interval"`
	PruneBatchSize            int     `json:"prune_batch_size" mapstructure:"prune_batch_size"`
	PruneHighWatermarkPercent int     `json:"prune_high_watermark_percent" mapstructure:"prune_high_watermark_percent"`
	PruneLowWatermarkPercent  int     `json:"prune_low_watermark_percent" mapstructure:"prune_low_watermark_percent"`

	// MetricsAddr enables the Prometheus endpoint in service mode when set.
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
}

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	Backend         string `json:"backend" mapstructure:"backend"` // "minio" or "s3"
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	Region          string `json:"region" mapstructure:"region"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key"`
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	UseSSL          bool   `json:"use_ssl" mapstructure:"use_ssl"`
	PublicBaseURL   string `json:"public_base_url" mapstructure:"public_base_url"`
	CacheControl    string `json:"cache_control" mapstructure:"cache_control"`
}

// UsesS3 reports whether the AWS SDK backend is selected.
func (s StorageConfig) UsesS3() bool {
	return strings.EqualFold(s.Backend, storageBackendS3)
}

// JobConfig tunes how analysis jobs are awaited.
type JobConfig struct {
	PollInterval string `json:"poll_interval" mapstructure:"poll_interval"`
	Timeout      string `json:"timeout" mapstructure:"timeout"`
}

// CaptureConfig describes the capture device and where captures are kept.
type CaptureConfig struct {
	DevicePath   string   `json:"device_path" mapstructure:"device_path"`
	StillCommand []string `json:"still_command" mapstructure:"still_command"`
	StillMime    string   `json:"still_mime" mapstructure:"still_mime"`
	VideoCommand []string `json:"video_command" mapstructure:"video_command"`
	VideoMime    string   `json:"video_mime" mapstructure:"video_mime"`
	Dir          string   `json:"dir" mapstructure:"dir"`
}

// ChatConfig configures the medical information assistant.
type ChatConfig struct {
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	Model       string  `json:"model" mapstructure:"model"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float32 `json:"temperature" mapstructure:"temperature"`
}

func setDefaults(v *viper.Viper, baseDir string) {
	v.SetDefault("endpoint", DefaultEndpoint)
	v.SetDefault("web_client_url", DefaultWebClientURL)
	v.SetDefault("api_timeout", DefaultAPITimeout)
	v.SetDefault("device_id", "")
	v.SetDefault("user_id", "")
	v.SetDefault("email", "")
	v.SetDefault("auth_token", "")

	v.SetDefault("storage.backend", DefaultStorageBackend)
	v.SetDefault("storage.endpoint", DefaultStorageEndpoint)
	v.SetDefault("storage.region", DefaultStorageRegion)
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.bucket", DefaultStorageBucket)
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.cache_control", DefaultCacheControl)

	v.SetDefault("job.poll_interval", DefaultJobPollInterval)
	v.SetDefault("job.timeout", DefaultJobTimeout)

	v.SetDefault("capture.device_path", DefaultDevicePath)
	v.SetDefault("capture.still_command", []string{
		"ffmpeg", "-loglevel", "error", "-f", "v4l2", "-i", "{device}",
		"-frames:v", "1", "-f", "image2", "-c:v", "mjpeg", "pipe:1",
	})
	v.SetDefault("capture.still_mime", "image/jpeg")
	v.SetDefault("capture.video_command", []string{
		"ffmpeg", "-loglevel", "error", "-f", "v4l2", "-i", "{device}",
		"-c:v", "libvpx", "-deadline", "realtime", "-f", "webm", "pipe:1",
	})
	v.SetDefault("capture.video_mime", "video/webm")
	v.SetDefault("capture.dir", filepath.Join(baseDir, defaultCaptureDirName))

	v.SetDefault("chat.api_key", "")
	v.SetDefault("chat.base_url", "")
	v.SetDefault("chat.model", DefaultChatModel)
	v.SetDefault("chat.max_tokens", DefaultChatMaxTokens)
	v.SetDefault("chat.temperature", DefaultChatTemperature)

	v.SetDefault("watch_path", filepath.Join(baseDir, defaultWatchDirName))
	v.SetDefault("debounce_duration", DefaultDebounceDuration)
	v.SetDefault("db_path", filepath.Join(baseDir, defaultDBName))

	v.SetDefault("log_path", filepath.Join(baseDir, defaultLogName))
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_max_size_mb", DefaultLogMaxSizeMB)
	v.SetDefault("log_max_backups", DefaultLogMaxBackups)
	v.SetDefault("log_compress", true)

	v.SetDefault("max_capture_size_gb", DefaultMaxCaptureSizeGB)
	v.SetDefault("prune_check_interval", DefaultPruneCheckInterval)
	v.SetDefault("prune_batch_size", DefaultPruneBatchSize)
	v.SetDefault("prune_high_watermark_percent", DefaultPruneHighWatermark)
	v.SetDefault("prune_low_watermark_percent", DefaultPruneLowWatermark)
	v.SetDefault("metrics_addr", "")
}

// Load reads the config file at path (a missing file is not an error),
// applies environment overrides and resolves relative paths against the
// directory holding the config file.
func Load(path string) (*Config, error) {
	baseDir := filepath.Dir(path)

	v := viper.New()
	setDefaults(v, baseDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.WatchPath = absUnder(baseDir, cfg.WatchPath)
	cfg.DBPath = absUnder(baseDir, cfg.DBPath)
	cfg.LogPath = absUnder(baseDir, cfg.LogPath)
	cfg.Capture.Dir = absUnder(baseDir, cfg.Capture.Dir)

	return cfg, nil
}

func absUnder(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Save writes cfg as indented JSON.
func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}

// Duration parses s, returning def when s is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
