package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/facetrace/internal/worker"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Verification backends.
const (
	BackendDeepFace = "deepface"
	BackendDlib     = "dlib"
)

type Config struct {
	Backend    string         `yaml:"backend"`
	Workers    int            `yaml:"workers"`
	CropMargin float64        `yaml:"crop_margin"`
	Locator    LocatorConfig  `yaml:"locator"`
	Worker     worker.Config  `yaml:"worker"`
	Dlib       DlibConfig     `yaml:"dlib"`
	Video      VideoConfig    `yaml:"video"`
	Server     ServerConfig   `yaml:"server"`
	Database   DatabaseConfig `yaml:"-"`
	Log        LogConfig      `yaml:"-"`
}

// LocatorConfig has the same shape as locator.Config and converts to it
// directly; it is duplicated so loading config does not pull in OpenCV.
type LocatorConfig struct {
	CascadePath  string  `yaml:"cascade_path"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	MinNeighbors int     `yaml:"min_neighbors"`
	MinSize      int     `yaml:"min_size"`
	MaxSize      int     `yaml:"max_size"`
	Equalize     bool    `yaml:"equalize"`
}

type DlibConfig struct {
	ModelsDir string  `yaml:"models_dir"`
	Threshold float64 `yaml:"threshold"`
}

type VideoConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	Codec       string `yaml:"codec"`
	Quality     int    `yaml:"quality"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	UploadDir   string `yaml:"upload_dir"`
	StaticDir   string `yaml:"static_dir"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

type DatabaseConfig struct {
	URL string // empty: run history disabled
}

type LogConfig struct {
	Dir   string
	Debug bool
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load builds the configuration from the embedded defaults, the optional YAML
// file named by FACETRACE_CONFIG, then environment variables, in that order.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	if path := os.Getenv("FACETRACE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backend = envString("FACETRACE_BACKEND", c.Backend)
	c.Workers = envInt("FACETRACE_WORKERS", c.Workers)
	c.Locator.CascadePath = envString("FACETRACE_CASCADE", c.Locator.CascadePath)
	c.Worker.Python = envString("FACETRACE_PYTHON", c.Worker.Python)
	c.Worker.Script = envString("FACETRACE_WORKER_SCRIPT", c.Worker.Script)
	c.Worker.Model = envString("FACETRACE_MODEL", c.Worker.Model)
	c.Dlib.ModelsDir = envString("FACETRACE_MODELS", c.Dlib.ModelsDir)
	c.Dlib.Threshold = envFloat("FACETRACE_THRESHOLD", c.Dlib.Threshold)
	c.Video.FFmpegPath = envString("FFMPEG_PATH", c.Video.FFmpegPath)
	c.Video.FFprobePath = envString("FFPROBE_PATH", c.Video.FFprobePath)
	c.Video.Codec = envString("FACETRACE_CODEC", c.Video.Codec)
	c.Server.Port = envInt("PORT", c.Server.Port)
	c.Server.UploadDir = envString("FACETRACE_UPLOAD_DIR", c.Server.UploadDir)
	c.Server.StaticDir = envString("FACETRACE_STATIC_DIR", c.Server.StaticDir)
	c.Server.MaxUploadMB = envInt("FACETRACE_MAX_UPLOAD_MB", c.Server.MaxUploadMB)
	c.Log.Dir = os.Getenv("FACETRACE_LOG_DIR")
	c.Log.Debug = os.Getenv("FACETRACE_DEBUG") == "1" || os.Getenv("FACETRACE_DEBUG") == "true"
	c.Database.URL = DatabaseURL()
}

// DatabaseURL uses DATABASE_URL, or assembles one from the POSTGRES_* variables.
// It returns "" when neither is set.
func DatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendDeepFace:
		if c.Workers < 1 {
			return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
		}
		if c.Worker.Python == "" || c.Worker.Script == "" {
			return fmt.Errorf("worker python and script must be set")
		}
	case BackendDlib:
		if c.Dlib.Threshold <= 0 || c.Dlib.Threshold > 2 {
			return fmt.Errorf("dlib threshold must be in (0, 2], got %v", c.Dlib.Threshold)
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendDeepFace, BackendDlib)
	}
	if c.CropMargin < 0 || c.CropMargin > 1 {
		return fmt.Errorf("crop margin must be between 0 and 1, got %v", c.CropMargin)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Locator.ScaleFactor <= 1 {
		return fmt.Errorf("locator: scale factor must be greater than 1, got %v", c.Locator.ScaleFactor)
	}
	if c.Locator.MinNeighbors < 0 || c.Locator.MinSize < 0 || c.Locator.MaxSize < 0 {
		return fmt.Errorf("locator: neighbors and sizes must not be negative")
	}
	return nil
}
