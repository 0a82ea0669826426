package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Web       WebConfig       `yaml:"web"`
	GPS       GPSConfig       `yaml:"gps"`
	Store     StoreConfig     `yaml:"store"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Tracking  TrackingConfig  `yaml:"tracking"`
}

type WebConfig struct {
	Listen string `yaml:"listen" validate:"required"`
}

type GPSConfig struct {
	Enable bool `yaml:"enable"`

	// Source is one of nmea, gpsd, sim, replay.
	Source   string `yaml:"source"`
	GPSDAddr string `yaml:"gpsd_addr" validate:"omitempty,hostname_port"`
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud" validate:"oneof=4800 9600 19200 38400 57600 115200"`

	Sim    SimConfig    `yaml:"sim"`
	Replay ReplayConfig `yaml:"replay"`
}

type SimConfig struct {
	CenterLatDeg float64       `yaml:"center_lat_deg" validate:"latitude"`
	CenterLonDeg float64       `yaml:"center_lon_deg" validate:"longitude"`
	RadiusM      float64       `yaml:"radius_m" validate:"gt=0"`
	Period       time.Duration `yaml:"period" validate:"gt=0"`
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	// Route optionally names a YAML route script; the figure-eight loop is
	// used when empty.
	Route string `yaml:"route"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed" validate:"gt=0"`
	Loop  bool    `yaml:"loop"`
}

type StoreConfig struct {
	// Driver is postgres or memory.
	Driver string `yaml:"driver"`
	// DatabaseURLEnv names the environment variable holding the postgres DSN.
	DatabaseURLEnv string `yaml:"database_url_env"`
	// Seed is an optional JSON file of bus records loaded into the memory store.
	Seed         string `yaml:"seed"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=1"`
}

type MirrorConfig struct {
	Enable  bool     `yaml:"enable"`
	Brokers []string `yaml:"brokers" validate:"dive,hostname_port"`
	Topic   string   `yaml:"topic"`
}

type IndicatorConfig struct {
	Enable bool `yaml:"enable"`
	// Pin is a BCM GPIO number.
	Pin int `yaml:"pin" validate:"gte=0,lte=53"`
}

type ArchiveConfig struct {
	Enable bool         `yaml:"enable"`
	Dir    string       `yaml:"dir"`
	Upload UploadConfig `yaml:"upload"`
}

// UploadConfig points at an S3-compatible bucket. Credentials are read from
// MINIO_ACCESS_KEY and MINIO_SECRET_KEY.
type UploadConfig struct {
	Enable   bool   `yaml:"enable"`
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	UseSSL   bool   `yaml:"use_ssl"`
}

type TrackingConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
	NoticesMax   int           `yaml:"notices_max" validate:"gte=1,lte=10000"`
	// FixTimeout bounds the one-shot position read.
	FixTimeout time.Duration `yaml:"fix_timeout" validate:"gt=0"`
}

var validate = validator.New()

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields and rejects inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}

	cfg.GPS.Source = strings.ToLower(strings.TrimSpace(cfg.GPS.Source))
	if cfg.GPS.Source == "" {
		cfg.GPS.Source = "nmea"
	}
	switch cfg.GPS.Source {
	case "nmea", "gpsd", "sim", "replay":
	default:
		return fmt.Errorf("gps.source must be one of nmea, gpsd, sim, replay")
	}
	if cfg.GPS.Baud == 0 {
		cfg.GPS.Baud = 9600
	}
	if cfg.GPS.Source == "gpsd" && strings.TrimSpace(cfg.GPS.GPSDAddr) == "" {
		cfg.GPS.GPSDAddr = "127.0.0.1:2947"
	}
	if cfg.GPS.Sim.RadiusM <= 0 {
		cfg.GPS.Sim.RadiusM = 800
	}
	if cfg.GPS.Sim.Period <= 0 {
		cfg.GPS.Sim.Period = 10 * time.Minute
	}
	if cfg.GPS.Sim.Interval <= 0 {
		cfg.GPS.Sim.Interval = 1 * time.Second
	}
	if cfg.GPS.Replay.Speed == 0 {
		cfg.GPS.Replay.Speed = 1
	}
	if cfg.GPS.Replay.Speed < 0 {
		return fmt.Errorf("gps.replay.speed must be > 0")
	}
	if cfg.GPS.Enable && cfg.GPS.Source == "replay" && strings.TrimSpace(cfg.GPS.Replay.Path) == "" {
		return fmt.Errorf("gps.replay.path is required when gps.source is 'replay'")
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "postgres"
	}
	switch cfg.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("store.driver must be one of postgres, memory")
	}
	if strings.TrimSpace(cfg.Store.DatabaseURLEnv) == "" {
		cfg.Store.DatabaseURLEnv = "DATABASE_URL"
	}
	if cfg.Store.MaxOpenConns <= 0 {
		cfg.Store.MaxOpenConns = 10
	}

	if cfg.Mirror.Enable {
		if len(cfg.Mirror.Brokers) == 0 {
			return fmt.Errorf("mirror.brokers is required when mirror.enable is true")
		}
		if strings.TrimSpace(cfg.Mirror.Topic) == "" {
			cfg.Mirror.Topic = "bus-positions"
		}
	}

	if cfg.Indicator.Enable && cfg.Indicator.Pin == 0 {
		return fmt.Errorf("indicator.pin is required when indicator.enable is true")
	}

	if cfg.Archive.Enable && strings.TrimSpace(cfg.Archive.Dir) == "" {
		cfg.Archive.Dir = "./tracks"
	}
	if cfg.Archive.Upload.Enable {
		if !cfg.Archive.Enable {
			return fmt.Errorf("archive.upload requires archive.enable")
		}
		if strings.TrimSpace(cfg.Archive.Upload.Endpoint) == "" {
			return fmt.Errorf("archive.upload.endpoint is required when archive.upload.enable is true")
		}
		if strings.TrimSpace(cfg.Archive.Upload.Bucket) == "" {
			return fmt.Errorf("archive.upload.bucket is required when archive.upload.enable is true")
		}
	}

	if cfg.Tracking.WriteTimeout <= 0 {
		cfg.Tracking.WriteTimeout = 5 * time.Second
	}
	if cfg.Tracking.NoticesMax <= 0 {
		cfg.Tracking.NoticesMax = 100
	}
	if cfg.Tracking.FixTimeout <= 0 {
		cfg.Tracking.FixTimeout = 3 * time.Second
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
