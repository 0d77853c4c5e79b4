package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "SCRIBBLER"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "scribbler.db"
	defaultLogLevel      = "info"
	defaultDriveBaseURL  = "https://www.googleapis.com/drive/v3"
	defaultUploadBaseURL = "https://www.googleapis.com/upload/drive/v3"
	defaultAppFolder     = "Scribbler"
	defaultWriterBatch   = 25
	defaultWriterBlock   = 5 * time.Second
	defaultWriterClaim   = time.Minute
)

// AppConfig captures runtime configuration for the API server and the
// write-back worker it supervises.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	DriveBaseURL   string
	UploadBaseURL  string
	AppFolderName  string
	WriterDisabled bool
	WriterBatch    int
	WriterBlock    time.Duration
	WriterClaim    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("drive.base_url", defaultDriveBaseURL)
	configViper.SetDefault("drive.upload_url", defaultUploadBaseURL)
	configViper.SetDefault("drive.app_folder", defaultAppFolder)
	configViper.SetDefault("writer.disabled", false)
	configViper.SetDefault("writer.batch", defaultWriterBatch)
	configViper.SetDefault("writer.block", defaultWriterBlock)
	configViper.SetDefault("writer.claim_timeout", defaultWriterClaim)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		DriveBaseURL:   configViper.GetString("drive.base_url"),
		UploadBaseURL:  configViper.GetString("drive.upload_url"),
		AppFolderName:  configViper.GetString("drive.app_folder"),
		WriterDisabled: configViper.GetBool("writer.disabled"),
		WriterBatch:    configViper.GetInt("writer.batch"),
		WriterBlock:    configViper.GetDuration("writer.block"),
		WriterClaim:    configViper.GetDuration("writer.claim_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AppFolderName) == "" {
		return fmt.Errorf("drive.app_folder is required")
	}
	if c.WriterBatch <= 0 {
		return fmt.Errorf("writer.batch must be positive")
	}
	return nil
}
