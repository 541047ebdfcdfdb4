package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every environment variable read by LoadConfig
const EnvPrefix = "FCPD"

// Config holds the configuration for the bridge
type Config struct {
	// ListenAddress is where the bridge server waits for Pure-Data to dial in
	ListenAddress string `envconfig:"LISTEN_ADDRESS" default:"localhost:8888"`

	// PdPath is the Pure-Data executable, looked up in PATH when not absolute
	PdPath string `envconfig:"PD_PATH" default:"pd"`

	// PdLibDir holds the bridge's Pure-Data abstractions and client templates
	PdLibDir string `envconfig:"PD_LIB_DIR"`

	// PdDefaultPort is the port Pure-Data listens on for the dial-back channel
	PdDefaultPort int `envconfig:"PD_DEFAULT_PORT" default:"8889"`

	// AllowRaw adds the raw-message abstractions to the Pure-Data search path
	AllowRaw bool `envconfig:"ALLOW_RAW" default:"false"`

	// PollInterval is the liveness poll interval for the child process
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`

	// GracePeriod is how long a terminated child may take before it is killed
	GracePeriod time.Duration `envconfig:"GRACE_PERIOD" default:"3s"`

	// ControlAddress is the address of the HTTP control API
	ControlAddress string `envconfig:"CONTROL_ADDRESS" default:"localhost:8642"`

	// GRPCAddress is the address of the gRPC health service, empty disables it
	GRPCAddress string `envconfig:"GRPC_ADDRESS"`

	// TLS settings of the gRPC health service
	TLSEnabled  bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCertFile string `envconfig:"TLS_CERT_FILE"`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE"`

	// StoreDriver selects the document persister: "yaml" or "sqlite"
	StoreDriver string `envconfig:"STORE_DRIVER" default:"yaml"`

	// StorePath is the directory holding the YAML documents or the SQLite database
	StorePath string `envconfig:"STORE_PATH"`

	// Document is the name of the host document the includes belong to
	Document string `envconfig:"DOCUMENT" default:"Unnamed"`

	// EditDir is where include edit sessions put their temporary patches
	EditDir string `envconfig:"EDIT_DIR"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"auto"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:  "localhost:8888",
		PdPath:         "pd",
		PdDefaultPort:  8889,
		PollInterval:   time.Second,
		GracePeriod:    3 * time.Second,
		ControlAddress: "localhost:8642",
		StoreDriver:    "yaml",
		StorePath:      defaultStorePath(),
		Document:       "Unnamed",
		EditDir:        filepath.Join(os.TempDir(), "fcpd-edit"),
		LogLevel:       "info",
		LogFormat:      "auto",
	}
}

// LoadConfig reads FCPD_* environment variables over the defaults
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if cfg.StorePath == "" {
		cfg.StorePath = defaultStorePath()
	}
	if cfg.EditDir == "" {
		cfg.EditDir = filepath.Join(os.TempDir(), "fcpd-edit")
	}
	return cfg, nil
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "fcpd", "documents")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.PdPath == "" {
		return fmt.Errorf("Pure-Data executable path is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive")
	}
	if c.ControlAddress == "" {
		return fmt.Errorf("control address is required")
	}
	switch c.StoreDriver {
	case "yaml", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Document == "" {
		return fmt.Errorf("document name is required")
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("TLS requires both a certificate and a key file")
	}
	return nil
}
