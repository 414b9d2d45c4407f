// Package config loads the callhub configuration from command line
// flags, environment variables and an optional YAML file.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process configuration
type Config struct {
	// Runtime settings
	LogLevel string
	FilePath string // Path to the YAML configuration file
	DBPath   string // Path to the account database

	// STUN settings
	STUNServer  string // host:port; empty disables NAT detection
	STUNTimeout time.Duration

	// NATS settings
	NATSURL string // empty disables event publishing

	File File
}

// File is the YAML-file portion of the configuration.
type File struct {
	Manager   string           `yaml:"manager"`
	Codecs    []string         `yaml:"codecs"`
	Media     MediaFile        `yaml:"media"`
	Endpoints []EndpointFile   `yaml:"endpoints"`
	Banks     []BankFile       `yaml:"banks"`
}

// MediaFile holds the run-time media parameters.
type MediaFile struct {
	JitterBufferMS   int  `yaml:"jitter_buffer_ms"`
	EchoCancellation bool `yaml:"echo_cancellation"`
	SilenceDetection bool `yaml:"silence_detection"`
}

// EndpointFile configures one protocol endpoint.
type EndpointFile struct {
	Protocol        string      `yaml:"protocol"`
	ListenInterface string      `yaml:"listen_interface"`
	ListenPort      int         `yaml:"listen_port"`
	FallbackPorts   string      `yaml:"fallback_ports"` // "lo-hi"
	LocalParty      string      `yaml:"local_party"`
	Forward         ForwardFile `yaml:"forward"`
}

// ForwardFile configures the inbound forwarding policy of one endpoint.
type ForwardFile struct {
	UnconditionalURI  string `yaml:"unconditional_uri"`
	ForwardOnBusy     bool   `yaml:"forward_on_busy"`
	BusyURI           string `yaml:"busy_uri"`
	ForwardOnNoAnswer bool   `yaml:"forward_on_no_answer"`
	NoAnswerURI       string `yaml:"no_answer_uri"`
	NoAnswerDelaySecs int    `yaml:"no_answer_delay_secs"`
	RejectDelaySecs   int    `yaml:"reject_delay_secs"`
}

// BankFile configures one account bank.
type BankFile struct {
	Name     string        `yaml:"name"`
	Family   string        `yaml:"family"`
	Accounts []AccountFile `yaml:"accounts"`
}

// AccountFile configures one persisted account.
type AccountFile struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Host        string `yaml:"host"`
	User        string `yaml:"user"`
	AuthUser    string `yaml:"auth_user"`
	Password    string `yaml:"password"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	Enabled     bool   `yaml:"enabled"`
}

// Load loads configuration from command line flags and environment
// variables, then merges the YAML file if one exists at FilePath.
func Load() (*Config, error) {
	cfg := &Config{
		STUNTimeout: 3 * time.Second,
	}

	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.FilePath, "config", "callhub.yaml", "Path to YAML configuration file")
	flag.StringVar(&cfg.DBPath, "db", "callhub.db", "Path to the account database")
	flag.StringVar(&cfg.STUNServer, "stun", "", "STUN server (host:port), empty disables NAT detection")
	flag.StringVar(&cfg.NATSURL, "nats", "", "NATS server URL, empty disables event publishing")
	flag.Parse()

	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		cfg.FilePath = path
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DBPath = path
	}
	if stun := os.Getenv("STUN_SERVER"); stun != "" {
		cfg.STUNServer = stun
	}
	if nats := os.Getenv("NATS_URL"); nats != "" {
		cfg.NATSURL = nats
	}
	if timeout := os.Getenv("STUN_TIMEOUT_SECS"); timeout != "" {
		if secs, err := strconv.Atoi(timeout); err == nil && secs > 0 {
			cfg.STUNTimeout = time.Duration(secs) * time.Second
		}
	}

	file, err := LoadFile(cfg.FilePath)
	if err != nil {
		return nil, err
	}
	cfg.File = *file
	return cfg, nil
}

// LoadFile parses the YAML file at path. A missing file yields the
// defaults rather than an error.
func LoadFile(path string) (*File, error) {
	file := &File{
		Manager: "default",
		Media: MediaFile{
			JitterBufferMS:   200,
			EchoCancellation: true,
			SilenceDetection: true,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if file.Manager == "" {
		file.Manager = "default"
	}
	return file, nil
}

// ParsePortRange parses a "lo-hi" fallback range. An empty string is a
// valid absent range.
func ParsePortRange(s string) (lo, hi int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	if _, err := fmt.Sscanf(s, "%d-%d", &lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q", s)
	}
	return lo, hi, nil
}
