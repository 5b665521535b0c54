package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

const DefaultBrokerURL = "tls://mqtt.spotflow.io:8883"

// Settings holds the agent configuration read from SPOTFLOW_* environment variables.
type Settings struct {
	DeviceID     string `envconfig:"DEVICE_ID" default:""`
	BrokerURL    string `envconfig:"BROKER_URL" default:"tls://mqtt.spotflow.io:8883"`
	Username     string `envconfig:"USERNAME" default:""`
	Password     string `envconfig:"PASSWORD" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"spotflow.db"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"console"`

	MethodQueueCapacity int           `envconfig:"METHOD_QUEUE_CAPACITY" default:"50"`
	LocalPortTimeout    time.Duration `envconfig:"LOCAL_PORT_TIMEOUT" default:"5s"`
	RemoteTimeout       time.Duration `envconfig:"REMOTE_TIMEOUT" default:"20s"`
	AckTimeout          time.Duration `envconfig:"ACK_TIMEOUT" default:"5s"`
	PublishTimeout      time.Duration `envconfig:"PUBLISH_TIMEOUT" default:"5s"`

	// TargetHost is where tunnel target ports are dialed. Empty means
	// resolve from NET_HOST, see ResolveTargetHost.
	TargetHost string `envconfig:"TARGET_HOST" default:""`
}

// Load reads Settings from the environment and fills in derived values.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("SPOTFLOW", &s); err != nil {
		return Settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	if s.MethodQueueCapacity <= 0 {
		return Settings{}, fmt.Errorf("method queue capacity must be positive, got %d", s.MethodQueueCapacity)
	}
	if s.TargetHost == "" {
		s.TargetHost = ResolveTargetHost()
	}
	if s.DeviceID == "" {
		id, err := GetDeviceID()
		if err != nil {
			return Settings{}, err
		}
		s.DeviceID = id
	}
	return s, nil
}

// GetDeviceID returns the device id persisted under ~/.spotflow/id,
// generating and saving a new one on first use.
func GetDeviceID() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return loadOrCreateID(filepath.Join(homeDir, ".spotflow"))
}

func loadOrCreateID(configDir string) (string, error) {
	idFile := filepath.Join(configDir, "id")

	if data, err := os.ReadFile(idFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read id file: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(idFile, []byte(id), 0644); err != nil {
		return "", fmt.Errorf("failed to write id file: %w", err)
	}

	return id, nil
}

// host.docker.internal is not available in Linux
func ResolveTargetHost() string {
	if os.Getenv("NET_HOST") == "false" {
		return "host.docker.internal"
	}
	return "127.0.0.1"
}
