package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/logging"
	"olmkit/internal/services/keyrequest"
	"olmkit/internal/store"
)

const (
	configFile = "config.json"
	storeDir   = "store"

	envHome       = "OLMKIT_HOME"
	envKeyServer  = "OLMKIT_KEYSERVER"
	envLogLevel   = "OLMKIT_LOG_LEVEL"
	envPassphrase = "OLMKIT_PASSPHRASE"
)

// Duration is a time.Duration written as a Go duration string in JSON.
type Duration struct{ time.Duration }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// RoomConfig describes a room the CLI may share keys in.
type RoomConfig struct {
	Members          []id.UserID `json:"members"`
	RotationPeriod   Duration    `json:"rotation_period,omitempty"`
	RotationMessages uint32      `json:"rotation_messages,omitempty"`
	OnlyTrusted      bool        `json:"only_trusted,omitempty"`
}

// Config holds runtime wiring options for building the machine.
type Config struct {
	Home      string         `json:"-"`               // config directory, e.g. $HOME/.olmkit
	UserID    id.UserID      `json:"user_id"`         // e.g. @alice:example.org
	DeviceID  id.DeviceID    `json:"device_id"`       // generated on init when empty
	StorePath string         `json:"store,omitempty"` // defaults to <home>/store
	KeyServer string         `json:"key_server"`      // e.g. http://127.0.0.1:8080
	Log       logging.Config `json:"log"`

	KeyForwarding     string   `json:"key_forwarding,omitempty"` // always, never, if_verified
	KeyRequestTimeout Duration `json:"key_request_timeout,omitempty"`
	KeyRequestRetries *int     `json:"key_request_retries,omitempty"` // unset means 3, 0 disables retries
	ClaimBackoff      Duration `json:"claim_backoff,omitempty"`

	Rooms map[id.RoomID]RoomConfig `json:"rooms,omitempty"`

	HTTP *http.Client `json:"-"` // optional; defaults to http.DefaultClient
}

// DefaultHome returns $OLMKIT_HOME or ~/.olmkit.
func DefaultHome() (string, error) {
	if h := os.Getenv(envHome); h != "" {
		return h, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".olmkit"), nil
}

// LoadConfig reads <home>/config.json and applies environment overrides. A
// missing file yields the defaults.
func LoadConfig(home string) (Config, error) {
	cfg := Config{Home: home}
	raw, err := store.ReadFile(filepath.Join(home, configFile))
	if err != nil {
		return Config{}, err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", configFile, err)
		}
	}
	cfg.Home = home
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envKeyServer); v != "" {
		c.KeyServer = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Save writes the config to <home>/config.json.
func (c Config) Save() error {
	if err := os.MkdirAll(c.Home, 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFile(filepath.Join(c.Home, configFile), append(raw, '\n'), 0o600)
}

// Validate reports the first missing or malformed field.
func (c Config) Validate() error {
	if c.Home == "" {
		return errors.New("config: home is required")
	}
	if c.UserID == "" {
		return errors.New("config: user_id is required")
	}
	if _, _, err := c.UserID.Parse(); err != nil {
		return fmt.Errorf("config: user_id: %w", err)
	}
	if c.KeyServer == "" {
		return fmt.Errorf("config: key_server is required (or set %s)", envKeyServer)
	}
	if _, err := keyrequest.ParsePolicy(c.KeyForwarding); err != nil {
		return fmt.Errorf("config: key_forwarding: %w", err)
	}
	if c.KeyRequestRetries != nil && *c.KeyRequestRetries < 0 {
		return errors.New("config: key_request_retries must not be negative")
	}
	return nil
}

// KeyRequests returns the key request settings. Call Validate first.
func (c Config) KeyRequests() keyrequest.Config {
	policy, _ := keyrequest.ParsePolicy(c.KeyForwarding)
	kc := keyrequest.Config{Policy: policy, Timeout: c.KeyRequestTimeout.Duration}
	if c.KeyRequestRetries != nil {
		kc.MaxRetries = *c.KeyRequestRetries
		if kc.MaxRetries == 0 {
			kc.MaxRetries = keyrequest.NoRetries
		}
	}
	return kc
}

// Store returns the badger directory.
func (c Config) Store() string {
	if c.StorePath != "" {
		return c.StorePath
	}
	return filepath.Join(c.Home, storeDir)
}
