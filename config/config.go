package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/usenocturne/synthlink/bluetooth"
)

const (
	BACKEND_BLUEZ = "bluez"
	BACKEND_HCI   = "hci"
)

// Duration is a time.Duration that reads and writes as "3s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type HTTP struct {
	Addr string `json:"addr"`
	// RefreshRate caps POST /screen/refresh per second; RefreshBurst is the
	// bucket size.
	RefreshRate  int `json:"refresh_rate"`
	RefreshBurst int `json:"refresh_burst"`
}

type Bluetooth struct {
	Backend        string   `json:"backend"`
	Adapter        string   `json:"adapter"`
	Peer           string   `json:"peer"`
	ScanTimeout    Duration `json:"scan_timeout"`
	ReconnectDelay Duration `json:"reconnect_delay"`
	AutoReconnect  bool     `json:"auto_reconnect"`
	ConnectLast    bool     `json:"connect_last"`
}

type Store struct {
	// Path of the SQLite database. Empty disables peer memory.
	Path string `json:"path"`
}

type Log struct {
	Level       string `json:"level"`
	File        string `json:"file"`
	Development bool   `json:"development"`
}

type Config struct {
	HTTP      HTTP      `json:"http"`
	Bluetooth Bluetooth `json:"bluetooth"`
	Store     Store     `json:"store"`
	Log       Log       `json:"log"`
}

func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:         ":5000",
			RefreshRate:  4,
			RefreshBurst: 2,
		},
		Bluetooth: Bluetooth{
			Backend:        BACKEND_BLUEZ,
			Adapter:        "hci0",
			ScanTimeout:    Duration(bluetooth.DefaultScanTimeout),
			ReconnectDelay: Duration(bluetooth.DefaultReconnectDelay),
			AutoReconnect:  true,
			ConnectLast:    true,
		},
		Store: Store{Path: "/var/synthlink/synthlink.db"},
		Log:   Log{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults;
// fields absent from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.RefreshRate <= 0 || c.HTTP.RefreshBurst <= 0 {
		errs = append(errs, errors.New("http.refresh_rate and http.refresh_burst must be positive"))
	}
	switch c.Bluetooth.Backend {
	case BACKEND_BLUEZ, BACKEND_HCI:
	default:
		errs = append(errs, fmt.Errorf("bluetooth.backend %q must be %q or %q", c.Bluetooth.Backend, BACKEND_BLUEZ, BACKEND_HCI))
	}
	if c.Bluetooth.Backend == BACKEND_BLUEZ && c.Bluetooth.Adapter == "" {
		errs = append(errs, errors.New("bluetooth.adapter is required for the bluez backend"))
	}
	if c.Bluetooth.ScanTimeout <= 0 {
		errs = append(errs, errors.New("bluetooth.scan_timeout must be positive"))
	}
	if c.Bluetooth.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("bluetooth.reconnect_delay must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	return errors.Join(errs...)
}
