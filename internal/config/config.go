package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// XbmcDevice describes one Kodi/XBMC JSON-RPC endpoint. Username and
// password are optional and enable HTTP basic auth when both are set.
type XbmcDevice struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// VlcDevice describes one VLC telnet interface endpoint.
type VlcDevice struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password,omitempty"`
}

// Config is the typed, read-only configuration surface. It is populated
// once at startup from an ini file and never mutated afterwards.
type Config struct {
	// [mtproto]
	APIID          int
	APIHash        string
	Token          string
	SessionName    string
	FileFakeFWWait float64

	// [http]
	ListenHost string
	ListenPort int

	// [discovery]
	UpnpEnabled           bool
	UpnpScanTimeout       int
	ChromecastEnabled     bool
	ChromecastScanTimeout int
	XbmcEnabled           bool
	XbmcDevices           []XbmcDevice
	VlcEnabled            bool
	VlcDevices            []VlcDevice
	WebUIEnabled          bool
	WebUIPassword         string
	DeviceRequestTimeout  int
	RequestGoneTimeout    int

	// [bot]
	Admins    []int64
	BlockSize int64
}

// Load reads and validates the configuration file at path. Values may
// reference environment variables with ${VAR} syntax, which keeps secrets
// like api_hash out of the file itself.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	file.ValueMapper = os.ExpandEnv

	c := &Config{}

	mtproto := file.Section("mtproto")
	if c.APIID, err = intKey(mtproto, "api_id"); err != nil {
		return nil, err
	}
	if c.APIHash, err = strKey(mtproto, "api_hash"); err != nil {
		return nil, err
	}
	if c.Token, err = strKey(mtproto, "token"); err != nil {
		return nil, err
	}
	if c.SessionName, err = strKey(mtproto, "session_name"); err != nil {
		return nil, err
	}
	if c.FileFakeFWWait, err = floatKey(mtproto, "file_fake_fw_wait"); err != nil {
		return nil, err
	}

	httpSec := file.Section("http")
	if c.ListenHost, err = strKey(httpSec, "listen_host"); err != nil {
		return nil, err
	}
	if c.ListenPort, err = intKey(httpSec, "listen_port"); err != nil {
		return nil, err
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return nil, fmt.Errorf("config: [http] listen_port out of range: %d", c.ListenPort)
	}

	discovery := file.Section("discovery")
	if c.UpnpEnabled, err = boolKey(discovery, "upnp_enabled"); err != nil {
		return nil, err
	}
	if c.UpnpScanTimeout, err = intKey(discovery, "upnp_scan_timeout"); err != nil {
		return nil, err
	}
	if c.ChromecastEnabled, err = boolKey(discovery, "chromecast_enabled"); err != nil {
		return nil, err
	}
	if c.ChromecastScanTimeout, err = intKey(discovery, "chromecast_scan_timeout"); err != nil {
		return nil, err
	}
	if c.XbmcEnabled, err = boolKey(discovery, "xbmc_enabled"); err != nil {
		return nil, err
	}
	if err = listKey(discovery, "xbmc_devices", &c.XbmcDevices); err != nil {
		return nil, err
	}
	for i, d := range c.XbmcDevices {
		if d.Host == "" || d.Port == 0 {
			return nil, fmt.Errorf("config: [discovery] xbmc_devices[%d] needs host and port", i)
		}
	}
	if c.VlcEnabled, err = boolKey(discovery, "vlc_enabled"); err != nil {
		return nil, err
	}
	if err = listKey(discovery, "vlc_devices", &c.VlcDevices); err != nil {
		return nil, err
	}
	for i, d := range c.VlcDevices {
		if d.Host == "" || d.Port == 0 {
			return nil, fmt.Errorf("config: [discovery] vlc_devices[%d] needs host and port", i)
		}
	}
	if c.WebUIEnabled, err = boolKey(discovery, "web_ui_enabled"); err != nil {
		return nil, err
	}
	if c.WebUIPassword, err = strKey(discovery, "web_ui_password"); err != nil {
		return nil, err
	}
	if c.DeviceRequestTimeout, err = intKey(discovery, "device_request_timeout"); err != nil {
		return nil, err
	}
	if c.RequestGoneTimeout, err = intKey(discovery, "request_gone_timeout"); err != nil {
		return nil, err
	}

	bot := file.Section("bot")
	if err = listKey(bot, "admins", &c.Admins); err != nil {
		return nil, err
	}
	if len(c.Admins) == 0 {
		return nil, fmt.Errorf("config: [bot] admins must be a non-empty list of integers")
	}
	if c.BlockSize, err = int64Key(bot, "block_size"); err != nil {
		return nil, err
	}
	if c.BlockSize <= 0 {
		return nil, fmt.Errorf("config: [bot] block_size must be positive")
	}

	return c, nil
}

func strKey(sec *ini.Section, name string) (string, error) {
	if !sec.HasKey(name) {
		return "", fmt.Errorf("config: [%s] missing key %q", sec.Name(), name)
	}
	v := sec.Key(name).String()
	if v == "" {
		return "", fmt.Errorf("config: [%s] key %q is empty", sec.Name(), name)
	}
	return v, nil
}

func intKey(sec *ini.Section, name string) (int, error) {
	if !sec.HasKey(name) {
		return 0, fmt.Errorf("config: [%s] missing key %q", sec.Name(), name)
	}
	v, err := sec.Key(name).Int()
	if err != nil {
		return 0, fmt.Errorf("config: [%s] key %q is not an integer: %w", sec.Name(), name, err)
	}
	return v, nil
}

func int64Key(sec *ini.Section, name string) (int64, error) {
	if !sec.HasKey(name) {
		return 0, fmt.Errorf("config: [%s] missing key %q", sec.Name(), name)
	}
	v, err := sec.Key(name).Int64()
	if err != nil {
		return 0, fmt.Errorf("config: [%s] key %q is not an integer: %w", sec.Name(), name, err)
	}
	return v, nil
}

func floatKey(sec *ini.Section, name string) (float64, error) {
	if !sec.HasKey(name) {
		return 0, fmt.Errorf("config: [%s] missing key %q", sec.Name(), name)
	}
	v, err := sec.Key(name).Float64()
	if err != nil {
		return 0, fmt.Errorf("config: [%s] key %q is not a number: %w", sec.Name(), name, err)
	}
	return v, nil
}

// boolKey parses the 0|1 integer booleans the config format uses.
func boolKey(sec *ini.Section, name string) (bool, error) {
	v, err := intKey(sec, name)
	if err != nil {
		return false, err
	}
	if v != 0 && v != 1 {
		return false, fmt.Errorf("config: [%s] key %q must be 0 or 1", sec.Name(), name)
	}
	return v == 1, nil
}

// listKey parses a JSON list literal held in a single ini value, e.g.
// admins = [1, 2] or xbmc_devices = [{"host": "10.0.0.5", "port": 8080}].
func listKey(sec *ini.Section, name string, out interface{}) error {
	if !sec.HasKey(name) {
		return fmt.Errorf("config: [%s] missing key %q", sec.Name(), name)
	}
	raw := sec.Key(name).String()
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("config: [%s] key %q is not a valid list: %w", sec.Name(), name, err)
	}
	return nil
}
