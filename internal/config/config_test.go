package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `[mtproto]
api_id = 12345
api_hash = 0123456789abcdef
token = 12345:AAbbCCdd
session_name = bridge
file_fake_fw_wait = 0.2

[http]
listen_host = 127.0.0.1
listen_port = 8080

[discovery]
upnp_enabled = 1
upnp_scan_timeout = 3
chromecast_enabled = 0
chromecast_scan_timeout = 5
xbmc_enabled = 1
xbmc_devices = [{"host": "10.0.0.5", "port": 8080, "username": "kodi", "password": "pw"}]
vlc_enabled = 1
vlc_devices = [{"host": "127.0.0.1", "port": 4212}]
web_ui_enabled = 1
web_ui_password = secret
device_request_timeout = 10
request_gone_timeout = 30

[bot]
admins = [1, 2]
block_size = 1048576
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if c.APIID != 12345 {
		t.Errorf("APIID = %d, want 12345", c.APIID)
	}
	if c.SessionName != "bridge" {
		t.Errorf("SessionName = %q, want %q", c.SessionName, "bridge")
	}
	if c.FileFakeFWWait != 0.2 {
		t.Errorf("FileFakeFWWait = %v, want 0.2", c.FileFakeFWWait)
	}
	if c.ListenPort != 8080 {
		t.Errorf("ListenPort = %d, want 8080", c.ListenPort)
	}
	if !c.UpnpEnabled || c.ChromecastEnabled {
		t.Errorf("enabled flags = upnp %v chromecast %v, want true false", c.UpnpEnabled, c.ChromecastEnabled)
	}
	if len(c.XbmcDevices) != 1 || c.XbmcDevices[0].Username != "kodi" {
		t.Errorf("XbmcDevices = %+v, want one device with username kodi", c.XbmcDevices)
	}
	if len(c.VlcDevices) != 1 || c.VlcDevices[0].Port != 4212 {
		t.Errorf("VlcDevices = %+v, want one device on port 4212", c.VlcDevices)
	}
	if len(c.Admins) != 2 || c.Admins[0] != 1 || c.Admins[1] != 2 {
		t.Errorf("Admins = %v, want [1 2]", c.Admins)
	}
	if c.BlockSize != 1048576 {
		t.Errorf("BlockSize = %d, want 1048576", c.BlockSize)
	}
}

func TestLoadExpandsEnvValues(t *testing.T) {
	t.Setenv("BRIDGE_API_HASH", "cafebabe")
	contents := strings.Replace(validConfig, "api_hash = 0123456789abcdef", "api_hash = ${BRIDGE_API_HASH}", 1)

	c, err := Load(writeConfig(t, contents))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.APIHash != "cafebabe" {
		t.Errorf("APIHash = %q, want expanded env value", c.APIHash)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.ini")); err == nil {
		t.Fatal("Load() succeeded on a missing file")
	}
}

func TestLoadMissingKey(t *testing.T) {
	contents := strings.Replace(validConfig, "token = 12345:AAbbCCdd\n", "", 1)

	_, err := Load(writeConfig(t, contents))
	if err == nil {
		t.Fatal("Load() succeeded without mtproto token")
	}
	if !strings.Contains(err.Error(), "[mtproto]") || !strings.Contains(err.Error(), "token") {
		t.Errorf("error %q does not name section and key", err)
	}
}

func TestLoadAdminsMustBeIntList(t *testing.T) {
	for _, bad := range []string{"admins = 7", `admins = ["a"]`, "admins = []"} {
		contents := strings.Replace(validConfig, "admins = [1, 2]", bad, 1)
		if _, err := Load(writeConfig(t, contents)); err == nil {
			t.Errorf("Load() accepted %q", bad)
		}
	}
}

func TestLoadDeviceListValidation(t *testing.T) {
	for _, bad := range []string{
		`xbmc_devices = [1, 2]`,
		`xbmc_devices = [{"host": "10.0.0.5"}]`,
		`xbmc_devices = {"host": "10.0.0.5", "port": 8080}`,
	} {
		contents := strings.Replace(validConfig,
			`xbmc_devices = [{"host": "10.0.0.5", "port": 8080, "username": "kodi", "password": "pw"}]`,
			bad, 1)
		if _, err := Load(writeConfig(t, contents)); err == nil {
			t.Errorf("Load() accepted %q", bad)
		}
	}
}

func TestLoadBoolMustBeZeroOrOne(t *testing.T) {
	contents := strings.Replace(validConfig, "upnp_enabled = 1", "upnp_enabled = 2", 1)
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatal("Load() accepted upnp_enabled = 2")
	}
}

func TestLoadPortRange(t *testing.T) {
	contents := strings.Replace(validConfig, "listen_port = 8080", "listen_port = 70000", 1)
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatal("Load() accepted out-of-range listen_port")
	}
}
