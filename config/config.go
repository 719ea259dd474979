// Package config manages persistent client preferences for remoshell.
// Settings are stored as JSON at os.UserConfigDir()/remoshell/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pion/webrtc/v4"
)

// defaultSignalingURL is the public rendezvous server used when no override
// is configured. See §6 Configuration.
const defaultSignalingURL = "wss://remoshell-signaling.workers.dev"

// ICEServer mirrors the fields of webrtc.ICEServer that are meaningful to
// persist to disk. Username and Credential are saved to and loaded from the
// JSON file when set.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config holds all persistent client preferences.
type Config struct {
	SignalingURL string      `json:"signaling_url"`
	ICEServers   []ICEServer `json:"ice_servers"`
}

// Default returns a Config populated with the process-wide defaults from
// §6: the public signaling server and two public STUN servers.
func Default() Config {
	return Config{
		SignalingURL: defaultSignalingURL,
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
	}
}

// WebRTCICEServers converts cfg's ICEServers into the type pion/webrtc's
// PeerConnection constructor expects.
func (c Config) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "remoshell", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
