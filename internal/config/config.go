// Package config holds the CLI configuration. Values are resolved, highest
// precedence first, from command-line flags, RTCPOOL_* environment
// variables, an optional YAML file (--config) and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Role selects which flags a command exposes.
type Role string

const (
	RoleClient Role = "client" // joins a room through a relay
	RoleRelay  Role = "relay"  // runs the signaling relay
)

const (
	DefaultListen        = "127.0.0.1:8080"
	DefaultStatsInterval = 10 * time.Second
)

// ICEServer is one STUN/TURN entry of the config file.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Config stores every parameter the commands need.
type Config struct {
	URL             string        `mapstructure:"url"`    // Client: relay WebSocket URL
	Listen          string        `mapstructure:"listen"` // Relay: listen address
	ICEServers      []ICEServer   `mapstructure:"ice_servers"`
	ICEURLs         []string      `mapstructure:"ice_urls"`
	IncludeLoopback bool          `mapstructure:"include_loopback"`
	AudioFile       string        `mapstructure:"audio_file"`
	VideoFile       string        `mapstructure:"video_file"`
	Audio           bool          `mapstructure:"audio"`
	Video           bool          `mapstructure:"video"`
	StatsInterval   time.Duration `mapstructure:"stats_interval"`
	Debug           bool          `mapstructure:"debug"`
}

// WebRTCICEServers converts the configured servers for pion. It returns nil
// when nothing is configured, which selects the transport defaults.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, s := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(c.ICEURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.ICEURLs})
	}
	return servers
}

// NewFlagSet returns the flags of a command with the given role.
func NewFlagSet(name string, role Role) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.Bool("debug", false, "Enable debug logging")

	switch role {
	case RoleClient:
		fs.String("url", "", "Signaling relay WebSocket URL (prompted when empty)")
		fs.StringSlice("ice", nil, "STUN/TURN URLs, replacing the default Google STUN servers")
		fs.Bool("include-loopback", false, "Gather loopback candidates (same-machine meshes)")
		fs.String("audio-file", "", "Ogg/Opus file used as local audio")
		fs.String("video-file", "", "IVF (VP8/VP9/AV1) file used as local video")
		fs.Bool("audio", false, "Enable local audio on join")
		fs.Bool("video", false, "Enable local video on join")
		fs.Duration("stats-interval", DefaultStatsInterval, "Interval between mesh statistics lines")
	case RoleRelay:
		fs.String("listen", DefaultListen, "Relay listen address")
	}
	return fs
}

// flagKeys maps flag names onto config keys where they differ.
var flagKeys = map[string]string{
	"ice": "ice_urls",
}

// Load resolves the configuration from fs (already parsed), the environment,
// the optional config file and defaults.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RTCPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("url", "")
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("ice_urls", []string{})
	v.SetDefault("include_loopback", false)
	v.SetDefault("audio_file", "")
	v.SetDefault("video_file", "")
	v.SetDefault("audio", false)
	v.SetDefault("video", false)
	v.SetDefault("stats_interval", DefaultStatsInterval)
	v.SetDefault("debug", false)

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.StatsInterval < 0 {
		return nil, fmt.Errorf("stats_interval must not be negative: %s", cfg.StatsInterval)
	}
	return &cfg, nil
}
