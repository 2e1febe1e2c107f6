// Package config loads the configuration of the signal server and the
// client engine. Values come from an optional YAML file, then defaults, then
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const DefaultSTUNURL = "stun:stun.l.google.com:19302"

type Signal struct {
	Server ServerConfig `koanf:"server"`
	ICE    ICEConfig    `koanf:"ice"`
	Rooms  RoomsConfig  `koanf:"rooms"`
	Log    LogConfig    `koanf:"log"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// ClientURL is the allowed CORS origin; "*" when empty.
	ClientURL       string        `koanf:"client_url"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type ICEConfig struct {
	STUNURL        string        `koanf:"stun_url"`
	TURNURL        string        `koanf:"turn_url"`
	TURNUsername   string        `koanf:"turn_username"`
	TURNCredential string        `koanf:"turn_credential"`
	TURNSecret     string        `koanf:"turn_secret"`
	TURNTTL        time.Duration `koanf:"turn_ttl"`
}

type RoomsConfig struct {
	ReconnectGrace  time.Duration `koanf:"reconnect_grace"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	QueueSize       int           `koanf:"queue_size"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// LoadSignal reads the signal server configuration. path may be empty.
func LoadSignal(path string) (*Signal, error) {
	k, err := open(path)
	if err != nil {
		return nil, err
	}

	setDefault(k, "server.host", "0.0.0.0")
	setDefault(k, "server.port", 3001)
	setDefault(k, "server.client_url", "")
	setDefault(k, "server.read_timeout", 15*time.Second)
	setDefault(k, "server.shutdown_timeout", 5*time.Second)
	setDefault(k, "ice.stun_url", DefaultSTUNURL)
	setDefault(k, "ice.turn_ttl", 24*time.Hour)
	setDefault(k, "rooms.reconnect_grace", 24*time.Hour)
	setDefault(k, "rooms.cleanup_interval", 30*time.Second)
	setDefault(k, "rooms.queue_size", 1024)
	setDefault(k, "log.level", "info")
	setDefault(k, "log.format", "json")

	applySignalEnv(k)

	var cfg Signal
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func applySignalEnv(k *koanf.Koanf) {
	if port := getInt("PORT", 0); port > 0 {
		k.Set("server.port", port)
	}
	if origin := getString("CLIENT_URL", ""); origin != "" {
		k.Set("server.client_url", origin)
	}
	if stun := getString("STUN_URL", ""); stun != "" {
		k.Set("ice.stun_url", stun)
	}
	if turn := getString("TURN_URL", ""); turn != "" {
		k.Set("ice.turn_url", turn)
	}
	if user := getString("TURN_USERNAME", ""); user != "" {
		k.Set("ice.turn_username", user)
	}
	if cred := getString("TURN_CREDENTIAL", ""); cred != "" {
		k.Set("ice.turn_credential", cred)
	}
	if secret := getString("TURN_SECRET", ""); secret != "" {
		k.Set("ice.turn_secret", secret)
	}
	if grace := getInt("RECONNECT_GRACE_MS", 0); grace > 0 {
		k.Set("rooms.reconnect_grace", time.Duration(grace)*time.Millisecond)
	}
	applyLogEnv(k)
}

func applyLogEnv(k *koanf.Koanf) {
	if level := getString("LOG_LEVEL", ""); level != "" {
		k.Set("log.level", level)
	}
	if format := getString("LOG_FORMAT", ""); format != "" {
		k.Set("log.format", format)
	}
}

func open(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	return k, nil
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value any) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}
