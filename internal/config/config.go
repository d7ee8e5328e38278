package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Signal SignalConfig `mapstructure:"signal"`
	RTC    RTCConfig    `mapstructure:"rtc"`
	Relay  RelayConfig  `mapstructure:"relay"`
}

// SignalConfig is the client side of the relay connection.
type SignalConfig struct {
	RelayURL       string        `mapstructure:"relay_url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type RTCConfig struct {
	ICEServers    []ICEServer   `mapstructure:"ice_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	ChannelLabel  string        `mapstructure:"channel_label"`
}

// ICEServer is one STUN or TURN entry. TURN servers need credentials.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type RelayConfig struct {
	Port        int           `mapstructure:"port"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisDB     int           `mapstructure:"redis_db"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	CallsPerMin int           `mapstructure:"calls_per_min"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CHAOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Relay: %s\n", cfg.Mode, cfg.Port, cfg.Signal.RelayURL)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("signal.relay_url", "ws://localhost:3030/couple")
	v.SetDefault("signal.reconnect_delay", "2s")

	v.SetDefault("rtc.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("rtc.gather_timeout", "10s")
	v.SetDefault("rtc.channel_label", "data/userid")

	v.SetDefault("relay.port", 3030)
	v.SetDefault("relay.redis_addr", "")
	v.SetDefault("relay.redis_db", 0)
	v.SetDefault("relay.presence_ttl", "90s")
	v.SetDefault("relay.calls_per_min", 30)
}

func (c *Config) validate() error {
	if c.Signal.RelayURL == "" {
		return fmt.Errorf("signal.relay_url is required")
	}
	if c.RTC.ChannelLabel == "" {
		return fmt.Errorf("rtc.channel_label is required")
	}
	if c.RTC.GatherTimeout <= 0 {
		return fmt.Errorf("rtc.gather_timeout must be positive, got %s", c.RTC.GatherTimeout)
	}
	for i, srv := range c.RTC.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("rtc.ice_servers[%d] has no urls", i)
		}
		for _, u := range srv.URLs {
			if isTURN(u) && (srv.Username == "" || srv.Credential == "") {
				return fmt.Errorf("rtc.ice_servers[%d]: %s needs username and credential", i, u)
			}
		}
	}
	return nil
}

func isTURN(url string) bool {
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}
