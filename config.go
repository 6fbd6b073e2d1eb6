package messenger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Config holds everything the messaging client needs to run. Values come
// from a yaml config file and VMCHAT_* environment variables; intervals use
// Go duration syntax ("15s", "2m").
type Config struct {
	// BaseURL is the root of the VeteranMeet REST API.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// Token is the session token issued by the backend at signin.
	Token string `mapstructure:"token" validate:"required"`
	// PushURL enables the websocket push channel when set. Polling runs
	// either way.
	PushURL string `mapstructure:"push_url" validate:"omitempty,url"`

	// RoomPollInterval is how often the room list is refreshed.
	RoomPollInterval time.Duration `mapstructure:"room_poll_interval" validate:"required"`
	// PresencePollInterval is how often the online-user set is refreshed.
	PresencePollInterval time.Duration `mapstructure:"presence_poll_interval" validate:"required"`
	// HeartbeatInterval is how often liveness is signalled to the server.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required"`
	// DeliveredDelay is the sent-to-delivered promotion delay.
	DeliveredDelay time.Duration `mapstructure:"delivered_delay" validate:"required"`

	// PrefsFile is where notification channel toggles are persisted.
	PrefsFile string `mapstructure:"prefs_file" validate:"required"`
}

// LoadConfig reads config.yaml from the working directory, overlaid with
// environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("vmchat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("room_poll_interval", "15s")
	v.SetDefault("presence_poll_interval", "30s")
	v.SetDefault("heartbeat_interval", "2m")
	v.SetDefault("delivered_delay", "1s")
	v.SetDefault("prefs_file", "./notify.yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return config, nil
}

// Validate checks the configuration. Zero intervals are rejected rather
// than defaulted so a broken config surfaces at startup.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
