package config

import (
	"github.com/spf13/viper"
)

const EnvPrefix = "RADAR"

// NewViper returns a viper instance that reads RADAR_* environment
// variables. The API token is also read from CLOUDFLARE_API_TOKEN.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.BindEnv("api_token", "RADAR_API_TOKEN", "CLOUDFLARE_API_TOKEN")
	v.BindEnv("base_url", "RADAR_BASE_URL")
	v.BindEnv("checkpoint_url", "RADAR_CHECKPOINT_URL")
	return v
}

// ApplyEnv overlays non-empty environment settings onto c.
func ApplyEnv(c *Config, v *viper.Viper) {
	if token := v.GetString("api_token"); token != "" {
		c.Radar.Token = token
	}
	if baseURL := v.GetString("base_url"); baseURL != "" {
		c.Radar.BaseURL = baseURL
	}
	if cp := v.GetString("checkpoint_url"); cp != "" {
		c.Checkpoint.URL = cp
	}
}

// Load reads the config file at path, or the defaults when path is empty,
// and applies environment overrides.
func Load(path string, v *viper.Viper) (*Config, error) {
	var c *Config
	var err error
	if path == "" {
		c, err = Parse(nil)
	} else {
		c, err = NewFromFile(path)
	}
	if err != nil {
		return nil, err
	}

	ApplyEnv(c, v)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
