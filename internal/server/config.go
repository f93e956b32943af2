package server

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/phargogh/invest/internal/model"
)

// Config is the viper-backed override layer for the listener, filled
// from WORKBENCH_SERVER_* environment variables or the serve flags on
// top of the validated base configuration.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func ParseConfig(key string) (Config, error) {
	var cfg Config
	err := viper.UnmarshalKey(key, &cfg)
	return cfg, err
}

// Addr resolves the listen address, preferring the override values over
// the base configuration.
func (c Config) Addr(base model.Config) string {
	host, port := base.ServerAddr()
	if c.Host != "" {
		host = c.Host
	}
	if c.Port != 0 {
		port = c.Port
	}
	return fmt.Sprintf("%s:%d", host, port)
}
