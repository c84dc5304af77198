package config

import (
	"time"

	"github.com/spf13/viper"
)

type App struct {
	// LogConfigFile is a zap JSON config. Empty logs to stdout.
	LogConfigFile   string        `mapstructure:"log_config_file"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// JWTSecret signs bearer and media tokens. Every service must share it.
	JWTSecret string `mapstructure:"jwt_secret"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("log_config_file"), "")
	v.SetDefault(p("shutdown_timeout"), "10s")
	v.SetDefault(p("jwt_secret"), "")
}
