package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvConfigFile optionally names a YAML/JSON/TOML file. Env vars still win
// over its values.
const EnvConfigFile = "CONFIG_FILE"

func NewViper() *viper.Viper {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	return v
}

// Load registers defaults through configure, reads the optional config
// file and unmarshals into c.
func Load[T any](c *T, configure func(v *viper.Viper)) (*T, error) {
	v := NewViper()
	configure(v)

	if file := os.Getenv(EnvConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}
	return c, nil
}
