package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	App   App    `mapstructure:"app"`
	Store string `mapstructure:"store_driver"`
}

func loadTest() (*testConfig, error) {
	return Load(&testConfig{}, func(v *viper.Viper) {
		v.SetDefault("store_driver", "redis")
		Setup(v, "app")
	})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadTest()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.App.ShutdownTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "3s")

	cfg, err := loadTest()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, 3*time.Second, cfg.App.ShutdownTimeout)
}

func TestLoadConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "requests.yaml")
	require.NoError(t, os.WriteFile(file, []byte("store_driver: postgres\napp:\n  jwt_secret: from-file\n"), 0o600))
	t.Setenv(EnvConfigFile, file)
	t.Setenv("APP_JWT_SECRET", "from-env")

	cfg, err := loadTest()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, "from-env", cfg.App.JWTSecret)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := loadTest()
	assert.Error(t, err)
}
