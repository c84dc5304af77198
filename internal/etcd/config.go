package etcd

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/imtaco/peer-connect/internal/errors"
)

const ErrConfig errors.Code = "etcd_config"

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

type Config struct {
	Endpoints        []string      `mapstructure:"endpoints"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	KeepAliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepAliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
	// 0 keeps the endpoint list static
	AutoSyncInterval time.Duration `mapstructure:"auto_sync_interval"`

	TLS TLSConfig `mapstructure:"tls"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("endpoints"), []string{"etcd:2379"})
	v.SetDefault(p("username"), "")
	v.SetDefault(p("password"), "")
	v.SetDefault(p("dial_timeout"), "5s")
	v.SetDefault(p("keepalive_time"), "30s")
	v.SetDefault(p("keepalive_timeout"), "10s")
	v.SetDefault(p("auto_sync_interval"), "0s")

	v.SetDefault(p("tls.enabled"), false)
	v.SetDefault(p("tls.ca_file"), "")
	v.SetDefault(p("tls.cert_file"), "")
	v.SetDefault(p("tls.key_file"), "")
	v.SetDefault(p("tls.insecure_skip_verify"), false)
}

func (c *Config) clientConfig() (clientv3.Config, error) {
	if len(c.Endpoints) == 0 {
		return clientv3.Config{}, errors.New(ErrConfig, "no etcd endpoints")
	}
	cfg := clientv3.Config{
		Endpoints:            c.Endpoints,
		Username:             c.Username,
		Password:             c.Password,
		DialTimeout:          c.DialTimeout,
		DialKeepAliveTime:    c.KeepAliveTime,
		DialKeepAliveTimeout: c.KeepAliveTimeout,
		AutoSyncInterval:     c.AutoSyncInterval,
	}
	if c.TLS.Enabled {
		tlsCfg, err := c.TLS.load()
		if err != nil {
			return clientv3.Config{}, err
		}
		cfg.TLS = tlsCfg
	}
	return cfg, nil
}

// load reads the CA and the optional client key pair for mTLS.
func (t TLSConfig) load() (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, errors.Wrap(ErrConfig, err, "read ca_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Newf(ErrConfig, "no certificates in %s", t.CAFile)
		}
		tc.RootCAs = pool
	}

	if (t.CertFile == "") != (t.KeyFile == "") {
		return nil, errors.New(ErrConfig, "cert_file and key_file go together")
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, errors.Wrap(ErrConfig, err, "load client key pair")
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func NewClient(c *Config) (*clientv3.Client, error) {
	cfg, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	return clientv3.New(cfg)
}
