package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultListenAddr = ":3000"
	DefaultBrokerName = "snaptrade"
)

type MySQLConfig struct {
	Dsn             string   `mapstructure:"dsn"`
	ReplicaDsns     []string `mapstructure:"replicaDsns"`
	TablePrefix     string   `mapstructure:"tablePrefix"`
	MaxIdleConns    int      `mapstructure:"maxIdleConns"`
	MaxOpenConns    int      `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime int      `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime int      `mapstructure:"connMaxLifetime"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type BrokerConfig struct {
	Name        string        `mapstructure:"name"`
	ConnectURL  string        `mapstructure:"connectURL"`  // brokerage login page the user is sent to
	TokenURL    string        `mapstructure:"tokenURL"`    // authorization-code exchange endpoint
	RevokeURL   string        `mapstructure:"revokeURL"`   // advisory session revocation endpoint
	CallTimeout time.Duration `mapstructure:"callTimeout"` // bound on outbound brokerage calls
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	TLS      bool   `mapstructure:"tls"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	CAFile   string `mapstructure:"caFile"`
}

type MailConfig struct {
	Backend string     `mapstructure:"backend"` // "smtp" or empty to disable notices
	From    string     `mapstructure:"from"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

type Config struct {
	Debug              bool         `mapstructure:"debug"`
	DevMode            bool         `mapstructure:"devMode"` // allows running without a master key
	SiteName           string       `mapstructure:"siteName"`
	BaseURL            string       `mapstructure:"baseURL"`
	MasterKey          string       `mapstructure:"masterKey"` // secrets-at-rest encryption key material
	ServiceTokenSecret string       `mapstructure:"serviceTokenSecret"`
	ListenAddr         string       `mapstructure:"listenAddr"`
	AllowOrigins       []string     `mapstructure:"allowOrigins"`
	Redis              RedisConfig  `mapstructure:"redis"`
	MySQL              MySQLConfig  `mapstructure:"mysql"`
	Broker             BrokerConfig `mapstructure:"broker"`
	Mail               MailConfig   `mapstructure:"mail"`
}

func (c *Config) Sanitize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Broker.Name == "" {
		c.Broker.Name = DefaultBrokerName
	}
	if c.MasterKey == "" && !c.DevMode {
		return errors.New("masterKey is required unless devMode is enabled")
	}
	if c.Broker.ConnectURL == "" || c.Broker.TokenURL == "" {
		return errors.New("broker.connectURL and broker.tokenURL are required")
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	viper.SetConfigFile(filename)
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
