package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the explicit, fully constructed application configuration.
// It is loaded once by Load and passed to the components that need it;
// there is no package-level cached instance.
type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Redis  RedisConfig  `mapstructure:"redis"`
	IMAP   IMAPConfig   `mapstructure:"imap"`
	Kasada KasadaConfig `mapstructure:"kasada"`
	Kick   KickConfig   `mapstructure:"kick"`
	Pool   PoolConfig   `mapstructure:"pool"`
	Store  StoreConfig  `mapstructure:"store"`
	Worker WorkerConfig `mapstructure:"worker"`
}

type AppConfig struct {
	Name  string `mapstructure:"name"`
	Env   string `mapstructure:"env"`
	Debug bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type IMAPConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KasadaConfig struct {
	APIKey   string `mapstructure:"api_key"`
	TestMode bool   `mapstructure:"test_mode"`
}

type KickConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type PoolConfig struct {
	File string `mapstructure:"file"`
}

type StoreConfig struct {
	DSN        string `mapstructure:"dsn"`
	ExportFile string `mapstructure:"export_file"`
}

type WorkerConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	PopTimeout        time.Duration `mapstructure:"pop_timeout"`
	VerifyTimeout     time.Duration `mapstructure:"verify_timeout"`
	VerifyPollEvery   time.Duration `mapstructure:"verify_poll_every"`
	MaintenanceSpec   string        `mapstructure:"maintenance_spec"`
	ReloadPoolOnMaint bool          `mapstructure:"reload_pool_on_maint"`
}

// Load reads configuration from an optional YAML file, applies defaults,
// and lets BOTRIX_* environment variables override everything. It always
// returns a usable Config when the file is merely absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BOTRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "botrix")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("imap.host", "imap.zmailservice.com")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.dial_timeout", 10*time.Second)

	v.SetDefault("kasada.test_mode", false)

	v.SetDefault("kick.base_url", "https://kick.com/api")

	v.SetDefault("pool.file", "shared/livelive.txt")

	v.SetDefault("store.dsn", "shared/botrix.db")
	v.SetDefault("store.export_file", "shared/kicks.json")

	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.health_interval", 30*time.Second)
	v.SetDefault("worker.pop_timeout", 5*time.Second)
	v.SetDefault("worker.verify_timeout", 90*time.Second)
	v.SetDefault("worker.verify_poll_every", 5*time.Second)
	v.SetDefault("worker.maintenance_spec", "0 */5 * * * *")
	v.SetDefault("worker.reload_pool_on_maint", false)
}

// RedisAddr returns the host:port address for the Redis client.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ServerAddr returns the HTTP listen address.
func (c *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction reports whether the app runs in production mode.
func (c *AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
