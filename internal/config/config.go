package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Mail          MailConfig          `mapstructure:"mail"`
	Validation    ValidationConfig    `mapstructure:"validation"`
	Owners        []OwnerConfig       `mapstructure:"owners"`
	Cost          CostConfig          `mapstructure:"cost"`
	Authorization AuthorizationConfig `mapstructure:"authorization"`
	Content       ContentConfig       `mapstructure:"content"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Workers       WorkersConfig       `mapstructure:"workers"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Email         EmailConfig         `mapstructure:"email"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Env     string `mapstructure:"env"`
	Debug   bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MailConfig describes the single mailbox the poller drains.
type MailConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Type               string        `mapstructure:"type"` // imap, imaps, pop3, pop3s
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	Folder             string        `mapstructure:"folder"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	DeleteAfterProcess bool          `mapstructure:"delete_after_process"`
}

type ValidationConfig struct {
	MaxMessageBytes     int64    `mapstructure:"max_message_bytes"`
	MaxAttachments      int      `mapstructure:"max_attachments"`
	AllowedTypes        []string `mapstructure:"allowed_types"`
	Policy              string   `mapstructure:"policy"` // enforced, allow_all_for_testing
	RequireRegistration bool     `mapstructure:"require_registration"`
	OwnersFile          string   `mapstructure:"owners_file"`
}

// OwnerConfig registers an owning identity and the senders it delegates to.
type OwnerConfig struct {
	Identity  string   `mapstructure:"identity" yaml:"identity"`
	Email     string   `mapstructure:"email" yaml:"email"`
	AllowList []string `mapstructure:"allow_list" yaml:"allow_list"`
}

type CostConfig struct {
	Base          int64 `mapstructure:"base"`
	PerMiB        int64 `mapstructure:"per_mib"`
	PerAttachment int64 `mapstructure:"per_attachment"`
}

type AuthorizationConfig struct {
	Window          time.Duration `mapstructure:"window"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	CallbackBaseURL string        `mapstructure:"callback_base_url"`
	Scheme          string        `mapstructure:"scheme"` // jwt, none
	Secret          string        `mapstructure:"secret"`
	Store           string        `mapstructure:"store"` // memory, redis
}

type ContentConfig struct {
	Backend     string        `mapstructure:"backend"` // ipfs, fs
	APIEndpoint string        `mapstructure:"api_endpoint"`
	APIToken    string        `mapstructure:"api_token"`
	Gateways    []string      `mapstructure:"gateways"`
	LocalPath   string        `mapstructure:"local_path"`
	StagingPath string        `mapstructure:"staging_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type LedgerConfig struct {
	Mode            string        `mapstructure:"mode"` // simulated, real
	Network         string        `mapstructure:"network"`
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	FromAddress     string        `mapstructure:"from_address"`
	SchemaPath      string        `mapstructure:"schema_path"`
	SimulatedDelay  time.Duration `mapstructure:"simulated_delay"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type WorkersConfig struct {
	Finalize  int `mapstructure:"finalize"`
	QueueSize int `mapstructure:"queue_size"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // memory, sqlite3, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
	SMTP     struct {
		Host       string `mapstructure:"host"`
		Port       int    `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		AuthType   string `mapstructure:"auth_type"` // plain, login
		TLS        bool   `mapstructure:"tls"`
		TLSMode    string `mapstructure:"tls_mode"` // smtps, starttls, none
		SkipVerify bool   `mapstructure:"skip_verify"`
	} `mapstructure:"smtp"`
}

// EffectiveTLSMode resolves the SMTP transport mode. An explicit tls_mode
// wins; otherwise tls=true means implicit TLS on port 465 and STARTTLS elsewhere.
func (c *EmailConfig) EffectiveTLSMode() string {
	switch mode := strings.ToLower(strings.TrimSpace(c.SMTP.TLSMode)); mode {
	case "smtps", "starttls", "none":
		return mode
	}
	if !c.SMTP.TLS {
		return "none"
	}
	if c.SMTP.Port == 465 {
		return "smtps"
	}
	return "starttls"
}

type NotificationsConfig struct {
	Webhook struct {
		Enabled bool          `mapstructure:"enabled"`
		URL     string        `mapstructure:"url"`
		Secret  string        `mapstructure:"secret"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"webhook"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "datawallet")
	v.SetDefault("app.env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("mail.type", "imaps")
	v.SetDefault("mail.folder", "INBOX")
	v.SetDefault("mail.poll_interval", 30*time.Second)
	v.SetDefault("mail.dial_timeout", 5*time.Second)

	v.SetDefault("validation.max_message_bytes", 25*1024*1024)
	v.SetDefault("validation.max_attachments", 10)
	v.SetDefault("validation.allowed_types", []string{
		"application/pdf", "image/png", "image/jpeg", "image/gif",
		"text/plain", "text/csv", "application/json", "application/zip",
	})
	v.SetDefault("validation.policy", "enforced")

	v.SetDefault("cost.base", 10)
	v.SetDefault("cost.per_mib", 5)
	v.SetDefault("cost.per_attachment", 2)

	v.SetDefault("authorization.window", 24*time.Hour)
	v.SetDefault("authorization.sweep_interval", time.Minute)
	v.SetDefault("authorization.callback_base_url", "http://localhost:8080")
	v.SetDefault("authorization.scheme", "jwt")
	v.SetDefault("authorization.store", "memory")

	v.SetDefault("content.backend", "fs")
	v.SetDefault("content.local_path", "./var/content")
	v.SetDefault("content.staging_path", "./var/staging")
	v.SetDefault("content.timeout", 30*time.Second)

	v.SetDefault("ledger.mode", "simulated")
	v.SetDefault("ledger.network", "simulated")
	v.SetDefault("ledger.simulated_delay", 500*time.Millisecond)
	v.SetDefault("ledger.confirm_timeout", 2*time.Minute)
	v.SetDefault("ledger.poll_interval", 2*time.Second)
	v.SetDefault("ledger.timeout", 20*time.Second)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 15*time.Second)
	v.SetDefault("retry.breaker_threshold", 5)
	v.SetDefault("retry.breaker_cooldown", 30*time.Second)

	v.SetDefault("workers.finalize", 4)
	v.SetDefault("workers.queue_size", 256)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.prefix", "datawallet:")

	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("notifications.webhook.timeout", 10*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)
	v.SetEnvPrefix("DATAWALLET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load initializes the configuration with hot reload support
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := newViper()

		v.SetConfigName("config")
		v.AddConfigPath(configPath)
		if err = v.ReadInConfig(); err != nil {
			// Defaults plus environment are enough to boot
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to read config: %w", err)
				return
			}
			err = nil
		}

		loaded := &Config{}
		if err = v.Unmarshal(loaded); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}
		if err = loaded.Validate(); err != nil {
			return
		}

		mu.Lock()
		cfg = loaded
		mu.Unlock()

		if v.ConfigFileUsed() == "" {
			return
		}
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			fmt.Printf("Config file changed: %s\n", e.Name)

			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				fmt.Printf("Failed to reload config: %v\n", err)
				return
			}
			if err := newCfg.Validate(); err != nil {
				fmt.Printf("Rejected reloaded config: %v\n", err)
				return
			}

			// Atomic swap
			mu.Lock()
			cfg = newCfg
			mu.Unlock()
			fmt.Println("Configuration reloaded successfully")
		})
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadFromFile loads configuration from a specific file without installing
// it as the global configuration.
func LoadFromFile(configFile string) (*Config, error) {
	v := newViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// IsSimulated reports whether ledger transactions are synthesized locally.
func (c *LedgerConfig) IsSimulated() bool {
	return c.Mode == "" || strings.EqualFold(c.Mode, "simulated")
}
