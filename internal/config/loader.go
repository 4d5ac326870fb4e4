package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/appforge/backend/pkg/utils/crypto"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Security     SecurityConfig     `mapstructure:"security"`
	Features     FeaturesConfig     `mapstructure:"features"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Store        StoreConfig        `mapstructure:"store"`
	GitHub       GitHubConfig       `mapstructure:"github"`
	Generator    GeneratorConfig    `mapstructure:"generator"`
	Attachments  AttachmentsConfig  `mapstructure:"attachments"`
	ObjectStore  ObjectStoreConfig  `mapstructure:"objectstore"`
	Notification NotificationConfig `mapstructure:"notification"`
	Mail         MailConfig         `mapstructure:"mail"`
	RabbitMQ     RabbitMQConfig     `mapstructure:"rabbitmq"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
}

type SecurityConfig struct {
	// EncryptionKey opens "enc:" sealed values elsewhere in the config.
	EncryptionKey string `mapstructure:"encryption_key"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// ShutdownTimeout bounds how long detached runs may keep the process alive.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
}

type AuthConfig struct {
	// SharedSecret is compared against the secret field of inbound task requests.
	SharedSecret string `mapstructure:"shared_secret"`
	// SharedSecretHash is a bcrypt hash; it takes precedence over SharedSecret.
	SharedSecretHash string   `mapstructure:"shared_secret_hash"`
	AdminAPIKey      string   `mapstructure:"admin_api_key"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
}

const (
	DispatchModeSync  = "sync"
	DispatchModeAsync = "async"
	DispatchModeQueue = "queue"
)

type DispatchConfig struct {
	Mode    string `mapstructure:"mode"`
	Workers int    `mapstructure:"workers"`
	// RunRetention is how long finished runs stay visible on the runs API.
	RunRetention    time.Duration `mapstructure:"run_retention"`
	MaxFinishedRuns int           `mapstructure:"max_finished_runs"`
}

const (
	StoreDriverFile     = "file"
	StoreDriverPostgres = "postgres"
)

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type GitHubConfig struct {
	Token         string        `mapstructure:"token"`
	Owner         string        `mapstructure:"owner"`
	IsOrg         bool          `mapstructure:"is_org"`
	APIBaseURL    string        `mapstructure:"api_base_url"`
	WebBaseURL    string        `mapstructure:"web_base_url"`
	PagesDomain   string        `mapstructure:"pages_domain"`
	DefaultBranch string        `mapstructure:"default_branch"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

const (
	GeneratorProviderGemini   = "gemini"
	GeneratorProviderFallback = "fallback"
)

type GeneratorConfig struct {
	Provider          string        `mapstructure:"provider"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

type AttachmentsConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int    `mapstructure:"max_bytes"`
}

type ObjectStoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type NotificationConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type MailConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	APIKey    string        `mapstructure:"api_key"`
	FromName  string        `mapstructure:"from_name"`
	FromEmail string        `mapstructure:"from_email"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

func (r *RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", r.Username, r.Password, r.Host, r.Port, strings.TrimPrefix(r.VHost, "/"))
}

type PipelineConfig struct {
	// RequirePreviousReadme fails round 2 when the round 1 README cannot be read.
	RequirePreviousReadme bool   `mapstructure:"require_previous_readme"`
	LicenseHolder         string `mapstructure:"license_holder"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "appforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "appforge")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("security.encryption_key", "")

	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.enable_request_logging", true)

	v.SetDefault("auth.shared_secret", "")
	v.SetDefault("auth.shared_secret_hash", "")
	v.SetDefault("auth.admin_api_key", "")
	v.SetDefault("auth.allowed_origins", []string{"*"})

	v.SetDefault("dispatch.mode", DispatchModeAsync)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.run_retention", 24*time.Hour)
	v.SetDefault("dispatch.max_finished_runs", 1000)

	v.SetDefault("store.driver", StoreDriverFile)
	v.SetDefault("store.path", "/tmp/processed_requests.json")

	v.SetDefault("github.token", "")
	v.SetDefault("github.owner", "")
	v.SetDefault("github.is_org", false)
	v.SetDefault("github.api_base_url", "")
	v.SetDefault("github.web_base_url", "https://github.com")
	v.SetDefault("github.pages_domain", "github.io")
	v.SetDefault("github.default_branch", "main")
	v.SetDefault("github.timeout", 30*time.Second)

	v.SetDefault("generator.provider", GeneratorProviderGemini)
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.model", "gemini-2.5-flash")
	v.SetDefault("generator.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("generator.timeout", 2*time.Minute)
	v.SetDefault("generator.requests_per_minute", 10)

	v.SetDefault("attachments.dir", "/tmp/llm_attachments")
	v.SetDefault("attachments.max_bytes", 10<<20)

	v.SetDefault("objectstore.enabled", false)
	v.SetDefault("objectstore.endpoint", "")
	v.SetDefault("objectstore.access_key", "")
	v.SetDefault("objectstore.secret_key", "")
	v.SetDefault("objectstore.bucket", "appforge-attachments")
	v.SetDefault("objectstore.use_ssl", true)

	v.SetDefault("notification.max_attempts", 5)
	v.SetDefault("notification.initial_delay", time.Second)
	v.SetDefault("notification.timeout", 30*time.Second)

	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.api_key", "")
	v.SetDefault("mail.from_name", "appforge")
	v.SetDefault("mail.from_email", "")
	v.SetDefault("mail.timeout", 5*time.Second)

	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.username", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "appforge_tasks")

	v.SetDefault("pipeline.require_previous_readme", false)
	v.SetDefault("pipeline.license_holder", "")
}

// Load reads the YAML file at path (if it exists) and overlays APPFORGE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APPFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.openSealed(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// openSealed replaces "enc:" values with their plaintext.
func (c *Config) openSealed() error {
	fields := map[string]*string{
		"auth.shared_secret":     &c.Auth.SharedSecret,
		"auth.admin_api_key":     &c.Auth.AdminAPIKey,
		"database.password":      &c.Database.Password,
		"github.token":           &c.GitHub.Token,
		"generator.api_key":      &c.Generator.APIKey,
		"objectstore.secret_key": &c.ObjectStore.SecretKey,
		"mail.api_key":           &c.Mail.APIKey,
		"rabbitmq.password":      &c.RabbitMQ.Password,
	}
	for name, field := range fields {
		if !crypto.IsSealed(*field) {
			continue
		}
		plain, err := crypto.Open(*field, c.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to open sealed value %s: %w", name, err)
		}
		*field = plain
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Dispatch.Mode {
	case DispatchModeSync, DispatchModeAsync, DispatchModeQueue:
	default:
		return fmt.Errorf("invalid dispatch.mode %q", c.Dispatch.Mode)
	}
	switch c.Store.Driver {
	case StoreDriverFile, StoreDriverPostgres:
	default:
		return fmt.Errorf("invalid store.driver %q", c.Store.Driver)
	}
	switch c.Generator.Provider {
	case GeneratorProviderGemini, GeneratorProviderFallback:
	default:
		return fmt.Errorf("invalid generator.provider %q", c.Generator.Provider)
	}
	if c.Notification.MaxAttempts < 1 {
		return fmt.Errorf("notification.max_attempts must be at least 1")
	}
	if c.Dispatch.Workers < 1 {
		c.Dispatch.Workers = 1
	}
	return nil
}
