package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	RoleDraw  = "draw"
	RoleOrder = "order"
	RoleAll   = "all"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Bus       BusConfig       `yaml:"bus"`
	RocketMQ  RocketMQConfig  `yaml:"rocketmq"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Order     OrderConfig     `yaml:"order"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Role       string `yaml:"role"`
	HTTPAddr   string `yaml:"http_addr"`
	GRPCAddr   string `yaml:"grpc_addr"`
	InstanceID string `yaml:"instance_id"`
}

type StorageConfig struct {
	// Driver: mysql | memory
	Driver string `yaml:"driver"`
}

type MySQLConfig struct {
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BusConfig struct {
	// Driver: redis | rocketmq | memory
	Driver        string   `yaml:"driver"`
	StreamMaxLen  int64    `yaml:"stream_max_len"`
	Block         Duration `yaml:"block"`
	ClaimMinIdle  Duration `yaml:"claim_min_idle"`
	Consumers     int      `yaml:"consumers"`
	MaxDeliveries int      `yaml:"max_deliveries"`
}

type RocketMQConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	AccessKey         string   `yaml:"access_key"`
	SecretKey         string   `yaml:"secret_key"`
	AwaitDuration     Duration `yaml:"await_duration"`
	InvisibleDuration Duration `yaml:"invisible_duration"`
}

type SchedulerConfig struct {
	Tick               Duration `yaml:"tick"`
	BatchSize          int      `yaml:"batch_size"`
	MisfireThreshold   Duration `yaml:"misfire_threshold"`
	RetryDelay         Duration `yaml:"retry_delay"`
	OrphanAfter        Duration `yaml:"orphan_after"`
	ProvisionAttempts  int      `yaml:"provision_attempts"`
	ProvisionBaseDelay Duration `yaml:"provision_base_delay"`
	ProvisionMaxDelay  Duration `yaml:"provision_max_delay"`
}

type OrderConfig struct {
	CheckoutWindow Duration `yaml:"checkout_window"`
	MaxPerRequest  int      `yaml:"max_per_request"`
}

type OutboxConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
}

type SweeperConfig struct {
	Interval  Duration `yaml:"interval"`
	Grace     Duration `yaml:"grace"`
	BatchSize int      `yaml:"batch_size"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Duration reads YAML strings such as "5m" or "1500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func Default() Config {
	host, _ := os.Hostname()
	return Config{
		Server: ServerConfig{
			Role:       RoleAll,
			HTTPAddr:   ":8080",
			GRPCAddr:   ":50051",
			InstanceID: host,
		},
		Storage: StorageConfig{Driver: "mysql"},
		MySQL: MySQLConfig{
			DSN:             "root:root@tcp(localhost:3306)/lottery?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: Duration{5 * time.Minute},
		},
		Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 100},
		Bus: BusConfig{
			Driver:        "redis",
			StreamMaxLen:  100000,
			Block:         Duration{2 * time.Second},
			ClaimMinIdle:  Duration{30 * time.Second},
			Consumers:     4,
			MaxDeliveries: 10,
		},
		RocketMQ: RocketMQConfig{
			AwaitDuration:     Duration{5 * time.Second},
			InvisibleDuration: Duration{20 * time.Second},
		},
		Scheduler: SchedulerConfig{
			Tick:               Duration{time.Second},
			BatchSize:          50,
			MisfireThreshold:   Duration{time.Minute},
			RetryDelay:         Duration{5 * time.Second},
			OrphanAfter:        Duration{2 * time.Minute},
			ProvisionAttempts:  5,
			ProvisionBaseDelay: Duration{2 * time.Second},
			ProvisionMaxDelay:  Duration{30 * time.Second},
		},
		Order: OrderConfig{
			CheckoutWindow: Duration{5 * time.Minute},
			MaxPerRequest:  10,
		},
		Outbox:  OutboxConfig{PollInterval: Duration{time.Second}, BatchSize: 100},
		Sweeper: SweeperConfig{Interval: Duration{time.Minute}, Grace: Duration{30 * time.Second}, BatchSize: 100},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads .env, then the optional YAML file, then environment overrides.
func Load(path string) (Config, error) {
	return LoadForRole(path, "")
}

// LoadForRole is Load with the service role forced to role when it is set.
// File and parse errors are reported before any override is applied.
func LoadForRole(path, role string) (Config, error) {
	// a missing .env is expected outside local development
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if role != "" {
		cfg.Server.Role = role
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Role = getEnv("SERVICE_ROLE", cfg.Server.Role)
	cfg.Server.HTTPAddr = getEnv("HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Server.GRPCAddr = getEnv("GRPC_ADDR", cfg.Server.GRPCAddr)
	cfg.Server.InstanceID = getEnv("INSTANCE_ID", cfg.Server.InstanceID)
	cfg.Storage.Driver = getEnv("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.MySQL.DSN = getEnv("MYSQL_DSN", cfg.MySQL.DSN)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Bus.Driver = getEnv("BUS_DRIVER", cfg.Bus.Driver)
	cfg.RocketMQ.Endpoint = getEnv("ROCKETMQ_ENDPOINT", cfg.RocketMQ.Endpoint)
	cfg.RocketMQ.AccessKey = getEnv("ROCKETMQ_ACCESS_KEY", cfg.RocketMQ.AccessKey)
	cfg.RocketMQ.SecretKey = getEnv("ROCKETMQ_SECRET_KEY", cfg.RocketMQ.SecretKey)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Server.Role {
	case RoleDraw, RoleOrder, RoleAll:
	default:
		errs = append(errs, fmt.Errorf("server.role %q must be draw, order or all", c.Server.Role))
	}
	switch c.Storage.Driver {
	case "mysql", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be mysql or memory", c.Storage.Driver))
	}
	switch c.Bus.Driver {
	case "redis", "rocketmq":
	case "memory":
		if c.Server.Role != RoleAll {
			errs = append(errs, errors.New("bus.driver memory requires server.role all"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q must be redis, rocketmq or memory", c.Bus.Driver))
	}
	if c.Bus.Driver == "rocketmq" && c.RocketMQ.Endpoint == "" {
		errs = append(errs, errors.New("rocketmq.endpoint is required for bus.driver rocketmq"))
	}
	if c.Order.CheckoutWindow.Duration <= 0 {
		errs = append(errs, errors.New("order.checkout_window must be positive"))
	}
	if c.Scheduler.Tick.Duration <= 0 {
		errs = append(errs, errors.New("scheduler.tick must be positive"))
	}
	if c.Scheduler.ProvisionAttempts < 1 {
		errs = append(errs, errors.New("scheduler.provision_attempts must be at least 1"))
	}
	if c.Server.InstanceID == "" {
		errs = append(errs, errors.New("server.instance_id is required"))
	}
	return errors.Join(errs...)
}

func (c Config) RunsDraw() bool  { return c.Server.Role == RoleDraw || c.Server.Role == RoleAll }
func (c Config) RunsOrder() bool { return c.Server.Role == RoleOrder || c.Server.Role == RoleAll }

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
