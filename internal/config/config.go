package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a taskfarm deployment.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Master     MasterConfig     `yaml:"master"`
	Local      LocalConfig      `yaml:"local"`
	Grid       GridConfig       `yaml:"grid"`
	Volunteer  VolunteerConfig  `yaml:"volunteer"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the HTTP API configuration of the master.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"TF_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"TF_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"TF_SERVER_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" env:"TF_SERVER_ENABLE_CORS"`
	// MaxWait caps the ?timeout= of blocking result requests.
	MaxWait time.Duration `yaml:"max_wait" env:"TF_SERVER_MAX_WAIT"`
}

// MasterConfig holds scheduler configuration.
type MasterConfig struct {
	Backends          []string      `yaml:"backends" env:"TF_MASTER_BACKENDS"`
	MaxAttempts       int           `yaml:"max_attempts" env:"TF_MASTER_MAX_ATTEMPTS"`
	DispatchInterval  time.Duration `yaml:"dispatch_interval" env:"TF_MASTER_DISPATCH_INTERVAL"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval" env:"TF_MASTER_DISCOVERY_INTERVAL"`
	TaskTimeout       time.Duration `yaml:"task_timeout" env:"TF_MASTER_TASK_TIMEOUT"`
	FinalizeGrace     time.Duration `yaml:"finalize_grace" env:"TF_MASTER_FINALIZE_GRACE"`
	CancelGrace       time.Duration `yaml:"cancel_grace" env:"TF_MASTER_CANCEL_GRACE"`
	BackendTimeout    time.Duration `yaml:"backend_timeout" env:"TF_MASTER_BACKEND_TIMEOUT"`
	TransientKinds    []string      `yaml:"transient_kinds" env:"TF_MASTER_TRANSIENT_KINDS"`
}

// LocalConfig configures the in-process backend.
type LocalConfig struct {
	Workers           int           `yaml:"workers" env:"TF_LOCAL_WORKERS"`
	Tags              []string      `yaml:"tags" env:"TF_LOCAL_TAGS"`
	SpeedClass        string        `yaml:"speed_class" env:"TF_LOCAL_SPEED_CLASS"`
	PayloadTimeout    time.Duration `yaml:"payload_timeout" env:"TF_LOCAL_PAYLOAD_TIMEOUT"`
	RemoveAttachments bool          `yaml:"remove_attachments" env:"TF_LOCAL_REMOVE_ATTACHMENTS"`
}

// GridConfig configures the Kubernetes Job backend.
type GridConfig struct {
	Namespace    string   `yaml:"namespace" env:"TF_GRID_NAMESPACE"`
	Kubeconfig   string   `yaml:"kubeconfig" env:"TF_GRID_KUBECONFIG"`
	Image        string   `yaml:"image" env:"TF_GRID_IMAGE"`
	Command      []string `yaml:"command" env:"TF_GRID_COMMAND"`
	TemplatePath string   `yaml:"template_path" env:"TF_GRID_TEMPLATE_PATH"`
	Slots        int      `yaml:"slots" env:"TF_GRID_SLOTS"`
	Tags         []string `yaml:"tags" env:"TF_GRID_TAGS"`
	Platform     string   `yaml:"platform" env:"TF_GRID_PLATFORM"`
	SpeedClass   string   `yaml:"speed_class" env:"TF_GRID_SPEED_CLASS"`
	ResultPath   string   `yaml:"result_path" env:"TF_GRID_RESULT_PATH"`
	LogTailLines int64    `yaml:"log_tail_lines" env:"TF_GRID_LOG_TAIL_LINES"`
}

// VolunteerConfig holds both sides of the volunteer protocol: the lease
// settings used by the master and the client settings used by `taskfarm volunteer`.
type VolunteerConfig struct {
	LeaseTimeout time.Duration `yaml:"lease_timeout" env:"TF_VOLUNTEER_LEASE_TIMEOUT"`
	MaxUnits     int           `yaml:"max_units" env:"TF_VOLUNTEER_MAX_UNITS"`

	MasterURL         string        `yaml:"master_url" env:"TF_VOLUNTEER_MASTER_URL"`
	Slots             int           `yaml:"slots" env:"TF_VOLUNTEER_SLOTS"`
	Tags              []string      `yaml:"tags" env:"TF_VOLUNTEER_TAGS"`
	SpeedClass        string        `yaml:"speed_class" env:"TF_VOLUNTEER_SPEED_CLASS"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"TF_VOLUNTEER_POLL_INTERVAL"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"TF_VOLUNTEER_HEARTBEAT_INTERVAL"`
	PayloadTimeout    time.Duration `yaml:"payload_timeout" env:"TF_VOLUNTEER_PAYLOAD_TIMEOUT"`
}

// CheckpointConfig selects where results of named tasks are recorded.
type CheckpointConfig struct {
	Type          string `yaml:"type" env:"TF_CHECKPOINT_TYPE"`
	Dir           string `yaml:"dir" env:"TF_CHECKPOINT_DIR"`
	RedisAddr     string `yaml:"redis_addr" env:"TF_CHECKPOINT_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"TF_CHECKPOINT_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"TF_CHECKPOINT_REDIS_DB"`
	RedisKey      string `yaml:"redis_key" env:"TF_CHECKPOINT_REDIS_KEY"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"TF_LOG_LEVEL"`
	Format     string `yaml:"format" env:"TF_LOG_FORMAT"`
	Output     string `yaml:"output" env:"TF_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"TF_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"TF_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"TF_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"TF_LOG_MAX_AGE"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxWait:      5 * time.Minute,
		},
		Master: MasterConfig{
			Backends:          []string{"local"},
			MaxAttempts:       3,
			DispatchInterval:  100 * time.Millisecond,
			DiscoveryInterval: 5 * time.Second,
			FinalizeGrace:     30 * time.Second,
			CancelGrace:       30 * time.Second,
			BackendTimeout:    10 * time.Second,
			TransientKinds:    []string{"worker_lost", "unreachable", "dispatch_failed", "timeout"},
		},
		Local: LocalConfig{},
		Grid: GridConfig{
			Namespace:    "default",
			Command:      []string{"taskfarm", "exec"},
			Slots:        4,
			Platform:     "linux/amd64",
			LogTailLines: 50,
		},
		Volunteer: VolunteerConfig{
			LeaseTimeout:      time.Minute,
			MaxUnits:          16,
			MasterURL:         "http://localhost:8080",
			PollInterval:      time.Second,
			HeartbeatInterval: 10 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Type:     "none",
			Dir:      "./checkpoints",
			RedisKey: "taskfarm:checkpoints",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "TF_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix replaces the TF_ prefix of every env tag.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets dot-path overrides such as "master.max_attempts" => "5".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}

	return cfg, nil
}

// loadFromFile reads the YAML file; a missing file leaves the defaults.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	return nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	return l.applyEnvToStruct(reflect.ValueOf(cfg).Elem())
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		name := l.envPrefix + strings.TrimPrefix(envTag, "TF_")

		envValue, ok := os.LookupEnv(name)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", name, fieldType.Name, err)
		}
	}

	return nil
}

func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := SetValue(cfg, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// SetValue sets a configuration value by its dot-separated YAML path,
// e.g. "grid.namespace".
func SetValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses YAML on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// HasBackend reports whether the named backend is enabled.
func (c *Config) HasBackend(kind string) bool {
	for _, b := range c.Master.Backends {
		if strings.EqualFold(b, kind) {
			return true
		}
	}
	return false
}
