package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// HasField reports whether a field failed validation.
func (e ValidationErrors) HasField(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServerConfig(&cfg.Server)
	v.validateMasterConfig(&cfg.Master)
	if cfg.HasBackend("local") {
		v.validateLocalConfig(&cfg.Local)
	}
	if cfg.HasBackend("grid") {
		v.validateGridConfig(&cfg.Grid)
	}
	v.validateVolunteerConfig(&cfg.Volunteer)
	v.validateCheckpointConfig(&cfg.Checkpoint)
	v.validateLoggingConfig(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServerConfig(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("server.address", "invalid address format, expected host:port or :port")
	}

	if cfg.ReadTimeout < 0 {
		v.addError("server.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("server.write_timeout", "write timeout must be non-negative")
	}
	if cfg.ReadTimeout > 0 && cfg.ReadTimeout < time.Second {
		v.addError("server.read_timeout", "read timeout should be at least 1 second")
	}
	if cfg.WriteTimeout > 0 && cfg.WriteTimeout < time.Second {
		v.addError("server.write_timeout", "write timeout should be at least 1 second")
	}
	if cfg.MaxWait < 0 {
		v.addError("server.max_wait", "max wait must be non-negative")
	}
}

var validBackends = map[string]bool{
	"local": true,
	"boinc": true,
	"grid":  true,
}

func (v *Validator) validateMasterConfig(cfg *MasterConfig) {
	if len(cfg.Backends) == 0 {
		v.addError("master.backends", "at least one backend is required")
	}
	seen := make(map[string]bool)
	for _, b := range cfg.Backends {
		name := strings.ToLower(b)
		switch {
		case name == "mpi":
			v.addError("master.backends", "backend 'mpi' has no adapter in this build")
		case !validBackends[name]:
			v.addError("master.backends", fmt.Sprintf("invalid backend '%s', must be one of: local, boinc, grid", b))
		case seen[name]:
			v.addError("master.backends", fmt.Sprintf("backend '%s' listed twice", b))
		}
		seen[name] = true
	}

	if cfg.MaxAttempts < 1 {
		v.addError("master.max_attempts", "max attempts must be at least 1")
	}
	if cfg.DispatchInterval <= 0 {
		v.addError("master.dispatch_interval", "dispatch interval must be positive")
	}
	if cfg.DiscoveryInterval <= 0 {
		v.addError("master.discovery_interval", "discovery interval must be positive")
	}
	if cfg.DiscoveryInterval > 0 && cfg.DispatchInterval > 0 && cfg.DiscoveryInterval < cfg.DispatchInterval {
		v.addError("master.discovery_interval", "discovery interval should not be shorter than dispatch interval")
	}
	if cfg.TaskTimeout < 0 {
		v.addError("master.task_timeout", "task timeout must be non-negative")
	}
	if cfg.FinalizeGrace < 0 {
		v.addError("master.finalize_grace", "finalize grace must be non-negative")
	}
	if cfg.CancelGrace < 0 {
		v.addError("master.cancel_grace", "cancel grace must be non-negative")
	}
	if cfg.BackendTimeout <= 0 {
		v.addError("master.backend_timeout", "backend timeout must be positive")
	}
	for _, k := range cfg.TransientKinds {
		if strings.TrimSpace(k) == "" {
			v.addError("master.transient_kinds", "transient kinds must not be empty")
			break
		}
	}
}

func (v *Validator) validateLocalConfig(cfg *LocalConfig) {
	if cfg.Workers < 0 {
		v.addError("local.workers", "workers must be non-negative")
	}
	if cfg.PayloadTimeout < 0 {
		v.addError("local.payload_timeout", "payload timeout must be non-negative")
	}
}

func (v *Validator) validateGridConfig(cfg *GridConfig) {
	if cfg.Image == "" && cfg.TemplatePath == "" {
		v.addError("grid.image", "image or template_path is required for the grid backend")
	}
	if cfg.Slots < 1 {
		v.addError("grid.slots", "slots must be at least 1")
	}
	if cfg.LogTailLines < 0 {
		v.addError("grid.log_tail_lines", "log tail lines must be non-negative")
	}
}

func (v *Validator) validateVolunteerConfig(cfg *VolunteerConfig) {
	if cfg.LeaseTimeout <= 0 {
		v.addError("volunteer.lease_timeout", "lease timeout must be positive")
	}
	if cfg.MaxUnits < 1 {
		v.addError("volunteer.max_units", "max units must be at least 1")
	}
	if cfg.Slots < 0 {
		v.addError("volunteer.slots", "slots must be non-negative")
	}
	if cfg.MasterURL != "" {
		u, err := url.Parse(cfg.MasterURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.addError("volunteer.master_url", "master url must be an absolute http(s) URL")
		}
	}
	if cfg.HeartbeatInterval > 0 && cfg.LeaseTimeout > 0 && cfg.HeartbeatInterval >= cfg.LeaseTimeout {
		v.addError("volunteer.heartbeat_interval", "heartbeat interval should be shorter than lease timeout")
	}
}

func (v *Validator) validateCheckpointConfig(cfg *CheckpointConfig) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
	case "file":
		if cfg.Dir == "" {
			v.addError("checkpoint.dir", "dir is required for file checkpoints")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			v.addError("checkpoint.redis_addr", "redis address is required for redis checkpoints")
		} else if !isValidAddress(cfg.RedisAddr) {
			v.addError("checkpoint.redis_addr", "invalid address format, expected host:port")
		}
		if cfg.RedisKey == "" {
			v.addError("checkpoint.redis_key", "redis key is required for redis checkpoints")
		}
	default:
		v.addError("checkpoint.type", fmt.Sprintf("invalid checkpoint type '%s', must be one of: none, file, redis", cfg.Type))
	}
}

func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if cfg.Level == "" {
		v.addError("logging.level", "log level is required")
	} else if !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error, fatal", cfg.Level))
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if cfg.Format == "" {
		v.addError("logging.format", "log format is required")
	} else if !validFormats[strings.ToLower(cfg.Format)] {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stdout", "stderr":
	case "file", "both":
		if cfg.FilePath == "" {
			v.addError("logging.file_path", "file path is required when logging to a file")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, stderr, file, both", cfg.Output))
	}
}

// isValidAddress checks if the address is a valid host:port format.
func isValidAddress(addr string) bool {
	if addr == "" {
		return false
	}

	if strings.HasPrefix(addr, ":") {
		port := strings.TrimPrefix(addr, ":")
		if port == "" {
			return false
		}
		_, err := net.LookupPort("tcp", port)
		return err == nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}

	if host != "" && net.ParseIP(host) == nil && !isValidHostname(host) {
		return false
	}

	return true
}

// isValidHostname performs basic hostname validation.
func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}

	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' {
				return false
			}
		}
	}

	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
