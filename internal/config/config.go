package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/loykin/backupd/internal/auth"
	"github.com/loykin/backupd/internal/launcher"
	"github.com/loykin/backupd/internal/logger"
	"github.com/loykin/backupd/internal/metrics"
	"github.com/loykin/backupd/internal/schedule"
	tlsx "github.com/loykin/backupd/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every configuration key read from the environment.
const EnvPrefix = "BACKUPD"

// legacyEnv maps keys to the unprefixed variables existing deployments set.
var legacyEnv = map[string]string{
	"mode":            "MODE",
	"container":       "WP_CONTAINER",
	"scripts_dir":     "SCRIPTS_DIR",
	"backups_dir":     "BACKUPS_DIR",
	"backup_keep":     "BACKUP_KEEP",
	"server.port":     "PORT",
	"auth.jwt_secret": "JWT_SECRET",
}

type Config struct {
	Mode          string   `mapstructure:"mode" validate:"omitempty,oneof=direct containerized local docker-exec docker"`
	Container     string   `mapstructure:"container" validate:"required_if=Mode containerized,required_if=Mode docker-exec,required_if=Mode docker"`
	DockerBin     string   `mapstructure:"docker_bin"`
	Shell         string   `mapstructure:"shell"`
	ShellArgs     []string `mapstructure:"shell_args"`
	ScriptsDir    string   `mapstructure:"scripts_dir" validate:"required"`
	BackupScript  string   `mapstructure:"backup_script"`
	RestoreScript string   `mapstructure:"restore_script"`
	BackupsDir    string   `mapstructure:"backups_dir" validate:"required"`
	Timezone      string   `mapstructure:"timezone" validate:"omitempty,timezone"`
	BackupKeep    int      `mapstructure:"backup_keep" validate:"gte=0,lte=3650"`
	ForwardEnv    []string `mapstructure:"forward_env" validate:"dive,required"`

	// Env and EnvFiles extend the ambient environment scripts run with.
	// Later entries win; Env overrides files.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`

	Server   ServerConfig   `mapstructure:"server"`
	Auth     auth.Config    `mapstructure:"auth"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      logger.Config  `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	BasePath        string        `mapstructure:"base_path"`
	StaticDir       string        `mapstructure:"static_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             tlsx.Config   `mapstructure:"tls"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type ScheduleConfig struct {
	Backup string `mapstructure:"backup" validate:"omitempty,schedule"` // cron expression; empty disables
	DryRun bool   `mapstructure:"dry_run"`
}

type MetricsConfig struct {
	Enabled bool                  `mapstructure:"enabled"`
	Sampler metrics.SamplerConfig `mapstructure:"sampler"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(launcher.ModeContainerized))
	v.SetDefault("container", "wordpress")
	v.SetDefault("docker_bin", "docker")
	v.SetDefault("shell", "bash")
	v.SetDefault("shell_args", []string{"-lc"})
	v.SetDefault("scripts_dir", "/backup")
	v.SetDefault("backup_script", "backup.sh")
	v.SetDefault("restore_script", "restore.sh")
	v.SetDefault("backups_dir", "/backups")
	v.SetDefault("timezone", "")
	v.SetDefault("backup_keep", 0)
	v.SetDefault("forward_env", []string{"DB_HOST", "DB_USER", "DB_PASSWORD", "DB_NAME"})
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "default")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.issuer", "backupd")
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("schedule.backup", "")
	v.SetDefault("schedule.dry_run", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.sampler.enabled", false)
	v.SetDefault("metrics.sampler.interval", 5*time.Second)

	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.file", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	keys := make([]string, 0, len(legacyEnv))
	for k := range legacyEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
		if err := v.BindEnv(k, prefixed, legacyEnv[k]); err != nil {
			return err
		}
	}
	return nil
}

// Load reads defaults, the optional file at path (format by extension) and
// the environment, in increasing precedence, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		return schedule.Validate(fl.Field().String()) == nil
	})
	return v
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := launcher.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("invalid config: %w", auth.ErrNoSecret)
	}
	return nil
}

// LauncherConfig derives the launcher settings.
func (c *Config) LauncherConfig() launcher.Config {
	mode, _ := launcher.ParseMode(c.Mode)
	return launcher.Config{
		Mode:          mode,
		Container:     c.Container,
		DockerBin:     c.DockerBin,
		ScriptsDir:    c.ScriptsDir,
		BackupScript:  c.BackupScript,
		RestoreScript: c.RestoreScript,
		Shell:         c.Shell,
		ShellArgs:     c.ShellArgs,
	}
}

// Location resolves Timezone; empty means local time.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ScriptEnv merges the process environment, EnvFiles and Env into the
// ambient environment for scripts, as sorted KEY=VALUE pairs.
func (c *Config) ScriptEnv() ([]string, error) {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a .env file and returns sorted "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and # comments are
// ignored, an "export " prefix is dropped and matching surrounding quotes
// are removed from values.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		m[k] = v
	}
	return m, nil
}
