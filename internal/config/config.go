package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "FLOWCHAIN"

var validatorUtil = validator.New()

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Lock     LockConfig     `mapstructure:"lock"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	// sqlite dsn, 例如 file:flowchain.db 或者 :memory:
	DSN string `mapstructure:"dsn" validate:"required"`
}

type LockConfig struct {
	Type      string `mapstructure:"type" validate:"oneof=local redis"`
	RedisAddr string `mapstructure:"redis_addr" validate:"required_if=Type redis"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type EngineConfig struct {
	Name        string        `mapstructure:"name" validate:"required"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"gte=0"`
	MaxSteps    int           `mapstructure:"max_steps" validate:"gte=0"`
}

type RunnerConfig struct {
	// 流程文件路径, 为空时使用内置的 holiday-request
	ProcessResource string  `mapstructure:"process_resource"`
	BusinessKey     string  `mapstructure:"business_key"`
	ApproveRatio    float64 `mapstructure:"approve_ratio" validate:"gte=0,lte=1"`
	MaxRounds       int     `mapstructure:"max_rounds" validate:"gt=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", ":memory:")
	v.SetDefault("lock.type", "local")
	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.key_prefix", "flowchain:")
	v.SetDefault("engine.name", "default")
	v.SetDefault("engine.lock_timeout", 10*time.Minute)
	v.SetDefault("engine.max_steps", 1000)
	v.SetDefault("runner.process_resource", "")
	v.SetDefault("runner.business_key", "")
	v.SetDefault("runner.approve_ratio", 0.5)
	v.SetDefault("runner.max_rounds", 100)
	v.SetDefault("log.level", "info")
}

// RegisterFlags flag 名称和配置 key 一一对应: --runner-approve-ratio -> runner.approve_ratio
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml)")
	fs.String("database-dsn", "", "sqlite dsn")
	fs.String("lock-type", "", "instance lock: local or redis")
	fs.String("lock-redis-addr", "", "redis address when lock-type is redis")
	fs.String("engine-name", "", "process engine name")
	fs.String("runner-process-resource", "", "process definition file, empty for the embedded holiday request")
	fs.String("runner-business-key", "", "business key of the started process instance")
	fs.Float64("runner-approve-ratio", 0, "probability of approving a task, 0..1")
	fs.Int("runner-max-rounds", 0, "max rounds of completing tasks")
	fs.String("log-level", "", "debug, info, warn or error")
}

/*
 * Load 加载配置, 优先级从高到低:
 1. 命令行参数 (只有显式设置的 flag 才生效)
 2. 环境变量 FLOWCHAIN_<SECTION>_<KEY>, 例如 FLOWCHAIN_LOCK_TYPE
 3. 配置文件 (--config 指定)
 4. 默认值
*/
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if file, err := fs.GetString("config"); err == nil && file != "" {
			v.SetConfigFile(file)
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "read config file %s failed", file)
			}
		}
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			key := flagNameToConfigKey(f.Name)
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = errors.Wrapf(err, "bind flag %s failed", f.Name)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// flagNameToConfigKey lock-redis-addr -> lock.redis_addr
func flagNameToConfigKey(name string) string {
	section, key, ok := strings.Cut(name, "-")
	if !ok {
		return name
	}
	return section + "." + strings.ReplaceAll(key, "-", "_")
}
