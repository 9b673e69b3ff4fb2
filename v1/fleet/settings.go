package fleet

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	goUUID "github.com/hashicorp/go-uuid"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-fleet/v1/coord"
	"github.com/mirkobrombin/go-fleet/v1/lock"
	"github.com/mirkobrombin/go-fleet/v1/notify"
	"github.com/mirkobrombin/go-fleet/v1/ratelimit"
)

// EnvPrefix is prepended to every environment variable, e.g.
// FLEET_REDIS_ADDRS.
const EnvPrefix = "FLEET"

// Settings is the process configuration. It is read once at startup.
type Settings struct {
	// Backend serves the key operations: redis, etcd or memory.
	Backend             string        `mapstructure:"backend" validate:"oneof=redis etcd memory"`
	RedisAddrs          []string      `mapstructure:"redis_addrs" validate:"required_if=Backend redis,dive,required"`
	RedisSentinelMaster string        `mapstructure:"redis_sentinel_master"`
	RedisUsername       string        `mapstructure:"redis_username"`
	RedisPassword       string        `mapstructure:"redis_password"`
	RedisDB             int           `mapstructure:"redis_db" validate:"gte=0"`
	EtcdEndpoints       []string      `mapstructure:"etcd_endpoints" validate:"required_if=Backend etcd,dive,required"`
	EtcdPrefix          string        `mapstructure:"etcd_prefix"`

	// Transport serves publish/subscribe. Empty means the backend itself.
	Transport    string   `mapstructure:"transport" validate:"omitempty,oneof=redis nats kafka etcd"`
	NATSURL      string   `mapstructure:"nats_url" validate:"required_if=Transport nats"`
	KafkaBrokers []string `mapstructure:"kafka_brokers" validate:"required_if=Transport kafka,dive,required"`

	OpTimeout        time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	BreakerThreshold int           `mapstructure:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown" validate:"gt=0"`

	ConfigMode string        `mapstructure:"config_mode" validate:"oneof=file shared-store database"`
	WorkDir    string        `mapstructure:"work_dir" validate:"required_if=ConfigMode file"`
	DBDialect  string        `mapstructure:"db_dialect" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql"`
	DBDSN      string        `mapstructure:"db_dsn"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`

	// DriftInterval is how often the cached config is compared with the
	// backend. Zero disables the check.
	DriftInterval time.Duration `mapstructure:"drift_interval" validate:"gte=0"`

	LockPrefix      string        `mapstructure:"lock_prefix" validate:"required"`
	RateLimitPrefix string        `mapstructure:"ratelimit_prefix" validate:"required"`
	RateLimit       int           `mapstructure:"ratelimit_limit" validate:"gt=0"`
	RateLimitWindow time.Duration `mapstructure:"ratelimit_window" validate:"gt=0"`
	NotifyChannel   string        `mapstructure:"notify_channel" validate:"required"`
	ReplicaID       string        `mapstructure:"replica_id"`

	HTTPAddr string `mapstructure:"http_addr" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Trace    bool   `mapstructure:"trace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", "redis")
	v.SetDefault("redis_addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis_sentinel_master", "")
	v.SetDefault("redis_username", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("etcd_endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("etcd_prefix", "fleet/")
	v.SetDefault("transport", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("op_timeout", coord.DefaultOpTimeout)
	v.SetDefault("breaker_threshold", 3)
	v.SetDefault("breaker_cooldown", 5*time.Second)
	v.SetDefault("config_mode", "file")
	v.SetDefault("work_dir", "./data")
	v.SetDefault("db_dialect", "sqlite")
	v.SetDefault("db_dsn", "")
	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("drift_interval", time.Minute)
	v.SetDefault("lock_prefix", lock.DefaultKeyPrefix)
	v.SetDefault("ratelimit_prefix", ratelimit.DefaultKeyPrefix)
	v.SetDefault("ratelimit_limit", 10)
	v.SetDefault("ratelimit_window", time.Minute)
	v.SetDefault("notify_channel", notify.DefaultChannel)
	v.SetDefault("replica_id", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("trace", false)
}

// LoadSettings reads the FLEET_* environment on top of the defaults and
// validates the result. A missing replica id is generated.
func LoadSettings() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("fleet: settings: %w", err)
	}
	s.normalize()
	if s.ReplicaID == "" {
		id, err := goUUID.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("fleet: replica id: %w", err)
		}
		s.ReplicaID = id
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) normalize() {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	s.ConfigMode = strings.ToLower(strings.TrimSpace(s.ConfigMode))
	s.LogLevel = strings.ToLower(strings.TrimSpace(s.LogLevel))
	s.RedisAddrs = trimAll(s.RedisAddrs)
	s.EtcdEndpoints = trimAll(s.EtcdEndpoints)
	s.KafkaBrokers = trimAll(s.KafkaBrokers)
}

func trimAll(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks the struct tags and reports every failing field.
func (s *Settings) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		// Report the environment variable, not the Go field.
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return EnvPrefix + "_" + strings.ToUpper(name)
	})
	if s.ConfigMode != "file" && s.DBDSN == "" {
		return errors.New(`fleet: settings: FLEET_DB_DSN is required when FLEET_CONFIG_MODE is not "file"`)
	}
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s=%q failed %q validation", e.Field(), fmt.Sprint(e.Value()), e.ActualTag()))
	}
	return fmt.Errorf("fleet: invalid settings: %s", strings.Join(msgs, "; "))
}
