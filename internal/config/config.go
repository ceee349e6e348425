package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/ryandielhenn/replscale/internal/logging"
)

// AWSConfiguration selects where and from what image nodes are launched.
type AWSConfiguration struct {
	Region           string `toml:"region" validate:"required"`
	AccessKey        string `toml:"access_key"`
	SecretKey        string `toml:"secret_key" validate:"required_with=AccessKey"`
	ImageID          string `toml:"image_id" validate:"required_without=ImageDescription"`
	ImageDescription string `toml:"image_description"`
}

// MongoConfiguration addresses the two local replica sets.
type MongoConfiguration struct {
	Host         string `toml:"host" validate:"required"`
	ConfigPort   int    `toml:"config_port" validate:"min=1,max=65535"`
	DatabasePort int    `toml:"database_port" validate:"min=1,max=65535"`
	ConfigSet    string `toml:"config_set" validate:"required"`
	DatabaseSet  string `toml:"database_set" validate:"required"`
}

type ScaleConfiguration struct {
	SecurityGroups []string `toml:"security_groups" validate:"required,min=1,dive,required"`
	InstanceType   string   `toml:"instance_type" validate:"required"`
}

// RetryConfiguration applies to every replSetReconfig submission.
type RetryConfiguration struct {
	MaxAttempts       int `toml:"max_attempts" validate:"min=1"`
	InitialIntervalMS int `toml:"initial_interval_ms" validate:"min=1"`
	MaxIntervalMS     int `toml:"max_interval_ms" validate:"gtefield=InitialIntervalMS"`
}

// LockConfiguration picks the mutual-exclusion backend for scale operations.
type LockConfiguration struct {
	Backend    string   `toml:"backend" validate:"oneof=etcd local"`
	Endpoints  []string `toml:"endpoints" validate:"required_if=Backend etcd"`
	Key        string   `toml:"key" validate:"required"`
	SessionTTL int      `toml:"session_ttl_seconds" validate:"min=5"`
}

type BeaconConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Group   string `toml:"group" validate:"required,ip4_addr"`
	Port    int    `toml:"port" validate:"min=1,max=65535"`
}

type HTTPConfiguration struct {
	Addr string `toml:"addr" validate:"required"`
}

type Configuration struct {
	AWS     AWSConfiguration    `toml:"aws"`
	Mongo   MongoConfiguration  `toml:"mongo"`
	Scale   ScaleConfiguration  `toml:"scale"`
	Retry   RetryConfiguration  `toml:"retry"`
	Lock    LockConfiguration   `toml:"lock"`
	Beacon  BeaconConfiguration `toml:"beacon"`
	HTTP    HTTPConfiguration   `toml:"http"`
	Logging logging.Config      `toml:"logging"`
}

func Default() *Configuration {
	return &Configuration{
		AWS: AWSConfiguration{Region: "us-east-1"},
		Mongo: MongoConfiguration{
			Host:         "127.0.0.1",
			ConfigPort:   27019,
			DatabasePort: 27017,
			ConfigSet:    "config",
			DatabaseSet:  "database",
		},
		Scale: ScaleConfiguration{InstanceType: "t3.medium"},
		Retry: RetryConfiguration{
			MaxAttempts:       5,
			InitialIntervalMS: 500,
			MaxIntervalMS:     10000,
		},
		Lock: LockConfiguration{
			Backend:    "local",
			Key:        "/replscale/lock",
			SessionTTL: 30,
		},
		Beacon: BeaconConfiguration{
			Enabled: true,
			Group:   "239.255.255.250",
			Port:    9090,
		},
		HTTP:    HTTPConfiguration{Addr: ":8080"},
		Logging: logging.Config{Env: "dev", Level: "info"},
	}
}

// Load reads path over the defaults, then applies a .env file and REPLSCALE_*
// environment variables, then validates. A missing file is not an error.
func Load(path string) (*Configuration, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := loadDotenv(".env"); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotenv applies files to the environment. Missing files are skipped;
// a file that exists but does not parse is an error.
func loadDotenv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Configuration) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Configuration) RetryInitial() time.Duration {
	return time.Duration(c.Retry.InitialIntervalMS) * time.Millisecond
}

func (c *Configuration) RetryMax() time.Duration {
	return time.Duration(c.Retry.MaxIntervalMS) * time.Millisecond
}

func (c *Configuration) applyEnv() error {
	str := map[string]*string{
		"REPLSCALE_AWS_REGION":     &c.AWS.Region,
		"REPLSCALE_AWS_ACCESS_KEY": &c.AWS.AccessKey,
		"REPLSCALE_AWS_SECRET_KEY": &c.AWS.SecretKey,
		"REPLSCALE_IMAGE_ID":       &c.AWS.ImageID,
		"REPLSCALE_INSTANCE_TYPE":  &c.Scale.InstanceType,
		"REPLSCALE_MONGO_HOST":     &c.Mongo.Host,
		"REPLSCALE_LOCK_BACKEND":   &c.Lock.Backend,
		"REPLSCALE_HTTP_ADDR":      &c.HTTP.Addr,
		"REPLSCALE_LOG_LEVEL":      &c.Logging.Level,
		"REPLSCALE_LOG_ENV":        &c.Logging.Env,
	}
	for k, dst := range str {
		if v := os.Getenv(k); v != "" {
			*dst = v
		}
	}

	list := map[string]*[]string{
		"REPLSCALE_SECURITY_GROUPS": &c.Scale.SecurityGroups,
		"REPLSCALE_ETCD_ENDPOINTS":  &c.Lock.Endpoints,
	}
	for k, dst := range list {
		if v := os.Getenv(k); v != "" {
			*dst = splitList(v)
		}
	}

	ints := map[string]*int{
		"REPLSCALE_BEACON_PORT":        &c.Beacon.Port,
		"REPLSCALE_RETRY_MAX_ATTEMPTS": &c.Retry.MaxAttempts,
	}
	for k, dst := range ints {
		if v := os.Getenv(k); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = n
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
