package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv  string `mapstructure:"APP_ENV"`
	AppName string `mapstructure:"APP_NAME"`

	Database struct {
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`

	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`

	Scheduler struct {
		Addr          string        `mapstructure:"ADDR"`
		MisfireGrace  time.Duration `mapstructure:"MISFIRE_GRACE"`
		ReconcileIntv time.Duration `mapstructure:"RECONCILE_INTERVAL"`
		SweepIntv     time.Duration `mapstructure:"SWEEP_INTERVAL"`
		TempRetention time.Duration `mapstructure:"TEMP_RETENTION"`
	} `mapstructure:"SCHEDULER"`

	Runner struct {
		Addr               string        `mapstructure:"ADDR"`
		TempPath           string        `mapstructure:"TEMP_PATH"`
		Concurrency        int           `mapstructure:"CONCURRENCY"`
		RetryDelay         time.Duration `mapstructure:"RETRY_DELAY"`
		AdmissionDelay     time.Duration `mapstructure:"ADMISSION_RETRY_DELAY"`
		ConnectTimeout     time.Duration `mapstructure:"CONNECT_TIMEOUT"`
		MinFreeDiskPercent float64       `mapstructure:"MIN_FREE_DISK_PERCENT"`
		MaxCPUPercent      float64       `mapstructure:"MAX_CPU_PERCENT"`
		MinFreeMemPercent  float64       `mapstructure:"MIN_FREE_MEM_PERCENT"`
	} `mapstructure:"RUNNER"`

	Storage struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"STORAGE"`

	SMTP struct {
		Host     string `mapstructure:"HOST"`
		Port     int    `mapstructure:"PORT"`
		User     string `mapstructure:"USER"`
		Password string `mapstructure:"PASSWORD"`
		Sender   string `mapstructure:"SENDER"`
	} `mapstructure:"SMTP"`

	Git struct {
		URL       string `mapstructure:"URL"`
		Username  string `mapstructure:"USERNAME"`
		Password  string `mapstructure:"PASSWORD"`
		DevopsURL string `mapstructure:"DEVOPS_URL"`
	} `mapstructure:"GIT"`

	WebHost   string `mapstructure:"WEB_HOST"`
	SecretAES string `mapstructure:"SECRET_AES"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config file", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	applyDefaults(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Scheduler.MisfireGrace == 0 {
		cfg.Scheduler.MisfireGrace = 30 * time.Second
	}
	if cfg.Scheduler.ReconcileIntv == 0 {
		cfg.Scheduler.ReconcileIntv = time.Hour
	}
	if cfg.Scheduler.SweepIntv == 0 {
		cfg.Scheduler.SweepIntv = 30 * time.Second
	}
	if cfg.Scheduler.TempRetention == 0 {
		cfg.Scheduler.TempRetention = 12 * time.Hour
	}
	if cfg.Runner.TempPath == "" {
		cfg.Runner.TempPath = os.TempDir()
	}
	if cfg.Runner.Concurrency == 0 {
		cfg.Runner.Concurrency = 12
	}
	if cfg.Runner.RetryDelay == 0 {
		cfg.Runner.RetryDelay = 5 * time.Minute
	}
	if cfg.Runner.AdmissionDelay == 0 {
		cfg.Runner.AdmissionDelay = cfg.Runner.RetryDelay
	}
	if cfg.Runner.ConnectTimeout == 0 {
		cfg.Runner.ConnectTimeout = 3 * time.Minute
	}
	if cfg.Runner.MinFreeDiskPercent == 0 {
		cfg.Runner.MinFreeDiskPercent = 10
	}
	if cfg.Runner.MaxCPUPercent == 0 {
		cfg.Runner.MaxCPUPercent = 90
	}
	if cfg.Runner.MinFreeMemPercent == 0 {
		cfg.Runner.MinFreeMemPercent = 5
	}
}
