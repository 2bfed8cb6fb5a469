// Package config loads the tunables of spec §6 via viper, with a base
// file, an environment-specific overlay, and APP_-prefixed environment
// variable overrides — the same three-tier load as the teacher's own
// pkg/config. Keys are read as named in Config's mapstructure tags (e.g.
// ListOfServers, zoneAffinity.maxLoadPerServer); they carry no client-name
// or namespace prefix, so one loaded Config serves every client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds every tunable named in spec §6.
type Config struct {
	ClientName string `mapstructure:"client_name"`

	ListOfServers string `mapstructure:"ListOfServers"`

	NFLoadBalancerClassName     string `mapstructure:"NFLoadBalancerClassName"`
	NFLoadBalancerRuleClassName string `mapstructure:"NFLoadBalancerRuleClassName"`
	NFLoadBalancerPingClassName string `mapstructure:"NFLoadBalancerPingClassName"`
	NIWSServerListClassName     string `mapstructure:"NIWSServerListClassName"`

	ServerListRefreshIntervalMs int           `mapstructure:"ServerListRefreshIntervalMs"`
	NFLoadBalancerPingInterval  time.Duration `mapstructure:"NFLoadBalancerPingInterval"`

	EnableZoneAffinity    bool `mapstructure:"EnableZoneAffinity"`
	EnableZoneExclusivity bool `mapstructure:"EnableZoneExclusivity"`

	ZoneAffinity struct {
		MaxLoadPerServer             float64 `mapstructure:"maxLoadPerServer"`
		MaxBlackOutServesrPercentage float64 `mapstructure:"maxBlackOutServesrPercentage"`
		MinAvailableServers          int     `mapstructure:"minAvailableServers"`
	} `mapstructure:"zoneAffinity"`

	ServerListSubsetFilter struct {
		Size                          int     `mapstructure:"size"`
		ForceEliminatePercent         float64 `mapstructure:"forceEliminatePercent"`
		EliminationConnectionThresold int     `mapstructure:"eliminationConnectionThresold"`
		EliminationFailureThresold    int     `mapstructure:"eliminationFailureThresold"`
	} `mapstructure:"ServerListSubsetFilter"`

	ZoneAwareNIWSDiscoveryLoadBalancer struct {
		TriggeringLoadPerServerThreshold float64 `mapstructure:"triggeringLoadPerServerThreshold"`
		AvoidZoneWithBlackoutPercetage   float64 `mapstructure:"avoidZoneWithBlackoutPercetage"`
	} `mapstructure:"ZoneAwareNIWSDiscoveryLoadBalancer"`

	AvailabilityFilteringRule struct {
		ActiveConnectionsLimit int  `mapstructure:"activeConnectionsLimit"`
		FilterCircuitTripped   bool `mapstructure:"filterCircuitTripped"`
	} `mapstructure:"availabilityFilteringRule"`
}

var (
	cfg     Config
	once    sync.Once
	logger  *logrus.Logger
	initErr error
)

// Initialize sets the logger used for non-fatal config-load warnings.
func Initialize(l *logrus.Logger) {
	logger = l
}

// Load reads configuration from configPath, applying defaults first and
// environment variable overrides last. Safe to call multiple times; only
// the first call does the work (use Reload to force a re-read).
func Load(configPath string) error {
	once.Do(func() {
		if logger == nil {
			logger = logrus.New()
		}

		setDefaults()

		env := os.Getenv("APP_ENV")
		if env == "" {
			env = "development"
		}

		v := viper.New()
		v.SetConfigName("balancer.base")
		v.SetConfigType("yaml")
		v.AddConfigPath(configPath)
		v.AddConfigPath("./config")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				logger.Warnf("error reading base config: %v", err)
			}
		}

		v.SetConfigName(fmt.Sprintf("balancer.%s", env))
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				logger.Warnf("error reading %s config: %v", env, err)
			}
		}

		v.SetEnvPrefix("APP")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if err := v.Unmarshal(&cfg); err != nil {
			logger.Errorf("failed to unmarshal configuration: %v", err)
			initErr = err
			return
		}

		initErr = validate(&cfg)
	})

	return initErr
}

// Get returns the loaded configuration.
func Get() Config {
	return cfg
}

// Reload forces Load to run again, picking up any changes on disk.
func Reload(configPath string) error {
	once = sync.Once{}
	return Load(configPath)
}

func setDefaults() {
	cfg.ClientName = "default"

	cfg.NFLoadBalancerClassName = "ZoneAwareLoadBalancer"
	cfg.NFLoadBalancerRuleClassName = "ZoneAvoidanceRule"
	cfg.NFLoadBalancerPingClassName = "DummyPing"
	cfg.NIWSServerListClassName = "ConfigurationBasedServerList"

	cfg.ServerListRefreshIntervalMs = 30000
	cfg.NFLoadBalancerPingInterval = 30 * time.Second

	cfg.EnableZoneAffinity = false
	cfg.EnableZoneExclusivity = false

	cfg.ZoneAffinity.MaxLoadPerServer = 0.6
	cfg.ZoneAffinity.MaxBlackOutServesrPercentage = 0.8
	cfg.ZoneAffinity.MinAvailableServers = 2

	cfg.ServerListSubsetFilter.Size = 20
	cfg.ServerListSubsetFilter.ForceEliminatePercent = 0.1
	cfg.ServerListSubsetFilter.EliminationConnectionThresold = 0
	cfg.ServerListSubsetFilter.EliminationFailureThresold = 0

	cfg.ZoneAwareNIWSDiscoveryLoadBalancer.TriggeringLoadPerServerThreshold = 0.2
	cfg.ZoneAwareNIWSDiscoveryLoadBalancer.AvoidZoneWithBlackoutPercetage = 0.99999

	cfg.AvailabilityFilteringRule.ActiveConnectionsLimit = int(^uint32(0) >> 1)
	cfg.AvailabilityFilteringRule.FilterCircuitTripped = true
}

func validate(c *Config) error {
	if c.ServerListRefreshIntervalMs <= 0 {
		return fmt.Errorf("ServerListRefreshIntervalMs must be positive, got %d", c.ServerListRefreshIntervalMs)
	}
	if c.ServerListSubsetFilter.Size <= 0 {
		return fmt.Errorf("ServerListSubsetFilter.size must be positive, got %d", c.ServerListSubsetFilter.Size)
	}
	return nil
}
