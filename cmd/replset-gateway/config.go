package main

import (
	"context"
	"time"

	"github.com/couchbase/replset-gateway/utils/secretsmanager"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type config struct {
	logLevelStr           string
	seeds                 []string
	setName               string
	haInterval            time.Duration
	minHeartbeatFrequency time.Duration
	localThreshold        time.Duration
	socketTimeout         time.Duration
	connectionTimeout     time.Duration
	connectStagger        time.Duration
	secondaryOnly         bool
	unreachablePolicy     string
	bufferMaxEntries      int
	debug                 bool
	authMechanism         string
	authDB                string
	username              string
	password              string
	credsAwsId            string
	credsAwsRegion        string
	credsAzureId          string
	credsAzureVaultName   string
	credsGcpId            string
	credsGcpProjectId     string
	bindAddress           string
	webPort               int
	healthPort            int
	etcdEndpoints         []string
	etcdPrefix            string
	otlpEndpoint          string
	disableOtlpTraces     bool
	disableOtlpMetrics    bool
	traceEverything       bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:           viper.GetString("log-level"),
		seeds:                 viper.GetStringSlice("seeds"),
		setName:               viper.GetString("set-name"),
		haInterval:            viper.GetDuration("ha-interval"),
		minHeartbeatFrequency: viper.GetDuration("min-heartbeat-frequency"),
		localThreshold:        viper.GetDuration("local-threshold"),
		socketTimeout:         viper.GetDuration("socket-timeout"),
		connectionTimeout:     viper.GetDuration("connection-timeout"),
		connectStagger:        viper.GetDuration("connect-stagger"),
		secondaryOnly:         viper.GetBool("secondary-only"),
		unreachablePolicy:     viper.GetString("unreachable-policy"),
		bufferMaxEntries:      viper.GetInt("buffer-max-entries"),
		debug:                 viper.GetBool("debug"),
		authMechanism:         viper.GetString("auth-mechanism"),
		authDB:                viper.GetString("auth-db"),
		username:              viper.GetString("username"),
		password:              viper.GetString("password"),
		credsAwsId:            viper.GetString("creds-aws-id"),
		credsAwsRegion:        viper.GetString("creds-aws-region"),
		credsAzureId:          viper.GetString("creds-azure-id"),
		credsAzureVaultName:   viper.GetString("creds-azure-vault-name"),
		credsGcpId:            viper.GetString("creds-gcp-id"),
		credsGcpProjectId:     viper.GetString("creds-gcp-project-id"),
		bindAddress:           viper.GetString("bind-address"),
		webPort:               viper.GetInt("web-port"),
		healthPort:            viper.GetInt("health-port"),
		etcdEndpoints:         viper.GetStringSlice("etcd-endpoints"),
		etcdPrefix:            viper.GetString("etcd-prefix"),
		otlpEndpoint:          viper.GetString("otlp-endpoint"),
		disableOtlpTraces:     viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:    viper.GetBool("disable-otlp-metrics"),
		traceEverything:       viper.GetBool("trace-everything"),
	}

	logger.Info("parsed gateway configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.Strings("seeds", config.seeds),
		zap.String("setName", config.setName),
		zap.Duration("haInterval", config.haInterval),
		zap.Duration("minHeartbeatFrequency", config.minHeartbeatFrequency),
		zap.Duration("localThreshold", config.localThreshold),
		zap.Duration("socketTimeout", config.socketTimeout),
		zap.Duration("connectionTimeout", config.connectionTimeout),
		zap.Duration("connectStagger", config.connectStagger),
		zap.Bool("secondaryOnly", config.secondaryOnly),
		zap.String("unreachablePolicy", config.unreachablePolicy),
		zap.Int("bufferMaxEntries", config.bufferMaxEntries),
		zap.Bool("debug", config.debug),
		zap.String("authMechanism", config.authMechanism),
		zap.String("authDB", config.authDB),
		zap.String("username", config.username),
		zap.String("credsAwsId", config.credsAwsId),
		zap.String("credsAwsRegion", config.credsAwsRegion),
		zap.String("credsAzureId", config.credsAzureId),
		zap.String("credsAzureVaultName", config.credsAzureVaultName),
		zap.String("credsGcpId", config.credsGcpId),
		zap.String("credsGcpProjectId", config.credsGcpProjectId),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.Int("healthPort", config.healthPort),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config
}

// restartRequired lists the keys which differ between c and newConfig but
// are only read at startup.
func (c *config) restartRequired(newConfig *config) []string {
	var keys []string
	check := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}

	check("seeds", !equalStrings(c.seeds, newConfig.seeds))
	check("set-name", c.setName != newConfig.setName)
	check("ha-interval", c.haInterval != newConfig.haInterval)
	check("min-heartbeat-frequency", c.minHeartbeatFrequency != newConfig.minHeartbeatFrequency)
	check("local-threshold", c.localThreshold != newConfig.localThreshold)
	check("socket-timeout", c.socketTimeout != newConfig.socketTimeout)
	check("connection-timeout", c.connectionTimeout != newConfig.connectionTimeout)
	check("connect-stagger", c.connectStagger != newConfig.connectStagger)
	check("secondary-only", c.secondaryOnly != newConfig.secondaryOnly)
	check("unreachable-policy", c.unreachablePolicy != newConfig.unreachablePolicy)
	check("buffer-max-entries", c.bufferMaxEntries != newConfig.bufferMaxEntries)
	check("debug", c.debug != newConfig.debug)
	check("auth-mechanism", c.authMechanism != newConfig.authMechanism)
	check("auth-db", c.authDB != newConfig.authDB)
	check("username", c.username != newConfig.username)
	check("password", c.password != newConfig.password)
	check("bind-address", c.bindAddress != newConfig.bindAddress)
	check("web-port", c.webPort != newConfig.webPort)
	check("health-port", c.healthPort != newConfig.healthPort)
	check("etcd-endpoints", !equalStrings(c.etcdEndpoints, newConfig.etcdEndpoints))
	check("etcd-prefix", c.etcdPrefix != newConfig.etcdPrefix)
	check("otlp-endpoint", c.otlpEndpoint != newConfig.otlpEndpoint)
	check("disable-otlp-traces", c.disableOtlpTraces != newConfig.disableOtlpTraces)
	check("disable-otlp-metrics", c.disableOtlpMetrics != newConfig.disableOtlpMetrics)
	check("trace-everything", c.traceEverything != newConfig.traceEverything)

	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fetchCredentials replaces the configured username and password with the
// ones stored in a cloud secret, when one is configured.
func fetchCredentials(ctx context.Context, logger *zap.Logger, config *config) error {
	var fetch func(ctx context.Context) (*secretsmanager.Credentials, error)
	numSources := 0

	if config.credsAwsId != "" {
		if config.credsAwsRegion == "" {
			return errors.New("must specify region and id when fetching secrets from aws")
		}
		numSources++
		fetch = func(ctx context.Context) (*secretsmanager.Credentials, error) {
			logger.Info("fetching replica set credentials from aws secrets manager")
			return secretsmanager.FetchAWSSecret(ctx, config.credsAwsId, config.credsAwsRegion)
		}
	}

	if config.credsAzureId != "" {
		if config.credsAzureVaultName == "" {
			return errors.New("must specify key vault name and id when fetching secrets from azure")
		}
		numSources++
		fetch = func(ctx context.Context) (*secretsmanager.Credentials, error) {
			logger.Info("fetching replica set credentials from azure key vault")
			return secretsmanager.FetchAzureSecret(ctx, config.credsAzureId, config.credsAzureVaultName)
		}
	}

	if config.credsGcpId != "" {
		if config.credsGcpProjectId == "" {
			return errors.New("must specify project and secret ids when fetching secrets from gcp")
		}
		numSources++
		fetch = func(ctx context.Context) (*secretsmanager.Credentials, error) {
			logger.Info("fetching replica set credentials from gcp secrets manager")
			return secretsmanager.FetchGcpSecret(ctx, config.credsGcpId, config.credsGcpProjectId)
		}
	}

	if numSources == 0 {
		return nil
	}
	if numSources > 1 {
		return errors.New("only one cloud credential source may be specified")
	}
	if config.username != "" || config.password != "" {
		return errors.New("cannot use username or password when fetching creds from cloud provider")
	}

	creds, err := fetch(ctx)
	if err != nil {
		return err
	}

	config.username = creds.Username
	config.password = creds.Password
	return nil
}
