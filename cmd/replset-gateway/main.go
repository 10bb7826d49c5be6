package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/couchbase/replset-gateway/gateway"
	"github.com/couchbase/replset-gateway/pkg/webapi"
	"github.com/couchbase/replset-gateway/replset"
	"github.com/couchbase/replset-gateway/utils/buildversion"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = buildversion.GetVersion("github.com/couchbase/replset-gateway")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "replset-gateway",
	Short: "A service which monitors a MongoDB-compatible replica set and routes operations to it",

	Run: func(cmd *cobra.Command, args []string) {
		if autoRestart && !autoRestartProc {
			startGatewayWatchdog()
			return
		}

		startGateway()
	},
}

var cfgFile string
var watchCfgFile bool
var daemon bool
var autoRestart bool
var autoRestartProc bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&daemon, "daemon", false, "in daemon mode, replset-gateway keeps retrying the replica set instead of exiting")
	rootCmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "in auto-restart mode, we run in a child process to auto-restart on failure")
	rootCmd.Flags().BoolVar(&autoRestartProc, "auto-restart-proc", false, "in auto-restart mode, indicates we are the child process")
	_ = rootCmd.Flags().MarkHidden("auto-restart-proc")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.StringSlice("seeds", []string{"localhost:27017"}, "the replica set seed list")
	configFlags.String("set-name", "", "the expected replica set name")
	configFlags.Duration("ha-interval", replset.DefaultHaInterval, "the interval between topology monitoring passes")
	configFlags.Duration("min-heartbeat-frequency", replset.DefaultMinHeartbeatFrequency, "the interval used while no usable member is known")
	configFlags.Duration("local-threshold", replset.DefaultLocalThreshold, "the latency window for nearest selection")
	configFlags.Duration("socket-timeout", 0, "the per-operation socket timeout, must exceed ha-interval when set")
	configFlags.Duration("connection-timeout", replset.DefaultConnectionTimeout, "the timeout for handshakes and heartbeats")
	configFlags.Duration("connect-stagger", replset.DefaultConnectStagger, "the delay between connection attempts within a batch")
	configFlags.Bool("secondary-only", false, "allow the topology to connect with only secondaries")
	configFlags.String("unreachable-policy", "destroy", "what to do when discovery finds no usable member (destroy or retry)")
	configFlags.Int("buffer-max-entries", 0, "the maximum number of operations held while disconnected, 0 for unbounded")
	configFlags.Bool("debug", false, "enable debug mode")
	configFlags.String("auth-mechanism", "default", "the mechanism used to authenticate")
	configFlags.String("auth-db", "admin", "the database to authenticate against")
	configFlags.String("username", "", "the replica set username")
	configFlags.String("password", "", "the replica set password")
	configFlags.String("creds-aws-id", "", "id of secret in aws sm storing the replica set credentials")
	configFlags.String("creds-aws-region", "", "region of creds-aws-id secret")
	configFlags.String("creds-azure-id", "", "id of secret in azure kv storing the replica set credentials")
	configFlags.String("creds-azure-vault-name", "", "name of key vault storing creds-azure-id")
	configFlags.String("creds-gcp-id", "", "id of secret in gcp sm storing the replica set credentials")
	configFlags.String("creds-gcp-project-id", "", "id of project containing creds-gcp-id")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	configFlags.Int("health-port", 18097, "the grpc health port, -1 to disable")
	configFlags.StringSlice("etcd-endpoints", nil, "etcd endpoints to publish the topology to")
	configFlags.String("etcd-prefix", "/replset-gateway", "the etcd key prefix")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("rsg")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("couchbase-replset-gateway"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}
	if enableMetrics && otlpEndpoint != "" {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)

	if !enableTraces || otlpEndpoint == "" {
		return nil, meterProvider, nil
	}

	traceClient := otlptracegrpc.NewClient(
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(otlpEndpoint))
	traceExp, err := otlptrace.New(ctx, traceClient)
	if err != nil {
		return nil, nil, err
	}

	baseTracing := sdktrace.NeverSample()
	if traceEverything {
		baseTracing = sdktrace.AlwaysSample()
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExp)),
	)

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func startGateway() {
	logLevel, logger := getLogger()

	logger.Info("starting replset-gateway", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile),
		zap.Bool("daemon", daemon))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	unreachablePolicy, err := replset.ParseUnreachablePolicy(config.unreachablePolicy)
	if err != nil {
		logger.Error("invalid unreachable policy", zap.Error(err))
		os.Exit(1)
	}

	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry tracing", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger,
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
	})

	err = fetchCredentials(context.Background(), logger, config)
	if err != nil {
		logger.Error("failed to fetch replica set credentials", zap.Error(err))
		os.Exit(1)
	}

	var etcdClient *etcd.Client
	if len(config.etcdEndpoints) > 0 {
		etcdClient, err = etcd.New(etcd.Config{
			Endpoints:   config.etcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd-client"),
		})
		if err != nil {
			logger.Error("failed to connect to etcd", zap.Error(err))
			os.Exit(1)
		}
		defer etcdClient.Close()
	}

	gatewayConfig := &gateway.Config{
		Logger:                logger.Named("gateway"),
		Seeds:                 config.seeds,
		SetName:               config.setName,
		HaInterval:            config.haInterval,
		MinHeartbeatFrequency: config.minHeartbeatFrequency,
		LocalThreshold:        config.localThreshold,
		SocketTimeout:         config.socketTimeout,
		ConnectionTimeout:     config.connectionTimeout,
		ConnectStagger:        config.connectStagger,
		SecondaryOnly:         config.secondaryOnly,
		UnreachablePolicy:     unreachablePolicy,
		BufferMaxEntries:      config.bufferMaxEntries,
		Debug:                 config.debug,
		AuthMechanism:         config.authMechanism,
		AuthDB:                config.authDB,
		Username:              config.username,
		Password:              config.password,
		BindAddress:           config.bindAddress,
		HealthPort:            config.healthPort,
		Daemon:                daemon,
		EtcdClient:            etcdClient,
		EtcdPrefix:            config.etcdPrefix,
		StartupCallback: func(m *gateway.StartupInfo) {
			webapi.MarkSystemHealthy()
		},
	}

	gw, err := gateway.NewGateway(gatewayConfig)
	if err != nil {
		logger.Error("failed to initialize the gateway", zap.Error(err))
		os.Exit(1)
	}

	webapi.SetTopologySource(gw)

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)

		for _, key := range config.restartRequired(newConfig) {
			logger.Warn("config change requires a restart", zap.String("key", key))
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT:
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				}

				logger.Info("Received SIGINT, attempting graceful shutdown...")
				hasReceivedSigInt = true
				gw.Shutdown()
			case syscall.SIGTERM:
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				gw.Shutdown()
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	runErr := gw.Run(context.Background())

	err = shutdownTelemetry(context.Background(), otlpTracerProvider, otlpMeterProvider)
	if err != nil {
		logger.Warn("failed to shutdown opentelemetry providers", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("failed to run the gateway", zap.Error(runErr))
		os.Exit(1)
	}

	logger.Info("gateway shutdown gracefully")
}

// shutdownTelemetry flushes and stops whichever providers were created.
func shutdownTelemetry(
	ctx context.Context,
	tracerProvider *sdktrace.TracerProvider,
	meterProvider *sdkmetric.MeterProvider,
) error {
	var err error
	if tracerProvider != nil {
		err = multierr.Append(err, tracerProvider.Shutdown(ctx))
	}
	if meterProvider != nil {
		err = multierr.Append(err, meterProvider.Shutdown(ctx))
	}
	return err
}

// sigintLatch records whether SIGINT was already seen.  It is shared between
// the signal goroutine and the restart loop.
type sigintLatch struct {
	received atomic.Bool
}

// trip marks SIGINT as received and reports whether it already was.
func (l *sigintLatch) trip() bool {
	return l.received.Swap(true)
}

func (l *sigintLatch) tripped() bool {
	return l.received.Load()
}

func startGatewayWatchdog() {
	_, logger := getLogger()
	logger = logger.Named("watchdog")

	execProc := os.Args[0]
	execArgs := append([]string{"--auto-restart-proc"}, os.Args[1:]...)

	var sigint sigintLatch
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if sigint.trip() {
					logger.Info("received sigint a second time, terminating...")
					os.Exit(1)
				}

				logger.Info("received sigint, waiting for graceful shutdown...")
			} else if sig == syscall.SIGTERM {
				logger.Info("received sigterm, waiting for graceful shutdown...")
			}
		}
	}()

	for {
		logger.Info("starting sub-process")

		cmd := exec.Command(execProc, execArgs...)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout

		err := cmd.Start()
		if err != nil {
			logger.Info("failed to start sub-process", zap.Error(err))
		}

		err = cmd.Wait()
		if err != nil {
			logger.Info("sub-process exited with error", zap.Error(err))
		}

		if sigint.tripped() {
			break
		}

		delayTime := 1 * time.Second
		logger.Info("crash detected, restarting", zap.Duration("delay", delayTime))
		time.Sleep(delayTime)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
