package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dashwall/internal/changes"
	"dashwall/internal/config"
	"dashwall/internal/hub"
	"dashwall/internal/hub/relay"
	"dashwall/internal/observability/pprof"
	"dashwall/internal/observability/tracing"
	"dashwall/internal/rotation"
	"dashwall/internal/sandbox"
	"dashwall/internal/store"
	"dashwall/internal/task/engine"
	"dashwall/internal/task/scheduler"
	"dashwall/internal/transport/socketio"
	"dashwall/internal/widget"
	logx "dashwall/pkg/logx"
)

// defaultReconcile is the store poll period when widgets.reconcile_every
// is omitted.
const defaultReconcile = "1m"

func mapLogging(cfg *config.Config, levelOverride string) logx.Config {
	level := cfg.Logging.Level
	if s := strings.TrimSpace(levelOverride); s != "" {
		level = s
	}
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	defTimeout, err := config.ParseDurationOrDefault("engine.default_timeout", ec.DefaultTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    ec.HistorySize,
	}, nil
}

func mapWidgetConfig(cfg *config.Config) (widget.Config, error) {
	wc := cfg.Widgets
	defTimeout, err := config.ParseDurationField("widgets.default_timeout", wc.DefaultTimeout)
	if err != nil {
		return widget.Config{}, err
	}
	minInterval, err := config.ParseDurationField("widgets.min_interval", wc.MinInterval)
	if err != nil {
		return widget.Config{}, err
	}
	spread, err := config.ParseDurationField("widgets.startup_spread", wc.StartupSpread)
	if err != nil {
		return widget.Config{}, err
	}
	return widget.Config{
		DefaultTimeout: defTimeout,
		TimeoutRatio:   wc.TimeoutRatio,
		MinInterval:    minInterval,
		StartupSpread:  spread,
		Shards:         wc.Shards,
		PersistState:   wc.PersistState,
	}, nil
}

// mapReconcile returns the reconcile job spec, or "" when disabled.
func mapReconcile(cfg *config.Config) (string, error) {
	raw := strings.TrimSpace(cfg.Widgets.ReconcileEvery)
	if raw == "" {
		raw = defaultReconcile
	}
	if d, err := time.ParseDuration(raw); raw == "0" || (err == nil && d == 0) {
		return "", nil
	}
	if _, err := scheduler.ParseSchedule(raw); err != nil {
		return "", fmt.Errorf("widgets.reconcile_every: %w", err)
	}
	return raw, nil
}

func mapJobsConfig(cfg *config.Config) (scheduler.Config, error) {
	spread, err := config.ParseDurationField("widgets.startup_spread", cfg.Widgets.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: cfg.Widgets.Timezone, StartupSpread: spread}, nil
}

func mapSandboxConfig(cfg *config.Config) (sandbox.Config, error) {
	sc := cfg.Sandbox
	d, err := config.ParseDurationField("sandbox.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return sandbox.Config{}, err
	}
	return sandbox.Config{
		DefaultTimeout: d,
		MaxSteps:       sc.MaxSteps,
		MaxScriptBytes: sc.MaxScriptBytes,
		CacheSize:      sc.CacheSize,
	}, nil
}

func mapRotationConfig(cfg *config.Config) (rotation.Config, error) {
	load, err := config.ParseDurationField("rotation.load_timeout", cfg.Rotation.LoadTimeout)
	if err != nil {
		return rotation.Config{}, err
	}
	minSpeed, err := config.ParseDurationField("rotation.min_speed", cfg.Rotation.MinSpeed)
	if err != nil {
		return rotation.Config{}, err
	}
	return rotation.Config{LoadTimeout: load, MinSpeed: minSpeed, Shards: cfg.Rotation.Shards}, nil
}

func mapHubConfig(cfg *config.Config) hub.Config {
	return hub.Config{Shards: cfg.Hub.Shards, Outbox: cfg.Hub.Outbox, DedupWindow: cfg.Hub.DedupWindow}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Store
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapChangesConfig(cfg *config.Config) changes.Config {
	cc := cfg.Changes
	return changes.Config{
		Driver: cc.Driver,
		Topic:  cc.Topic,
		Buffer: cc.Buffer,
		Kafka: changes.KafkaConfig{
			Brokers:       cc.Kafka.Brokers,
			ConsumerGroup: cc.Kafka.ConsumerGroup,
			OTEL:          cc.Kafka.OTEL,
		},
	}
}

func mapRelayConfig(cfg *config.Config, node string) relay.Config {
	rc := cfg.Relay
	return relay.Config{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		Channel:  rc.Channel,
		NodeID:   node,
		Buffer:   rc.Buffer,
	}
}

func mapServerConfig(cfg *config.Config) (socketio.Config, error) {
	sc := cfg.Server
	var (
		out socketio.Config
		err error
	)
	if out.PingInterval, err = config.ParseDurationField("server.ping_interval", sc.PingInterval); err != nil {
		return out, err
	}
	if out.PingTimeout, err = config.ParseDurationField("server.ping_timeout", sc.PingTimeout); err != nil {
		return out, err
	}
	if out.RequestTimeout, err = config.ParseDurationField("server.request_timeout", sc.RequestTimeout); err != nil {
		return out, err
	}
	out.Path = sc.Path
	out.CorsOrigin = sc.CorsOrigin
	out.SubscribeRate = sc.SubscribeRate
	out.SubscribeBurst = sc.SubscribeBurst
	return out, nil
}

func serverAddr(cfg *config.Config) string {
	if a := strings.TrimSpace(cfg.Server.Addr); a != "" {
		return a
	}
	return ":8080"
}

func shutdownGrace(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("server.shutdown_grace", cfg.Server.ShutdownGrace, 5*time.Second)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func mapDiagnosticsConfig(cfg *config.Config) pprof.Config {
	dc := cfg.Diagnostics
	return pprof.Config{
		Enabled:              dc.Enabled,
		Addr:                 dc.Addr,
		Token:                dc.Token,
		AllowInsecure:        dc.AllowInsecure,
		Profiles:             dc.Profiles,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
}

func mapTracingConfig(cfg *config.Config, node string) tracing.Config {
	tc := cfg.Tracing
	return tracing.Config{
		Enabled:     tc.Enabled,
		Endpoint:    tc.Endpoint,
		Insecure:    tc.Insecure,
		ServiceName: tc.ServiceName,
		SampleRatio: tc.SampleRatio,
		NodeID:      node,
	}
}

func nodeID(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.NodeID); id != "" {
		return id
	}
	return uuid.NewString()
}

// validateMapped runs every mapping so a reload that config.Validate
// accepts but a component would reject is refused as a whole.
func validateMapped(cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWidgetConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReconcile(cfg); err != nil {
		return err
	}
	if _, err := mapSandboxConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRotationConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	_, err := mapServerConfig(cfg)
	return err
}
