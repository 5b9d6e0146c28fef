package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); an empty string selects the component default.
type Config struct {
	// NodeID names this process in relay messages and trace resources.
	// Empty means a random id per start.
	NodeID string `json:"node_id,omitempty"`

	Logging     LoggingConfig     `json:"logging"`
	Engine      EngineConfig      `json:"engine"`
	Widgets     WidgetsConfig     `json:"widgets"`
	Sandbox     SandboxConfig     `json:"sandbox"`
	Rotation    RotationConfig    `json:"rotation"`
	Hub         HubConfig         `json:"hub"`
	Store       StoreConfig       `json:"store"`
	Changes     ChangesConfig     `json:"changes"`
	Relay       RelayConfig       `json:"relay"`
	Server      ServerConfig      `json:"server"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Tracing     TracingConfig     `json:"tracing"`
}

type LoggingConfig struct {
	Level   string      `json:"level"             validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty" validate:"omitempty,oneof=pretty json"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// EngineConfig sizes the shared worker pool.
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"    validate:"gte=0,lte=1024"`
	QueueSize int `json:"queue_size,omitempty" validate:"gte=0"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops work that waited longer than this. "0s" disables.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty" validate:"gte=0"`
}

type WidgetsConfig struct {
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	TimeoutRatio   float64 `json:"timeout_ratio,omitempty" validate:"gte=0,lte=1"`
	MinInterval    string  `json:"min_interval,omitempty"`
	StartupSpread  string  `json:"startup_spread,omitempty"`
	// ReconcileEvery is a duration or cron spec for the store poll.
	// Empty means 1m; "0s" disables.
	ReconcileEvery string `json:"reconcile_every,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	Shards         int    `json:"shards,omitempty" validate:"gte=0"`
	PersistState   bool   `json:"persist_state,omitempty"`
}

type SandboxConfig struct {
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxSteps       uint64 `json:"max_steps,omitempty"`
	MaxScriptBytes int    `json:"max_script_bytes,omitempty" validate:"gte=0"`
	CacheSize      int    `json:"cache_size,omitempty"       validate:"gte=0"`
}

type RotationConfig struct {
	LoadTimeout string `json:"load_timeout,omitempty"`
	MinSpeed    string `json:"min_speed,omitempty"`
	Shards      int    `json:"shards,omitempty" validate:"gte=0"`
}

type HubConfig struct {
	Shards      int `json:"shards,omitempty"       validate:"gte=0"`
	Outbox      int `json:"outbox,omitempty"       validate:"gte=0"`
	DedupWindow int `json:"dedup_window,omitempty" validate:"gte=0"`
}

// StoreConfig selects the definition store.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./dashwall.db" }
type StoreConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=memory sqlite sqlite3 postgres postgresql hcl"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Watch reloads an hcl directory on change.
	Watch bool `json:"watch,omitempty"`
}

type ChangesConfig struct {
	Driver string      `json:"driver,omitempty" validate:"omitempty,oneof=gochannel kafka"`
	Topic  string      `json:"topic,omitempty"`
	Buffer int64       `json:"buffer,omitempty" validate:"gte=0"`
	Kafka  KafkaConfig `json:"kafka"`
}

type KafkaConfig struct {
	Brokers       []string `json:"brokers,omitempty" validate:"omitempty,dive,hostname_port"`
	ConsumerGroup string   `json:"consumer_group,omitempty"`
	OTEL          bool     `json:"otel,omitempty"`
}

type RelayConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"     validate:"gte=0"`
	Channel  string `json:"channel,omitempty"`
	Buffer   int    `json:"buffer,omitempty" validate:"gte=0"`
}

// ServerConfig is the public listener serving screens.
type ServerConfig struct {
	Addr           string  `json:"addr,omitempty"`
	Path           string  `json:"path,omitempty" validate:"omitempty,startswith=/"`
	PingInterval   string  `json:"ping_interval,omitempty"`
	PingTimeout    string  `json:"ping_timeout,omitempty"`
	CorsOrigin     string  `json:"cors_origin,omitempty"`
	SubscribeRate  float64 `json:"subscribe_rate,omitempty"  validate:"gte=0"`
	SubscribeBurst int     `json:"subscribe_burst,omitempty" validate:"gte=0"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	ShutdownGrace  string  `json:"shutdown_grace,omitempty"`
}

// DiagnosticsConfig controls the health/stats/pprof listener.
//
// Prefer a loopback addr. A non-loopback addr needs a token or
// allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiles      bool   `json:"profiles,omitempty"`

	// Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"     validate:"gte=0"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty" validate:"gte=0,lte=1"`
}
