package config

import (
	"reflect"
	"slices"
	"strings"

	logx "dashwall/pkg/logx"
)

// SummarizeChange returns the changed section names (sorted) and safe
// structured attrs for logging. Secrets (tokens, passwords) are reported
// only as *_set booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.NodeID != newCfg.NodeID {
		changed = append(changed, "node_id")
		attrs = append(attrs, logx.String("node_id", newCfg.NodeID))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
			logx.String("engine.max_queue_delay", strings.TrimSpace(newCfg.Engine.MaxQueueDelay)),
		)
	}

	if oldCfg.Widgets != newCfg.Widgets {
		changed = append(changed, "widgets")
		attrs = append(attrs,
			logx.String("widgets.default_timeout", strings.TrimSpace(newCfg.Widgets.DefaultTimeout)),
			logx.String("widgets.min_interval", strings.TrimSpace(newCfg.Widgets.MinInterval)),
			logx.String("widgets.reconcile_every", strings.TrimSpace(newCfg.Widgets.ReconcileEvery)),
			logx.Bool("widgets.persist_state", newCfg.Widgets.PersistState),
		)
	}

	if oldCfg.Sandbox != newCfg.Sandbox {
		changed = append(changed, "sandbox")
		attrs = append(attrs,
			logx.Uint64("sandbox.max_steps", newCfg.Sandbox.MaxSteps),
			logx.Int("sandbox.cache_size", newCfg.Sandbox.CacheSize),
		)
	}

	if oldCfg.Rotation != newCfg.Rotation {
		changed = append(changed, "rotation")
		attrs = append(attrs, logx.String("rotation.min_speed", strings.TrimSpace(newCfg.Rotation.MinSpeed)))
	}

	if oldCfg.Hub != newCfg.Hub {
		changed = append(changed, "hub")
		attrs = append(attrs, logx.Int("hub.outbox", newCfg.Hub.Outbox))
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.Bool("store.dsn_set", strings.TrimSpace(newCfg.Store.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Changes, newCfg.Changes) {
		changed = append(changed, "changes")
		attrs = append(attrs,
			logx.String("changes.driver", newCfg.Changes.Driver),
			logx.Int("changes.kafka_brokers", len(newCfg.Changes.Kafka.Brokers)),
		)
	}

	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Bool("relay.enabled", newCfg.Relay.Enabled),
			logx.String("relay.addr", newCfg.Relay.Addr),
			logx.Bool("relay.password_set", newCfg.Relay.Password != ""),
		)
	}

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.String("server.path", newCfg.Server.Path),
		)
	}

	if oldCfg.Diagnostics.Enabled != newCfg.Diagnostics.Enabled ||
		strings.TrimSpace(oldCfg.Diagnostics.Addr) != strings.TrimSpace(newCfg.Diagnostics.Addr) ||
		oldCfg.Diagnostics.AllowInsecure != newCfg.Diagnostics.AllowInsecure ||
		oldCfg.Diagnostics.Profiles != newCfg.Diagnostics.Profiles ||
		oldCfg.Diagnostics.MutexProfileFraction != newCfg.Diagnostics.MutexProfileFraction ||
		oldCfg.Diagnostics.BlockProfileRate != newCfg.Diagnostics.BlockProfileRate ||
		oldCfg.Diagnostics.Token != newCfg.Diagnostics.Token {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", newCfg.Diagnostics.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(newCfg.Diagnostics.Addr)),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(newCfg.Diagnostics.Token) != ""),
			logx.Bool("diagnostics.profiles", newCfg.Diagnostics.Profiles),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs,
			logx.Bool("tracing.enabled", newCfg.Tracing.Enabled),
			logx.String("tracing.endpoint", newCfg.Tracing.Endpoint),
		)
	}

	slices.Sort(changed)
	return changed, attrs
}

// restartOnly lists sections whose changes are picked up only at startup.
var restartOnly = []string{
	"changes", "hub", "node_id", "relay", "rotation",
	"sandbox", "server", "store", "tracing", "widgets",
}

// RestartRequired returns the subset of sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			out = append(out, s)
		}
	}
	return out
}
