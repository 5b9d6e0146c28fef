package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate runs struct rules and the checks tags cannot express. It
// never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q rule", trimRoot(fe.Namespace()), fe.Tag())
		}
		return err
	}

	durations := []struct{ path, raw string }{
		{"engine.default_timeout", cfg.Engine.DefaultTimeout},
		{"engine.max_queue_delay", cfg.Engine.MaxQueueDelay},
		{"widgets.default_timeout", cfg.Widgets.DefaultTimeout},
		{"widgets.min_interval", cfg.Widgets.MinInterval},
		{"widgets.startup_spread", cfg.Widgets.StartupSpread},
		{"sandbox.default_timeout", cfg.Sandbox.DefaultTimeout},
		{"rotation.load_timeout", cfg.Rotation.LoadTimeout},
		{"rotation.min_speed", cfg.Rotation.MinSpeed},
		{"store.busy_timeout", cfg.Store.BusyTimeout},
		{"server.ping_interval", cfg.Server.PingInterval},
		{"server.ping_timeout", cfg.Server.PingTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"server.shutdown_grace", cfg.Server.ShutdownGrace},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Widgets.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("widgets.timezone: invalid %q: %w", tz, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "sqlite", "sqlite3", "hcl":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return fmt.Errorf("store.path is required when store.driver=%s", cfg.Store.Driver)
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("store.dsn is required when store.driver=postgres")
		}
	}
	if cfg.Store.Watch && !strings.EqualFold(strings.TrimSpace(cfg.Store.Driver), "hcl") {
		return errors.New("store.watch is only supported with store.driver=hcl")
	}

	if strings.EqualFold(cfg.Changes.Driver, "kafka") && len(cfg.Changes.Kafka.Brokers) == 0 {
		return errors.New("changes.kafka.brokers is required when changes.driver=kafka")
	}
	return nil
}

func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
