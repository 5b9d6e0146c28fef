package app

import (
	"context"
	"encoding/json"
	"fmt"

	"dashwall/internal/capability"
	"dashwall/internal/config"
	"dashwall/internal/sandbox"
	"dashwall/internal/store"
	"dashwall/internal/task/scheduler"
	logx "dashwall/pkg/logx"
)

// Problem is one widget definition that would fail at runtime.
type Problem struct {
	WidgetID   string `json:"widgetId"`
	ProjectRef string `json:"projectRef"`
	Field      string `json:"field"`
	Message    string `json:"message"`
}

// CheckReport is the result of Check.
type CheckReport struct {
	Widgets  int       `json:"widgets"`
	Problems []Problem `json:"problems,omitempty"`
}

// Check validates the config at cfgPath and compiles every stored widget
// script without running it. A non-nil error means the check itself
// could not run.
func Check(ctx context.Context, cfgPath string, log logx.Logger) (CheckReport, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return CheckReport{}, err
	}
	if err := validateMapped(cfg); err != nil {
		return CheckReport{}, err
	}
	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return CheckReport{}, err
	}
	st, err := store.Open(sc, log)
	if err != nil {
		return CheckReport{}, fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	sbCfg, err := mapSandboxConfig(cfg)
	if err != nil {
		return CheckReport{}, err
	}
	sbx, err := sandbox.New(sbCfg, capability.Default(), log)
	if err != nil {
		return CheckReport{}, err
	}
	return checkWidgets(ctx, st, sbx)
}

func checkWidgets(ctx context.Context, st store.Reader, sbx *sandbox.Sandbox) (CheckReport, error) {
	refs, err := st.ListWidgets(ctx)
	if err != nil {
		return CheckReport{}, fmt.Errorf("list widgets: %w", err)
	}
	rep := CheckReport{Widgets: len(refs)}
	for _, ref := range refs {
		w, err := st.LoadWidget(ctx, ref.ID)
		if err != nil {
			rep.Problems = append(rep.Problems, Problem{WidgetID: ref.ID, ProjectRef: ref.ProjectRef, Field: "definition", Message: err.Error()})
			continue
		}
		if _, err := scheduler.ParseSchedule(w.Refresh); err != nil {
			rep.Problems = append(rep.Problems, Problem{WidgetID: w.ID, ProjectRef: w.ProjectRef, Field: "refresh", Message: err.Error()})
		}
		if err := sbx.Compile(w.Script); err != nil {
			rep.Problems = append(rep.Problems, Problem{WidgetID: w.ID, ProjectRef: w.ProjectRef, Field: "script", Message: err.Error()})
		}
		if len(w.OutputSchema) > 0 && !json.Valid(w.OutputSchema) {
			rep.Problems = append(rep.Problems, Problem{WidgetID: w.ID, ProjectRef: w.ProjectRef, Field: "outputSchema", Message: "not valid JSON"})
		}
	}
	return rep, nil
}
