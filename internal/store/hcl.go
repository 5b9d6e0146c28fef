package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"dashwall/internal/changes"
	logx "dashwall/pkg/logx"
)

// Definition files look like:
//
//	widget "cpu" {
//	  project = "ops"
//	  refresh = "10s"
//	  script  = <<-EOT
//	    def run(cfg):
//	        return cfg["target"]
//	  EOT
//	  inputs = { target = 10 }
//	  grid {
//	    x = 0
//	    w = 2
//	  }
//	}
//
//	rotation "lobby" {
//	  entry {
//	    project = "ops"
//	    speed   = 5
//	  }
//	}
type hclFile struct {
	Widgets   []hclWidget   `hcl:"widget,block"`
	Rotations []hclRotation `hcl:"rotation,block"`
}

type hclWidget struct {
	ID           string     `hcl:"id,label"`
	Project      string     `hcl:"project"`
	Refresh      string     `hcl:"refresh"`
	Script       string     `hcl:"script"`
	Inputs       *cty.Value `hcl:"inputs,optional"`
	OutputSchema string     `hcl:"output_schema,optional"`
	Grid         *hclGrid   `hcl:"grid,block"`
}

type hclGrid struct {
	X int `hcl:"x,optional"`
	Y int `hcl:"y,optional"`
	W int `hcl:"w,optional"`
	H int `hcl:"h,optional"`
}

type hclRotation struct {
	ID      string     `hcl:"id,label"`
	Entries []hclEntry `hcl:"entry,block"`
}

type hclEntry struct {
	Project string `hcl:"project"`
	Speed   int    `hcl:"speed"`
}

// HCL serves widget and rotation definitions from a directory of *.hcl
// files. Definitions are read-only; widget state lives in memory.
type HCL struct {
	dir string
	log logx.Logger

	mu        sync.RWMutex
	widgets   map[string]Widget
	rotations map[string]Rotation

	state *Memory
}

func openHCL(cfg Config, log logx.Logger) (Store, error) {
	return NewHCL(cfg.Path, log)
}

func NewHCL(dir string, log logx.Logger) (*HCL, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("hcl store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &HCL{dir: dir, log: log, state: NewMemory()}
	widgets, rotations, err := loadHCLDir(dir)
	if err != nil {
		return nil, err
	}
	h.widgets, h.rotations = widgets, rotations
	return h, nil
}

func loadHCLDir(dir string) (map[string]Widget, map[string]Rotation, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	parser := hclparse.NewParser()
	widgets := map[string]Widget{}
	rotations := map[string]Rotation{}
	for _, path := range paths {
		f, diags := parser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, nil, fmt.Errorf("parse %s: %w", path, diags)
		}
		var doc hclFile
		if diags := gohcl.DecodeBody(f.Body, nil, &doc); diags.HasErrors() {
			return nil, nil, fmt.Errorf("decode %s: %w", path, diags)
		}
		info, _ := os.Stat(path)
		mod := time.Now()
		if info != nil {
			mod = info.ModTime()
		}

		for _, hw := range doc.Widgets {
			if _, dup := widgets[hw.ID]; dup {
				return nil, nil, fmt.Errorf("%s: widget %q defined twice", path, hw.ID)
			}
			w, err := hw.toWidget(mod)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", path, err)
			}
			widgets[w.ID] = w
		}
		for _, hr := range doc.Rotations {
			if _, dup := rotations[hr.ID]; dup {
				return nil, nil, fmt.Errorf("%s: rotation %q defined twice", path, hr.ID)
			}
			r := Rotation{ID: hr.ID, UpdatedAt: mod}
			for _, e := range hr.Entries {
				r.Entries = append(r.Entries, RotationEntry{ProjectRef: e.Project, SpeedSeconds: e.Speed})
			}
			if err := validateRotation(r); err != nil {
				return nil, nil, fmt.Errorf("%s: %w", path, err)
			}
			rotations[r.ID] = r
		}
	}
	return widgets, rotations, nil
}

func (hw hclWidget) toWidget(mod time.Time) (Widget, error) {
	w := Widget{
		ID:         hw.ID,
		ProjectRef: hw.Project,
		Refresh:    hw.Refresh,
		Script:     hw.Script,
		Grid:       Grid{W: 1, H: 1},
		UpdatedAt:  mod,
	}
	if hw.Grid != nil {
		w.Grid = Grid{X: hw.Grid.X, Y: hw.Grid.Y, W: max(hw.Grid.W, 1), H: max(hw.Grid.H, 1)}
	}
	if hw.Inputs != nil && !hw.Inputs.IsNull() {
		v, err := ctyToGo(*hw.Inputs)
		if err != nil {
			return Widget{}, fmt.Errorf("widget %q inputs: %w", hw.ID, err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return Widget{}, fmt.Errorf("widget %q inputs must be an object", hw.ID)
		}
		w.Inputs = m
	}
	if s := strings.TrimSpace(hw.OutputSchema); s != "" {
		if !json.Valid([]byte(s)) {
			return Widget{}, fmt.Errorf("widget %q output_schema is not valid JSON", hw.ID)
		}
		w.OutputSchema = json.RawMessage(s)
	}
	return w, validateWidget(w)
}

// ctyToGo converts HCL values to the JSON-shaped values scripts receive.
// Whole numbers become int64.
func ctyToGo(v cty.Value) (any, error) {
	if !v.IsKnown() || v.IsNull() {
		return nil, nil
	}
	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsObjectType() || t.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			gv, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			gv, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
}

func (h *HCL) LoadWidget(_ context.Context, id string) (Widget, error) {
	h.mu.RLock()
	w, ok := h.widgets[id]
	h.mu.RUnlock()
	if !ok {
		return Widget{}, ErrNotFound
	}
	return cloneWidget(w), nil
}

func (h *HCL) LoadRotation(_ context.Context, id string) (Rotation, error) {
	h.mu.RLock()
	r, ok := h.rotations[id]
	h.mu.RUnlock()
	if !ok {
		return Rotation{}, ErrNotFound
	}
	return cloneRotation(r), nil
}

func (h *HCL) ListWidgets(_ context.Context) ([]WidgetRef, error) {
	h.mu.RLock()
	out := make([]WidgetRef, 0, len(h.widgets))
	for _, w := range h.widgets {
		out = append(out, WidgetRef{ID: w.ID, ProjectRef: w.ProjectRef})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *HCL) SaveWidget(context.Context, Widget) error     { return ErrReadOnly }
func (h *HCL) DeleteWidget(context.Context, string) error   { return ErrReadOnly }
func (h *HCL) SaveRotation(context.Context, Rotation) error { return ErrReadOnly }
func (h *HCL) DeleteRotation(context.Context, string) error { return ErrReadOnly }
func (h *HCL) DeleteProject(context.Context, string) error  { return ErrReadOnly }
func (h *HCL) Close() error                                 { return nil }

func (h *HCL) SaveWidgetState(ctx context.Context, st WidgetState) error {
	return h.state.SaveWidgetState(ctx, st)
}

func (h *HCL) LoadWidgetState(ctx context.Context, widgetID string) (WidgetState, error) {
	return h.state.LoadWidgetState(ctx, widgetID)
}

// Reload re-reads the directory and returns what changed. A directory that
// fails to parse leaves the previous definitions in place.
func (h *HCL) Reload() ([]changes.Change, error) {
	widgets, rotations, err := loadHCLDir(h.dir)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	oldW, oldR := h.widgets, h.rotations
	h.widgets, h.rotations = widgets, rotations
	h.mu.Unlock()

	now := time.Now()
	var out []changes.Change
	for id, w := range widgets {
		if prev, ok := oldW[id]; !ok || !sameJSON(prev, w, true) {
			out = append(out, changes.Change{Kind: changes.WidgetUpserted, ID: id, ProjectRef: w.ProjectRef, At: now})
		}
	}
	for id, w := range oldW {
		if _, ok := widgets[id]; !ok {
			out = append(out, changes.Change{Kind: changes.WidgetDeleted, ID: id, ProjectRef: w.ProjectRef, At: now})
		}
	}
	for id, r := range rotations {
		if prev, ok := oldR[id]; !ok || !sameJSON(prev.Entries, r.Entries, false) {
			out = append(out, changes.Change{Kind: changes.RotationUpserted, ID: id, At: now})
		}
	}
	for id := range oldR {
		if _, ok := rotations[id]; !ok {
			out = append(out, changes.Change{Kind: changes.RotationDeleted, ID: id, At: now})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// sameJSON compares two definitions by content. Widgets ignore UpdatedAt
// because every file in a touched directory gets a new mtime.
func sameJSON(a, b any, widget bool) bool {
	if widget {
		wa, wb := a.(Widget), b.(Widget)
		wa.UpdatedAt, wb.UpdatedAt = time.Time{}, time.Time{}
		a, b = wa, wb
	}
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}

// Watch reloads on file changes and publishes the differences until ctx ends.
func (h *HCL) Watch(ctx context.Context, pub changes.Publisher) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(h.dir); err != nil {
		return fmt.Errorf("watch %s: %w", h.dir, err)
	}

	// Editors write in bursts; settle before reading.
	const settle = 250 * time.Millisecond
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("definition watcher closed")
			}
			if filepath.Ext(ev.Name) != ".hcl" {
				continue
			}
			timer.Reset(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("definition watcher closed")
			}
			h.log.Warn("definition watch error", logx.Err(err))
		case <-timer.C:
			diff, err := h.Reload()
			if err != nil {
				h.log.Warn("definition reload failed; keeping previous", logx.String("dir", h.dir), logx.Err(err))
				continue
			}
			h.log.Info("definitions reloaded", logx.String("dir", h.dir), logx.Int("changes", len(diff)))
			for _, c := range diff {
				if err := pub.Publish(ctx, c); err != nil {
					h.log.Warn("publish change failed", logx.String("id", c.ID), logx.Err(err))
				}
			}
		}
	}
}
