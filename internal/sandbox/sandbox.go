// Package sandbox runs widget scripts in an embedded Starlark interpreter
// restricted to the capability-filtered host surface.
//
// A script must define a global function named run taking zero or one
// parameter. run is called once per invocation; when it declares a
// parameter it receives the frozen input record, which is also bound as
// the predeclared name input. The previous successful result is bound as
// previous (None when there is none).
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"dashwall/internal/capability"
	logx "dashwall/pkg/logx"
)

const (
	entryPoint = "run"
	scriptName = "widget.star"
)

type Config struct {
	// DefaultTimeout applies when Execute is called with timeout <= 0.
	DefaultTimeout time.Duration
	// MaxSteps bounds interpreter steps per invocation. 0 means unbounded.
	MaxSteps uint64
	// MaxScriptBytes rejects larger sources at compile time. 0 means 256 KiB.
	MaxScriptBytes int
	// CacheSize bounds compiled programs kept in memory.
	CacheSize int
}

// Bindings are the read-only values a script sees.
type Bindings struct {
	Input    map[string]any
	Previous any
	// OutputSchema is an optional JSON Schema the result must satisfy.
	OutputSchema json.RawMessage
	// Name labels log lines and spans.
	Name string
}

type Stats struct {
	Executions uint64 `json:"executions"`
	Failures   uint64 `json:"failures"`
	Timeouts   uint64 `json:"timeouts"`
	// Abandoned counts timed-out interpreter goroutines still unwinding.
	Abandoned   int64 `json:"abandoned"`
	CachedProgs int   `json:"cached_programs"`
}

// Sandbox compiles and executes scripts. It is safe for concurrent use and
// keeps no state between invocations besides the compiled-program cache.
type Sandbox struct {
	cfg    Config
	filter *capability.Filter
	log    logx.Logger
	host   starlark.StringDict

	progs   *lru.Cache[[32]byte, *starlark.Program]
	schemas *lru.Cache[[32]byte, *gojsonschema.Schema]

	executions atomic.Uint64
	failures   atomic.Uint64
	timeouts   atomic.Uint64
	abandoned  atomic.Int64
}

func New(cfg Config, filter *capability.Filter, log logx.Logger) (*Sandbox, error) {
	if filter == nil {
		filter = capability.Default()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.MaxScriptBytes <= 0 {
		cfg.MaxScriptBytes = 256 << 10
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	progs, err := lru.New[[32]byte, *starlark.Program](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("sandbox: program cache: %w", err)
	}
	schemas, err := lru.New[[32]byte, *gojsonschema.Schema](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("sandbox: schema cache: %w", err)
	}
	s := &Sandbox{
		cfg:     cfg,
		filter:  filter,
		log:     log,
		host:    hostSurface(filter),
		progs:   progs,
		schemas: schemas,
	}
	s.host.Freeze()
	return s, nil
}

// Filter returns the capability filter the sandbox was built with.
func (s *Sandbox) Filter() *capability.Filter { return s.filter }

func (s *Sandbox) Stats() Stats {
	return Stats{
		Executions:  s.executions.Load(),
		Failures:    s.failures.Load(),
		Timeouts:    s.timeouts.Load(),
		Abandoned:   s.abandoned.Load(),
		CachedProgs: s.progs.Len(),
	}
}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
}

// Compile parses and resolves src without running it. A non-nil error
// describes the CompileError Execute would report.
func (s *Sandbox) Compile(src string) error {
	_, err := s.compile(src)
	return err
}

func (s *Sandbox) compile(src string) (*starlark.Program, error) {
	if len(src) > s.cfg.MaxScriptBytes {
		return nil, fmt.Errorf("script is %d bytes; limit is %d", len(src), s.cfg.MaxScriptBytes)
	}
	key := sha256.Sum256([]byte(src))
	if p, ok := s.progs.Get(key); ok {
		return p, nil
	}
	isPredeclared := func(name string) bool {
		if name == "input" || name == "previous" {
			return true
		}
		_, ok := s.host[name]
		return ok
	}
	_, prog, err := starlark.SourceProgramOptions(fileOptions, scriptName, src, isPredeclared)
	if err != nil {
		return nil, err
	}
	if prog.NumLoads() > 0 {
		name, pos := prog.Load(0)
		return nil, fmt.Errorf("%s: load(%q) is not permitted", pos, name)
	}
	s.progs.Add(key, prog)
	return prog, nil
}

// Execute runs src once and classifies the outcome. It returns within
// timeout plus scheduling slack even if the interpreter has not yet
// observed cancellation.
func (s *Sandbox) Execute(ctx context.Context, src string, in Bindings, timeout time.Duration) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	ctx, span := otel.Tracer("dashwall/sandbox").Start(ctx, "sandbox.execute")
	defer span.End()
	span.SetAttributes(attribute.String("widget", in.Name), attribute.Int64("timeout_ms", timeout.Milliseconds()))

	res := s.execute(ctx, src, in, timeout)

	s.executions.Add(1)
	if !res.OK() {
		s.failures.Add(1)
		if res.Kind == Timeout {
			s.timeouts.Add(1)
		}
		span.SetAttributes(attribute.String("failure.kind", string(res.Kind)))
		span.SetStatus(codes.Error, res.Message)
		s.log.Debug("script failed", logx.String("widget", in.Name), logx.String("kind", string(res.Kind)), logx.String("message", res.Message))
	}
	return res
}

func (s *Sandbox) execute(ctx context.Context, src string, in Bindings, timeout time.Duration) Result {
	prog, err := s.compile(src)
	if err != nil {
		return Failure(CompileError, err.Error())
	}

	predeclared, err := s.bindings(in)
	if err != nil {
		return Failure(RuntimeError, "binding inputs: "+err.Error())
	}

	thread := &starlark.Thread{
		Name:  in.Name,
		Print: s.printer(in.Name),
	}
	if s.cfg.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.cfg.MaxSteps)
	}

	done := make(chan Result, 1)
	s.abandoned.Add(1)
	go func() {
		defer s.abandoned.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("script host panic", logx.String("widget", in.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- Failure(RuntimeError, fmt.Sprintf("host function panicked: %v", r))
			}
		}()
		done <- s.run(thread, prog, predeclared, in)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res
	case <-timer.C:
		thread.Cancel("timeout")
		return Failure(Timeout, fmt.Sprintf("script exceeded %s", timeout))
	case <-ctx.Done():
		thread.Cancel("cancelled")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Failure(Timeout, "execution deadline exceeded")
		}
		return Failure(RuntimeError, "execution cancelled")
	}
}

func (s *Sandbox) run(thread *starlark.Thread, prog *starlark.Program, predeclared starlark.StringDict, in Bindings) Result {
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return evalFailure(err)
	}

	fn, ok := globals[entryPoint].(starlark.Callable)
	if !ok {
		if _, defined := globals[entryPoint]; defined {
			return Failure(NoEntryPoint, "run is not callable")
		}
		return Failure(NoEntryPoint, "script does not define run")
	}

	var args starlark.Tuple
	if f, isFunc := fn.(*starlark.Function); isFunc {
		positional, required, err := runParams(f)
		if err != nil {
			return Failure(NoEntryPoint, err.Error())
		}
		if required > 1 {
			return Failure(NoEntryPoint, fmt.Sprintf("run requires %d parameters; want 0 or 1", required))
		}
		if positional > 0 || f.HasVarargs() {
			args = starlark.Tuple{predeclared["input"]}
		}
	}

	out, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		return evalFailure(err)
	}

	data, err := coerceResult(out)
	if err != nil {
		var oe *outputError
		if errors.As(err, &oe) {
			return Failure(InvalidOutputType, oe.msg)
		}
		return Failure(RuntimeError, err.Error())
	}
	if len(in.OutputSchema) > 0 {
		if msg := s.checkSchema(in.OutputSchema, data); msg != "" {
			return Failure(InvalidOutputType, msg)
		}
	}
	return Success(data)
}

// runParams counts the positional parameters of f and how many of them
// have no default. Keyword-only parameters must all be optional.
func runParams(f *starlark.Function) (positional, required int, err error) {
	positional = f.NumParams() - f.NumKwonlyParams()
	if f.HasVarargs() {
		positional--
	}
	if f.HasKwargs() {
		positional--
	}
	for i := 0; i < positional; i++ {
		if f.ParamDefault(i) == nil {
			required++
		}
	}
	for i := positional; i < positional+f.NumKwonlyParams(); i++ {
		if f.ParamDefault(i) == nil {
			name, _ := f.Param(i)
			return 0, 0, fmt.Errorf("run has required keyword-only parameter %q", name)
		}
	}
	return positional, required, nil
}

func (s *Sandbox) bindings(in Bindings) (starlark.StringDict, error) {
	input := in.Input
	if input == nil {
		input = map[string]any{}
	}
	iv, err := toStarlark(input)
	if err != nil {
		return nil, err
	}
	pv, err := toStarlark(in.Previous)
	if err != nil {
		return nil, err
	}
	env := make(starlark.StringDict, len(s.host)+2)
	for k, v := range s.host {
		env[k] = v
	}
	env["input"] = iv
	env["previous"] = pv
	return env, nil
}

func (s *Sandbox) printer(name string) func(*starlark.Thread, string) {
	if !s.filter.IsExposed("print") {
		return func(*starlark.Thread, string) {}
	}
	return func(_ *starlark.Thread, msg string) {
		s.log.Debug("script print", logx.String("widget", name), logx.String("msg", msg))
	}
}

func (s *Sandbox) checkSchema(raw json.RawMessage, data any) string {
	key := sha256.Sum256(raw)
	schema, ok := s.schemas.Get(key)
	if !ok {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return "output schema is invalid: " + err.Error()
		}
		s.schemas.Add(key, schema)
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return "validating output: " + err.Error()
	}
	if res.Valid() {
		return ""
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return "result does not match output schema: " + strings.Join(msgs, "; ")
}

// evalFailure maps interpreter errors onto failure kinds. Step-budget
// exhaustion counts as a timeout.
func evalFailure(err error) Result {
	msg := err.Error()
	if strings.Contains(msg, "too many steps") {
		return Failure(Timeout, "script exceeded its step budget")
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return Failure(RuntimeError, ee.Msg)
	}
	return Failure(RuntimeError, msg)
}
