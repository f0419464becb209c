package sandboxrt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/qflow-run/qflow/internal/qerrors"
)

// Module is a parsed, scored step script ready to run. It follows the
// reference executor's pattern of loading a script into a goja Runtime
// (internal/services_functions_ref/tee_executor.go), generalized with the
// import allowlisting and security scoring spec §4.4 requires.
type Module struct {
	Source        string
	Imports       []string
	SecurityScore int
}

var importPattern = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)

// dangerousImportPatterns and their score penalties stand in for the
// "dangerous import patterns" half of the security scan spec §4.4 names.
var dangerousImportPatterns = map[string]int{
	"child_process": 60,
	"fs":             30,
	"net":            30,
	"vm":             40,
	"process":        20,
}

// Host loads step source into a goja Runtime and runs it under a
// ResourceLimiter, routing every host import through a CapabilityManager
// token (spec §4.4).
type Host struct {
	maxModuleBytes int64
	scoreFloor     int
	capMgr         *CapabilityManager
}

// NewHost builds a Host. maxModuleBytes bounds script size; scoreFloor is
// the minimum security score (0-100) a module must clear to run.
func NewHost(maxModuleBytes int64, scoreFloor int, capMgr *CapabilityManager) *Host {
	return &Host{maxModuleBytes: maxModuleBytes, scoreFloor: scoreFloor, capMgr: capMgr}
}

// LoadModule parses source's declared imports, rejects any import outside
// allowedImports, runs the in-process security scan, and rejects a module
// scoring below the configured floor (spec §4.4).
func (h *Host) LoadModule(source string, allowedImports []string) (*Module, error) {
	if h.maxModuleBytes > 0 && int64(len(source)) > h.maxModuleBytes {
		return nil, qerrors.New(qerrors.KindSandboxViolation, "module exceeds maximum size")
	}

	imports := parseImports(source)
	allowed := make(map[string]bool, len(allowedImports))
	for _, i := range allowedImports {
		allowed[i] = true
	}
	for _, imp := range imports {
		if !allowed[imp] {
			return nil, qerrors.Wrap(qerrors.KindCapabilityDenied, "import not in allowlist", fmt.Errorf("import %q", imp))
		}
	}

	score := scanSecurity(source, imports)
	if score < h.scoreFloor {
		return nil, qerrors.New(qerrors.KindSandboxViolation, fmt.Sprintf("security score %d below floor %d", score, h.scoreFloor))
	}

	return &Module{Source: source, Imports: imports, SecurityScore: score}, nil
}

func parseImports(source string) []string {
	matches := importPattern.FindAllStringSubmatch(source, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// scanSecurity computes a 0-100 score: every module starts at 100 and loses
// points for dangerous imports or constructs (spec §4.4: "dangerous import
// patterns, oversize, missing DAO approval").
func scanSecurity(source string, imports []string) int {
	score := 100
	for _, imp := range imports {
		if penalty, bad := dangerousImportPatterns[imp]; bad {
			score -= penalty
		}
	}
	if strings.Contains(source, "eval(") {
		score -= 40
	}
	if strings.Contains(source, "new Function(") {
		score -= 40
	}
	if score < 0 {
		score = 0
	}
	return score
}

// RunResult is a step's script execution outcome.
type RunResult struct {
	Output map[string]any
	Logs   []string
}

// RunStep executes mod.Source with params bound as the global `params`,
// routing every host.call invocation through tokenID. When ctx is done, or
// limiter reports a breach (its cooperative callback cancels runCtx), the
// runtime is interrupted at once; Watch then returns on runCtx's
// cancellation, so the limiter's hard callback does not fire and no grace
// period separates a breach from the interrupt.
func (h *Host) RunStep(ctx context.Context, mod *Module, params map[string]any, tokenID string, limiter *ResourceLimiter) (RunResult, error) {
	rt := goja.New()

	var logs []string
	if err := attachConsole(rt, &logs); err != nil {
		return RunResult{}, fmt.Errorf("attach console: %w", err)
	}
	if err := h.attachHostBridge(rt, ctx, tokenID); err != nil {
		return RunResult{}, fmt.Errorf("attach host bridge: %w", err)
	}
	if err := rt.Set("params", params); err != nil {
		return RunResult{}, fmt.Errorf("set params: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-runCtx.Done():
			rt.Interrupt(runCtx.Err())
		case <-stop:
		}
	}()

	if limiter != nil {
		go limiter.Watch(runCtx, cancel, func() { rt.Interrupt(errors.New("resource limit exceeded")) })
	}

	script := fmt.Sprintf(`(function() {
	const entry = (%s);
	if (typeof entry === 'function') {
		return entry(params);
	}
	return entry;
})();`, mod.Source)

	val, err := rt.RunString(script)
	if err != nil {
		return RunResult{}, runtimeError(err, runCtx, "execute step")
	}
	val, err = resolveValue(runCtx, val)
	if err != nil {
		return RunResult{}, runtimeError(err, runCtx, "await step result")
	}

	exported := val.Export()
	var output map[string]any
	switch res := exported.(type) {
	case map[string]any:
		output = res
	case nil:
		output = map[string]any{}
	default:
		output = map[string]any{"result": res}
	}
	return RunResult{Output: output, Logs: logs}, nil
}

// attachHostBridge exposes host.call(module, function, ...args) to the
// script; every call is gated through tokenID (spec §4.4: "All host
// imports are routed through capability tokens").
func (h *Host) attachHostBridge(rt *goja.Runtime, ctx context.Context, tokenID string) error {
	host := rt.NewObject()
	call := func(call2 goja.FunctionCall) goja.Value {
		if len(call2.Arguments) < 2 {
			panic(rt.NewGoError(errors.New("host.call requires (module, function, ...args)")))
		}
		module := call2.Arguments[0].String()
		function := call2.Arguments[1].String()
		args := make([]any, 0, len(call2.Arguments)-2)
		for _, a := range call2.Arguments[2:] {
			args = append(args, a.Export())
		}
		res, err := h.capMgr.UseToken(ctx, tokenID, module, function, args)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		if !res.Allowed {
			panic(rt.NewGoError(fmt.Errorf("denied: %s", res.Reason)))
		}
		return rt.ToValue(res.Result)
	}
	if err := host.Set("call", call); err != nil {
		return err
	}
	return rt.Set("host", host)
}

func attachConsole(vm *goja.Runtime, logs *[]string) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		*logs = append(*logs, fmt.Sprint(args...))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

func exportedPromise(val goja.Value) (*goja.Promise, bool) {
	exported := val.Export()
	if exported == nil {
		return nil, false
	}
	promise, ok := exported.(*goja.Promise)
	return promise, ok
}

func resolveValue(ctx context.Context, val goja.Value) (goja.Value, error) {
	if promise, ok := exportedPromise(val); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), nil
		case goja.PromiseStateRejected:
			return nil, promiseRejectionError(promise.Result())
		case goja.PromiseStatePending:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("step returned a promise that did not settle")
		}
	}
	return val, nil
}

func promiseRejectionError(reason goja.Value) error {
	if reason == nil {
		return errors.New("promise rejected")
	}
	if exported := reason.Export(); exported != nil {
		if err, ok := exported.(error); ok {
			return err
		}
		return fmt.Errorf("promise rejected: %v", exported)
	}
	return fmt.Errorf("promise rejected: %s", reason.String())
}

func runtimeError(err error, ctx context.Context, when string) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return qerrors.Wrap(qerrors.KindResourceLimitExceeded, when, ctxErr)
	}
	switch typed := err.(type) {
	case *goja.InterruptedError:
		if val := typed.Value(); val != nil {
			if inner, ok := val.(error); ok {
				return qerrors.Wrap(qerrors.KindResourceLimitExceeded, when, inner)
			}
			return qerrors.New(qerrors.KindResourceLimitExceeded, fmt.Sprintf("%s: %v", when, val))
		}
		return qerrors.New(qerrors.KindResourceLimitExceeded, when+": interrupted")
	case *goja.Exception:
		return qerrors.New(qerrors.KindSandboxViolation, fmt.Sprintf("%s: %s", when, typed.Error()))
	default:
		return fmt.Errorf("%s: %w", when, err)
	}
}
