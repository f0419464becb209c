// Package app is the composition root: it wires every subsystem package
// (bus, validation, sandboxrt, ledger, engine, control, metrics) into one
// running process, following the teacher's cmd/appserver composition-root
// pattern of a constructed, Start/Stop-able App type rather than a
// sprawling main().
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/config"
	"github.com/qflow-run/qflow/internal/control"
	domctrl "github.com/qflow-run/qflow/internal/domain/control"
	domexec "github.com/qflow-run/qflow/internal/domain/execution"
	domsandbox "github.com/qflow-run/qflow/internal/domain/sandbox"
	domvalidation "github.com/qflow-run/qflow/internal/domain/validation"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	"github.com/qflow-run/qflow/internal/engine"
	"github.com/qflow-run/qflow/internal/engine/nodeselect"
	"github.com/qflow-run/qflow/internal/ledger"
	"github.com/qflow-run/qflow/internal/metrics"
	"github.com/qflow-run/qflow/internal/sandboxrt"
	"github.com/qflow-run/qflow/internal/validation"
)

// App owns every wired subsystem and the ops HTTP server exposing
// /healthz and /metrics.
type App struct {
	cfg *config.Config
	log *logrus.Logger

	Bus         *bus.Bus
	Ledger      *ledger.Ledger
	Cache       *validation.Cache
	Pipeline    *validation.Pipeline
	Supervisor  *sandboxrt.Supervisor
	CapManager  *sandboxrt.CapabilityManager
	Host        *sandboxrt.Host
	Selector    *nodeselect.Selector
	Engine      *engine.Engine
	Coordinator *control.Coordinator

	httpServer     *http.Server
	takeoverCancel context.CancelFunc
	fileStore      *ledger.FileStore
	nodeID         string
}

// New builds and wires the full application from cfg, but does not start
// any background loop or listener — call Start for that.
func New(cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	a.Bus = bus.New()

	rootSecret, err := cryptoutil.GenerateRandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("generate signing root secret: %w", err)
	}
	if cfg.Ledger.SigningKeyHex != "" {
		if decoded, decodeErr := decodeHexSecret(cfg.Ledger.SigningKeyHex); decodeErr == nil {
			rootSecret = decoded
		} else {
			log.WithError(decodeErr).Warn("ignoring invalid LEDGER_SIGNING_KEY_HEX, using a generated root secret")
		}
	}

	ledgerSigner, err := cryptoutil.NewHMACSigner(rootSecret, "ledger")
	if err != nil {
		return nil, fmt.Errorf("build ledger signer: %w", err)
	}
	ledgerStore, err := newLedgerStore(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	if fs, ok := ledgerStore.(*ledger.FileStore); ok {
		a.fileStore = fs
	}
	a.nodeID = uuid.NewString()
	a.Ledger = ledger.New(ledgerStore, ledgerSigner, a.Bus, a.nodeID)

	cacheSigner, err := cryptoutil.NewHMACSigner(rootSecret, "validation-cache")
	if err != nil {
		return nil, fmt.Errorf("build cache signer: %w", err)
	}
	var remoteCache validation.RedisBackend
	if cfg.Validation.Cache.RedisAddr != "" {
		remoteCache = validation.NewRedisBackend(redis.NewClient(&redis.Options{Addr: cfg.Validation.Cache.RedisAddr}))
	}
	a.Cache, err = validation.NewCache(
		evictionStrategyOf(cfg.Validation.Cache.EvictionStrategy),
		cfg.Validation.Cache.MaxEntries,
		time.Duration(cfg.Validation.Cache.DefaultTTLMs)*time.Millisecond,
		cacheSigner,
		remoteCache,
	)
	if err != nil {
		return nil, fmt.Errorf("build validation cache: %w", err)
	}

	a.Pipeline = validation.NewPipeline(a.Cache, a.Bus, cfg.Validation.PolicyVersion)
	a.Pipeline.Register(validation.IntegrityLayer())
	a.Pipeline.Register(validation.MetadataLayer())
	a.Pipeline.Register(validation.SecurityLayer())
	policyModule := defaultPermissionPolicy
	if cfg.Validation.OPABundlePath != "" {
		if data, readErr := os.ReadFile(cfg.Validation.OPABundlePath); readErr == nil {
			policyModule = string(data)
		} else {
			log.WithError(readErr).Warn("failed to read configured OPA bundle, falling back to the default allow-all policy")
		}
	}
	if permission, permErr := validation.PermissionLayer("data.qflow.permission.allow", policyModule); permErr == nil {
		a.Pipeline.Register(permission)
	} else {
		log.WithError(permErr).Warn("permission layer disabled: failed to compile permission policy")
	}

	a.Supervisor = sandboxrt.NewSupervisor(a.Bus)
	shims := sandboxrt.NewShimRegistry()
	auditor := sandboxrt.NewEgressAuditor(1024)
	capSigner, err := cryptoutil.NewHMACSigner(rootSecret, "capability-token")
	if err != nil {
		return nil, fmt.Errorf("build capability token signer: %w", err)
	}
	a.CapManager = sandboxrt.NewCapabilityManager(capSigner, shims, auditor, a.Bus)
	a.Host = sandboxrt.NewHost(cfg.Sandbox.MaxModuleBytes, cfg.Sandbox.SecurityScoreFloor, a.CapManager)

	a.Selector = nodeselect.New()
	// The local node is always a dispatch candidate; peers arrive via the
	// (out-of-core-scope) membership gossip calling RegisterNode with the
	// capability tags they actually serve.
	a.Selector.RegisterNode(nodeselect.Candidate{NodeID: a.nodeID, Generalist: true})

	invoker := NewSandboxActionInvoker(
		a.Supervisor, a.CapManager, a.Host,
		isolationLevelOf(cfg.Sandbox.DefaultIsolation),
		time.Duration(cfg.Engine.TimeoutMs)*time.Millisecond,
		512<<20,
		time.Duration(cfg.Sandbox.GraceMs)*time.Millisecond,
	)

	a.Engine = engine.New(
		engine.WithLedger(a.Ledger),
		engine.WithValidationPipeline(a.Pipeline),
		engine.WithSandboxSupervisor(a.Supervisor),
		engine.WithNodeSelector(a.Selector),
		engine.WithBus(a.Bus),
		engine.WithStepRunner(engine.NewDefaultRunner(invoker)),
		engine.WithLogger(log),
		engine.WithMaxParallelism(cfg.Engine.MaxConcurrentSteps),
		engine.WithMaxInfraRetries(cfg.Engine.RetryAttempts),
		engine.WithTakeoverThreshold(time.Duration(cfg.Engine.TakeoverThresholdMs)*time.Millisecond),
		engine.WithNodeID(a.nodeID),
	)

	flowCtl := &EngineFlowController{Engine: a.Engine}
	burnRate := control.NewBurnRateService(a.Bus, flowCtl, a.Selector, log)
	ladder := control.NewLadder(control.DefaultLadder(), a.Bus,
		time.Duration(cfg.Control.EscalationCooldownMs)*time.Millisecond,
		time.Duration(cfg.Control.DeEscalationDelayMs)*time.Millisecond,
	)
	autoscale := control.NewAutoscalingEngine(defaultScalingTriggers())
	optimizer := control.NewOptimizer(defaultOptimizerRules())

	coordCfg := control.DefaultCoordinatorConfig()
	coordCfg.SampleInterval = time.Duration(cfg.Control.SampleIntervalMs) * time.Millisecond
	coordCfg.BurnRateThreshold = cfg.Control.BurnRateThreshold
	coordCfg.EscalationCooldown = time.Duration(cfg.Control.EscalationCooldownMs) * time.Millisecond
	coordCfg.DeEscalationDelay = time.Duration(cfg.Control.DeEscalationDelayMs) * time.Millisecond
	coordCfg.MaxConcurrentActions = cfg.Control.MaxConcurrentActions
	coordCfg.NormalParallelism = cfg.Engine.MaxConcurrentSteps

	a.Coordinator = control.NewCoordinator(coordCfg, burnRate, ladder, autoscale, optimizer, a.Bus, a.Engine, a.Pipeline, log)
	a.Engine.SetAdmissionGate(a.Coordinator)

	return a, nil
}

// Start begins the Coordinator's sampling loop, the distributed-takeover
// orphan sweep, and the ops HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.Coordinator.Start(ctx)

	takeoverCtx, cancel := context.WithCancel(ctx)
	a.takeoverCancel = cancel
	sweepInterval := time.Duration(a.cfg.Engine.TakeoverThresholdMs) * time.Millisecond / 3
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	go a.Engine.MonitorOrphans(takeoverCtx, sweepInterval)

	if a.fileStore != nil {
		go a.archiveExecutions(takeoverCtx)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.httpServer = &http.Server{
		Addr:    a.cfg.Ops.ListenAddr,
		Handler: metrics.InstrumentHandler(mux),
	}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("ops http server stopped unexpectedly")
		}
	}()
	a.log.WithField("addr", a.cfg.Ops.ListenAddr).Info("ops http server listening")
	return nil
}

// Stop gracefully tears the app down within the given timeout.
func (a *App) Stop(ctx context.Context) error {
	a.Coordinator.Stop()
	if a.takeoverCancel != nil {
		a.takeoverCancel()
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shut down ops http server: %w", err)
		}
	}
	return nil
}

func newLedgerStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.BackingStore {
	case "bolt":
		return ledger.OpenBoltStore(cfg.BoltPath)
	case "file":
		return ledger.OpenFileStore(cfg.DataDir)
	default:
		return ledger.NewMemoryStore(), nil
	}
}

// archiveExecutions mirrors execution snapshots into the file store's
// per-execution directory layout while the "file" backing store is in use:
// manifest.json tracks the latest snapshot and node assignments,
// results/<stepID>.cid the content digests of completed step outputs. The
// bus subscription is best-effort (drop-oldest under burst), so a periodic
// sweep over live executions re-archives anything a dropped event missed.
func (a *App) archiveExecutions(ctx context.Context) {
	started, unsubStarted := a.Bus.Subscribe(bus.TopicExecStarted, 1024)
	completed, unsubCompleted := a.Bus.Subscribe(bus.TopicExecCompleted, 1024)
	defer unsubStarted()
	defer unsubCompleted()

	sweep := time.NewTicker(30 * time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-started:
			a.archiveSnapshot(ctx, ev)
		case ev := <-completed:
			a.archiveSnapshot(ctx, ev)
		case <-sweep.C:
			for _, re := range a.Engine.ListRunning() {
				if snap, ok := a.Engine.GetExecutionStatus(re.ExecutionID); ok {
					a.writeSnapshot(ctx, snap)
				}
			}
		}
	}
}

func (a *App) archiveSnapshot(ctx context.Context, ev bus.Event) {
	snap, ok := ev.Data.(*domexec.Execution)
	if !ok {
		return
	}
	a.writeSnapshot(ctx, snap)
}

func (a *App) writeSnapshot(ctx context.Context, snap *domexec.Execution) {
	if err := a.fileStore.WriteManifest(ctx, snap.ID, snap); err != nil {
		a.log.WithError(err).WithField("execId", snap.ID).Warn("manifest write failed")
	}
	for stepID, res := range snap.StepResults {
		if res.ResultDigest == "" {
			continue
		}
		if err := a.fileStore.WriteResultDigest(ctx, snap.ID, stepID, res.ResultDigest); err != nil {
			a.log.WithError(err).WithField("execId", snap.ID).WithField("stepId", stepID).Warn("result digest write failed")
		}
	}
}

func evictionStrategyOf(s string) domvalidation.EvictionStrategy {
	if s == string(domvalidation.EvictionLFU) {
		return domvalidation.EvictionLFU
	}
	return domvalidation.EvictionLRU
}

func isolationLevelOf(s string) domsandbox.IsolationLevel {
	switch domsandbox.IsolationLevel(s) {
	case domsandbox.IsolationModerate:
		return domsandbox.IsolationModerate
	case domsandbox.IsolationPermissive:
		return domsandbox.IsolationPermissive
	default:
		return domsandbox.IsolationStrict
	}
}

func decodeHexSecret(hexStr string) ([]byte, error) {
	return hex.DecodeString(hexStr)
}

// defaultScalingTriggers mirrors the illustrative autoscaling policy spec
// §4.6 describes: scale up on sustained CPU pressure, scale down once it
// recedes.
func defaultScalingTriggers() []domctrl.ScalingTrigger {
	return []domctrl.ScalingTrigger{
		{
			Name: "cpu-scale-up", Metric: "cpu", Threshold: 0.75, Comparison: "gt",
			EvaluationWindow: 60 * time.Second, Cooldown: 5 * time.Minute,
			Action: domctrl.TriggerScaleUp, MinNodes: 1, MaxNodes: 20, ScalingFactor: 1.5,
		},
		{
			Name: "cpu-scale-down", Metric: "cpu", Threshold: 0.30, Comparison: "lt",
			EvaluationWindow: 5 * time.Minute, Cooldown: 10 * time.Minute,
			Action: domctrl.TriggerScaleDown, MinNodes: 1, MaxNodes: 20, ScalingFactor: 1.5,
		},
	}
}

// defaultOptimizerRules mirrors the illustrative cache-warming/pool-
// enlarging actions spec §4.6(c) names.
func defaultOptimizerRules() []domctrl.OptimizerRule {
	return []domctrl.OptimizerRule{
		{
			Name: "warm-validation-cache", Metric: "error_rate", Threshold: 0.10,
			Action: "warm_cache", Params: map[string]any{"target": "validation-cache"},
		},
	}
}

// defaultPermissionPolicy is an allow-all placeholder rego module; a real
// deployment supplies its own via cfg.Validation.OPABundlePath.
const defaultPermissionPolicy = `
package qflow.permission

default allow = true
`
