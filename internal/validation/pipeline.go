package validation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qflow-run/qflow/internal/bus"
	"github.com/qflow-run/qflow/internal/cryptoutil"
	domvalidation "github.com/qflow-run/qflow/internal/domain/validation"
	"github.com/qflow-run/qflow/internal/metrics"
)

// Pipeline runs registered layers in ascending priority order, consulting
// the Signed Cache before each layer and short-circuiting on a required
// layer's failure (spec §4.3).
type Pipeline struct {
	mu       sync.RWMutex
	layers   []domvalidation.Layer
	disabled map[string]bool
	cache    *Cache
	bus      *bus.Bus

	policyVersion string
}

// NewPipeline builds an empty Pipeline bound to cache and policyVersion.
// Layers are added with Register.
func NewPipeline(cache *Cache, b *bus.Bus, policyVersion string) *Pipeline {
	return &Pipeline{cache: cache, bus: b, policyVersion: policyVersion, disabled: make(map[string]bool)}
}

// SetLayerEnabled toggles layerID's participation in Validate. Only an
// optional (non-required) layer may be disabled — required layers are the
// encryption/permission/security concerns spec §4.3 never allows the
// degradation ladder to skip; disabling one is a no-op. Adaptive Control's
// graceful-degradation ladder calls this to shed optional validation work
// under pressure (spec §4.6 "disable optional validation layers") and
// restores it on de-escalation.
func (p *Pipeline) SetLayerEnabled(layerID string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.layers {
		if l.LayerID != layerID {
			continue
		}
		if !l.Required {
			if enabled {
				delete(p.disabled, layerID)
			} else {
				p.disabled[layerID] = true
			}
		}
		return
	}
}

// Register adds a layer and keeps the layer list sorted ascending by
// priority.
func (p *Pipeline) Register(layer domvalidation.Layer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.layers = append(p.layers, layer)
	sort.Slice(p.layers, func(i, j int) bool { return p.layers[i].Priority < p.layers[j].Priority })
}

// Validate runs every registered layer against req in priority order,
// short-circuiting on the first required layer's failure (spec §4.3
// contract).
func (p *Pipeline) Validate(ctx context.Context, req domvalidation.Request) domvalidation.Report {
	return p.run(ctx, req, nil)
}

// StreamItem is one emission of ValidateStream: each layer's result as it
// finishes, then one final item carrying the overall Report (and a nil-ish
// zero Result). Consumers detect end-of-stream by Report != nil.
type StreamItem struct {
	Result domvalidation.LayerResult
	Report *domvalidation.Report
}

// ValidateStream is Validate's streaming variant (spec §4.3): per-layer
// results emit as each layer finishes so a slow layer doesn't hide the
// results of layers that already ran; the overall decision arrives only
// with the final item, unless a required-layer failure short-circuits the
// stream early. The returned channel is closed after the final item. The
// channel's buffer holds every possible emission, so the producer never
// blocks and a consumer that abandons the stream early leaks nothing.
func (p *Pipeline) ValidateStream(ctx context.Context, req domvalidation.Request) <-chan StreamItem {
	layers, disabled := p.snapshot()
	out := make(chan StreamItem, len(layers)+1)
	go func() {
		defer close(out)
		report := p.runLayers(ctx, req, layers, disabled, func(r domvalidation.LayerResult) {
			out <- StreamItem{Result: r}
		})
		out <- StreamItem{Report: &report}
	}()
	return out
}

// snapshot copies the current layer list and disabled set so a run works
// against a stable view — ValidateStream sizes its channel from the same
// snapshot its run consumes, so a concurrent Register can't outgrow it.
func (p *Pipeline) snapshot() ([]domvalidation.Layer, map[string]bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	layers := append([]domvalidation.Layer(nil), p.layers...)
	disabled := make(map[string]bool, len(p.disabled))
	for k, v := range p.disabled {
		disabled[k] = v
	}
	return layers, disabled
}

// run is the shared pipeline loop behind Validate and ValidateStream; emit,
// when non-nil, observes each per-layer result as soon as it is known.
func (p *Pipeline) run(ctx context.Context, req domvalidation.Request, emit func(domvalidation.LayerResult)) domvalidation.Report {
	layers, disabled := p.snapshot()
	return p.runLayers(ctx, req, layers, disabled, emit)
}

func (p *Pipeline) runLayers(ctx context.Context, req domvalidation.Request, layers []domvalidation.Layer, disabled map[string]bool, emit func(domvalidation.LayerResult)) domvalidation.Report {
	start := time.Now()
	req.PolicyVersion = p.policyVersion

	report := domvalidation.Report{OverallStatus: domvalidation.StatusPassed}

	dataDigest, _ := cryptoutil.DigestHex(req.Data)

	for _, layer := range layers {
		if disabled[layer.LayerID] {
			continue
		}
		key := domvalidation.CacheKey{LayerID: layer.LayerID, DataDigest: dataDigest, PolicyVersion: req.PolicyVersion}

		result, fromCache := p.runLayer(ctx, layer, req, key)
		result.FromCache = fromCache
		report.PerLayerResults = append(report.PerLayerResults, result)
		if emit != nil {
			emit(result)
		}
		metrics.RecordValidationOutcome(layer.LayerID, string(result.Status))

		if fromCache {
			report.CacheHits++
		} else {
			report.CacheMisses++
		}
		metrics.RecordValidationCacheResult(fromCache)

		switch result.Status {
		case domvalidation.StatusFailed:
			if layer.Required {
				report.OverallStatus = domvalidation.StatusFailed
				report.ShortCircuited = true
				report.TotalDurationMs = time.Since(start).Milliseconds()
				p.publish(ctx, req, report)
				return report
			}
		case domvalidation.StatusWarning:
			if report.OverallStatus != domvalidation.StatusFailed {
				report.OverallStatus = domvalidation.StatusWarning
			}
		}
	}

	report.TotalDurationMs = time.Since(start).Milliseconds()
	p.publish(ctx, req, report)
	return report
}

// runLayer consults the cache, then runs the layer's validator under its
// timeout, treating a timeout as a failure per spec §4.3 step 3.
func (p *Pipeline) runLayer(ctx context.Context, layer domvalidation.Layer, req domvalidation.Request, key domvalidation.CacheKey) (domvalidation.LayerResult, bool) {
	if p.cache != nil {
		if signed, ok := p.cache.Get(ctx, key); ok {
			return domvalidation.LayerResult{LayerID: layer.LayerID, Status: signed.Status, Message: signed.Message}, true
		}
	}

	result := p.runWithTimeout(ctx, layer, req)

	if p.cache != nil && result.Status != domvalidation.StatusFailed {
		_ = p.cache.Set(ctx, key, result.Status, result.Message, 0)
	}
	return result, false
}

func (p *Pipeline) runWithTimeout(ctx context.Context, layer domvalidation.Layer, req domvalidation.Request) domvalidation.LayerResult {
	timeout := layer.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result domvalidation.LayerResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		start := time.Now()
		res, err := layer.Validator(cctx, req)
		res.LayerID = layer.LayerID
		res.DurationMs = time.Since(start).Milliseconds()
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return domvalidation.LayerResult{LayerID: layer.LayerID, Status: domvalidation.StatusFailed, Message: o.err.Error()}
		}
		return o.result
	case <-cctx.Done():
		return domvalidation.LayerResult{LayerID: layer.LayerID, Status: domvalidation.StatusFailed, Message: "layer timed out"}
	}
}

func (p *Pipeline) publish(ctx context.Context, req domvalidation.Request, report domvalidation.Report) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, bus.NewEvent(bus.TopicValidationExecuted, "validation-pipeline", req.Principal, report))
}
