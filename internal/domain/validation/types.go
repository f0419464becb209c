// Package validation defines the Universal Validation Pipeline's data model
// (spec §3, §4.3).
package validation

import (
	"context"
	"time"
)

// Status is the per-layer and overall outcome of a validation run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// EvictionStrategy selects the Signed Cache's replacement policy.
type EvictionStrategy string

const (
	EvictionLRU EvictionStrategy = "lru"
	EvictionLFU EvictionStrategy = "lfu"
)

// Request is what a caller asks the pipeline to approve (e.g. a step
// dispatch or a capability-token use).
type Request struct {
	Operation    string         `json:"operation"`
	ExecID       string         `json:"execId,omitempty"`
	StepID       string         `json:"stepId,omitempty"`
	Principal    string         `json:"principal,omitempty"`
	DAOSubnet    string         `json:"daoSubnet,omitempty"`
	PolicyVersion string        `json:"policyVersion"`
	Data         map[string]any `json:"data"`
}

// LayerResult is the outcome of a single validator.
type LayerResult struct {
	LayerID    string        `json:"layerId"`
	Status     Status        `json:"status"`
	Message    string        `json:"message,omitempty"`
	DurationMs int64         `json:"durationMs"`
	FromCache  bool          `json:"fromCache"`
}

// Report is the pipeline's overall verdict (spec §4.3 contract).
type Report struct {
	OverallStatus   Status        `json:"overallStatus"`
	PerLayerResults []LayerResult `json:"perLayerResults"`
	TotalDurationMs int64         `json:"totalDurationMs"`
	CacheHits       int           `json:"cacheHits"`
	CacheMisses     int           `json:"cacheMisses"`
	ShortCircuited  bool          `json:"shortCircuited"`
}

// ValidatorFunc is the function a layer registers to decide a Request.
type ValidatorFunc func(ctx context.Context, req Request) (LayerResult, error)

// Layer is a registered pipeline stage (spec §3, §4.3).
type Layer struct {
	LayerID   string
	Name      string
	Priority  int
	Required  bool
	Timeout   time.Duration
	Validator ValidatorFunc
}

// Signed is a cached, signed result (spec §3 CachedValidation).
type Signed struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
	TTL       time.Duration `json:"ttl"`
	Signature string    `json:"signature"`
}

// Expired reports whether the cached entry's TTL has elapsed as of now.
func (s Signed) Expired(now time.Time) bool {
	return now.After(s.IssuedAt.Add(s.TTL))
}

// CacheKey identifies a cache entry by content address (spec §3, §4.3).
type CacheKey struct {
	LayerID       string
	DataDigest    string
	PolicyVersion string
}

// CacheStats reports signed-cache counters (spec §4.3 stats()).
type CacheStats struct {
	Entries   int `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}
