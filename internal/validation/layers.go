package validation

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/open-policy-agent/opa/rego"

	domvalidation "github.com/qflow-run/qflow/internal/domain/validation"
)

// Priority bands for the four default layers (spec §4.3: "encryption/
// integrity layer (highest priority, required), a permission layer
// (required), a metadata/indexing layer (optional), a security/anomaly
// layer (required)" — lower number runs first).
const (
	PriorityIntegrity = 10
	PriorityPermission = 20
	PriorityMetadata   = 30
	PrioritySecurity   = 40
)

// IntegrityLayer checks that the request carries a non-empty payload
// digest; it stands in for the encryption/integrity concern spec §4.3
// requires highest-priority and required.
func IntegrityLayer() domvalidation.Layer {
	return domvalidation.Layer{
		LayerID:  "integrity",
		Name:     "encryption-integrity",
		Priority: PriorityIntegrity,
		Required: true,
		Timeout:  2 * time.Second,
		Validator: func(_ context.Context, req domvalidation.Request) (domvalidation.LayerResult, error) {
			digest, _ := req.Data["payloadDigest"].(string)
			if digest == "" {
				return domvalidation.LayerResult{LayerID: "integrity", Status: domvalidation.StatusFailed, Message: "missing payload digest"}, nil
			}
			return domvalidation.LayerResult{LayerID: "integrity", Status: domvalidation.StatusPassed}, nil
		},
	}
}

// PermissionLayer evaluates a rego policy module against the request,
// expecting a boolean `data.<pkg>.allow` result. It is required per spec
// §4.3. OPA's own embedding API (rego.New/PrepareForEval/Eval) is used
// directly: the pack's go.mod declares this dependency but no example repo
// exercises it beyond that declaration, so this follows OPA's documented
// public Go API rather than an in-pack usage site.
func PermissionLayer(query string, module string) (domvalidation.Layer, error) {
	ctx := context.Background()
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("qflow_permission.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return domvalidation.Layer{}, fmt.Errorf("prepare permission policy: %w", err)
	}
	return domvalidation.Layer{
		LayerID:  "permission",
		Name:     "permission",
		Priority: PriorityPermission,
		Required: true,
		Timeout:  5 * time.Second,
		Validator: func(ctx context.Context, req domvalidation.Request) (domvalidation.LayerResult, error) {
			input := map[string]any{
				"operation": req.Operation,
				"principal": req.Principal,
				"daoSubnet": req.DAOSubnet,
				"data":      req.Data,
			}
			results, err := prepared.Eval(ctx, rego.EvalInput(input))
			if err != nil {
				return domvalidation.LayerResult{}, fmt.Errorf("evaluate permission policy: %w", err)
			}
			if len(results) == 0 || len(results[0].Expressions) == 0 {
				return domvalidation.LayerResult{LayerID: "permission", Status: domvalidation.StatusFailed, Message: "policy produced no result"}, nil
			}
			allowed, _ := results[0].Expressions[0].Value.(bool)
			if !allowed {
				return domvalidation.LayerResult{LayerID: "permission", Status: domvalidation.StatusFailed, Message: "denied by policy"}, nil
			}
			return domvalidation.LayerResult{LayerID: "permission", Status: domvalidation.StatusPassed}, nil
		},
	}, nil
}

// MetadataLayer is the optional metadata/indexing layer: it warns (never
// fails) when a request is missing indexable fields, since the pipeline
// treats it as non-required.
func MetadataLayer() domvalidation.Layer {
	return domvalidation.Layer{
		LayerID:  "metadata",
		Name:     "metadata-indexing",
		Priority: PriorityMetadata,
		Required: false,
		Timeout:  2 * time.Second,
		Validator: func(_ context.Context, req domvalidation.Request) (domvalidation.LayerResult, error) {
			if req.ExecID == "" || req.StepID == "" {
				return domvalidation.LayerResult{LayerID: "metadata", Status: domvalidation.StatusWarning, Message: "request missing execId/stepId indexing fields"}, nil
			}
			return domvalidation.LayerResult{LayerID: "metadata", Status: domvalidation.StatusPassed}, nil
		},
	}
}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.\./`),
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)\brm\s+-rf\b`),
	regexp.MustCompile(`(?i)\bexec\(`),
}

// SecurityLayer is the required security/anomaly layer: it scans request
// data values for known dangerous patterns (path traversal, injected
// script tags, shell destructive commands, dynamic exec calls).
func SecurityLayer() domvalidation.Layer {
	return domvalidation.Layer{
		LayerID:  "security",
		Name:     "security-anomaly",
		Priority: PrioritySecurity,
		Required: true,
		Timeout:  3 * time.Second,
		Validator: func(_ context.Context, req domvalidation.Request) (domvalidation.LayerResult, error) {
			for _, v := range req.Data {
				s, ok := v.(string)
				if !ok {
					continue
				}
				for _, pattern := range dangerousPatterns {
					if pattern.MatchString(s) {
						return domvalidation.LayerResult{LayerID: "security", Status: domvalidation.StatusFailed, Message: "dangerous pattern detected: " + pattern.String()}, nil
					}
				}
			}
			return domvalidation.LayerResult{LayerID: "security", Status: domvalidation.StatusPassed}, nil
		},
	}
}

// DefaultAllowAllPermissionModule is a permissive rego policy suitable for
// development and tests: it allows every operation. Production deployments
// register their own module via PermissionLayer.
const DefaultAllowAllPermissionModule = `
package qflow.permission

default allow = true
`
