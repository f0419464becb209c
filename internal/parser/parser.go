// Package parser implements the Flow Parser: it accepts a flow document in
// either of two auto-detected encodings, normalizes it with the spec's
// default timeout/retry/params, and validates its structure (spec §4.1).
package parser

import (
	"bytes"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	domflow "github.com/qflow-run/qflow/internal/domain/flow"
	"github.com/qflow-run/qflow/internal/qerrors"
)

// Format names the two canonical encodings a flow document may arrive in.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Result is parse's outcome: a normalized flow plus any errors found while
// decoding or validating it. A non-empty Errors slice does not necessarily
// mean Flow is unusable — callers should still check len(Errors) == 0
// before trusting Flow.
type Result struct {
	Flow   domflow.Flow
	Errors []*qerrors.Error
}

var structValidator = validator.New()

// Parse decodes doc as formatHint (or the result of DetectFormat if
// formatHint is empty), applies the default timeout/retry/params to every
// step, and validates the result (spec §4.1).
func Parse(doc []byte, formatHint Format) Result {
	format := formatHint
	if format == "" {
		format = DetectFormat(doc)
	}

	var f domflow.Flow
	var err error
	switch format {
	case FormatJSON:
		err = jsonUnmarshal(doc, &f)
	default:
		err = yaml.Unmarshal(doc, &f)
	}
	if err != nil {
		return Result{Errors: []*qerrors.Error{
			qerrors.Wrap(qerrors.KindParseError, fmt.Sprintf("decode %s document", format), err),
		}}
	}

	applyDefaults(&f)

	var errs []*qerrors.Error
	errs = append(errs, structuralFieldErrors(f)...)
	errs = append(errs, ValidateStructure(f)...)
	return Result{Flow: f, Errors: errs}
}

// DetectFormat sniffs doc's first non-whitespace byte: `{` or `[` means a
// self-describing JSON mapping, anything else is treated as the structured
// YAML text encoding (spec §4.1: "accepts ... in one of two canonical
// encodings ... with auto-detection").
func DetectFormat(doc []byte) Format {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

func jsonUnmarshal(doc []byte, f *domflow.Flow) error {
	return yaml.Unmarshal(doc, f) // a YAML decoder accepts JSON as a subset, so
	// a single decode path keeps struct tags (yaml:"...") authoritative for
	// both encodings rather than requiring separate json/yaml tag sets.
}

// applyDefaults fills every step's timeout, retry policy and params with
// the spec §4.1 defaults when the document omitted them.
func applyDefaults(f *domflow.Flow) {
	for i := range f.Steps {
		s := &f.Steps[i]
		if s.Timeout <= 0 {
			s.Timeout = domflow.DefaultTimeout
		}
		if s.Retry.MaxAttempts <= 0 {
			s.Retry = domflow.DefaultRetryPolicy()
		}
		if s.Params == nil {
			s.Params = map[string]any{}
		}
	}
}

// structuralFieldErrors runs struct-tag validation ahead of the semantic
// flow checks, translating validator.FieldError entries into the taxonomy
// spec §4.1 names (REQUIRED for a missing field, INVALID_TYPE otherwise).
func structuralFieldErrors(f domflow.Flow) []*qerrors.Error {
	err := structValidator.Struct(f)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []*qerrors.Error{qerrors.Wrap(qerrors.KindInvalidType, "validate flow structure", err)}
	}
	errs := make([]*qerrors.Error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		kind := qerrors.KindInvalidType
		if fe.Tag() == "required" {
			kind = qerrors.KindRequiredFieldMissing
		}
		errs = append(errs, qerrors.New(kind, fmt.Sprintf("%s: failed %q validation", fe.Namespace(), fe.Tag())))
	}
	return errs
}
