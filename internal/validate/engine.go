package validate

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// Lookup resolves reference-rule sets against an external registry (for
// example a list of known employers). Implementations must be read-only.
type Lookup interface {
	Exists(ctx context.Context, ref, value string) (bool, error)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, ref, value string) (bool, error)

// Exists calls f.
func (f LookupFunc) Exists(ctx context.Context, ref, value string) (bool, error) {
	return f(ctx, ref, value)
}

// Finding is one rule failure against one payload.
type Finding struct {
	Code     string
	Severity model.Severity
	Detail   string
}

// Engine evaluates a compiled rule set.
type Engine struct {
	rules  *RuleSet
	lookup Lookup
	log    *zap.Logger
}

// NewEngine builds an engine. lookup may be nil when the rule set has no
// reference rules.
func NewEngine(rules *RuleSet, lookup Lookup) *Engine {
	return &Engine{
		rules:  rules,
		lookup: lookup,
		log:    zap.L().With(zap.String("component", "validate")),
	}
}

// Evaluate runs every rule against the payload and returns every failure,
// not just the first. Evaluation order follows rule declaration order.
func (e *Engine) Evaluate(ctx context.Context, payload map[string]string) ([]Finding, error) {
	var findings []Finding
	for i := range e.rules.Rules {
		r := &e.rules.Rules[i]
		ok, detail, err := e.evalRule(ctx, r, payload)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		if detail == "" {
			detail = r.Detail
		}
		findings = append(findings, Finding{Code: r.Code, Severity: r.Severity, Detail: detail})
	}
	return findings, nil
}

func (e *Engine) evalRule(ctx context.Context, r *Rule, payload map[string]string) (bool, string, error) {
	switch r.Family {
	case FamilyRequired:
		for _, f := range r.Fields {
			if payload[f] == "" {
				return false, fmt.Sprintf("missing required field %s", f), nil
			}
		}
		if len(r.AnyOf) > 0 {
			any := false
			for _, f := range r.AnyOf {
				if payload[f] != "" {
					any = true
					break
				}
			}
			if !any {
				return false, fmt.Sprintf("none of %v present", r.AnyOf), nil
			}
		}
		return true, "", nil

	case FamilyFormat:
		val := payload[r.Field]
		if val == "" {
			// Absence is the required family's concern.
			return true, "", nil
		}
		if !r.pattern.MatchString(val) {
			return false, fmt.Sprintf("%s %q does not match %s", r.Field, val, formatName(r)), nil
		}
		return true, "", nil

	case FamilyCrossField:
		ok, detail := crossChecks[r.Check](r.Fields, payload)
		return ok, detail, nil

	case FamilyRange:
		val := payload[r.Field]
		if val == "" {
			return true, "", nil
		}
		v, err := rangeValue(r.Kind, val)
		if err != nil {
			return false, fmt.Sprintf("%s %q is not a valid %s", r.Field, val, r.Kind), nil
		}
		if r.Min != "" {
			min, err := parseRangeBound(r.Kind, r.Min)
			if err != nil {
				return false, "", eris.Wrapf(err, "validate: rule %s min", r.Code)
			}
			if v < min {
				return false, fmt.Sprintf("%s %q below minimum %s", r.Field, val, r.Min), nil
			}
		}
		if r.Max != "" {
			max, err := parseRangeBound(r.Kind, r.Max)
			if err != nil {
				return false, "", eris.Wrapf(err, "validate: rule %s max", r.Code)
			}
			if v > max {
				return false, fmt.Sprintf("%s %q above maximum %s", r.Field, val, r.Max), nil
			}
		}
		return true, "", nil

	case FamilyReference:
		val := payload[r.Field]
		if val == "" {
			return true, "", nil
		}
		if r.valueSet != nil {
			if !r.valueSet[val] {
				return false, fmt.Sprintf("%s %q is not an allowed value", r.Field, val), nil
			}
			return true, "", nil
		}
		if e.lookup == nil {
			return false, "", eris.Errorf("validate: rule %s needs a lookup for ref %s", r.Code, r.Ref)
		}
		exists, err := e.lookup.Exists(ctx, r.Ref, val)
		if err != nil {
			return false, "", eris.Wrapf(err, "validate: rule %s lookup", r.Code)
		}
		if !exists {
			return false, fmt.Sprintf("%s %q not found in %s", r.Field, val, r.Ref), nil
		}
		return true, "", nil
	}
	return true, "", nil
}

func formatName(r *Rule) string {
	if r.Format != "" {
		return r.Format
	}
	return "pattern " + r.Pattern
}

// BatchStats reports the outcome of validating one staged batch.
type BatchStats struct {
	Validated   int64
	Quarantined int64
	Violations  int64
}

// ValidateBatch evaluates a page of staged records, persists every violation,
// and flips each row to validated or quarantined. Error-grade findings
// quarantine; warnings and info never block.
func (e *Engine) ValidateBatch(ctx context.Context, st store.Store, records []model.StagedRecord) (BatchStats, error) {
	var stats BatchStats
	var violations []model.Violation
	var validatedIDs, quarantinedIDs []int64

	for i := range records {
		rec := &records[i]
		findings, err := e.Evaluate(ctx, rec.Normalized)
		if err != nil {
			return stats, err
		}

		blocked := false
		for _, f := range findings {
			violations = append(violations, model.Violation{
				RunID:    rec.RunID,
				StagedID: rec.ID,
				RuleCode: f.Code,
				Severity: f.Severity,
				Detail:   f.Detail,
				Status:   model.ViolationOpen,
			})
			if f.Severity == model.SeverityError {
				blocked = true
			}
		}

		if blocked {
			quarantinedIDs = append(quarantinedIDs, rec.ID)
		} else {
			validatedIDs = append(validatedIDs, rec.ID)
		}
	}

	if len(violations) > 0 {
		if err := st.InsertViolations(ctx, violations); err != nil {
			return stats, eris.Wrap(err, "validate: insert violations")
		}
	}
	if err := st.UpdateStagedStatus(ctx, validatedIDs, model.StagedValidated); err != nil {
		return stats, eris.Wrap(err, "validate: mark validated")
	}
	if err := st.UpdateStagedStatus(ctx, quarantinedIDs, model.StagedQuarantined); err != nil {
		return stats, eris.Wrap(err, "validate: mark quarantined")
	}

	stats.Validated = int64(len(validatedIDs))
	stats.Quarantined = int64(len(quarantinedIDs))
	stats.Violations = int64(len(violations))
	if stats.Quarantined > 0 {
		e.log.Info("batch quarantined rows",
			zap.Int64("quarantined", stats.Quarantined),
			zap.Int64("violations", stats.Violations))
	}
	return stats, nil
}
