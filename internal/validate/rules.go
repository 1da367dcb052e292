// Package validate evaluates declarative data-quality rules against staged
// payloads, persists every violation, and quarantines rows with error-grade
// failures. Warnings and info findings are recorded but never block.
package validate

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Family groups rules by evaluation mechanics.
type Family string

// Rule families.
const (
	FamilyRequired   Family = "contact_required"
	FamilyFormat     Family = "format"
	FamilyCrossField Family = "cross_field"
	FamilyRange      Family = "range"
	FamilyReference  Family = "reference"
)

// Rule is one declarative check. Which parameters apply depends on the
// family; LoadRules rejects combinations that make no sense.
type Rule struct {
	Code     string         `yaml:"code"`
	Family   Family         `yaml:"family"`
	Severity model.Severity `yaml:"severity"`
	Detail   string         `yaml:"detail"`

	// contact_required
	Fields []string `yaml:"fields,omitempty"` // all must be present
	AnyOf  []string `yaml:"any_of,omitempty"` // at least one must be present

	// format
	Field   string `yaml:"field,omitempty"`
	Format  string `yaml:"format,omitempty"`  // named format: email, phone_e164, date_iso, zip5, state_code
	Pattern string `yaml:"pattern,omitempty"` // custom regex, alternative to format

	// cross_field
	Check string `yaml:"check,omitempty"` // named check over Fields

	// range
	Kind string `yaml:"kind,omitempty"` // number, date, length
	Min  string `yaml:"min,omitempty"`
	Max  string `yaml:"max,omitempty"`

	// reference
	Ref    string   `yaml:"ref,omitempty"`    // lookup set name resolved via Lookup
	Values []string `yaml:"values,omitempty"` // inline allowed values

	pattern  *regexp.Regexp
	valueSet map[string]bool
}

// RuleSet is the ordered rule list for one entity type.
type RuleSet struct {
	EntityType string `yaml:"entity_type"`
	Rules      []Rule `yaml:"rules"`
}

var namedFormats = map[string]*regexp.Regexp{
	"email":      regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`),
	"phone_e164": regexp.MustCompile(`^\+[1-9]\d{6,14}$`),
	"date_iso":   regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
	"zip5":       regexp.MustCompile(`^\d{5}$`),
	"state_code": regexp.MustCompile(`^[A-Z]{2}$`),
}

var crossChecks = map[string]func(fields []string, payload map[string]string) (bool, string){
	// date_order: fields[0] must not be after fields[1] when both present.
	// ISO dates compare lexicographically.
	"date_order": func(fields []string, payload map[string]string) (bool, string) {
		if len(fields) != 2 {
			return true, ""
		}
		a, b := payload[fields[0]], payload[fields[1]]
		if a == "" || b == "" {
			return true, ""
		}
		if a > b {
			return false, fmt.Sprintf("%s (%s) is after %s (%s)", fields[0], a, fields[1], b)
		}
		return true, ""
	},
	// all_or_none: either every listed field is present or none is.
	"all_or_none": func(fields []string, payload map[string]string) (bool, string) {
		present := 0
		for _, f := range fields {
			if payload[f] != "" {
				present++
			}
		}
		if present != 0 && present != len(fields) {
			return false, fmt.Sprintf("%d of %d fields present: %s", present, len(fields), strings.Join(fields, ", "))
		}
		return true, ""
	},
	// not_future: fields[0], an ISO date, must not be after today.
	"not_future": func(fields []string, payload map[string]string) (bool, string) {
		if len(fields) == 0 || payload[fields[0]] == "" {
			return true, ""
		}
		d, err := time.Parse("2006-01-02", payload[fields[0]])
		if err != nil {
			return false, fmt.Sprintf("%s is not an ISO date: %s", fields[0], payload[fields[0]])
		}
		if d.After(time.Now()) {
			return false, fmt.Sprintf("%s is in the future: %s", fields[0], payload[fields[0]])
		}
		return true, ""
	},
}

// LoadRules reads and compiles a rule set file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "validate: read rules %s", path)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, eris.Wrapf(err, "validate: parse rules %s", path)
	}
	if err := rs.compile(); err != nil {
		return nil, eris.Wrapf(err, "validate: invalid rules %s", path)
	}
	return &rs, nil
}

func (rs *RuleSet) compile() error {
	if len(rs.Rules) == 0 {
		return eris.New("at least one rule is required")
	}

	seen := make(map[string]bool)
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Code == "" {
			return eris.New("rule code is required")
		}
		if seen[r.Code] {
			return eris.Errorf("duplicate rule code %s", r.Code)
		}
		seen[r.Code] = true

		if r.Severity == "" {
			r.Severity = model.SeverityError
		}
		switch r.Severity {
		case model.SeverityError, model.SeverityWarning, model.SeverityInfo:
		default:
			return eris.Errorf("rule %s: unknown severity %q", r.Code, r.Severity)
		}

		switch r.Family {
		case FamilyRequired:
			if len(r.Fields) == 0 && len(r.AnyOf) == 0 {
				return eris.Errorf("rule %s: contact_required needs fields or any_of", r.Code)
			}
		case FamilyFormat:
			if r.Field == "" {
				return eris.Errorf("rule %s: format needs a field", r.Code)
			}
			switch {
			case r.Pattern != "":
				p, err := regexp.Compile(r.Pattern)
				if err != nil {
					return eris.Wrapf(err, "rule %s: bad pattern", r.Code)
				}
				r.pattern = p
			case r.Format != "":
				p, ok := namedFormats[r.Format]
				if !ok {
					return eris.Errorf("rule %s: unknown format %q", r.Code, r.Format)
				}
				r.pattern = p
			default:
				return eris.Errorf("rule %s: format needs format or pattern", r.Code)
			}
		case FamilyCrossField:
			if _, ok := crossChecks[r.Check]; !ok {
				return eris.Errorf("rule %s: unknown cross_field check %q", r.Code, r.Check)
			}
		case FamilyRange:
			if r.Field == "" {
				return eris.Errorf("rule %s: range needs a field", r.Code)
			}
			switch r.Kind {
			case "number", "date", "length":
			default:
				return eris.Errorf("rule %s: unknown range kind %q", r.Code, r.Kind)
			}
			if r.Min == "" && r.Max == "" {
				return eris.Errorf("rule %s: range needs min or max", r.Code)
			}
		case FamilyReference:
			if r.Field == "" {
				return eris.Errorf("rule %s: reference needs a field", r.Code)
			}
			if r.Ref == "" && len(r.Values) == 0 {
				return eris.Errorf("rule %s: reference needs ref or values", r.Code)
			}
			if len(r.Values) > 0 {
				r.valueSet = make(map[string]bool, len(r.Values))
				for _, v := range r.Values {
					r.valueSet[v] = true
				}
			}
		default:
			return eris.Errorf("rule %s: unknown family %q", r.Code, r.Family)
		}
	}
	return nil
}

func parseRangeBound(kind, s string) (float64, error) {
	if kind == "date" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return 0, err
		}
		return float64(t.Unix()), nil
	}
	return strconv.ParseFloat(s, 64)
}

func rangeValue(kind, s string) (float64, error) {
	switch kind {
	case "length":
		return float64(len(s)), nil
	case "date":
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return 0, err
		}
		return float64(t.Unix()), nil
	default:
		return strconv.ParseFloat(s, 64)
	}
}
