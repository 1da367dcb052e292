// Package mapping translates source-specific column names into canonical
// contact fields using declarative per-source YAML mappings.
package mapping

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FieldMapping maps one source column to one canonical field, optionally
// through a transform chain applied left to right. Default fills in when the
// source value is absent or empty; Required fails the record when the field
// ends up empty after transforms and default.
type FieldMapping struct {
	From       string   `yaml:"from"`
	To         string   `yaml:"to"`
	Transforms []string `yaml:"transforms"`
	Default    string   `yaml:"default,omitempty"`
	Required   bool     `yaml:"required,omitempty"`
}

// Mapping is the full column mapping for one source system.
type Mapping struct {
	Source     string         `yaml:"source"`
	EntityType string         `yaml:"entity_type"`
	Fields     []FieldMapping `yaml:"fields"`
	// Ignore lists source columns that are intentionally unmapped, so they
	// do not show up in the drift report.
	Ignore []string `yaml:"ignore"`

	fromSet   map[string]bool
	ignoreSet map[string]bool
}

// Result is the outcome of applying a mapping to one raw record.
type Result struct {
	Normalized map[string]string
	// Unmapped lists source columns the mapping neither maps nor ignores.
	// These feed the schema-drift report; they never fail the record.
	Unmapped []string
}

// Load reads and validates one mapping file.
func Load(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: read %s", path)
	}

	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "mapping: parse %s", path)
	}

	if err := m.validate(); err != nil {
		return nil, eris.Wrapf(err, "mapping: invalid %s", path)
	}
	m.index()
	return &m, nil
}

// LoadDir loads every *.yaml mapping in dir, keyed by source system name.
func LoadDir(dir string) (map[string]*Mapping, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: read dir %s", dir)
	}

	mappings := make(map[string]*Mapping)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		m, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := mappings[m.Source]; dup {
			return nil, eris.Errorf("mapping: duplicate mapping for source %s", m.Source)
		}
		mappings[m.Source] = m
	}

	zap.L().Debug("mapping: loaded", zap.String("dir", dir), zap.Int("sources", len(mappings)))
	return mappings, nil
}

func (m *Mapping) validate() error {
	if m.Source == "" {
		return eris.New("source is required")
	}
	if len(m.Fields) == 0 {
		return eris.New("at least one field mapping is required")
	}

	seenTo := make(map[string]bool)
	for _, f := range m.Fields {
		if f.From == "" || f.To == "" {
			return eris.Errorf("field mapping needs both from and to (from=%q to=%q)", f.From, f.To)
		}
		if seenTo[f.To] {
			return eris.Errorf("canonical field %s mapped more than once", f.To)
		}
		seenTo[f.To] = true

		for _, name := range f.Transforms {
			if _, ok := transforms[name]; !ok {
				return eris.Errorf("unknown transform %q on field %s", name, f.From)
			}
		}
	}
	return nil
}

func (m *Mapping) index() {
	m.fromSet = make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		m.fromSet[f.From] = true
	}
	m.ignoreSet = make(map[string]bool, len(m.Ignore))
	for _, c := range m.Ignore {
		m.ignoreSet[c] = true
	}
}

// Apply maps one raw record's columns to canonical fields. Missing source
// columns are skipped; transform failures fail the record so validation can
// quarantine it with a precise cause.
func (m *Mapping) Apply(fields map[string]string) (*Result, error) {
	normalized := make(map[string]string, len(m.Fields))
	for _, f := range m.Fields {
		val := fields[f.From]
		if val != "" {
			for _, name := range f.Transforms {
				var err error
				val, err = transforms[name](val)
				if err != nil {
					return nil, eris.Wrapf(err, "mapping: transform %s on %s", name, f.From)
				}
			}
		}
		if val == "" {
			val = f.Default
		}
		if val == "" {
			if f.Required {
				return nil, eris.Errorf("mapping: required field %s (from %s) is empty", f.To, f.From)
			}
			continue
		}
		normalized[f.To] = val
	}

	var unmapped []string
	for col := range fields {
		if m.fromSet[col] || m.ignoreSet[col] {
			continue
		}
		if strings.TrimSpace(fields[col]) == "" {
			continue
		}
		unmapped = append(unmapped, col)
	}
	sort.Strings(unmapped)

	return &Result{Normalized: normalized, Unmapped: unmapped}, nil
}
