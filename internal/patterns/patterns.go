// Package patterns provides the static tracking pattern sets.
//
// Patterns are compiled into the binary from patterns.yaml. An optional
// override file may replace whole sets at startup; after Load returns the
// sets are never mutated.
package patterns

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/defundx-go/internal/types"
)

//go:embed patterns.yaml
var defaultPatternsFS embed.FS

// file mirrors the YAML layout.
type file struct {
	ScriptBlockTerms   []string `yaml:"script_block_terms"`
	TrackingParams     []string `yaml:"tracking_params"`
	TrackingAttributes []string `yaml:"tracking_attributes"`
	RequestMarkers     []string `yaml:"request_markers"`
}

// Set is an immutable collection of tracking patterns.
// Accessors return copies so callers cannot alter shared state.
type Set struct {
	scriptTerms []string // lowercased
	params      []string
	attributes  []string
	markers     []string
}

// ScriptBlockTerms returns the terms matched against script source URLs.
func (s *Set) ScriptBlockTerms() []string { return clone(s.scriptTerms) }

// TrackingParamNames returns the query parameter names to strip.
func (s *Set) TrackingParamNames() []string { return clone(s.params) }

// TrackingAttributes returns the attributes removed by the one-shot pass.
func (s *Set) TrackingAttributes() []string { return clone(s.attributes) }

// RequestMarkers returns the substrings identifying telemetry requests.
func (s *Set) RequestMarkers() []string { return clone(s.markers) }

var (
	instance *Set
	once     sync.Once
)

// Default returns the embedded pattern set.
func Default() *Set {
	once.Do(func() {
		f, err := loadEmbedded()
		if err != nil {
			log.Error().Err(err).Msg("Failed to load embedded patterns, using built-in defaults")
			f = builtin()
		}
		instance = newSet(f)
	})
	return instance
}

// Load returns the embedded set with any sets present in the override file
// replacing their embedded counterpart. An empty path returns Default().
func Load(overridePath string) (*Set, error) {
	if overridePath == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read patterns file: %w", err)
	}

	var override file
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("invalid YAML in patterns file: %w", err)
	}

	merged := merge(Default(), override)
	if err := merged.validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("path", overridePath).
		Int("script_terms", len(merged.scriptTerms)).
		Int("params", len(merged.params)).
		Int("attributes", len(merged.attributes)).
		Int("markers", len(merged.markers)).
		Msg("Loaded pattern overrides")

	return merged, nil
}

func loadEmbedded() (file, error) {
	var f file
	data, err := defaultPatternsFS.ReadFile("patterns.yaml")
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, err
	}
	return f, nil
}

// builtin mirrors patterns.yaml for the unlikely case the embed is unreadable.
func builtin() file {
	return file{
		ScriptBlockTerms:   []string{"analytics", "tracking", "pixel", "metrics"},
		TrackingParams:     []string{"ref_src", "ref_url", "twclid", "s", "t"},
		TrackingAttributes: []string{"data-tracking", "data-analytics", "data-metrics"},
		RequestMarkers:     []string{"events", "client_event", "update_subscriptions"},
	}
}

func newSet(f file) *Set {
	terms := make([]string, 0, len(f.ScriptBlockTerms))
	for _, t := range compact(f.ScriptBlockTerms) {
		terms = append(terms, strings.ToLower(t))
	}
	return &Set{
		scriptTerms: terms,
		params:      compact(f.TrackingParams),
		attributes:  compact(f.TrackingAttributes),
		markers:     compact(f.RequestMarkers),
	}
}

func merge(base *Set, override file) *Set {
	f := file{
		ScriptBlockTerms:   base.scriptTerms,
		TrackingParams:     base.params,
		TrackingAttributes: base.attributes,
		RequestMarkers:     base.markers,
	}
	if len(override.ScriptBlockTerms) > 0 {
		f.ScriptBlockTerms = override.ScriptBlockTerms
	}
	if len(override.TrackingParams) > 0 {
		f.TrackingParams = override.TrackingParams
	}
	if len(override.TrackingAttributes) > 0 {
		f.TrackingAttributes = override.TrackingAttributes
	}
	if len(override.RequestMarkers) > 0 {
		f.RequestMarkers = override.RequestMarkers
	}
	return newSet(f)
}

// validate enforces non-empty sets and the disjointness of script terms and
// parameter names.
func (s *Set) validate() error {
	if len(s.scriptTerms) == 0 || len(s.params) == 0 || len(s.attributes) == 0 || len(s.markers) == 0 {
		return types.ErrPatternsEmpty
	}
	terms := make(map[string]struct{}, len(s.scriptTerms))
	for _, t := range s.scriptTerms {
		terms[t] = struct{}{}
	}
	for _, p := range s.params {
		if _, ok := terms[strings.ToLower(p)]; ok {
			return fmt.Errorf("%w: %q", types.ErrPatternsClash, p)
		}
	}
	return nil
}

// compact trims entries and drops blanks and duplicates, keeping order.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func clone(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
