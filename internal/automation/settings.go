package automation

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nerrad567/bioreactor-core/internal/bus"
)

// SettingSpec declares one setting a job accepts.
type SettingSpec struct {
	Name string
	// Unit is published as the setting's $unit attribute.
	Unit     string
	Default  float64
	Min      float64
	Max      float64
	Required bool
	// ReadOnly settings are published but cannot be changed over the bus.
	ReadOnly bool
	// Persist keeps the retained value on the bus after the job stops.
	Persist bool
}

// Check validates v against the declared range. A zero Min and Max disables
// the range check.
func (s SettingSpec) Check(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is not finite", ErrInvalidSetting, s.Name)
	}
	if s.Min == 0 && s.Max == 0 {
		return nil
	}
	if v < s.Min || v > s.Max {
		return fmt.Errorf("%w: %s=%g outside [%g, %g]", ErrInvalidSetting, s.Name, v, s.Min, s.Max)
	}
	return nil
}

// disallowedNames are topic levels used by other parts of the hierarchy.
var disallowedNames = []string{
	"run", "dosing_events", "leds", "led_change_events",
	"unit_label", "cluster", "logs", bus.BroadcastUnit,
}

// ValidateJobName checks that name can be used as a job topic level.
func ValidateJobName(name string) error {
	if !bus.IsLevel(name) || strings.HasPrefix(name, "$") {
		return fmt.Errorf("%w: %q", ErrInvalidJobName, name)
	}
	if slices.Contains(disallowedNames, name) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidJobName, name)
	}
	return nil
}

// ResolveSettings merges provided values over the declared defaults and
// validates the result. Unknown keys, missing required settings and out of
// range values are reported together as ErrConfiguration.
func ResolveSettings(specs []SettingSpec, provided map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(specs))
	known := make(map[string]bool, len(specs))
	var problems []string

	for _, spec := range specs {
		known[spec.Name] = true
		v, ok := provided[spec.Name]
		if !ok {
			if spec.Required {
				problems = append(problems, fmt.Sprintf("%s is required", spec.Name))
				continue
			}
			v = spec.Default
		}
		if err := spec.Check(v); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		out[spec.Name] = v
	}

	for name := range provided {
		if !known[name] {
			problems = append(problems, fmt.Sprintf("%s is not a recognised setting", name))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return out, nil
}

// Settings is the current value store of one job. Each setting holds
// exactly one value; updates overwrite.
type Settings struct {
	mu     sync.RWMutex
	specs  map[string]SettingSpec
	order  []string
	values map[string]float64
}

func newSettings(specs []SettingSpec, values map[string]float64) *Settings {
	s := &Settings{
		specs:  make(map[string]SettingSpec, len(specs)),
		values: make(map[string]float64, len(values)),
	}
	for _, spec := range specs {
		s.specs[spec.Name] = spec
		s.order = append(s.order, spec.Name)
	}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// Get returns a setting's current value.
func (s *Settings) Get(name string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name]
}

// Lookup returns a setting's current value and whether it is declared.
func (s *Settings) Lookup(name string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Snapshot returns a copy of all current values.
func (s *Settings) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Names returns the declared setting names in declaration order.
func (s *Settings) Names() []string {
	return slices.Clone(s.order)
}

func (s *Settings) spec(name string) (SettingSpec, bool) {
	spec, ok := s.specs[name]
	return spec, ok
}

// validate parses a raw bus payload for name.
func (s *Settings) validate(name string, raw []byte) (float64, error) {
	spec, ok := s.spec(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	if spec.ReadOnly {
		return 0, fmt.Errorf("%w: %s is read-only", ErrInvalidSetting, name)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidSetting, name, raw)
	}
	if err := spec.Check(v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Settings) set(name string, v float64) {
	s.mu.Lock()
	s.values[name] = v
	s.mu.Unlock()
}

// formatValue renders a setting for its retained topic.
func formatValue(v float64) []byte {
	return []byte(strconv.FormatFloat(v, 'f', -1, 64))
}
