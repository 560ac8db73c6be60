// Package definition saga 定义模型与注册表
package definition

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Duration is a time.Duration that marshals as a string like "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timeout must be a duration string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse timeout: %w", err)
	}
	if parsed < 0 {
		return fmt.Errorf("timeout must not be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

// Step declares one unit of work: the forward command sent to a participant,
// the events that resolve it, and the compensating command that undoes it.
// Steps sharing a group run in parallel; groups run in ascending order.
type Step struct {
	Name                string   `json:"name"`
	Participant         string   `json:"participant"`
	ForwardCommand      string   `json:"forwardCommand"`
	SuccessEvent        string   `json:"successEvent"`
	FailureEvent        string   `json:"failureEvent"`
	CompensatingCommand string   `json:"compensatingCommand,omitempty"`
	Group               int      `json:"group"`
	Timeout             Duration `json:"timeout,omitempty"`
}

// Compensable reports whether the step declares a compensating command.
// Steps without one are skipped during unwind by policy.
func (s *Step) Compensable() bool {
	return s.CompensatingCommand != ""
}

// TimeoutOrDefault returns the step timeout, falling back to the given default.
func (s *Step) TimeoutOrDefault(def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return time.Duration(s.Timeout)
	}
	return def
}

// Definition is an immutable saga blueprint. It is validated once at load time
// and shared read-only across engine workers.
type Definition struct {
	Name  string  `json:"name"`
	Steps []*Step `json:"steps"`

	phases [][]*Step
	byName map[string]*Step
	phase  map[string]int
}

// Validate checks the definition and builds the phase index. It must be called
// before the definition is used; Registry.Register does this.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition name required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %s: at least one step required", d.Name)
	}

	d.byName = make(map[string]*Step, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("definition %s: step name required", d.Name)
		}
		if _, dup := d.byName[step.Name]; dup {
			return fmt.Errorf("definition %s: duplicate step %s", d.Name, step.Name)
		}
		if step.Participant == "" {
			return fmt.Errorf("definition %s: step %s: participant required", d.Name, step.Name)
		}
		if step.ForwardCommand == "" {
			return fmt.Errorf("definition %s: step %s: forwardCommand required", d.Name, step.Name)
		}
		if step.SuccessEvent == "" || step.FailureEvent == "" {
			return fmt.Errorf("definition %s: step %s: successEvent and failureEvent required", d.Name, step.Name)
		}
		if step.Group < 0 {
			return fmt.Errorf("definition %s: step %s: group must not be negative", d.Name, step.Name)
		}
		d.byName[step.Name] = step
	}

	d.buildPhases()
	return nil
}

// buildPhases groups steps by ascending group number, preserving declaration
// order within a group. Group numbers need not be contiguous.
func (d *Definition) buildPhases() {
	groups := make(map[int][]*Step)
	var order []int
	for _, step := range d.Steps {
		if _, seen := groups[step.Group]; !seen {
			order = append(order, step.Group)
		}
		groups[step.Group] = append(groups[step.Group], step)
	}
	sort.Ints(order)

	d.phases = make([][]*Step, 0, len(order))
	d.phase = make(map[string]int, len(d.Steps))
	for idx, g := range order {
		d.phases = append(d.phases, groups[g])
		for _, step := range groups[g] {
			d.phase[step.Name] = idx
		}
	}
}

// Phases returns steps grouped into sequential phases.
func (d *Definition) Phases() [][]*Step {
	return d.phases
}

// PhaseCount returns the number of phases.
func (d *Definition) PhaseCount() int {
	return len(d.phases)
}

// Step looks up a step by name.
func (d *Definition) Step(name string) (*Step, bool) {
	step, ok := d.byName[name]
	return step, ok
}

// PhaseOf returns the phase index of a step.
func (d *Definition) PhaseOf(name string) (int, bool) {
	idx, ok := d.phase[name]
	return idx, ok
}
