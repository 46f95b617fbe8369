package machine

import (
	"fmt"
	"os"
	"strings"

	"github.com/tinyrange/sdei/internal/cpuctx"
	"github.com/tinyrange/sdei/internal/sdei"
	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of client actions against a machine.
type Scenario struct {
	Name     string         `yaml:"name"`
	Platform *sdei.Platform `yaml:"platform,omitempty"`
	Steps    []Step         `yaml:"steps"`
}

// Step is one action. Exactly one of Call, Assert, AssertPrivate, Take,
// Complete, Resume or World is set.
type Step struct {
	Core int `yaml:"core,omitempty"`

	// Call is an SDEI function name such as EVENT_REGISTER.
	Call string   `yaml:"call,omitempty"`
	Args []uint64 `yaml:"args,omitempty"`

	Assert        uint32 `yaml:"assert,omitempty"`
	AssertPrivate uint32 `yaml:"assertPrivate,omitempty"`

	// Take steps the core once.
	Take bool `yaml:"take,omitempty"`
	// Complete and Resume finish the innermost handler on the core.
	Complete bool    `yaml:"complete,omitempty"`
	Resume   *uint64 `yaml:"resume,omitempty"`

	// World is "secure" or "non-secure".
	World string `yaml:"world,omitempty"`

	// Expect is the status a call or completion must return.
	Expect *int64 `yaml:"expect,omitempty"`
	// ExpectEvent is the event Take must dispatch; -1 means none.
	ExpectEvent *int32 `yaml:"expectEvent,omitempty"`
}

func (s Step) String() string {
	switch {
	case s.Call != "":
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = fmt.Sprintf("%#x", a)
		}
		return fmt.Sprintf("core %d: %s(%s)", s.Core, s.Call, strings.Join(args, ", "))
	case s.Assert != 0:
		return fmt.Sprintf("assert %d", s.Assert)
	case s.AssertPrivate != 0:
		return fmt.Sprintf("core %d: assert %d", s.Core, s.AssertPrivate)
	case s.Take:
		return fmt.Sprintf("core %d: take", s.Core)
	case s.Complete:
		return fmt.Sprintf("core %d: complete", s.Core)
	case s.Resume != nil:
		return fmt.Sprintf("core %d: complete and resume at %#x", s.Core, *s.Resume)
	case s.World != "":
		return fmt.Sprintf("core %d: enter %s world", s.Core, s.World)
	default:
		return "empty step"
	}
}

// StepResult records the outcome of one step.
type StepResult struct {
	Step   string      `json:"step"`
	Status sdei.Status `json:"status"`
	Event  int32       `json:"event"`
}

// ParseScenario decodes a scenario.
func ParseScenario(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Platform != nil {
		sc.Platform.Normalize()
	}
	return sc, nil
}

// LoadScenario reads a scenario from path.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// Runner executes scenario steps against a machine, keeping the stack of
// open handlers on each core.
type Runner struct {
	m        *Machine
	handlers [][]*HandlerCall
}

// NewRunner returns a Runner for m.
func NewRunner(m *Machine) *Runner {
	return &Runner{m: m, handlers: make([][]*HandlerCall, m.Cores())}
}

// Run executes every step of sc, stopping at the first failed expectation.
func (r *Runner) Run(sc Scenario) ([]StepResult, error) {
	var results []StepResult
	for i, st := range sc.Steps {
		res, err := r.Exec(st)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("%s: step %d (%s): %w", sc.Name, i, st, err)
		}
	}
	return results, nil
}

// Exec executes one step.
func (r *Runner) Exec(st Step) (StepResult, error) {
	res := StepResult{Step: st.String(), Event: -1}
	if st.Core < 0 || st.Core >= r.m.Cores() {
		return res, fmt.Errorf("core %d out of range", st.Core)
	}

	switch {
	case st.Call != "":
		fid, err := sdei.ParseFunctionID(st.Call)
		if err != nil {
			return res, err
		}
		if len(st.Args) > 5 {
			return res, fmt.Errorf("%d arguments", len(st.Args))
		}
		if fid == sdei.FnEventComplete || fid == sdei.FnEventCompleteAndResume {
			return res, fmt.Errorf("use complete or resume steps to finish handlers")
		}
		res.Status = r.m.SMC(st.Core, fid, st.Args...)
		return res, checkStatus(st, res.Status)

	case st.Assert != 0:
		return res, r.m.Assert(st.Assert)

	case st.AssertPrivate != 0:
		return res, r.m.AssertPrivate(st.Core, st.AssertPrivate)

	case st.Take:
		h := r.m.Step(st.Core)
		if h != nil {
			res.Event = h.Event
			r.handlers[st.Core] = append(r.handlers[st.Core], h)
		}
		if st.ExpectEvent != nil && *st.ExpectEvent != res.Event {
			return res, fmt.Errorf("dispatched event %d, want %d", res.Event, *st.ExpectEvent)
		}
		return res, nil

	case st.Complete || st.Resume != nil:
		open := r.handlers[st.Core]
		if len(open) == 0 {
			// Lets a scenario check that a stray completion is denied.
			res.Status = r.m.SMC(st.Core, sdei.FnEventComplete)
			return res, checkStatus(st, res.Status)
		}
		h := open[len(open)-1]
		res.Event = h.Event
		if st.Resume != nil {
			res.Status = h.CompleteAndResume(*st.Resume)
		} else {
			res.Status = h.Complete()
		}
		if !h.Running() {
			r.handlers[st.Core] = open[:len(open)-1]
		}
		return res, checkStatus(st, res.Status)

	case st.World != "":
		switch st.World {
		case "secure":
			r.m.EnterWorld(st.Core, cpuctx.Secure)
		case "non-secure", "nonsecure":
			r.m.EnterWorld(st.Core, cpuctx.NonSecure)
		default:
			return res, fmt.Errorf("unknown world %q", st.World)
		}
		return res, nil
	}
	return res, fmt.Errorf("step has no action")
}

func checkStatus(st Step, got sdei.Status) error {
	if st.Expect != nil && sdei.Status(*st.Expect) != got {
		return fmt.Errorf("returned %v, want %v", got, sdei.Status(*st.Expect))
	}
	return nil
}
