package expect

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/newtron-network/labharness/pkg/util"
)

// DefaultStepTimeout applies to steps that leave Timeout unset.
const DefaultStepTimeout = 30 * time.Second

// Step is one expect/send pair. When Expect is empty the step only sends.
// An Optional step whose prompt does not appear in time is skipped together
// with its send; a mandatory one aborts the script.
type Step struct {
	Name     string
	Expect   string
	Send     string
	Optional bool
	Timeout  time.Duration
}

// Script is a fixed, ordered sequence of steps. Firmware variants are
// handled by marking their prompts optional rather than by branching.
type Script struct {
	Name  string
	Steps []Step
}

// Outcome records what happened to a step.
type Outcome int

const (
	OutcomeMatched Outcome = iota
	OutcomeSkipped
	OutcomeSent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSent:
		return "sent"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// StepRecord is the per-step trace kept in a ScriptResult.
type StepRecord struct {
	Step    string
	Outcome Outcome
	Match   Match
}

// ScriptResult is the trace of a script run.
type ScriptResult struct {
	Script string
	Steps  []StepRecord
}

// Skipped returns the names of optional steps whose prompt never appeared.
func (r *ScriptResult) Skipped() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Outcome == OutcomeSkipped {
			out = append(out, s.Step)
		}
	}
	return out
}

// StepError reports the step that aborted a script.
type StepError struct {
	Script string
	Step   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("script %s: step %s: %v", e.Script, e.Step, e.Err)
}

// Unwrap exposes both the cause and ErrMandatoryPrompt when the step timed out.
func (e *StepError) Unwrap() []error {
	var te *TimeoutError
	if errors.As(e.Err, &te) {
		return []error{util.ErrMandatoryPrompt, e.Err}
	}
	return []error{e.Err}
}

// Compile checks every pattern in the script.
func (sc *Script) Compile() ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, len(sc.Steps))
	for i, st := range sc.Steps {
		if st.Expect == "" {
			if st.Send == "" {
				return nil, fmt.Errorf("script %s: step %s: %w: neither expect nor send", sc.Name, stepName(st, i), util.ErrInvalidConfig)
			}
			continue
		}
		re, err := regexp.Compile(st.Expect)
		if err != nil {
			return nil, fmt.Errorf("script %s: step %s: %w: %v", sc.Name, stepName(st, i), util.ErrInvalidConfig, err)
		}
		res[i] = re
	}
	return res, nil
}

// Run executes the script against s. It returns the trace so far together
// with a *StepError when a mandatory step fails or the session breaks.
func (sc *Script) Run(s *Session) (*ScriptResult, error) {
	patterns, err := sc.Compile()
	if err != nil {
		return nil, err
	}
	res := &ScriptResult{Script: sc.Name}
	log := util.Logger.WithField("script", sc.Name).WithField("session", s.Name())

	for i, st := range sc.Steps {
		name := stepName(st, i)
		rec := StepRecord{Step: name, Outcome: OutcomeSent}

		if re := patterns[i]; re != nil {
			timeout := st.Timeout
			if timeout <= 0 {
				timeout = DefaultStepTimeout
			}
			m, err := s.Expect(re, timeout)
			if err != nil {
				var te *TimeoutError
				if st.Optional && errors.As(err, &te) {
					log.Debugf("optional prompt %s did not appear, continuing", name)
					rec.Outcome = OutcomeSkipped
					res.Steps = append(res.Steps, rec)
					continue
				}
				return res, &StepError{Script: sc.Name, Step: name, Err: err}
			}
			rec.Outcome = OutcomeMatched
			rec.Match = m
		}

		if st.Send != "" {
			if err := s.Send(st.Send); err != nil {
				return res, &StepError{Script: sc.Name, Step: name, Err: err}
			}
		}
		res.Steps = append(res.Steps, rec)
	}
	return res, nil
}

func stepName(st Step, i int) string {
	if st.Name != "" {
		return st.Name
	}
	return fmt.Sprintf("#%d", i+1)
}
