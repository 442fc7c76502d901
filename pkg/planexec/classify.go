package planexec

import (
	"fmt"
	"strings"
)

// DefaultReplanPatterns are error substrings that make a failure worth replanning.
var DefaultReplanPatterns = []string{
	"not found",
	"timeout",
	"timed out",
	"rate limit",
	"permission denied",
	"unauthorized",
	"forbidden",
	"does not exist",
	"no such",
	"connection refused",
}

// ReplanClassifier returns the known failure patterns found in an error text.
type ReplanClassifier interface {
	Match(errText string) []string
}

// ReplanClassifierFunc adapts a function to ReplanClassifier.
type ReplanClassifierFunc func(errText string) []string

func (f ReplanClassifierFunc) Match(errText string) []string { return f(errText) }

// SubstringClassifier matches case-insensitive substrings.
type SubstringClassifier struct {
	Patterns []string
}

// NewSubstringClassifier returns a classifier for patterns, or the defaults when none are given.
func NewSubstringClassifier(patterns ...string) *SubstringClassifier {
	if len(patterns) == 0 {
		patterns = DefaultReplanPatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &SubstringClassifier{Patterns: lowered}
}

func (c *SubstringClassifier) Match(errText string) []string {
	text := strings.ToLower(errText)
	var out []string
	for _, p := range c.Patterns {
		if strings.Contains(text, p) {
			out = append(out, p)
		}
	}
	return out
}

// Outcome is the classification of one ActionResult.
type Outcome struct {
	Success      bool
	Error        string
	ShouldReplan bool
}

// Classify maps an ActionResult to success or failure.
func Classify(r ActionResult, c ReplanClassifier) Outcome {
	fail := func(msg string, replan bool) Outcome {
		return Outcome{Error: msg, ShouldReplan: replan || len(c.Match(msg)) > 0}
	}

	if env := r.Envelope; env != nil {
		switch {
		case !env.Success || env.Error != "":
			msg := env.Error
			if msg == "" {
				msg = "tool reported failure"
			}
			return fail(msg, false)
		case isEmpty(env.Data):
			return fail("tool returned empty result", false)
		default:
			return Outcome{Success: true}
		}
	}

	if r.Kind == KindFinalAnswer {
		return Outcome{Success: true}
	}
	if r.Error != "" && r.Kind != KindError && r.Kind != KindNeedsReplan {
		return fail(r.Error, false)
	}

	switch r.Kind {
	case KindToolResult, KindLLMResult, KindConditionalResult:
		if isEmpty(r.Content) {
			return fail(fmt.Sprintf("%s was empty", r.Kind), false)
		}
		return Outcome{Success: true}
	case KindError:
		msg := r.Error
		if msg == "" {
			msg = stringify(r.Content)
		}
		if msg == "" {
			msg = "action failed"
		}
		return fail(msg, false)
	case KindNeedsReplan:
		msg := r.Error
		if msg == "" {
			msg = "action requested replanning"
		}
		return fail(msg, true)
	default:
		return fail(fmt.Sprintf("unknown result kind %q", r.Kind), false)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprint(t)
	}
}
