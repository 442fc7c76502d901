package session

import (
	"strings"
	"unicode"
)

// IntentClassifier maps a user message to a coarse intent label.
type IntentClassifier interface {
	Classify(text string) string
}

// IntentFunc adapts a function to IntentClassifier.
type IntentFunc func(text string) string

func (f IntentFunc) Classify(text string) string { return f(text) }

// IntentRule assigns Intent when any keyword appears in the message.
// Multi-word keywords match as phrases.
type IntentRule struct {
	Intent   string
	Keywords []string
}

// KeywordClassifier returns the intent of the first matching rule.
type KeywordClassifier struct {
	Rules    []IntentRule
	Fallback string
}

// DefaultIntentClassifier returns the built-in keyword rule table.
func DefaultIntentClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		Rules: []IntentRule{
			{Intent: "cancel", Keywords: []string{"cancel", "stop", "abort", "nevermind", "never mind"}},
			{Intent: "confirm", Keywords: []string{"yes", "confirm", "proceed", "go ahead", "approved"}},
			{Intent: "delete", Keywords: []string{"delete", "remove", "drop", "destroy"}},
			{Intent: "create", Keywords: []string{"create", "add", "make", "new", "generate"}},
			{Intent: "update", Keywords: []string{"update", "change", "modify", "edit", "rename", "fix"}},
			{Intent: "search", Keywords: []string{"find", "search", "list", "show", "look up", "lookup"}},
			{Intent: "question", Keywords: []string{"what", "why", "how", "when", "where", "who", "explain"}},
		},
		Fallback: "general",
	}
}

// Classify implements IntentClassifier.
func (c *KeywordClassifier) Classify(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return c.Fallback
	}
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	joined := " " + strings.Join(words, " ") + " "

	for _, rule := range c.Rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(joined, " "+kw+" ") {
					return rule.Intent
				}
				continue
			}
			if set[kw] {
				return rule.Intent
			}
		}
	}
	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return "question"
	}
	return c.Fallback
}
