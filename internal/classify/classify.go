// Package classify assigns a task type to free-text task descriptions.
// Classification is deliberately a replaceable policy behind a single
// interface; the keyword matcher here is the default, not the contract.
package classify

import "strings"

// Classifier maps a task description to a task-type label used for
// learning statistics and model routing.
type Classifier interface {
	Classify(description string) string
}

// KeywordClassifier is the default Classifier: first keyword match
// wins, scanned in rule order so more specific categories are listed
// before general ones.
type KeywordClassifier struct {
	rules []keywordRule
}

type keywordRule struct {
	taskType string
	keywords []string
}

// NewKeywordClassifier returns the default rule set.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		rules: []keywordRule{
			{"security", []string{"security", "vulnerability", "cve", "auth bypass", "injection"}},
			{"database", []string{"database", "migration", "schema", "sql", "index"}},
			{"architecture", []string{"architecture", "refactor", "redesign", "restructure"}},
			{"documentation", []string{"readme", "docs", "documentation", "changelog"}},
			{"testing", []string{"test", "coverage", "flaky"}},
			{"formatting", []string{"format", "gofmt", "lint", "whitespace", "style"}},
			{"typo", []string{"typo", "spelling", "misspell"}},
			{"bugfix", []string{"fix", "bug", "crash", "regression", "broken"}},
			{"feature", []string{"add", "implement", "support", "feature"}},
		},
	}
}

// Classify returns the first matching rule's task type, or "general"
// when nothing matches. Matching is case-insensitive substring search.
func (c *KeywordClassifier) Classify(description string) string {
	lower := strings.ToLower(description)
	for _, rule := range c.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.taskType
			}
		}
	}
	return "general"
}
