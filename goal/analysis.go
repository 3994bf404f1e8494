package goal

import (
	"strings"
	"unicode"

	"github.com/hupe1980/agentflow/core"
)

var actionKeywords = map[string]bool{
	"analyze": true, "analyse": true, "build": true, "coordinate": true, "create": true,
	"deploy": true, "design": true, "develop": true, "document": true, "evaluate": true,
	"implement": true, "integrate": true, "investigate": true, "migrate": true, "monitor": true,
	"optimize": true, "plan": true, "refactor": true, "research": true, "review": true,
	"test": true, "validate": true, "verify": true, "write": true,
}

// capabilityKeywords maps a capability to the words that imply it. The slice
// order is the order capabilities are reported in.
var capabilityKeywords = []struct {
	capability string
	keywords   []string
}{
	{"research", []string{"research", "investigate", "analyze", "analyse", "study", "explore", "find", "evaluate"}},
	{"design", []string{"design", "architect", "architecture", "plan", "model"}},
	{"coding", []string{"code", "coding", "implement", "build", "develop", "program", "fix", "refactor", "integrate"}},
	{"testing", []string{"test", "tests", "testing", "validate", "verify", "qa"}},
	{"data", []string{"data", "database", "dataset", "query", "etl", "migrate"}},
	{"writing", []string{"write", "document", "documentation", "report", "summarize", "summary"}},
	{"deployment", []string{"deploy", "release", "ship", "infrastructure", "monitor"}},
	{"review", []string{"review", "audit", "inspect"}},
}

// GeneralCapability is reported when no specific capability is detected.
const GeneralCapability = "general"

// Capabilities lists every capability RequiredCapabilities can report.
func Capabilities() []string {
	out := make([]string, 0, len(capabilityKeywords)+1)
	for _, ck := range capabilityKeywords {
		out = append(out, ck.capability)
	}
	return append(out, GeneralCapability)
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Complexity scores a goal in [0,1] from its action keywords, constraints,
// dependencies and existing sub-goals.
func Complexity(g core.Goal) float64 {
	score := 0.0
	for _, w := range words(g.Description) {
		if actionKeywords[w] {
			score += 0.15
		}
	}
	score += 0.1 * float64(len(g.Constraints))
	score += 0.1 * float64(len(g.Dependencies))
	score += 0.1 * float64(len(g.SubGoals))
	if score > 1 {
		score = 1
	}
	return score
}

// RequiredCapabilities infers the capabilities a description calls for.
func RequiredCapabilities(description string) []string {
	present := make(map[string]bool)
	for _, w := range words(description) {
		present[w] = true
	}
	var caps []string
	for _, ck := range capabilityKeywords {
		for _, kw := range ck.keywords {
			if present[kw] {
				caps = append(caps, ck.capability)
				break
			}
		}
	}
	if len(caps) == 0 {
		return []string{GeneralCapability}
	}
	return caps
}

// CapabilityMatch returns the fraction of required capabilities covered by
// declared ones. A member declaring GeneralCapability covers a general
// requirement only.
func CapabilityMatch(declared, required []string) float64 {
	if len(required) == 0 {
		return 0
	}
	have := make(map[string]bool, len(declared))
	for _, c := range declared {
		have[strings.ToLower(c)] = true
	}
	matched := 0
	for _, r := range required {
		if have[strings.ToLower(r)] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// EstimateLoad estimates the workload a goal adds to its assignee.
func EstimateLoad(g core.Goal) float64 {
	return Complexity(g) * g.Priority.Weight() * 20
}
