package intent

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/agentflow/core"
)

type intentRule struct {
	intent   string
	goalType core.GoalType
	words    []string
}

// Rules are checked in order; the intent with the most hits wins and ties
// go to the earlier rule.
var intentRules = []intentRule{
	{intent: "fix", goalType: core.GoalTypeAchieve, words: []string{"fix", "repair", "debug", "resolve", "patch"}},
	{intent: "create", goalType: core.GoalTypeAchieve, words: []string{"create", "build", "make", "generate", "write", "design", "implement", "add"}},
	{intent: "analyze", goalType: core.GoalTypeAchieve, words: []string{"analyze", "analyse", "investigate", "research", "review", "evaluate", "compare"}},
	{intent: "monitor", goalType: core.GoalTypeMaintain, words: []string{"monitor", "watch", "maintain", "keep", "track", "ensure"}},
	{intent: "prevent", goalType: core.GoalTypePrevent, words: []string{"prevent", "avoid", "block", "stop", "protect"}},
	{intent: "perform", goalType: core.GoalTypePerform, words: []string{"run", "execute", "deploy", "perform", "send", "process"}},
	{intent: "query", goalType: core.GoalTypeQuery, words: []string{"find", "search", "what", "which", "how", "why", "list", "show", "get", "lookup"}},
}

var priorityWords = []struct {
	priority core.GoalPriority
	words    []string
}{
	{priority: core.GoalPriorityCritical, words: []string{"urgent", "urgently", "asap", "immediately", "critical", "emergency"}},
	{priority: core.GoalPriorityHigh, words: []string{"important", "soon", "high", "quickly", "priority"}},
	{priority: core.GoalPriorityLow, words: []string{"whenever", "eventually", "someday", "low", "later"}},
}

var (
	wordRe     = regexp.MustCompile(`[\p{L}\p{N}']+`)
	emailRe    = regexp.MustCompile(`[\w.+-]+@[\w-]+(\.[\w-]+)+`)
	urlRe      = regexp.MustCompile(`https?://[^\s]+`)
	dateRe     = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	durationRe = regexp.MustCompile(`\b(?:in|within)\s+(\d+)\s+(minute|hour|day|week)s?\b`)
	mentionRe  = regexp.MustCompile(`(?:^|\s)@([\w-]+)`)
	numberRe   = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
)

// KeywordParser is a rule-based Parser.
type KeywordParser struct {
	now func() time.Time
}

// KeywordOptions configures a KeywordParser.
type KeywordOptions struct {
	// Now anchors relative deadlines.
	Now func() time.Time
}

// NewKeywordParser creates a keyword parser.
func NewKeywordParser(optFns ...func(o *KeywordOptions)) *KeywordParser {
	opts := KeywordOptions{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &KeywordParser{now: opts.Now}
}

// Parse implements Parser. It never fails on non-empty text.
func (p *KeywordParser) Parse(_ context.Context, text string) (Understanding, error) {
	if strings.TrimSpace(text) == "" {
		return Understanding{}, core.NewValidationError("intent.parse", "text is required")
	}
	lower := strings.ToLower(text)
	words := make(map[string]bool)
	for _, w := range wordRe.FindAllString(lower, -1) {
		words[w] = true
	}

	u := Understanding{
		Intent:           "unknown",
		Confidence:       0.3,
		InferredType:     core.GoalTypeAchieve,
		InferredPriority: core.GoalPriorityMedium,
	}
	best := 0
	for _, r := range intentRules {
		hits := 0
		for _, w := range r.words {
			if words[w] {
				hits++
			}
		}
		if hits > best {
			best = hits
			u.Intent, u.InferredType = r.intent, r.goalType
		}
	}
	if best > 0 {
		u.Confidence = min(0.95, 0.6+0.1*float64(best-1))
	}
	if strings.HasSuffix(strings.TrimSpace(lower), "?") && best == 0 {
		u.Intent, u.InferredType, u.Confidence = "query", core.GoalTypeQuery, 0.5
	}

	for _, pw := range priorityWords {
		if anyWord(words, pw.words) {
			u.InferredPriority = pw.priority
			break
		}
	}

	u.Entities = entities(text)
	u.InferredDeadline = p.deadline(lower)
	return u, nil
}

func anyWord(words map[string]bool, candidates []string) bool {
	for _, c := range candidates {
		if words[c] {
			return true
		}
	}
	return false
}

func entities(text string) []Entity {
	var out []Entity
	taken := make([]bool, len(text)+1)
	add := func(typ string, re *regexp.Regexp, group int, confidence float64) {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*group], loc[2*group+1]
			if start < 0 || taken[start] {
				continue
			}
			for i := start; i < end; i++ {
				taken[i] = true
			}
			out = append(out, Entity{Type: typ, Value: text[start:end], Confidence: confidence, Position: start})
		}
	}
	add("url", urlRe, 0, 0.95)
	add("email", emailRe, 0, 0.95)
	add("date", dateRe, 0, 0.9)
	add("mention", mentionRe, 1, 0.8)
	add("number", numberRe, 0, 0.6)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (p *KeywordParser) deadline(lower string) *time.Time {
	now := p.now()
	endOfDay := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
	}
	var d time.Time
	switch {
	case durationRe.MatchString(lower):
		m := durationRe.FindStringSubmatch(lower)
		n, _ := strconv.Atoi(m[1])
		unit := map[string]time.Duration{"minute": time.Minute, "hour": time.Hour, "day": 24 * time.Hour, "week": 7 * 24 * time.Hour}[m[2]]
		d = now.Add(time.Duration(n) * unit)
	case strings.Contains(lower, "by ") && dateRe.MatchString(lower):
		t, err := time.ParseInLocation("2006-01-02", dateRe.FindString(lower), now.Location())
		if err != nil {
			return nil
		}
		d = endOfDay(t)
	case strings.Contains(lower, "tomorrow"):
		d = endOfDay(now.AddDate(0, 0, 1))
	case strings.Contains(lower, "today") || strings.Contains(lower, "tonight") || strings.Contains(lower, "end of day"):
		d = endOfDay(now)
	case strings.Contains(lower, "next week"):
		d = endOfDay(now.AddDate(0, 0, 7))
	default:
		return nil
	}
	return &d
}

var _ Parser = (*KeywordParser)(nil)
