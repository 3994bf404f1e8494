package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/model"
)

// ToolName is the tool the model is asked to call with its reading.
const ToolName = "record_understanding"

const instructions = `You classify task requests for a multi-agent system.
Call the record_understanding tool exactly once with the intent of the request,
your confidence between 0 and 1, entities found in the text with their byte
position, the goal type (ACHIEVE, MAINTAIN, QUERY, PERFORM, PREVENT), the
priority (CRITICAL, HIGH, MEDIUM, LOW) and, if the text implies one, an
RFC 3339 deadline. The current time is %s.`

var understandingSchema = util.CreateSchema(Understanding{})

// ModelOptions configures a ModelParser.
type ModelOptions struct {
	Logger   logging.Logger
	Fallback Parser
	// Timeout bounds one model call; zero means no limit.
	Timeout time.Duration
	Now     func() time.Time
}

// ModelParser asks a language model for an Understanding. Any model error
// or malformed answer falls back to the Fallback parser.
type ModelParser struct {
	model    model.Model
	opts     ModelOptions
	validate *validator.Validate
}

// NewModelParser creates a parser over m. The fallback defaults to a
// KeywordParser.
func NewModelParser(m model.Model, optFns ...func(o *ModelOptions)) *ModelParser {
	opts := ModelOptions{
		Logger:  logging.NoOpLogger{},
		Timeout: 30 * time.Second,
		Now:     time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Fallback == nil {
		now := opts.Now
		opts.Fallback = NewKeywordParser(func(o *KeywordOptions) { o.Now = now })
	}
	return &ModelParser{model: m, opts: opts, validate: validator.New()}
}

// Parse implements Parser.
func (p *ModelParser) Parse(ctx context.Context, text string) (Understanding, error) {
	if strings.TrimSpace(text) == "" {
		return Understanding{}, core.NewValidationError("intent.parse", "text is required")
	}
	u, err := p.ask(ctx, text)
	if err == nil {
		return u, nil
	}
	if ctx.Err() != nil {
		return Understanding{}, ctx.Err()
	}
	p.opts.Logger.Warn("model understanding failed, using fallback",
		"model", p.model.Info().Name, "error", err)
	return p.opts.Fallback.Parse(ctx, text)
}

func (p *ModelParser) ask(ctx context.Context, text string) (Understanding, error) {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}
	req := model.Request{
		Instructions: fmt.Sprintf(instructions, p.opts.Now().Format(time.RFC3339)),
		Messages:     []model.Message{{Role: model.RoleUser, Text: text}},
	}
	if p.model.Info().SupportsTools {
		req.Tools = []model.ToolDefinition{{
			Name:        ToolName,
			Description: "Record the structured understanding of the request.",
			Parameters:  understandingSchema,
		}}
	}
	resp, err := model.Complete(ctx, p.model, req)
	if err != nil {
		return Understanding{}, err
	}

	raw := extractJSON(resp.Text)
	for _, call := range resp.ToolCalls {
		if call.Name == ToolName {
			raw = call.Arguments
			break
		}
	}
	if raw == "" {
		return Understanding{}, fmt.Errorf("model answered without an understanding")
	}
	return p.decode(raw)
}

func (p *ModelParser) decode(raw string) (Understanding, error) {
	var wire struct {
		Understanding
		InferredDeadline string `json:"inferred_deadline,omitempty"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Understanding{}, fmt.Errorf("decode understanding: %w", err)
	}
	u := wire.Understanding
	u.InferredType = core.GoalType(strings.ToUpper(string(u.InferredType)))
	u.InferredPriority = core.GoalPriority(strings.ToUpper(string(u.InferredPriority)))
	if wire.InferredDeadline != "" {
		d, err := time.Parse(time.RFC3339, wire.InferredDeadline)
		if err != nil {
			return Understanding{}, fmt.Errorf("decode deadline: %w", err)
		}
		u.InferredDeadline = &d
	}
	for i := range u.Entities {
		if u.Entities[i].Confidence == 0 {
			u.Entities[i].Confidence = u.Confidence
		}
	}
	if err := p.validate.Struct(u); err != nil {
		return Understanding{}, fmt.Errorf("invalid understanding: %w", err)
	}
	return u, nil
}

// extractJSON returns the outermost JSON object in text, if any.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

var _ Parser = (*ModelParser)(nil)
