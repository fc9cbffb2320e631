package jsonsalvage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultRepairPasses is the number of repair prompts issued before giving up.
const DefaultRepairPasses = 3

// Repairer sends a repair prompt to a model and returns its raw reply.
type Repairer func(ctx context.Context, prompt string) (string, error)

// Salvager layers the repair-prompt loop on top of Decode.
type Salvager struct {
	repair Repairer
	passes int
	logger *zap.Logger
}

// Option customises a Salvager.
type Option func(*Salvager)

// WithRepairPasses overrides the number of repair prompts.
func WithRepairPasses(passes int) Option {
	return func(s *Salvager) {
		if passes >= 0 {
			s.passes = passes
		}
	}
}

// WithLogger attaches a logger for repair diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Salvager) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a Salvager. A nil repairer disables the repair loop.
func New(repair Repairer, opts ...Option) *Salvager {
	s := &Salvager{repair: repair, passes: DefaultRepairPasses, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Object recovers a JSON object from raw. Top-level arrays are returned under the "items" key.
// When nothing can be recovered it returns an empty, non-nil map.
func (s *Salvager) Object(ctx context.Context, raw, schemaHint string) map[string]interface{} {
	if obj, ok := asObject(Decode(raw)); ok {
		return obj
	}
	if s == nil || s.repair == nil {
		return map[string]interface{}{}
	}

	for pass := 1; pass <= s.passes; pass++ {
		if ctx.Err() != nil {
			break
		}
		reply, err := s.repair(ctx, RepairPrompt(pass, raw, schemaHint))
		if err != nil {
			s.logger.Sugar().Warnw("json repair call failed", "pass", pass, "error", err)
			continue
		}
		if obj, ok := asObject(Decode(reply)); ok {
			s.logger.Sugar().Infow("json repaired by model", "pass", pass)
			return obj
		}
		s.logger.Sugar().Warnw("json repair output still invalid", "pass", pass, "snippet", snippet(reply))
	}
	return map[string]interface{}{}
}

func asObject(value interface{}, err error) (map[string]interface{}, bool) {
	if err != nil {
		return nil, false
	}
	switch v := value.(type) {
	case map[string]interface{}:
		return v, true
	case []interface{}:
		return map[string]interface{}{"items": v}, true
	default:
		return nil, false
	}
}

// RepairPrompt builds the instructions for repair pass n (1-based); later passes are stricter.
func RepairPrompt(pass int, broken, schemaHint string) string {
	var b strings.Builder
	switch {
	case pass <= 1:
		b.WriteString("The following text was supposed to be a single JSON object but it does not parse. ")
		b.WriteString("Fix the syntax and return the corrected JSON.\n")
	case pass == 2:
		b.WriteString("Return ONLY a valid JSON object. No prose, no markdown fences, no comments. ")
		b.WriteString("Escape every backslash inside strings as \\\\ and every newline as \\n. Remove trailing commas.\n")
	default:
		b.WriteString("STRICT MODE. Your entire reply must be one JSON object that passes a standard JSON parser. ")
		b.WriteString("Start with { and end with }. Drop any field you cannot repair rather than emitting invalid syntax.\n")
	}
	if hint := strings.TrimSpace(schemaHint); hint != "" {
		fmt.Fprintf(&b, "\nExpected shape:\n%s\n", hint)
	}
	b.WriteString("\nText to repair:\n")
	b.WriteString(broken)
	return b.String()
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	const limit = 160
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
