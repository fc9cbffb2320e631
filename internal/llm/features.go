package llm

import (
	"strings"
	"time"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
)

// Feature tags the purpose of a model call in the usage log.
type Feature string

const (
	FeatureTranscription       Feature = "transcription"
	FeatureStructure           Feature = "structure"
	FeaturePrereqExtract       Feature = "prereq_extract"
	FeaturePrereqTeach         Feature = "prereq_teach"
	FeatureRecap               Feature = "recap"
	FeatureExamPrepStructure   Feature = "exam_prep_structure"
	FeatureQuizGeneration      Feature = "quiz_generation"
	FeatureQuizGrading         Feature = "quiz_grading"
	FeatureFinalExamGeneration Feature = "final_exam_generation"
	FeatureHintGeneration      Feature = "hint_generation"
	FeatureChatCourse          Feature = "chat_course"
	FeatureChatExamPrep        Feature = "chat_exam_prep"
	FeatureChatIntent          Feature = "chat_intent"
	FeatureChatWidget          Feature = "chat_widget"
	FeatureChatVision          Feature = "chat_vision"
	FeatureMemorySummary       Feature = "memory_summary"
	FeatureJSONRepair          Feature = "json_repair"
	FeatureOther               Feature = "other"
)

var knownFeatures = map[Feature]struct{}{
	FeatureTranscription: {}, FeatureStructure: {}, FeaturePrereqExtract: {}, FeaturePrereqTeach: {},
	FeatureRecap: {}, FeatureExamPrepStructure: {}, FeatureQuizGeneration: {}, FeatureQuizGrading: {},
	FeatureFinalExamGeneration: {}, FeatureHintGeneration: {}, FeatureChatCourse: {}, FeatureChatExamPrep: {},
	FeatureChatIntent: {}, FeatureChatWidget: {}, FeatureChatVision: {}, FeatureMemorySummary: {},
	FeatureJSONRepair: {}, FeatureOther: {},
}

// Normalize maps unknown tags onto FeatureOther.
func (f Feature) Normalize() Feature {
	if _, ok := knownFeatures[f]; ok {
		return f
	}
	return FeatureOther
}

// ModelTable resolves the configured model for a feature.
type ModelTable struct {
	Default    string
	PerFeature map[Feature]string
}

// NewModelTable builds the per-feature overrides from configuration.
func NewModelTable(cfg config.LLMConfig) ModelTable {
	per := map[Feature]string{
		FeatureTranscription:       cfg.TranscriptionModel,
		FeatureStructure:           cfg.StructureModel,
		FeatureExamPrepStructure:   cfg.StructureModel,
		FeaturePrereqExtract:       cfg.PrerequisitesModel,
		FeaturePrereqTeach:         cfg.PrereqTeachingModel,
		FeatureRecap:               cfg.RecapModel,
		FeatureQuizGeneration:      cfg.QuizModel,
		FeatureQuizGrading:         cfg.GradingModel,
		FeatureFinalExamGeneration: cfg.FinalExamModel,
		FeatureHintGeneration:      cfg.HintModel,
	}
	for feature, model := range per {
		if strings.TrimSpace(model) == "" {
			delete(per, feature)
		}
	}
	return ModelTable{Default: strings.TrimSpace(cfg.ModelName), PerFeature: per}
}

// Resolve picks the feature override, then the global default, then fallback.
func (t ModelTable) Resolve(feature Feature, fallback string) string {
	if model := strings.TrimSpace(t.PerFeature[feature]); model != "" {
		return model
	}
	if t.Default != "" {
		return t.Default
	}
	return fallback
}

// Timeouts holds the per-call deadlines.
type Timeouts struct {
	Call          time.Duration
	Transcription time.Duration
}

func (t Timeouts) forFeature(feature Feature) time.Duration {
	if feature == FeatureTranscription && t.Transcription > 0 {
		return t.Transcription
	}
	return t.Call
}

// price is USD per million tokens.
type price struct {
	input  float64
	output float64
}

// priceTable is matched by longest model prefix.
var priceTable = map[string]price{
	"gemini-2.5-pro":        {input: 1.25, output: 10},
	"gemini-2.5-flash-lite": {input: 0.10, output: 0.40},
	"gemini-2.5-flash":      {input: 0.30, output: 2.50},
	"gemini-2.0-flash":      {input: 0.10, output: 0.40},
	"gemini-1.5-pro":        {input: 1.25, output: 5},
	"gemini-1.5-flash":      {input: 0.075, output: 0.30},
	"gpt-4o-mini":           {input: 0.15, output: 0.60},
	"gpt-4o":                {input: 2.50, output: 10},
	"gpt-4.1-mini":          {input: 0.40, output: 1.60},
	"gpt-4.1":               {input: 2, output: 8},
}

// EstimateCost returns the USD cost of a call, or nil when the model or usage is unknown.
func EstimateCost(model string, usage *Usage) *float64 {
	if usage == nil || usage.InputTokens == nil && usage.OutputTokens == nil {
		return nil
	}
	model = strings.ToLower(strings.TrimSpace(model))
	model = strings.TrimPrefix(model, "models/")
	var (
		best    price
		bestLen int
	)
	for prefix, p := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	if bestLen == 0 {
		return nil
	}
	cost := float64(deref(usage.InputTokens))*best.input/1e6 + float64(deref(usage.OutputTokens))*best.output/1e6
	return &cost
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
