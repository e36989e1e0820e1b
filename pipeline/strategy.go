// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"math"
	"regexp"

	"axonflow/gateway/llm"
)

// Quality tiers and their validation retry budgets.
const (
	TierLight    = "light"
	TierStandard = "standard"
	TierFull     = "full"
)

// RetryBudget returns the validator retry budget for a quality tier.
func RetryBudget(tier string) int {
	switch tier {
	case TierLight:
		return 0
	case TierStandard:
		return 1
	default:
		return 2
	}
}

// CoTSuffix is the fixed chain-of-thought instruction appended to the
// system prompt when reasoning mode is enabled.
const CoTSuffix = "\n\nIMPORTANT: Think step by step. Break down your reasoning " +
	"before providing your final answer."

var techPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(code|function|class|implement|debug|error|bug|api)`),
	regexp.MustCompile(`(?i)(analyze|compare|evaluate|review|audit)`),
	regexp.MustCompile(`(?i)(explain\s+why|how\s+does|what\s+causes)`),
	regexp.MustCompile(`(?i)(step\s+by\s+step|detailed|thorough|comprehensive)`),
}

var multiTaskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(and\s+also|additionally|moreover|furthermore)`),
	regexp.MustCompile(`(?i)(first|second|third|\d+\.\s)`),
	regexp.MustCompile(`(?i)(both|all\s+of|each\s+of)`),
}

var (
	codePattern     = regexp.MustCompile(`(?i)(code|function|class|implement|fix|debug|syntax|compile|python|javascript|sql)`)
	analysisPattern = regexp.MustCompile(`(?i)(analyze|compare|evaluate|review|audit|assess|examine)`)
	cotTrigger      = regexp.MustCompile(`(?i)(explain|reason|why|how|step\s+by\s+step|think\s+through|walk\s+me\s+through)`)
)

// ComplexityFactors breaks the complexity score down per factor.
type ComplexityFactors struct {
	Length    float64 `json:"length"`
	Turns     float64 `json:"turns"`
	Technical float64 `json:"technical"`
	MultiTask float64 `json:"multi_task"`
}

// AnalyzeComplexity scores the input 0.0 (trivial) to 1.0 (very complex)
// over four weighted factors.
func AnalyzeComplexity(messages []llm.Message) (float64, ComplexityFactors) {
	var userMessages []llm.Message
	for _, m := range messages {
		if m.Role == "user" {
			userMessages = append(userMessages, m)
		}
	}
	if len(userMessages) == 0 {
		return 0.0, ComplexityFactors{}
	}

	latest := userMessages[len(userMessages)-1].Content

	lengthScore := math.Min(float64(len(latest))/2000, 1.0)
	turnScore := math.Min(float64(len(userMessages))/10, 1.0)

	techMatches := 0
	for _, p := range techPatterns {
		if p.MatchString(latest) {
			techMatches++
		}
	}
	techScore := math.Min(float64(techMatches)/3, 1.0)

	multiMatches := 0
	for _, p := range multiTaskPatterns {
		if p.MatchString(latest) {
			multiMatches++
		}
	}
	multiScore := math.Min(float64(multiMatches)/2, 1.0)

	score := lengthScore*0.2 + turnScore*0.1 + techScore*0.4 + multiScore*0.3
	score = round3(math.Min(score, 1.0))

	return score, ComplexityFactors{
		Length:    round3(lengthScore),
		Turns:     round3(turnScore),
		Technical: round3(techScore),
		MultiTask: round3(multiScore),
	}
}

// DetermineTemperature picks the sampling temperature from content type:
// code-like input runs cold, analytical input medium, everything else 0.7.
func DetermineTemperature(messages []llm.Message) float64 {
	latest := latestUser(messages)
	if latest == "" {
		return 0.7
	}
	if codePattern.MatchString(latest) {
		return 0.2
	}
	if analysisPattern.MatchString(latest) {
		return 0.4
	}
	return 0.7
}

// ShouldUseCoT enables chain-of-thought for complex queries or explicit
// reasoning requests.
func ShouldUseCoT(complexity float64, messages []llm.Message) bool {
	if complexity > 0.5 {
		return true
	}
	return cotTrigger.MatchString(latestUser(messages))
}

// DetermineQualityTier picks light/standard/full, honoring an explicit
// tenant override.
func DetermineQualityTier(override string, complexity float64) string {
	switch override {
	case TierLight, TierStandard, TierFull:
		return override
	}
	if complexity < 0.3 {
		return TierLight
	}
	if complexity < 0.6 {
		return TierStandard
	}
	return TierFull
}

// StrategySelector turns raw messages, request overrides, and tenant
// configuration into a concrete execution plan: model, temperature,
// chain-of-thought, quality tier, and the final message list.
type StrategySelector struct {
	registry *llm.Registry
}

// NewStrategySelector creates the selector over the model registry.
func NewStrategySelector(registry *llm.Registry) *StrategySelector {
	return &StrategySelector{registry: registry}
}

// Name returns the node name.
func (ss *StrategySelector) Name() string { return "strategy" }

// Run implements the pipeline node contract.
func (ss *StrategySelector) Run(ctx context.Context, s State) (Delta, error) {
	complexity, _ := AnalyzeComplexity(s.Messages)

	selected := ss.registry.Resolve(s.RequestedModel, s.TenantDefault, s.AllowedModels)

	temperature := DetermineTemperature(s.Messages)
	if s.RequestedTemp != nil {
		temperature = *s.RequestedTemp
	}

	useCoT := ShouldUseCoT(complexity, s.Messages)
	tier := DetermineQualityTier(s.TierOverride, complexity)

	// Fold the enriched context prompt and CoT instruction into the
	// final system prompt. When neither exists the prompt stays empty.
	prompt := s.EnrichedPrompt
	if useCoT {
		if prompt != "" {
			prompt += CoTSuffix
		} else {
			prompt = CoTSuffix[2:] // drop the leading blank line
		}
	}

	final := make([]llm.Message, len(s.Messages))
	copy(final, s.Messages)

	return Delta{
		SelectedModel: strPtr(selected),
		Temperature:   floatPtr(temperature),
		UseCoT:        boolPtr(useCoT),
		QualityTier:   strPtr(tier),
		Complexity:    floatPtr(complexity),
		FinalMessages: final,
		FinalPrompt:   strPtr(prompt),
	}, nil
}

func latestUser(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
