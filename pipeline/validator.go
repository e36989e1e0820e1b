// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// totalChecks is the fixed battery size: empty, format, grounding, refusal.
const totalChecks = 4

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?```")
	listMarkerPattern = regexp.MustCompile(`(?m)(^[\s]*[-*•]|^[\s]*\d+[.)]\s)`)
	keywordPattern    = regexp.MustCompile(`\b[a-z]{4,}\b`)

	refusalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)as an ai (language )?model`),
		regexp.MustCompile(`(?i)i('m| am) not able to`),
		regexp.MustCompile(`(?i)i don'?t have (access|the ability)`),
		regexp.MustCompile(`(?i)my training data`),
		regexp.MustCompile(`(?i)i was (trained|designed) (to|by)`),
	}
)

// checkFailure records one failed validation check.
type checkFailure struct {
	check  string
	reason string
}

func checkEmptyResponse(content string) *checkFailure {
	stripped := strings.TrimSpace(content)
	if stripped == "" {
		return &checkFailure{check: "empty_response", reason: "Response is empty"}
	}
	if len(stripped) < 5 {
		return &checkFailure{
			check:  "empty_response",
			reason: fmt.Sprintf("Response too short (%d chars)", len(stripped)),
		}
	}
	return nil
}

func checkFormat(content, expectedFormat string) *checkFailure {
	switch expectedFormat {
	case "json":
		if json.Valid([]byte(content)) {
			return nil
		}
		// The model may have wrapped the JSON in a fenced code block.
		if m := fencedJSONPattern.FindStringSubmatch(content); m != nil {
			if json.Valid([]byte(m[1])) {
				return nil
			}
		}
		return &checkFailure{
			check:  "format_json",
			reason: "Expected JSON format but response is not valid JSON",
		}
	case "list":
		if !listMarkerPattern.MatchString(content) {
			return &checkFailure{
				check:  "format_list",
				reason: "Expected list format but no list items found",
			}
		}
	}
	return nil
}

func checkGrounding(content string, chunks []ContextChunk) *checkFailure {
	if len(chunks) == 0 {
		return nil
	}

	var contextText strings.Builder
	for _, c := range chunks {
		contextText.WriteString(strings.ToLower(c.Content))
		contextText.WriteString(" ")
	}
	contextWords := wordSet(contextText.String())
	if len(contextWords) == 0 {
		return nil
	}

	responseWords := wordSet(strings.ToLower(content))
	overlap := 0
	for w := range responseWords {
		if contextWords[w] {
			overlap++
		}
	}
	ratio := float64(overlap) / float64(len(contextWords))

	if ratio < 0.05 && len(content) > 100 {
		return &checkFailure{
			check:  "grounding",
			reason: fmt.Sprintf("Low context grounding (overlap=%.2f%%)", ratio*100),
		}
	}
	return nil
}

func checkRefusalLeak(content string) *checkFailure {
	for _, p := range refusalPatterns {
		if p.MatchString(content) {
			return &checkFailure{
				check:  "refusal_leak",
				reason: "Response contains AI self-reference patterns",
			}
		}
	}
	return nil
}

func wordSet(text string) map[string]bool {
	words := keywordPattern.FindAllString(text, -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// Validator runs the output quality battery against generated content.
// Failures within the tier's retry budget signal the pipeline to re-run
// the invoker; once the budget is exhausted the best available content is
// delivered anyway.
type Validator struct{}

// NewValidator creates the validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Name returns the node name.
func (v *Validator) Name() string { return "validate" }

// Run implements the pipeline node contract.
func (v *Validator) Run(ctx context.Context, s State) (Delta, error) {
	var failures []checkFailure

	if f := checkEmptyResponse(s.ResponseContent); f != nil {
		failures = append(failures, *f)
	}
	if f := checkFormat(s.ResponseContent, s.ExpectedFormat); f != nil {
		failures = append(failures, *f)
	}
	if f := checkGrounding(s.ResponseContent, s.ContextChunks); f != nil {
		failures = append(failures, *f)
	}
	if f := checkRefusalLeak(s.ResponseContent); f != nil {
		failures = append(failures, *f)
	}

	score := float64(totalChecks-len(failures)) / totalChecks

	if len(failures) > 0 {
		return Delta{
			ValidationPassed: boolPtr(false),
			ValidationReason: strPtr(failures[0].reason),
			ValidationScore:  floatPtr(score),
			RetryCount:       intPtr(s.RetryCount),
		}, nil
	}

	return Delta{
		ValidationPassed: boolPtr(true),
		ValidationReason: strPtr("passed"),
		ValidationScore:  floatPtr(score),
		RetryCount:       intPtr(s.RetryCount),
	}, nil
}
