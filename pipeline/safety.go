// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"regexp"
	"strings"

	"axonflow/gateway/llm"
)

// safetyRule is one named detection pattern with a severity tier.
type safetyRule struct {
	name     string
	pattern  *regexp.Regexp
	severity string
}

const (
	severityHigh   = "high"
	severityMedium = "medium"
)

// The catalogue is fixed and compiled once. High severity blocks the
// request outright; medium raises the risk score but lets it through.
var safetyRules = []safetyRule{
	{
		name: "instruction_override",
		pattern: regexp.MustCompile(`(?i)(ignore|disregard|forget|override|bypass)\s+` +
			`(all\s+)?(previous|above|prior|earlier|your|system)\s+` +
			`(instructions?|prompts?|rules?|guidelines?|context)`),
		severity: severityHigh,
	},
	{
		name: "system_prompt_extraction",
		pattern: regexp.MustCompile(`(?i)(show|reveal|display|print|output|repeat|echo|tell)\s+` +
			`(me\s+)?(your\s+)?(the\s+)?` +
			`(system\s*prompt|system\s*message|initial\s+instructions?` +
			`|hidden\s+instructions?|original\s+prompt)`),
		severity: severityHigh,
	},
	{
		name: "role_hijack",
		pattern: regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are)` +
			`|from\s+now\s+on\s+you|new\s+persona|switch\s+to\s+role` +
			`|roleplay\s+as|simulate\s+being)`),
		severity: severityHigh,
	},
	{
		name: "delimiter_injection",
		pattern: regexp.MustCompile(`(?i)(` + "```" + `\s*system|<\s*system\s*>|<<\s*SYS\s*>>|\[INST\]` +
			`|\[SYSTEM\]|<\|im_start\|>system|### ?System)`),
		severity: severityHigh,
	},
	{
		name: "jailbreak_keyword",
		pattern: regexp.MustCompile(`(?i)(DAN\s*mode|jailbreak|do\s+anything\s+now` +
			`|developer\s+mode|god\s+mode|unrestricted\s+mode` +
			`|no\s+restrictions|without\s+limitations)`),
		severity: severityHigh,
	},
	{
		name: "encoding_bypass",
		pattern: regexp.MustCompile(`(?i)(base64|rot13|hex\s*encode|url\s*encode|decode\s+this` +
			`|translate\s+from\s+base64|eval\(|exec\()`),
		severity: severityMedium,
	},
	{
		name: "output_manipulation",
		pattern: regexp.MustCompile(`(?i)(respond\s+only\s+with|your\s+response\s+must\s+start\s+with` +
			`|begin\s+your\s+response|do\s+not\s+include\s+any\s+other` +
			`|output\s+nothing\s+but|just\s+say\s+yes)`),
		severity: severityMedium,
	},
	{
		name: "code_execution_request",
		pattern: regexp.MustCompile(`(?i)(write\s+.{0,30}(malware|virus|ransomware|keylogger|exploit)` +
			`|create\s+.{0,30}(backdoor|rootkit|trojan))`),
		severity: severityHigh,
	},
}

// Verdict is a safety scan result.
type Verdict struct {
	Passed    bool
	Reason    string
	RiskScore float64
}

// SafetyGate scans user input for prompt injection and harmful content
// before any model is invoked. Pure CPU regex matching, no network.
type SafetyGate struct{}

// NewSafetyGate creates the gate. The rule catalogue is package-level and
// shared; the gate itself is stateless.
func NewSafetyGate() *SafetyGate {
	return &SafetyGate{}
}

// Name returns the node name.
func (g *SafetyGate) Name() string { return "safety" }

// Scan evaluates the user texts against the rule catalogue.
func (g *SafetyGate) Scan(userTexts []string) Verdict {
	if len(userTexts) == 0 {
		return Verdict{Passed: true, Reason: "no_user_messages", RiskScore: 0.0}
	}

	combined := strings.Join(userTexts, "\n")

	var high, medium []string
	for _, rule := range safetyRules {
		if rule.pattern.MatchString(combined) {
			switch rule.severity {
			case severityHigh:
				high = append(high, rule.name)
			case severityMedium:
				medium = append(medium, rule.name)
			}
		}
	}

	if len(high) > 0 {
		return Verdict{Passed: false, Reason: "blocked:" + high[0], RiskScore: 1.0}
	}
	if len(medium) > 0 {
		risk := 0.3 + 0.1*float64(len(medium))
		if risk > 0.7 {
			risk = 0.7
		}
		return Verdict{Passed: true, Reason: "flagged:" + medium[0], RiskScore: risk}
	}
	return Verdict{Passed: true, Reason: "passed", RiskScore: 0.0}
}

// Run implements the pipeline node contract.
func (g *SafetyGate) Run(ctx context.Context, s State) (Delta, error) {
	if len(s.Messages) == 0 {
		return Delta{
			SafetyPassed: boolPtr(true),
			SafetyReason: strPtr("no_messages"),
			RiskScore:    floatPtr(0.0),
		}, nil
	}

	verdict := g.Scan(userTexts(s.Messages))
	return Delta{
		SafetyPassed: boolPtr(verdict.Passed),
		SafetyReason: strPtr(verdict.Reason),
		RiskScore:    floatPtr(verdict.RiskScore),
	}, nil
}

// userTexts extracts non-blank user message contents in order.
func userTexts(messages []llm.Message) []string {
	var texts []string
	for _, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			texts = append(texts, m.Content)
		}
	}
	return texts
}
