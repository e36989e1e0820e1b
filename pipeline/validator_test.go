// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"strings"
	"testing"
)

func runValidator(t *testing.T, s State) Delta {
	t.Helper()
	delta, err := NewValidator().Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return delta
}

func TestValidatorCleanResponse(t *testing.T) {
	delta := runValidator(t, State{
		ResponseContent: "The capital of France is Paris.",
	})
	if !*delta.ValidationPassed {
		t.Errorf("Expected pass, got reason %q", *delta.ValidationReason)
	}
	if *delta.ValidationScore != 1.0 {
		t.Errorf("Score = %v, want 1.0", *delta.ValidationScore)
	}
}

func TestValidatorEmptyAndShort(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: ""},
		{name: "whitespace only", content: "   \n  "},
		{name: "too short", content: "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := runValidator(t, State{ResponseContent: tt.content})
			if *delta.ValidationPassed {
				t.Error("Expected failure")
			}
			if *delta.ValidationScore != 0.75 {
				t.Errorf("Score = %v, want 0.75 (one failed check)", *delta.ValidationScore)
			}
		})
	}
}

func TestValidatorJSONFormat(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantPass bool
	}{
		{name: "direct json", content: `{"answer": 42}`, wantPass: true},
		{name: "fenced json", content: "Here you go:\n```json\n{\"answer\": 42}\n```", wantPass: true},
		{name: "fenced without language tag", content: "```\n{\"answer\": 42}\n```", wantPass: true},
		{name: "not json", content: "The answer is forty-two.", wantPass: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := runValidator(t, State{
				ResponseContent: tt.content,
				ExpectedFormat:  "json",
			})
			if *delta.ValidationPassed != tt.wantPass {
				t.Errorf("Passed = %v, want %v (reason %q)", *delta.ValidationPassed, tt.wantPass, *delta.ValidationReason)
			}
		})
	}
}

func TestValidatorListFormat(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantPass bool
	}{
		{name: "bulleted", content: "- first\n- second", wantPass: true},
		{name: "numbered", content: "1. first\n2. second", wantPass: true},
		{name: "prose", content: "first then second then third", wantPass: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := runValidator(t, State{
				ResponseContent: tt.content,
				ExpectedFormat:  "list",
			})
			if *delta.ValidationPassed != tt.wantPass {
				t.Errorf("Passed = %v, want %v", *delta.ValidationPassed, tt.wantPass)
			}
		})
	}
}

func TestValidatorGrounding(t *testing.T) {
	chunks := []ContextChunk{
		{Content: "The billing subsystem exports invoices nightly through the ledger service."},
	}

	t.Run("grounded response passes", func(t *testing.T) {
		delta := runValidator(t, State{
			ResponseContent: "Invoices are exported nightly by the billing subsystem via the ledger service, " +
				"so the report you are seeing reflects yesterday's data.",
			ContextChunks: chunks,
		})
		if !*delta.ValidationPassed {
			t.Errorf("Expected pass, got %q", *delta.ValidationReason)
		}
	})

	t.Run("ungrounded long response fails", func(t *testing.T) {
		delta := runValidator(t, State{
			ResponseContent: strings.Repeat("Totally unrelated prose about weather patterns and migratory birds. ", 3),
			ContextChunks:   chunks,
		})
		if *delta.ValidationPassed {
			t.Error("Expected grounding failure")
		}
		if !strings.Contains(*delta.ValidationReason, "grounding") {
			t.Errorf("Reason = %q, want grounding failure", *delta.ValidationReason)
		}
	})

	t.Run("short response skips the threshold", func(t *testing.T) {
		delta := runValidator(t, State{
			ResponseContent: "Yes, that is correct.",
			ContextChunks:   chunks,
		})
		if !*delta.ValidationPassed {
			t.Errorf("Short responses must not fail grounding, got %q", *delta.ValidationReason)
		}
	})

	t.Run("no context skips the check entirely", func(t *testing.T) {
		delta := runValidator(t, State{
			ResponseContent: strings.Repeat("Anything at all works when there is no retrieved context present. ", 3),
		})
		if !*delta.ValidationPassed {
			t.Errorf("Expected pass without context, got %q", *delta.ValidationReason)
		}
	})
}

func TestValidatorRefusalLeak(t *testing.T) {
	tests := []string{
		"As an AI language model, I cannot help with that.",
		"I'm not able to answer this question.",
		"I don't have access to real-time data.",
		"That information is in my training data somewhere.",
	}
	for _, content := range tests {
		delta := runValidator(t, State{ResponseContent: content})
		if *delta.ValidationPassed {
			t.Errorf("Expected refusal-leak failure for %q", content)
		}
	}
}

func TestValidatorScoreCountsFailedChecks(t *testing.T) {
	// Empty response also fails the json format check: 2 of 4 checks fail.
	delta := runValidator(t, State{
		ResponseContent: "",
		ExpectedFormat:  "json",
	})
	if *delta.ValidationScore != 0.5 {
		t.Errorf("Score = %v, want 0.5", *delta.ValidationScore)
	}
	// First failure's reason is reported.
	if !strings.Contains(*delta.ValidationReason, "empty") {
		t.Errorf("Reason = %q, want the first failing check", *delta.ValidationReason)
	}
}
