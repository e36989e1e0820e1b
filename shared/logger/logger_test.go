// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "gateway",
			instanceID:     "instance-123",
			expectedComp:   "gateway",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "worker",
			instanceID:     "",
			expectedComp:   "worker",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("Failed to unset INSTANCE_ID: %v", err)
				}
			}

			logger := New(tt.component)

			if logger.Component != tt.expectedComp {
				t.Errorf("Expected component %s, got %s", tt.expectedComp, logger.Component)
			}

			if logger.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, logger.InstanceID)
			}

			if logger.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

// TestLogLevels tests all log level methods
func TestLogLevels(t *testing.T) {
	tests := []struct {
		name      string
		logFunc   func(*Logger, string, string, string, map[string]interface{})
		level     LogLevel
		message   string
		tenantID  string
		requestID string
		fields    map[string]interface{}
	}{
		{
			name:      "Info log",
			logFunc:   (*Logger).Info,
			level:     INFO,
			message:   "Test info message",
			tenantID:  "tenant-123",
			requestID: "req-456",
			fields:    map[string]interface{}{"key": "value"},
		},
		{
			name:      "Error log",
			logFunc:   (*Logger).Error,
			level:     ERROR,
			message:   "Test error message",
			tenantID:  "tenant-789",
			requestID: "req-012",
			fields:    map[string]interface{}{"error_code": 500},
		},
		{
			name:      "Warn log",
			logFunc:   (*Logger).Warn,
			level:     WARN,
			message:   "Test warning message",
			tenantID:  "tenant-abc",
			requestID: "req-def",
			fields:    nil,
		},
		{
			name:      "Debug log",
			logFunc:   (*Logger).Debug,
			level:     DEBUG,
			message:   "Test debug message",
			tenantID:  "tenant-xyz",
			requestID: "req-uvw",
			fields:    map[string]interface{}{"debug_info": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", "DEBUG")

			var buf bytes.Buffer
			logger := New("test-component")
			logger.SetOutput(&buf)

			tt.logFunc(logger, tt.tenantID, tt.requestID, tt.message, tt.fields)

			var entry LogEntry
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("Failed to parse JSON log: %v\nOutput: %s", err, buf.String())
			}

			if entry.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, entry.Level)
			}

			if entry.Message != tt.message {
				t.Errorf("Expected message '%s', got '%s'", tt.message, entry.Message)
			}

			if entry.TenantID != tt.tenantID {
				t.Errorf("Expected tenant ID '%s', got '%s'", tt.tenantID, entry.TenantID)
			}

			if entry.RequestID != tt.requestID {
				t.Errorf("Expected request ID '%s', got '%s'", tt.requestID, entry.RequestID)
			}

			if entry.Component != "test-component" {
				t.Errorf("Expected component 'test-component', got '%s'", entry.Component)
			}

			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("Invalid timestamp format: %s", entry.Timestamp)
			}

			if tt.fields != nil {
				for key, expectedValue := range tt.fields {
					actualValue, ok := entry.Fields[key]
					if !ok {
						t.Errorf("Expected field '%s' not found", key)
						continue
					}
					// JSON unmarshals numbers as float64
					switch expected := expectedValue.(type) {
					case int:
						if actual, ok := actualValue.(float64); !ok || int(actual) != expected {
							t.Errorf("Field '%s': expected %v, got %v", key, expectedValue, actualValue)
						}
					default:
						if actualValue != expectedValue {
							t.Errorf("Field '%s': expected %v, got %v", key, expectedValue, actualValue)
						}
					}
				}
			}
		})
	}
}

// TestLevelThreshold tests that entries below the minimum level are dropped
func TestLevelThreshold(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")

	var buf bytes.Buffer
	logger := New("test-component")
	logger.SetOutput(&buf)

	logger.Debug("tenant-1", "req-1", "debug message", nil)
	logger.Info("tenant-1", "req-1", "info message", nil)
	if buf.Len() != 0 {
		t.Errorf("Expected no output below WARN, got: %s", buf.String())
	}

	logger.Warn("tenant-1", "req-1", "warn message", nil)
	if buf.Len() == 0 {
		t.Error("Expected WARN entry to be written")
	}
}

// TestInfoWithDuration tests the InfoWithDuration helper method
func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test-component")
	logger.SetOutput(&buf)

	logger.InfoWithDuration("tenant-123", "req-456", "Request completed", 123.45, map[string]interface{}{
		"endpoint": "/v1/chat",
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}

	durationMS, ok := entry.Fields["duration_ms"]
	if !ok {
		t.Error("Expected duration_ms field not found")
	}
	if durationMS != 123.45 {
		t.Errorf("Expected duration_ms 123.45, got %v", durationMS)
	}

	endpoint, ok := entry.Fields["endpoint"]
	if !ok {
		t.Error("Expected endpoint field not found")
	}
	if endpoint != "/v1/chat" {
		t.Errorf("Expected endpoint '/v1/chat', got %v", endpoint)
	}

	if entry.Level != INFO {
		t.Errorf("Expected INFO level, got %s", entry.Level)
	}
}

// TestErrorWithCode tests the ErrorWithCode helper method
func TestErrorWithCode(t *testing.T) {
	tests := []struct {
		name           string
		statusCode     int
		err            error
		fields         map[string]interface{}
		expectError    bool
		expectedErrMsg string
	}{
		{
			name:           "with error",
			statusCode:     502,
			err:            &testError{msg: "upstream unavailable"},
			fields:         map[string]interface{}{"provider": "anthropic"},
			expectError:    true,
			expectedErrMsg: "upstream unavailable",
		},
		{
			name:        "without error",
			statusCode:  404,
			err:         nil,
			fields:      nil,
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New("test-component")
			logger.SetOutput(&buf)

			logger.ErrorWithCode("tenant-123", "req-456", "Request failed", tt.statusCode, tt.err, tt.fields)

			var entry LogEntry
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("Failed to parse JSON: %v", err)
			}

			statusCode, ok := entry.Fields["status_code"]
			if !ok {
				t.Error("Expected status_code field not found")
			}
			statusCodeFloat, ok := statusCode.(float64)
			if !ok {
				t.Errorf("status_code is not a number: %v", statusCode)
			}
			if int(statusCodeFloat) != tt.statusCode {
				t.Errorf("Expected status_code %d, got %v", tt.statusCode, statusCode)
			}

			if tt.expectError {
				errMsg, ok := entry.Fields["error"]
				if !ok {
					t.Error("Expected error field not found")
				}
				if errMsg != tt.expectedErrMsg {
					t.Errorf("Expected error message '%s', got '%v'", tt.expectedErrMsg, errMsg)
				}
			}

			if entry.Level != ERROR {
				t.Errorf("Expected ERROR level, got %s", entry.Level)
			}

			for key, expectedValue := range tt.fields {
				if actualValue, ok := entry.Fields[key]; !ok {
					t.Errorf("Expected field '%s' not found", key)
				} else if actualValue != expectedValue {
					t.Errorf("Field '%s': expected %v, got %v", key, expectedValue, actualValue)
				}
			}
		})
	}
}

// Helper type for testing errors
type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}

// BenchmarkLog benchmarks the logging performance
func BenchmarkLog(b *testing.B) {
	logger := New("benchmark-component")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	fields := map[string]interface{}{
		"model":         "gpt-4o",
		"input_tokens":  150,
		"output_tokens": 420,
		"success":       true,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("tenant-123", "req-456", "Processing request", fields)
	}
}
