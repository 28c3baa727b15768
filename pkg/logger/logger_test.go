package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"tgpipe/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	var out bytes.Buffer
	log, err := NewWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("NewWithWriter error: %v", err)
	}

	log.With("component", "dispatch", "cycle_id", "c-1").Info("Update dispatched", "update_id", 42, "stopped", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Update dispatched" {
		t.Fatalf("message = %q, want %q", entry.Message, "Update dispatched")
	}
	if entry.Component != "dispatch" {
		t.Fatalf("component = %q, want %q", entry.Component, "dispatch")
	}
	if entry.CycleID != "c-1" {
		t.Fatalf("cycle_id = %q, want %q", entry.CycleID, "c-1")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if entry.UpdateID == nil || *entry.UpdateID != 42 {
		t.Fatalf("update_id = %v, want 42", entry.UpdateID)
	}
	if got := entry.Fields["stopped"]; got != true {
		t.Fatalf("fields.stopped = %v, want true", got)
	}
	for _, key := range []string{"cycle_id", "update_id", "component"} {
		if _, ok := entry.Fields[key]; ok {
			t.Fatalf("%s must be promoted out of fields", key)
		}
	}
}

func TestLoggerPromotesErrorCategory(t *testing.T) {
	var out bytes.Buffer
	log, err := NewWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("NewWithWriter error: %v", err)
	}

	log.Error("Dispatch failed", "category", "gate", "error", errors.New("rate limit wait abandoned"))

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.Category != "gate" {
		t.Fatalf("category = %q, want gate", entry.Category)
	}
	if got := entry.Fields["error"]; got != "rate limit wait abandoned" {
		t.Fatalf("fields.error = %v, want the error text", got)
	}
	if entry.UpdateID != nil {
		t.Fatalf("update_id = %d, want absent", *entry.UpdateID)
	}
}

func TestLoggerGroupsPrefixFields(t *testing.T) {
	var out bytes.Buffer
	log, err := NewWithWriter(config.LoggingConfig{Format: "json", Level: "debug"}, &out)
	if err != nil {
		t.Fatalf("NewWithWriter error: %v", err)
	}

	log.WithGroup("limiter").With("key", "chat:1").Debug("Decision", "outcome", "rejected")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["limiter.outcome"]; got != "rejected" {
		t.Fatalf("fields = %v, want limiter.outcome", entry.Fields)
	}
	if got := entry.Fields["limiter.key"]; got != "chat:1" {
		t.Fatalf("fields = %v, want limiter.key", entry.Fields)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var out bytes.Buffer
	log, err := NewWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("NewWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerCallerWhenAddSource(t *testing.T) {
	var out bytes.Buffer
	log, err := NewWithWriter(config.LoggingConfig{Format: "json", AddSource: true}, &out)
	if err != nil {
		t.Fatalf("NewWithWriter error: %v", err)
	}

	log.Info("With caller")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if !strings.HasPrefix(entry.Caller, "logger_test.go:") {
		t.Fatalf("caller = %q, want logger_test.go:<line>", entry.Caller)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	var out bytes.Buffer
	log, err := NewWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("NewWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	if _, err := NewWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if _, err := NewWithWriter(config.LoggingConfig{Level: "trace"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported level")
	}
}
