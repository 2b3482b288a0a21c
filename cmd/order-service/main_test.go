package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogger_Formats(t *testing.T) {
	testCases := []struct {
		format string
		check  func(log.Formatter) bool
	}{
		{"", func(f log.Formatter) bool { _, ok := f.(*log.TextFormatter); return ok }},
		{"text", func(f log.Formatter) bool { _, ok := f.(*log.TextFormatter); return ok }},
		{" JSON ", func(f log.Formatter) bool { _, ok := f.(*log.JSONFormatter); return ok }},
	}

	for _, tc := range testCases {
		logger := log.New()
		if err := setupLogger(logger, "info", tc.format); err != nil {
			t.Fatalf("setupLogger(%q) failed: %v", tc.format, err)
		}
		if !tc.check(logger.Formatter) {
			t.Fatalf("unexpected formatter %T for %q", logger.Formatter, tc.format)
		}
	}
}

func TestSetupLogger_Levels(t *testing.T) {
	logger := log.New()
	if err := setupLogger(logger, "debug", "text"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	if err := setupLogger(logger, "", "text"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.GetLevel() != log.InfoLevel {
		t.Fatalf("expected info level by default, got %s", logger.GetLevel())
	}
}

func TestSetupLogger_Invalid(t *testing.T) {
	if err := setupLogger(log.New(), "loud", "text"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if err := setupLogger(log.New(), "info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
