package main

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSaveAlertLoggerEmitsSceneAndCause(t *testing.T) {
	var buf bytes.Buffer
	sink := saveAlertLogger{logger: slog.New(slog.NewTextHandler(&buf, nil))}

	sink.SaveFailed("scene-9", errors.New("disk full"))

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") {
		t.Fatalf("expected an error-level record, got %q", out)
	}
	if !strings.Contains(out, "scene_id=scene-9") || !strings.Contains(out, "disk full") {
		t.Fatalf("alert lost the scene or cause: %q", out)
	}
}
