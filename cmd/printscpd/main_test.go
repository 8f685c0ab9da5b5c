package main

import (
	"path/filepath"
	"testing"

	"github.com/softus/vdprintd/config"
)

func TestKnownPrinter(t *testing.T) {
	root, err := config.Load(filepath.Join(t.TempDir(), "cfg.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	root.BeginGroup("P1").Set("aetitle", "P1")

	validate := knownPrinter(root)
	if !validate("P1") {
		t.Error("expected configured printer group P1 to be accepted")
	}
	if validate("ZZZZ") {
		t.Error("expected unconfigured Called AE Title ZZZZ to be rejected")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "not-a-level": false}
	for level := range cases {
		_ = parseLevel(level) // must never panic regardless of input
	}
}
