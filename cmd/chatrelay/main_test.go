package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunNoCommandPrintsUsage(t *testing.T) {
	var stdout, stderr strings.Builder
	if err := run(context.Background(), &stdout, &stderr, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), "Usage: chatrelay") {
		t.Errorf("usage missing from output: %q", stdout.String())
	}
}

func TestRunHelpFlag(t *testing.T) {
	for _, flag := range []string{"-h", "-help", "--help"} {
		var stdout, stderr strings.Builder
		if err := run(context.Background(), &stdout, &stderr, []string{flag}); err != nil {
			t.Errorf("run(%s): %v", flag, err)
		}
		if !strings.Contains(stdout.String(), "Commands:") {
			t.Errorf("run(%s) output = %q", flag, stdout.String())
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr strings.Builder
	err := run(context.Background(), &stdout, &stderr, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v, want unknown command", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var stdout, stderr strings.Builder
	err := run(context.Background(), &stdout, &stderr, []string{"-frob", "version"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("err = %v, want unknown flag", err)
	}
}

func TestRunVersionText(t *testing.T) {
	var stdout, stderr strings.Builder
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "chatrelay") {
		t.Errorf("output = %q, want name", out)
	}
	if !strings.Contains(out, "version:") {
		t.Errorf("output = %q, want version field", out)
	}
}

func TestRunVersionJSON(t *testing.T) {
	var stdout, stderr strings.Builder
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal([]byte(stdout.String()), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if info["version"] == "" {
		t.Error("version field empty")
	}
}

func TestRunBadOutputFormat(t *testing.T) {
	var stdout, stderr strings.Builder
	err := run(context.Background(), &stdout, &stderr, []string{"-o", "yaml", "version"})
	if err == nil || !strings.Contains(err.Error(), "output format") {
		t.Errorf("err = %v, want output format error", err)
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr strings.Builder
	if err := run(context.Background(), &stdout, &stderr, []string{"init", dir}); err != nil {
		t.Fatalf("run init: %v", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "openai:") {
		t.Errorf("config content = %q", data)
	}

	// A second init must not clobber the existing file.
	if err := os.WriteFile(configPath, []byte("customized: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(context.Background(), &stdout, &stderr, []string{"init", dir}); err != nil {
		t.Fatalf("second init: %v", err)
	}
	data, _ = os.ReadFile(configPath)
	if string(data) != "customized: true\n" {
		t.Error("init overwrote an existing config")
	}
}

func TestRunServeMissingConfig(t *testing.T) {
	var stdout, stderr strings.Builder
	err := run(context.Background(), &stdout, &stderr, []string{"-config", "/nonexistent/config.yaml", "serve"})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("err = %v, want config file not found", err)
	}
}
