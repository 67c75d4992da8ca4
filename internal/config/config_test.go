package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, root, body string) {
	t.Helper()
	dir := filepath.Join(root, ".gantry")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	res := Load(t.TempDir())
	if res.Found {
		t.Fatalf("expected Found=false")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	def := Default()
	if res.Config.Server.Port != def.Server.Port {
		t.Fatalf("defaults not applied: %d", res.Config.Server.Port)
	}
	if res.Config.Scheduler.MaxAdmitted != 3 {
		t.Fatalf("default max_admitted: %d", res.Config.Scheduler.MaxAdmitted)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
[server]
port = 9999

[scheduler]
max_admitted = 5

[approval]
ttl_sec = { destructive = 60 }
`)

	res := Load(root)
	if !res.Found {
		t.Fatalf("config not found")
	}
	if res.ParseError != nil {
		t.Fatalf("parse error: %v", res.ParseError)
	}
	if res.Config.Server.Port != 9999 {
		t.Fatalf("port not merged: %d", res.Config.Server.Port)
	}
	if res.Config.Server.Host != "127.0.0.1" {
		t.Fatalf("host default lost: %s", res.Config.Server.Host)
	}
	if res.Config.Scheduler.MaxAdmitted != 5 {
		t.Fatalf("max_admitted not merged: %d", res.Config.Scheduler.MaxAdmitted)
	}
	if res.Config.Engine.ToolRetries != 2 {
		t.Fatalf("engine default lost: %d", res.Config.Engine.ToolRetries)
	}
	// merged class alongside the default one
	if res.Config.ApprovalTTLSec("destructive") != 60 {
		t.Fatalf("destructive ttl: %d", res.Config.ApprovalTTLSec("destructive"))
	}
	if res.Config.ApprovalTTLSec("default") != 300 {
		t.Fatalf("default ttl lost: %d", res.Config.ApprovalTTLSec("default"))
	}
}

func TestLoadMalformedKeepsDefaults(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "not [valid toml")

	res := Load(root)
	if res.ParseError == nil {
		t.Fatalf("expected parse error")
	}
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", res.ParseError)
	}
	if res.Config.Server.Port != Default().Server.Port {
		t.Fatalf("defaults not kept on parse failure")
	}
}

func TestApprovalTTLFallback(t *testing.T) {
	c := Default()
	if got := c.ApprovalTTLSec("unknown-class"); got != 300 {
		t.Fatalf("expected fallback 300, got %d", got)
	}
	c.Approval.TTLSec = nil
	if got := c.ApprovalTTLSec("anything"); got != 300 {
		t.Fatalf("expected hard fallback 300, got %d", got)
	}
}
