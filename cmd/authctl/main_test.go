package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"leora.app/internal/auth"
)

func TestRunRequiresCommand(t *testing.T) {
	if err := run(nil, nil, &bytes.Buffer{}); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := run([]string{"frobnicate"}, nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"hash-password"}, strings.NewReader("s3cret-pass\n"), &out); err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := auth.VerifyPassword(hash, "s3cret-pass"); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
	if err := run([]string{"hash-password"}, strings.NewReader(""), &out); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestCheck(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"check", "-role", "sales_rep", auth.PermOrdersView}, nil, &out)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "allow   "+auth.PermOrdersView) {
		t.Fatalf("unexpected output: %q", out.String())
	}

	out.Reset()
	err = run([]string{"check", "-role", "sales_rep", auth.PermOrdersView, auth.PermSettingsManage, "Bad.Perm"}, nil, &out)
	if err == nil {
		t.Fatal("expected denial error")
	}
	if !strings.Contains(out.String(), "deny    "+auth.PermSettingsManage) || !strings.Contains(out.String(), "invalid Bad.Perm") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestValidateRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  auditor: [analytics.*]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := run([]string{"validate-roles", "-roles", path}, nil, &out); err != nil {
		t.Fatalf("validate-roles: %v", err)
	}
	if !strings.Contains(out.String(), "auditor: analytics.*") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("roles:\n  auditor: [Analytics]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := run([]string{"validate-roles", "-roles", bad}, nil, &out); err == nil {
		t.Fatal("expected malformed permission to be rejected")
	}
}

func TestSchemaAndSweepFlags(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"schema"}, nil, &out); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if !strings.Contains(out.String(), "create table") {
		t.Fatalf("schema output missing DDL")
	}
	t.Setenv("LEORA_DATABASE_URL", "")
	if err := run([]string{"sweep"}, nil, &out); err == nil {
		t.Fatal("expected missing DSN error")
	}
	if err := run([]string{"validate-seed"}, nil, &out); err == nil {
		t.Fatal("expected missing seed error")
	}
}
