package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/commune/internal/auth"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "migrate", "token", "community", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configEnvVar, "/etc/commune/env.yaml")
	if got := resolveConfigPath(" flag.yaml "); got != "flag.yaml" {
		t.Fatalf("resolveConfigPath(flag) = %q", got)
	}
	if got := resolveConfigPath(""); got != "/etc/commune/env.yaml" {
		t.Fatalf("resolveConfigPath(env) = %q", got)
	}
	t.Setenv(configEnvVar, "")
	if got := resolveConfigPath(""); got != "" {
		t.Fatalf("resolveConfigPath() = %q, want empty", got)
	}
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(configEnvVar, "")
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commune.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func sqliteConfig(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "commune.db")
	return writeConfig(t, "database:\n  driver: sqlite\n  url: "+dbPath+"\n  auto_migrate: true\n")
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: cli-secret\n")

	out, err := execute(t, "token", "--user", "alice", "--config", path, "--expiry", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	service := auth.NewService(auth.Config{JWTSecret: "cli-secret", TokenExpiry: time.Hour})
	user, err := service.ValidateJWT(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if user.ID != "alice" || user.Username != "alice" {
		t.Fatalf("token user = %+v", user)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	if _, err := execute(t, "token", "--user", "alice"); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("token without secret error = %v", err)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	good := writeConfig(t, "server:\n  http_port: 9001\n")
	out, err := execute(t, "config", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") || !strings.Contains(out, ":9001") {
		t.Fatalf("validate output = %q", out)
	}

	bad := writeConfig(t, "database:\n  driver: oracle\n")
	if _, err := execute(t, "config", "validate", "--config", bad); err == nil {
		t.Fatal("validate accepted an unsupported driver")
	}
}

func TestMigrateCommands(t *testing.T) {
	path := sqliteConfig(t)

	out, err := execute(t, "migrate", "status", "--config", path)
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out, "Pending migrations") {
		t.Fatalf("status before up = %q", out)
	}

	if _, err := execute(t, "migrate", "up", "--config", path); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	out, err = execute(t, "migrate", "status", "--config", path)
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Fatalf("status after up = %q", out)
	}
}

func TestMigrateRejectsMemoryDriver(t *testing.T) {
	if _, err := execute(t, "migrate", "up"); err == nil {
		t.Fatal("migrate up on the memory driver succeeded")
	}
}

func TestCommunityCommands(t *testing.T) {
	path := sqliteConfig(t)

	out, err := execute(t, "community", "create", "--config", path, "--name", "Gophers")
	if err != nil {
		t.Fatalf("community create: %v", err)
	}
	if !strings.Contains(out, "Created community Gophers") || !strings.Contains(out, "#general") {
		t.Fatalf("create output = %q", out)
	}

	if _, err := execute(t, "community", "create", "--config", path, "--name", "Hidden", "--private"); err != nil {
		t.Fatalf("community create private: %v", err)
	}

	out, err = execute(t, "community", "list", "--config", path)
	if err != nil {
		t.Fatalf("community list: %v", err)
	}
	if !strings.Contains(out, "Gophers") || !strings.Contains(out, "#general") {
		t.Fatalf("list output = %q", out)
	}
	if strings.Contains(out, "Hidden") {
		t.Fatalf("private community listed: %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "commune "+version) {
		t.Fatalf("version output = %q", out)
	}
}
