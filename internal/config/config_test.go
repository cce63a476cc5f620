package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"orthanc-orchestrator/internal/models"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("Expected HTTP_ADDR default ':8080', got '%s'", cfg.HTTP.Addr)
	}
	if cfg.Orthanc.URL != "http://localhost:8042" {
		t.Errorf("Expected ORTHANC_URL default, got '%s'", cfg.Orthanc.URL)
	}
	if cfg.Orthanc.Timeout != 15*time.Second {
		t.Errorf("Expected 15s Orthanc timeout, got %v", cfg.Orthanc.Timeout)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Expected DB_PORT default 5432, got %d", cfg.Database.Port)
	}
	if cfg.Events.Stream != "orthanc:changes" {
		t.Errorf("Expected EVENT_STREAM default 'orthanc:changes', got '%s'", cfg.Events.Stream)
	}
	if cfg.Events.DispatchTimeout != 5*time.Second {
		t.Errorf("Expected 5s dispatch timeout, got %v", cfg.Events.DispatchTimeout)
	}
	if cfg.Filter.FailMode != "closed" {
		t.Errorf("Expected FILTER_FAIL_MODE default 'closed', got '%s'", cfg.Filter.FailMode)
	}
	if cfg.Filter.QuotaResync != 5*time.Minute {
		t.Errorf("Expected 5m quota resync, got %v", cfg.Filter.QuotaResync)
	}
	if len(cfg.Filter.AllowedModalities) != 0 {
		t.Errorf("Expected no modality allow-list by default, got %v", cfg.Filter.AllowedModalities)
	}
	if cfg.Routing.MaxAttempts != 5 {
		t.Errorf("Expected ROUTE_MAX_ATTEMPTS default 5, got %d", cfg.Routing.MaxAttempts)
	}
	if cfg.Worklist.Workers != 4 {
		t.Errorf("Expected WORKLIST_WORKERS default 4, got %d", cfg.Worklist.Workers)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected LOG_LEVEL default 'info', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("FILTER_ALLOWED_MODALITIES", "CT, MR")
	t.Setenv("FILTER_FAIL_MODE", "open")
	t.Setenv("ROUTE_TARGETS", "PACS:PACS_AE@10.0.0.5:104")
	t.Setenv("ROUTE_RULES", "modality:CT=>PACS")
	t.Setenv("WORKLIST_SOURCE", "memory")
	t.Setenv("DB_ENABLED", "false")
	t.Setenv("DB_PORT", "6543")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(cfg.Filter.AllowedModalities) != 2 || cfg.Filter.AllowedModalities[1] != "MR" {
		t.Errorf("Expected [CT MR], got %v", cfg.Filter.AllowedModalities)
	}
	if cfg.Filter.FailMode != "open" {
		t.Errorf("Expected fail mode 'open', got '%s'", cfg.Filter.FailMode)
	}
	if len(cfg.Routing.Targets) != 1 || cfg.Routing.Targets[0].AETitle != "PACS_AE" {
		t.Errorf("Unexpected targets %+v", cfg.Routing.Targets)
	}
	if len(cfg.Routing.Rules) != 1 || cfg.Routing.Rules[0].Field != models.RouteFieldModality {
		t.Errorf("Unexpected rules %+v", cfg.Routing.Rules)
	}
	if cfg.Database.Port != 6543 {
		t.Errorf("Expected DB_PORT 6543, got %d", cfg.Database.Port)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("EVENT_CONSUMER_NAME=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv sets the variable process-wide; clear it after the test
	t.Cleanup(func() { os.Unsetenv("EVENT_CONSUMER_NAME") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Events.ConsumerName != "from-dotenv" {
		t.Errorf("Expected consumer name from .env, got '%s'", cfg.Events.ConsumerName)
	}
}

func TestLoad_RejectsUnknownRuleTarget(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("ROUTE_RULES", "modality:CT=>NOWHERE")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for rule with unknown target")
	}
}

func TestLoad_RejectsBadFailMode(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("FILTER_FAIL_MODE", "maybe")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for invalid fail mode")
	}
}

func TestParseRouteTargets(t *testing.T) {
	targets, err := ParseRouteTargets("PACS:PACS_AE@pacs:104, ARCHIVE:ARCH@archive:11112")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("Expected 2 targets, got %d", len(targets))
	}
	if targets[1].Name != "ARCHIVE" || targets[1].Address != "archive:11112" {
		t.Errorf("Unexpected target %+v", targets[1])
	}

	if _, err := ParseRouteTargets("PACS@pacs:104"); err == nil {
		t.Error("Expected error for missing AET")
	}
	if _, err := ParseRouteTargets("A:X@h:1,A:Y@h:2"); err == nil {
		t.Error("Expected error for duplicate target")
	}
}

func TestParseRouteRules(t *testing.T) {
	rules, err := ParseRouteRules("modality:CT=>PACS; description:*CHEST*=>ARCHIVE;AET:SCANNER?=>PACS")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("Expected 3 rules, got %d", len(rules))
	}
	if rules[1].Pattern != "*CHEST*" || rules[1].Target != "ARCHIVE" {
		t.Errorf("Unexpected rule %+v", rules[1])
	}
	if rules[2].Field != models.RouteFieldAET {
		t.Errorf("Expected aet field, got %s", rules[2].Field)
	}

	if _, err := ParseRouteRules("series:X=>PACS"); err == nil {
		t.Error("Expected error for unknown field")
	}
	if _, err := ParseRouteRules("modality:CT"); err == nil {
		t.Error("Expected error for missing target")
	}
}
