package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SMARTPC_DATABASE_URL", "postgres://localhost/smartpc")
	t.Setenv("SMARTPC_JWT_SECRET", "secret")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.DesktopProvider != "fake" || cfg.DisplayClient != "fake" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.SupportedRegions) != 2 || cfg.SupportedRegions[1] != "eu-west-1" {
		t.Fatalf("unexpected regions %v", cfg.SupportedRegions)
	}
	v := cfg.Viewer
	if v.StatsInterval != 2*time.Second || v.FrameInterval != 16*time.Millisecond || v.SettleDelay != 300*time.Millisecond {
		t.Fatalf("unexpected viewer timings %+v", v)
	}
	if v.HistorySize != 50 || !v.UseGateway || v.Codec != "h264" {
		t.Fatalf("unexpected viewer defaults %+v", v)
	}
	if cfg.ProvisioningTimeout != 15*time.Minute || cfg.ViewerEventRetention != 30*24*time.Hour {
		t.Fatalf("unexpected job defaults %s %s", cfg.ProvisioningTimeout, cfg.ViewerEventRetention)
	}
}

func TestLoadFromEnv_RequiredAndEnumChecks(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing database", map[string]string{"SMARTPC_JWT_SECRET": "s"}},
		{"missing secret", map[string]string{"SMARTPC_DATABASE_URL": "postgres://x"}},
		{"bad provider", map[string]string{"SMARTPC_DATABASE_URL": "postgres://x", "SMARTPC_JWT_SECRET": "s", "SMARTPC_DESKTOP_PROVIDER": "gcp"}},
		{"aws without images", map[string]string{"SMARTPC_DATABASE_URL": "postgres://x", "SMARTPC_JWT_SECRET": "s", "SMARTPC_DESKTOP_PROVIDER": "aws"}},
		{"bad display client", map[string]string{"SMARTPC_DATABASE_URL": "postgres://x", "SMARTPC_JWT_SECRET": "s", "SMARTPC_DISPLAY_CLIENT": "vnc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SMARTPC_DATABASE_URL", "")
			t.Setenv("SMARTPC_JWT_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadFromEnv(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFromEnv_AWSProvider(t *testing.T) {
	setRequired(t)
	t.Setenv("SMARTPC_DESKTOP_PROVIDER", "aws")
	t.Setenv("SMARTPC_AWS_AMI_MAP", "us-east-1=ami-111, eu-west-1 = ami-222,broken")
	t.Setenv("SMARTPC_AWS_SECURITY_GROUP_IDS", "sg-1, ,sg-2")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AWSAMIMap["eu-west-1"] != "ami-222" || len(cfg.AWSAMIMap) != 2 {
		t.Fatalf("unexpected ami map %v", cfg.AWSAMIMap)
	}
	if len(cfg.AWSSecurityIDs) != 2 {
		t.Fatalf("unexpected security groups %v", cfg.AWSSecurityIDs)
	}
}

func TestLoadFromEnv_ViewerEnvAndOverlay(t *testing.T) {
	setRequired(t)
	t.Setenv("SMARTPC_VIEWER_STATS_INTERVAL", "5s")
	t.Setenv("SMARTPC_VIEWER_SHORTCUT_RATE", "not-a-number")

	dir := t.TempDir()
	path := filepath.Join(dir, "viewer.yaml")
	body := `
settle_delay: 500ms
history_size: 120
use_gateway: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SMARTPC_VIEWER_CONFIG", path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v := cfg.Viewer
	if v.StatsInterval != 5*time.Second {
		t.Fatalf("env value lost: %s", v.StatsInterval)
	}
	if v.SettleDelay != 500*time.Millisecond || v.HistorySize != 120 || v.UseGateway {
		t.Fatalf("overlay not applied: %+v", v)
	}
	if v.ShortcutRate != 5 {
		t.Fatalf("expected default rate for bad env value, got %v", v.ShortcutRate)
	}
}

func TestLoadViewerOverlay_Errors(t *testing.T) {
	base := ViewerConfig{StatsInterval: time.Second, FrameInterval: 16 * time.Millisecond, SettleDelay: 300 * time.Millisecond, HistorySize: 50, ShortcutRate: 5, ShortcutBurst: 5}
	if _, err := LoadViewerOverlay("/nonexistent/viewer.yaml", base); err == nil {
		t.Fatal("expected missing file error")
	}

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte(":::not valid yaml"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadViewerOverlay(bad, base); err == nil {
		t.Fatal("expected parse error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("settle_delay: 1ms\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadViewerOverlay(invalid, base); err == nil {
		t.Fatal("expected validation error for settle shorter than frame")
	}
}

func TestParsePositiveIntEnv(t *testing.T) {
	t.Setenv("SMARTPC_TEST_INT", "-3")
	if got := ParsePositiveIntEnv("SMARTPC_TEST_INT", 7); got != 7 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("SMARTPC_TEST_INT", "12")
	if got := ParsePositiveIntEnv("SMARTPC_TEST_INT", 7); got != 12 {
		t.Fatalf("got %d", got)
	}
}
