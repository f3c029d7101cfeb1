package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom("", envOf(nil))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(cfg.Job.Classes) != 1 || cfg.Job.Classes[0] != "any" {
		t.Fatalf("classes=%v", cfg.Job.Classes)
	}
	if !cfg.Job.Binding || !cfg.Job.Timeout.Enabled || cfg.TimeoutFrequency() != time.Minute || cfg.StartupDelay() != 0 {
		t.Fatalf("unexpected defaults %+v", cfg.Job)
	}
	if cfg.HMACMaxAge() != 15*time.Minute {
		t.Fatalf("max age=%v", cfg.HMACMaxAge())
	}
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sif.yaml")
	body := `
job:
  classes: payloads, grades
  binding: false
  timeout:
    enabled: true
    frequency: 5
startup:
  delay: 2
auth:
  mode: brokered
broker:
  application_key: Sif3DemoApp
  solution_id: demo
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(path, envOf(map[string]string{
		"SIF_JOB_TIMEOUT_FREQUENCY": "30",
		"SIF_HTTP_ADDR":             ":9999",
		"SIF_PG_MIGRATE":            "true",
	}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if strings.Join(cfg.Job.Classes, "|") != "payloads|grades" {
		t.Fatalf("classes=%v", cfg.Job.Classes)
	}
	if cfg.Job.Binding {
		t.Fatal("binding should be disabled by the file")
	}
	if cfg.TimeoutFrequency() != 30*time.Second || cfg.StartupDelay() != 2*time.Second {
		t.Fatalf("durations %v %v", cfg.TimeoutFrequency(), cfg.StartupDelay())
	}
	if cfg.HTTP.Addr != ":9999" || cfg.GRPC.Addr != ":9090" {
		t.Fatalf("addrs %q %q", cfg.HTTP.Addr, cfg.GRPC.Addr)
	}
	if !cfg.PG.Migrate {
		t.Fatal("SIF_PG_MIGRATE not applied")
	}
	if cfg.Broker.SolutionID != "demo" {
		t.Fatalf("broker=%+v", cfg.Broker)
	}
}

func TestClassesAsList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sif.yaml")
	if err := os.WriteFile(path, []byte("job:\n  classes:\n    - payloads\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(path, envOf(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Job.Classes) != 1 || cfg.Job.Classes[0] != "payloads" {
		t.Fatalf("classes=%v", cfg.Job.Classes)
	}
}

func TestInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"bad bool":          {"SIF_JOB_BINDING": "maybe"},
		"bad int":           {"SIF_STARTUP_DELAY": "soon"},
		"negative":          {"SIF_JOB_TIMEOUT_FREQUENCY": "-1"},
		"unknown mode":      {"SIF_AUTH_MODE": "sideways"},
		"brokered no ident": {"SIF_AUTH_MODE": "brokered"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFrom("", envOf(env)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"), envOf(nil)); err == nil {
		t.Fatal("expected error for missing file")
	}
}
