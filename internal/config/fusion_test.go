package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	c := EmptyFusionConfig()
	if c.GetOriginLat() != 31.284156453 || c.GetOriginLon() != 121.170937985 {
		t.Errorf("origin = (%v, %v)", c.GetOriginLat(), c.GetOriginLon())
	}
	if c.GetCacheRetention() != 1500*time.Millisecond {
		t.Errorf("cache retention = %v", c.GetCacheRetention())
	}
	if c.GetMaxSyncDelay() != time.Second || c.GetTrackTTL() != time.Second {
		t.Errorf("sync delay %v, ttl %v", c.GetMaxSyncDelay(), c.GetTrackTTL())
	}
	if c.GetGateLongitudinal() != 4.0 || c.GetGateLateral() != 2.5 {
		t.Errorf("gate = %v x %v", c.GetGateLongitudinal(), c.GetGateLateral())
	}
	if c.GetAssociationPolicy() != "first" {
		t.Errorf("policy = %q", c.GetAssociationPolicy())
	}
	if c.GetLatencyClampThreshold() != 100000 || c.GetLatencyClampFallback() != 25000 {
		t.Errorf("clamp = %d/%d", c.GetLatencyClampThreshold(), c.GetLatencyClampFallback())
	}
	if c.GetLegacyTimestampJitter() {
		t.Error("jitter should default off")
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.OriginLat == nil || cfg.TrackTTL == nil {
		t.Fatal("defaults file should set every field")
	}
	want := EmptyFusionConfig().Resolved()
	got := cfg.Resolved()
	if *got.GateLateral != *want.GateLateral || *got.MeasurementNoisePos != *want.MeasurementNoisePos {
		t.Errorf("defaults file disagrees with built-in defaults")
	}
}

func TestLoadFusionConfigYAML(t *testing.T) {
	path := writeTemp(t, "site.yaml", "origin_lat: 30.5\ngate_lateral_m: 3\nassociation_policy: nearest\ntrack_ttl: 1500ms\n")
	cfg, err := LoadFusionConfig(path)
	if err != nil {
		t.Fatalf("LoadFusionConfig: %v", err)
	}
	if cfg.GetOriginLat() != 30.5 || cfg.GetGateLateral() != 3 {
		t.Errorf("got lat %v gate %v", cfg.GetOriginLat(), cfg.GetGateLateral())
	}
	if cfg.GetAssociationPolicy() != "nearest" || cfg.GetTrackTTL() != 1500*time.Millisecond {
		t.Errorf("got policy %q ttl %v", cfg.GetAssociationPolicy(), cfg.GetTrackTTL())
	}
	// unset fields keep defaults
	if cfg.GetGateLongitudinal() != 4.0 {
		t.Errorf("gate longitudinal = %v", cfg.GetGateLongitudinal())
	}
}

func TestLoadFusionConfigErrors(t *testing.T) {
	tests := []struct {
		name, file, body, wantErr string
	}{
		{"extension", "cfg.toml", "x", "extension"},
		{"bad json", "cfg.json", "{", "parse"},
		{"bad duration", "cfg.json", `{"track_ttl":"soon"}`, "track_ttl"},
		{"negative gate", "cfg.json", `{"gate_lateral_m":-1}`, "gate_lateral_m"},
		{"bad policy", "cfg.yml", "association_policy: random\n", "association_policy"},
		{"bad origin", "cfg.json", `{"origin_lat":95}`, "origin_lat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFusionConfig(writeTemp(t, tt.file, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadFusionConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadExampleConfigFile(t *testing.T) {
	for _, path := range []string{"../../config/fusion.example.yaml"} {
		cfg, err := LoadFusionConfig(path)
		if err != nil {
			t.Fatalf("LoadFusionConfig(%s): %v", path, err)
		}
		if !cfg.GetLegacyTimestampJitter() {
			t.Error("example enables legacy jitter")
		}
	}
}
