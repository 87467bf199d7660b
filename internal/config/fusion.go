package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical fusion defaults file.
const DefaultConfigPath = "config/fusion.defaults.json"

// FusionConfig is the tuning surface of the fusion engine. Every field is
// optional; the Get* methods supply field defaults for unset values. The same
// document is served by /api/config.
type FusionConfig struct {
	// Local tangent plane anchor
	OriginLat *float64 `json:"origin_lat,omitempty" yaml:"origin_lat,omitempty"`
	OriginLon *float64 `json:"origin_lon,omitempty" yaml:"origin_lon,omitempty"`
	OriginAlt *float64 `json:"origin_alt,omitempty" yaml:"origin_alt,omitempty"`

	// Cache and sync windows, duration strings like "1500ms"
	CacheRetention *string `json:"cache_retention,omitempty" yaml:"cache_retention,omitempty"`
	MaxSyncDelay   *string `json:"max_sync_delay,omitempty" yaml:"max_sync_delay,omitempty"`
	TrackTTL       *string `json:"track_ttl,omitempty" yaml:"track_ttl,omitempty"`

	// Association
	GateLongitudinal  *float64 `json:"gate_longitudinal_m,omitempty" yaml:"gate_longitudinal_m,omitempty"`
	GateLateral       *float64 `json:"gate_lateral_m,omitempty" yaml:"gate_lateral_m,omitempty"`
	AssociationPolicy *string  `json:"association_policy,omitempty" yaml:"association_policy,omitempty"`

	// Filter noise (standard deviations)
	ProcessNoisePos         *float64 `json:"process_noise_pos_m,omitempty" yaml:"process_noise_pos_m,omitempty"`
	ProcessNoiseSpeed       *float64 `json:"process_noise_speed_mps,omitempty" yaml:"process_noise_speed_mps,omitempty"`
	ProcessNoiseHeadingDeg  *float64 `json:"process_noise_heading_deg,omitempty" yaml:"process_noise_heading_deg,omitempty"`
	MeasurementNoisePos     *float64 `json:"measurement_noise_pos_m,omitempty" yaml:"measurement_noise_pos_m,omitempty"`
	MeasurementNoiseSpeed   *float64 `json:"measurement_noise_speed_mps,omitempty" yaml:"measurement_noise_speed_mps,omitempty"`
	MeasurementNoiseHeading *float64 `json:"measurement_noise_heading_deg,omitempty" yaml:"measurement_noise_heading_deg,omitempty"`

	// Whole-frame merge radius
	MergeMaxDistance *float64 `json:"merge_max_distance_m,omitempty" yaml:"merge_max_distance_m,omitempty"`

	// Batch latency bookkeeping
	LatencyClampThreshold *int64 `json:"latency_clamp_threshold,omitempty" yaml:"latency_clamp_threshold,omitempty"`
	LatencyClampFallback  *int64 `json:"latency_clamp_fallback,omitempty" yaml:"latency_clamp_fallback,omitempty"`
	LegacyTimestampJitter *bool  `json:"legacy_timestamp_jitter,omitempty" yaml:"legacy_timestamp_jitter,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyFusionConfig returns a FusionConfig with all fields unset.
func EmptyFusionConfig() *FusionConfig {
	return &FusionConfig{}
}

// LoadFusionConfig loads a .json, .yaml or .yml config file and validates it.
func LoadFusionConfig(path string) (*FusionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyFusionConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// any ancestor up to five levels. It panics if none is found, which only
// happens when tests run outside the repository.
func MustLoadDefaultConfig() *FusionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
		"../../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadFusionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the set fields for range and parse errors.
func (c *FusionConfig) Validate() error {
	if c.OriginLat != nil && (*c.OriginLat < -90 || *c.OriginLat > 90) {
		return fmt.Errorf("origin_lat must be within [-90, 90], got %f", *c.OriginLat)
	}
	if c.OriginLon != nil && (*c.OriginLon < -180 || *c.OriginLon > 180) {
		return fmt.Errorf("origin_lon must be within [-180, 180], got %f", *c.OriginLon)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"cache_retention", c.CacheRetention},
		{"max_sync_delay", c.MaxSyncDelay},
		{"track_ttl", c.TrackTTL},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	positives := []struct {
		name string
		v    *float64
	}{
		{"gate_longitudinal_m", c.GateLongitudinal},
		{"gate_lateral_m", c.GateLateral},
		{"process_noise_pos_m", c.ProcessNoisePos},
		{"process_noise_speed_mps", c.ProcessNoiseSpeed},
		{"process_noise_heading_deg", c.ProcessNoiseHeadingDeg},
		{"measurement_noise_pos_m", c.MeasurementNoisePos},
		{"measurement_noise_speed_mps", c.MeasurementNoiseSpeed},
		{"measurement_noise_heading_deg", c.MeasurementNoiseHeading},
		{"merge_max_distance_m", c.MergeMaxDistance},
	}
	for _, p := range positives {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", p.name, *p.v)
		}
	}

	if c.AssociationPolicy != nil {
		switch *c.AssociationPolicy {
		case "", "first", "nearest":
		default:
			return fmt.Errorf("association_policy must be \"first\" or \"nearest\", got %q", *c.AssociationPolicy)
		}
	}
	if c.LatencyClampThreshold != nil && *c.LatencyClampThreshold <= 0 {
		return fmt.Errorf("latency_clamp_threshold must be positive, got %d", *c.LatencyClampThreshold)
	}
	if c.LatencyClampFallback != nil && *c.LatencyClampFallback < 0 {
		return fmt.Errorf("latency_clamp_fallback must be non-negative, got %d", *c.LatencyClampFallback)
	}
	return nil
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (c *FusionConfig) GetOriginLat() float64 { return getFloat(c.OriginLat, 31.284156453) }
func (c *FusionConfig) GetOriginLon() float64 { return getFloat(c.OriginLon, 121.170937985) }
func (c *FusionConfig) GetOriginAlt() float64 { return getFloat(c.OriginAlt, 0) }

func (c *FusionConfig) GetCacheRetention() time.Duration {
	return getDuration(c.CacheRetention, 1500*time.Millisecond)
}

func (c *FusionConfig) GetMaxSyncDelay() time.Duration {
	return getDuration(c.MaxSyncDelay, 1000*time.Millisecond)
}

func (c *FusionConfig) GetTrackTTL() time.Duration {
	return getDuration(c.TrackTTL, time.Second)
}

func (c *FusionConfig) GetGateLongitudinal() float64 { return getFloat(c.GateLongitudinal, 4.0) }
func (c *FusionConfig) GetGateLateral() float64      { return getFloat(c.GateLateral, 2.5) }

func (c *FusionConfig) GetAssociationPolicy() string {
	if c.AssociationPolicy == nil || *c.AssociationPolicy == "" {
		return "first"
	}
	return *c.AssociationPolicy
}

func (c *FusionConfig) GetProcessNoisePos() float64   { return getFloat(c.ProcessNoisePos, 0.2) }
func (c *FusionConfig) GetProcessNoiseSpeed() float64 { return getFloat(c.ProcessNoiseSpeed, 0.2) }
func (c *FusionConfig) GetProcessNoiseHeadingDeg() float64 {
	return getFloat(c.ProcessNoiseHeadingDeg, 3)
}
func (c *FusionConfig) GetMeasurementNoisePos() float64 {
	return getFloat(c.MeasurementNoisePos, 0.95)
}
func (c *FusionConfig) GetMeasurementNoiseSpeed() float64 {
	return getFloat(c.MeasurementNoiseSpeed, 0.55)
}
func (c *FusionConfig) GetMeasurementNoiseHeadingDeg() float64 {
	return getFloat(c.MeasurementNoiseHeading, 10)
}

func (c *FusionConfig) GetMergeMaxDistance() float64 { return getFloat(c.MergeMaxDistance, 10) }

func (c *FusionConfig) GetLatencyClampThreshold() int64 {
	if c.LatencyClampThreshold == nil {
		return 100000
	}
	return *c.LatencyClampThreshold
}

func (c *FusionConfig) GetLatencyClampFallback() int64 {
	if c.LatencyClampFallback == nil {
		return 25000
	}
	return *c.LatencyClampFallback
}

func (c *FusionConfig) GetLegacyTimestampJitter() bool {
	return c.LegacyTimestampJitter != nil && *c.LegacyTimestampJitter
}

// Resolved returns a copy with every field set to its effective value.
func (c *FusionConfig) Resolved() *FusionConfig {
	return &FusionConfig{
		OriginLat:               ptrFloat64(c.GetOriginLat()),
		OriginLon:               ptrFloat64(c.GetOriginLon()),
		OriginAlt:               ptrFloat64(c.GetOriginAlt()),
		CacheRetention:          ptrString(c.GetCacheRetention().String()),
		MaxSyncDelay:            ptrString(c.GetMaxSyncDelay().String()),
		TrackTTL:                ptrString(c.GetTrackTTL().String()),
		GateLongitudinal:        ptrFloat64(c.GetGateLongitudinal()),
		GateLateral:             ptrFloat64(c.GetGateLateral()),
		AssociationPolicy:       ptrString(c.GetAssociationPolicy()),
		ProcessNoisePos:         ptrFloat64(c.GetProcessNoisePos()),
		ProcessNoiseSpeed:       ptrFloat64(c.GetProcessNoiseSpeed()),
		ProcessNoiseHeadingDeg:  ptrFloat64(c.GetProcessNoiseHeadingDeg()),
		MeasurementNoisePos:     ptrFloat64(c.GetMeasurementNoisePos()),
		MeasurementNoiseSpeed:   ptrFloat64(c.GetMeasurementNoiseSpeed()),
		MeasurementNoiseHeading: ptrFloat64(c.GetMeasurementNoiseHeadingDeg()),
		MergeMaxDistance:        ptrFloat64(c.GetMergeMaxDistance()),
		LatencyClampThreshold:   ptrInt64(c.GetLatencyClampThreshold()),
		LatencyClampFallback:    ptrInt64(c.GetLatencyClampFallback()),
		LegacyTimestampJitter:   ptrBool(c.GetLegacyTimestampJitter()),
	}
}
