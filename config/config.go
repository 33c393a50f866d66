// Package config defines the mapper configuration and how it is read from disk.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"time"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/melights/stereo-slam/rimage/transform"
	"github.com/melights/stereo-slam/vision/odometry"
)

// Record store backends.
const (
	RecordStoreDirectory = "directory"
	RecordStoreBadger    = "badger"
)

// Config is the mapper configuration.
type Config struct {
	// WorkingDirectory holds the per process working area, recreated on start.
	WorkingDirectory string `json:"working_directory"`
	RecordStore      string `json:"record_store"`
	CompressRecords  bool   `json:"compress_records"`
	ClusterCacheSize int    `json:"cluster_cache_size"`

	PollInterval        time.Duration `json:"poll_interval"`
	OptimizeInterval    time.Duration `json:"optimize_interval"`
	OptimizerIterations int           `json:"optimizer_iterations"`
	GraphSnapshotPath   string        `json:"graph_snapshot_path"`

	// MetricsAddress, if set, is where /metrics is served.
	MetricsAddress string `json:"metrics_address"`

	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	// IntrinsicsFile is a JSON file holding the intrinsic parameters, relative to the config
	// file. It is only read when intrinsic_parameters is absent.
	IntrinsicsFile string `json:"intrinsics_file"`

	Hash        HashConfig        `json:"hash"`
	LoopClosing LoopClosingConfig `json:"loop_closing"`
}

// HashConfig configures the fingerprint index.
type HashConfig struct {
	NumProjections int    `json:"num_projections"`
	Seed           uint64 `json:"seed"`
}

// LoopClosingConfig configures loop detection.
type LoopClosingConfig struct {
	NeighborWindow  int                `json:"neighbor_window"`
	MatchRatio      float64            `json:"match_ratio"`
	MinMatchPercent int                `json:"min_match_percent"`
	NumCandidates   int                `json:"num_candidates"`
	PnP             odometry.PnPConfig `json:"pnp"`
	// Minimum inliers to accept a neighborhood or candidate match. 0 accepts nothing.
	MinNeighborhoodInliers int `json:"min_neighborhood_inliers"`
	MinCandidateInliers    int `json:"min_candidate_inliers"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		RecordStore:         RecordStoreDirectory,
		ClusterCacheSize:    64,
		PollInterval:        2 * time.Millisecond,
		OptimizeInterval:    5 * time.Second,
		OptimizerIterations: 100,
		Hash:                HashConfig{NumProjections: 8},
		LoopClosing: LoopClosingConfig{
			NeighborWindow:  10,
			MatchRatio:      0.8,
			MinMatchPercent: 50,
			NumCandidates:   5,
			PnP: odometry.PnPConfig{
				Iterations:        100,
				ReprojectionError: 1.3,
				MaxInliers:        80,
			},
		},
	}
}

// Read reads a config from the given file. ${VAR} references are expanded from the
// environment first.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a JSON config on top of the defaults and validates it. originalPath names
// the config in errors and anchors a relative intrinsics_file.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	var attributes map[string]interface{}
	if err := json.NewDecoder(r).Decode(&attributes); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", originalPath)
	}

	cfg := Default()
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           cfg,
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrapf(err, "cannot decode config %q", originalPath)
	}
	if len(md.Unused) > 0 {
		return nil, errors.Errorf("config %q has unknown fields %v", originalPath, md.Unused)
	}
	if cfg.Intrinsics == nil && cfg.IntrinsicsFile != "" {
		intrinsicsPath := cfg.IntrinsicsFile
		if !filepath.IsAbs(intrinsicsPath) {
			intrinsicsPath = filepath.Join(filepath.Dir(originalPath), intrinsicsPath)
		}
		if cfg.Intrinsics, err = transform.NewPinholeCameraIntrinsicsFromJSONFile(intrinsicsPath); err != nil {
			return nil, errors.Wrapf(err, "config %q", originalPath)
		}
	}
	if err := cfg.Validate(originalPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if c.WorkingDirectory == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "working_directory")
	}
	switch c.RecordStore {
	case RecordStoreDirectory, RecordStoreBadger:
	default:
		return goutils.NewConfigValidationError(path,
			errors.Errorf("record_store must be %q or %q, got %q", RecordStoreDirectory, RecordStoreBadger, c.RecordStore))
	}
	if c.ClusterCacheSize < 0 {
		return goutils.NewConfigValidationError(path, errors.New("cluster_cache_size cannot be negative"))
	}
	if c.PollInterval < 0 || c.OptimizeInterval < 0 {
		return goutils.NewConfigValidationError(path, errors.New("intervals cannot be negative"))
	}
	if c.Intrinsics == nil {
		return goutils.NewConfigValidationFieldRequiredError(path, "intrinsic_parameters")
	}
	if err := c.Intrinsics.CheckValid(); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if c.Hash.NumProjections < 0 || c.Hash.NumProjections > 16 {
		return goutils.NewConfigValidationError(path, errors.Errorf("hash.num_projections must be in [0, 16], got %d", c.Hash.NumProjections))
	}
	return c.LoopClosing.Validate(path + ".loop_closing")
}

// Validate ensures the loop closing parameters are usable.
func (c *LoopClosingConfig) Validate(path string) error {
	switch {
	case c.NeighborWindow < 1:
		return goutils.NewConfigValidationError(path, errors.New("neighbor_window must be at least 1"))
	case c.MatchRatio <= 0 || c.MatchRatio > 1:
		return goutils.NewConfigValidationError(path, errors.New("match_ratio must be in (0, 1]"))
	case c.MinMatchPercent < 0 || c.MinMatchPercent >= 100:
		return goutils.NewConfigValidationError(path, errors.New("min_match_percent must be in [0, 100)"))
	case c.NumCandidates < 1:
		return goutils.NewConfigValidationError(path, errors.New("num_candidates must be at least 1"))
	case c.PnP.Iterations < 1:
		return goutils.NewConfigValidationError(path, errors.New("pnp.iterations must be at least 1"))
	case c.PnP.ReprojectionError <= 0:
		return goutils.NewConfigValidationError(path, errors.New("pnp.reprojection_error_px must be positive"))
	case c.PnP.MaxInliers < 0 || c.MinNeighborhoodInliers < 0 || c.MinCandidateInliers < 0:
		return goutils.NewConfigValidationError(path, errors.New("inlier counts cannot be negative"))
	}
	return nil
}
