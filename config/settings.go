// Package config defines the immutable tuning settings of the odometry engine, its presets and
// their validation.
package config

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// PatternNum is the number of pixels in the residual pattern around each point.
const PatternNum = 8

// Pattern is the sparse pixel pattern evaluated around every point, as (dx, dy) offsets.
var Pattern = [PatternNum][2]int{{0, -2}, {-1, -1}, {1, -1}, {-2, 0}, {0, 0}, {2, 0}, {-1, 1}, {0, 2}}

// PatternPadding is the largest absolute offset in Pattern.
const PatternPadding = 2

// Settings is the full tuning surface of the engine. A Settings value is treated as immutable
// once handed to the engine.
type Settings struct {
	// Window and density.
	DesiredImmatureDensity float64 `json:"desired_immature_density"`
	DesiredPointDensity    float64 `json:"desired_point_density"`
	MinFrames              int     `json:"min_frames"`
	MaxFrames              int     `json:"max_frames"`
	MinOptIterations       int     `json:"min_opt_iterations"`
	MaxOptIterations       int     `json:"max_opt_iterations"`
	MaxLMRetries           int     `json:"max_lm_retries"`
	LambdaInit             float64 `json:"lambda_init"`
	ThOptIterations        float64 `json:"th_opt_iterations"`

	// Keyframe selection. Each weight scales a normalized indicator; a keyframe is created when
	// their sum exceeds one.
	KFGlobalWeight         float64 `json:"kf_global_weight"`
	MaxShiftWeightT        float64 `json:"max_shift_weight_t"`
	MaxShiftWeightR        float64 `json:"max_shift_weight_r"`
	MaxShiftWeightRT       float64 `json:"max_shift_weight_rt"`
	MaxAffineWeight        float64 `json:"max_affine_weight"`
	KFResidualGrowthFactor float64 `json:"kf_residual_growth_factor"`
	KFMinPointFraction     float64 `json:"kf_min_point_fraction"`

	// Marginalization.
	MinPointsRemaining      float64 `json:"min_points_remaining"`
	MaxLogAffFacInWindow    float64 `json:"max_log_aff_fac_in_window"`
	MinGoodActiveResForMarg int     `json:"min_good_active_res_for_marg"`
	MinGoodResForMarg       int     `json:"min_good_res_for_marg"`
	MinIdepthHMarg          float64 `json:"min_idepth_h_marg"`
	MinIdepthHAct           float64 `json:"min_idepth_h_act"`

	// Residuals.
	HuberTH                  float64 `json:"huber_th"`
	OutlierTH                float64 `json:"outlier_th"`
	OutlierTHSumComponent    float64 `json:"outlier_th_sum_component"`
	OverallEnergyTHWeight    float64 `json:"overall_energy_th_weight"`
	FrameEnergyTHConstWeight float64 `json:"frame_energy_th_const_weight"`
	FrameEnergyTHFacMedian   float64 `json:"frame_energy_th_fac_median"`
	FrameEnergyTHN           float64 `json:"frame_energy_th_n"`

	// Epipolar tracing and point activation.
	TraceStepsize             float64 `json:"trace_stepsize"`
	TraceGNIterations         int     `json:"trace_gn_iterations"`
	TraceGNThreshold          float64 `json:"trace_gn_threshold"`
	TraceExtraSlackOnTH       float64 `json:"trace_extra_slack_on_th"`
	TraceSlackInterval        float64 `json:"trace_slack_interval"`
	TraceMinImprovementFactor float64 `json:"trace_min_improvement_factor"`
	MaxPixSearch              float64 `json:"max_pix_search"`
	MinTraceQuality           float64 `json:"min_trace_quality"`
	MinTraceTestRadius        int     `json:"min_trace_test_radius"`
	MaxTraceInterval          float64 `json:"max_trace_interval"`
	GNItsOnPointActivation    int     `json:"gn_its_on_point_activation"`

	// Pixel selection.
	MinGradHistCut              float64 `json:"min_grad_hist_cut"`
	MinGradHistAdd              float64 `json:"min_grad_hist_add"`
	GradDownweightPerLevel      float64 `json:"grad_downweight_per_level"`
	SelectDirectionDistribution bool    `json:"select_direction_distribution"`
	PixelSelectorSeed           uint32  `json:"pixel_selector_seed"`

	// Priors. A negative affine opt mode fixes the parameter, zero leaves it free and a positive
	// value is used as the prior weight.
	AffineOptModeA    float64 `json:"affine_opt_mode_a"`
	AffineOptModeB    float64 `json:"affine_opt_mode_b"`
	IdepthFixPrior    float64 `json:"idepth_fix_prior"`
	InitialTransPrior float64 `json:"initial_trans_prior"`
	InitialRotPrior   float64 `json:"initial_rot_prior"`
	InitialAffAPrior  float64 `json:"initial_aff_a_prior"`
	InitialAffBPrior  float64 `json:"initial_aff_b_prior"`

	// Coarse tracking.
	CoarseCutoffTH                 float64 `json:"coarse_cutoff_th"`
	TrackingMaxIterations          []int   `json:"tracking_max_iterations"`
	ReTrackThreshold               float64 `json:"re_track_threshold"`
	MaxConsecutiveTrackingFailures int     `json:"max_consecutive_tracking_failures"`

	// Initialization.
	InitDensity       float64 `json:"init_density"`
	InitMinFlow       float64 `json:"init_min_flow"`
	InitMaxFrames     int     `json:"init_max_frames"`
	InitMaxReprojRMSE float64 `json:"init_max_reproj_rmse"`
	InitMinPoints     int     `json:"init_min_points"`
	InitMinParallax   float64 `json:"init_min_parallax"`
	KLTHalfWindow     int     `json:"klt_half_window"`
	KLTMaxIterations  int     `json:"klt_max_iterations"`

	// Pipeline.
	NumWorkers           int  `json:"num_workers"`
	LinearizeOperation   bool `json:"linearize_operation"`
	MappingQueueCapacity int  `json:"mapping_queue_capacity"`
	MaxPyramidLevels     int  `json:"max_pyramid_levels"`
	PyramidMinPixels     int  `json:"pyramid_min_pixels"`
	Debug                bool `json:"debug"`
}

// Default returns the settings of the default (accuracy) preset.
func Default() Settings {
	const refImageSize = 640 + 480
	return Settings{
		DesiredImmatureDensity: 1500,
		DesiredPointDensity:    2000,
		MinFrames:              5,
		MaxFrames:              7,
		MinOptIterations:       1,
		MaxOptIterations:       6,
		MaxLMRetries:           3,
		LambdaInit:             1e-1,
		ThOptIterations:        1.2,

		KFGlobalWeight:         1,
		MaxShiftWeightT:        0.04 * refImageSize,
		MaxShiftWeightR:        0.0 * refImageSize,
		MaxShiftWeightRT:       0.02 * refImageSize,
		MaxAffineWeight:        2,
		KFResidualGrowthFactor: 2,
		KFMinPointFraction:     0.1,

		MinPointsRemaining:      0.05,
		MaxLogAffFacInWindow:    0.7,
		MinGoodActiveResForMarg: 3,
		MinGoodResForMarg:       4,
		MinIdepthHMarg:          50,
		MinIdepthHAct:           100,

		HuberTH:                  9,
		OutlierTH:                12 * 12,
		OutlierTHSumComponent:    50 * 50,
		OverallEnergyTHWeight:    1,
		FrameEnergyTHConstWeight: 0.5,
		FrameEnergyTHFacMedian:   1.5,
		FrameEnergyTHN:           0.7,

		TraceStepsize:             1.0,
		TraceGNIterations:         3,
		TraceGNThreshold:          0.1,
		TraceExtraSlackOnTH:       1.2,
		TraceSlackInterval:        1.5,
		TraceMinImprovementFactor: 2,
		MaxPixSearch:              0.027,
		MinTraceQuality:           3,
		MinTraceTestRadius:        2,
		MaxTraceInterval:          8,
		GNItsOnPointActivation:    3,

		MinGradHistCut:              0.5,
		MinGradHistAdd:              7,
		GradDownweightPerLevel:      0.75,
		SelectDirectionDistribution: true,
		PixelSelectorSeed:           1,

		AffineOptModeA:    1e12,
		AffineOptModeB:    1e8,
		IdepthFixPrior:    50 * 50,
		InitialTransPrior: 1e10,
		InitialRotPrior:   1e11,
		InitialAffAPrior:  1e14,
		InitialAffBPrior:  1e14,

		CoarseCutoffTH:                 20,
		TrackingMaxIterations:          []int{10, 20, 50, 50, 50, 50},
		ReTrackThreshold:               1.5,
		MaxConsecutiveTrackingFailures: 3,

		InitDensity:       1000,
		InitMinFlow:       5,
		InitMaxFrames:     40,
		InitMaxReprojRMSE: 1.0,
		InitMinPoints:     50,
		InitMinParallax:   0.01,
		KLTHalfWindow:     4,
		KLTMaxIterations:  30,

		NumWorkers:           4,
		MappingQueueCapacity: 2,
		MaxPyramidLevels:     6,
		PyramidMinPixels:     5000,
	}
}

// Preset returns one of the four named presets: 0 and 1 are the default accuracy settings, 2 and
// 3 the fast settings with fewer points, a smaller window and fewer iterations. The odd presets
// are the real-time variants of the even ones; playback pacing belongs to the caller, so they
// share the same tuning.
func Preset(n int) (Settings, error) {
	s := Default()
	switch n {
	case 0, 1:
		return s, nil
	case 2, 3:
		s.DesiredImmatureDensity = 600
		s.DesiredPointDensity = 800
		s.MinFrames = 4
		s.MaxFrames = 6
		s.MaxOptIterations = 4
		s.MinOptIterations = 1
		s.InitDensity = 600
		return s, nil
	default:
		return Settings{}, errors.Errorf("unknown preset %d, want 0..3", n)
	}
}

// Validate checks the settings and returns a config validation error naming the first invalid
// field.
func (s *Settings) Validate(path string) error {
	if s.DesiredPointDensity <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "desired_point_density")
	}
	if s.DesiredImmatureDensity <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "desired_immature_density")
	}
	if s.MinFrames < 2 {
		return goutils.NewConfigValidationError(path, errors.New("min_frames must be at least 2"))
	}
	if s.MaxFrames < s.MinFrames {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("max_frames (%d) must not be lower than min_frames (%d)", s.MaxFrames, s.MinFrames))
	}
	if s.MaxOptIterations < s.MinOptIterations || s.MinOptIterations < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("invalid optimization iteration range [%d, %d]", s.MinOptIterations, s.MaxOptIterations))
	}
	if s.MaxLMRetries < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_lm_retries cannot be negative"))
	}
	if s.LambdaInit <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("lambda_init must be positive"))
	}
	if s.KFResidualGrowthFactor < 0 || s.KFMinPointFraction < 0 {
		return goutils.NewConfigValidationError(path, errors.New("keyframe trigger weights cannot be negative"))
	}
	if s.HuberTH <= 0 || s.OutlierTH <= 0 || s.OutlierTHSumComponent <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("residual thresholds must be positive"))
	}
	if s.CoarseCutoffTH <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("coarse_cutoff_th must be positive"))
	}
	if len(s.TrackingMaxIterations) == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "tracking_max_iterations")
	}
	if s.MaxConsecutiveTrackingFailures < 1 {
		return goutils.NewConfigValidationError(path, errors.New("max_consecutive_tracking_failures must be at least 1"))
	}
	if s.InitMinPoints < 8 {
		return goutils.NewConfigValidationError(path, errors.New("init_min_points must be at least 8"))
	}
	if s.InitMaxFrames < 2 {
		return goutils.NewConfigValidationError(path, errors.New("init_max_frames must be at least 2"))
	}
	if s.KLTHalfWindow < 1 || s.KLTMaxIterations < 1 {
		return goutils.NewConfigValidationError(path, errors.New("klt window and iterations must be positive"))
	}
	if s.NumWorkers < 1 {
		return goutils.NewConfigValidationError(path, errors.New("num_workers must be at least 1"))
	}
	if s.MappingQueueCapacity < 1 {
		return goutils.NewConfigValidationError(path, errors.New("mapping_queue_capacity must be at least 1"))
	}
	if s.MaxPyramidLevels < 1 {
		return goutils.NewConfigValidationError(path, errors.New("max_pyramid_levels must be at least 1"))
	}
	if s.TraceStepsize <= 0 || s.MaxPixSearch <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("trace step size and search range must be positive"))
	}
	return nil
}

// TrackingIterations returns the iteration cap of pyramid level lvl.
func (s *Settings) TrackingIterations(lvl int) int {
	if lvl < len(s.TrackingMaxIterations) {
		return s.TrackingMaxIterations[lvl]
	}
	return s.TrackingMaxIterations[len(s.TrackingMaxIterations)-1]
}

// FromAttributes overlays an attribute map, keyed by the json names of the fields, on the default
// settings. Unknown keys are rejected.
func FromAttributes(attributes map[string]interface{}) (Settings, error) {
	settings := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &settings,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Settings{}, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return Settings{}, errors.Wrap(err, "cannot decode settings")
	}
	return settings, nil
}
