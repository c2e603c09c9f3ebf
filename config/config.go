// Package config holds the declarative experiment tree: datasets and their
// pipelines, the model's sub-components, optimization and runtime settings.
// A tree is loaded once from YAML and treated as read-only afterwards.
package config

// Component is one tagged entry of the tree. Type selects the variant; every
// other key is kept verbatim in Params for the collaborator that builds it.
type Component struct {
	Type   string         `koanf:"type"`
	Params map[string]any `koanf:",remain,flatten"`

	// Kind is Type resolved against the slot's vocabulary at load time
	Kind Kind `koanf:"-"`
}

// Get returns a parameter value
func (c *Component) Get(key string) (any, bool) {
	if c == nil || c.Params == nil {
		return nil, false
	}
	v, ok := c.Params[key]
	return v, ok
}

// DatasetConfig describes one split
type DatasetConfig struct {
	Type     string         `koanf:"type"`
	Pipeline []Component    `koanf:"pipeline,omitempty"`
	Params   map[string]any `koanf:",remain,flatten"`
}

// DataConfig is the data section of the tree
type DataConfig struct {
	ImgsPerGPU    int            `koanf:"imgs_per_gpu"`
	WorkersPerGPU int            `koanf:"workers_per_gpu"`
	Train         DatasetConfig  `koanf:"train"`
	Val           *DatasetConfig `koanf:"val,omitempty"`
	Test          *DatasetConfig `koanf:"test,omitempty"`
}

// ModelConfig is the detector or captioner and its sub-components
type ModelConfig struct {
	Type             string     `koanf:"type"`
	Pretrained       string     `koanf:"pretrained,omitempty"`
	Backbone         *Component `koanf:"backbone,omitempty"`
	Neck             *Component `koanf:"neck,omitempty"`
	RPNHead          *Component `koanf:"rpn_head,omitempty"`
	BBoxRoIExtractor *Component `koanf:"bbox_roi_extractor,omitempty"`
	BBoxHead         *Component `koanf:"bbox_head,omitempty"`
	MaskRoIExtractor *Component `koanf:"mask_roi_extractor,omitempty"`
	MaskHead         *Component `koanf:"mask_head,omitempty"`
	RelationHead     *Component `koanf:"relation_head,omitempty"`
	CaptionHead      *Component `koanf:"caption_head,omitempty"`

	Kind Kind `koanf:"-"`
}

// OptimizerConfig selects the update rule and which modules stay frozen
type OptimizerConfig struct {
	Type          string    `koanf:"type"`
	LR            float64   `koanf:"lr"`
	Momentum      float64   `koanf:"momentum,omitempty"`
	Dampening     float64   `koanf:"dampening,omitempty"`
	Nesterov      bool      `koanf:"nesterov,omitempty"`
	WeightDecay   float64   `koanf:"weight_decay,omitempty"`
	Betas         []float64 `koanf:"betas,omitempty"`
	Eps           float64   `koanf:"eps,omitempty"`
	Alpha         float64   `koanf:"alpha,omitempty"`
	Centered      bool      `koanf:"centered,omitempty"`
	LRDecay       float64   `koanf:"lr_decay,omitempty"`
	FreezeModules []string  `koanf:"freeze_modules,omitempty"`

	Kind OptimizerKind `koanf:"-"`
}

// GradClipConfig bounds the global gradient norm
type GradClipConfig struct {
	MaxNorm  float64 `koanf:"max_norm"`
	NormType float64 `koanf:"norm_type"`
}

// OptimizerHookConfig configures the optimizer step hook
type OptimizerHookConfig struct {
	GradClip *GradClipConfig `koanf:"grad_clip,omitempty"`
}

// Fp16Config enables loss scaling. LossScale is a number or "dynamic".
type Fp16Config struct {
	LossScale string `koanf:"loss_scale"`
}

// LRConfig is the learning rate policy. Which keys matter depends on Policy.
type LRConfig struct {
	Policy      string  `koanf:"policy"`
	ByEpoch     *bool   `koanf:"by_epoch,omitempty"`
	Warmup      string  `koanf:"warmup,omitempty"`
	WarmupIters int     `koanf:"warmup_iters,omitempty"`
	WarmupRatio float64 `koanf:"warmup_ratio,omitempty"`

	// step: an int (every N) or a list of milestones
	Step     any     `koanf:"step,omitempty"`
	Gamma    float64 `koanf:"gamma,omitempty"`
	Power    float64 `koanf:"power,omitempty"`
	MinLR    float64 `koanf:"min_lr,omitempty"`
	TargetLR float64 `koanf:"target_lr,omitempty"`

	// noam
	ModelSize int     `koanf:"model_size,omitempty"`
	Factor    float64 `koanf:"factor,omitempty"`
}

// CheckpointConfig configures periodic checkpointing
type CheckpointConfig struct {
	Interval      int    `koanf:"interval"`
	SaveOptimizer *bool  `koanf:"save_optimizer,omitempty"`
	OutDir        string `koanf:"out_dir,omitempty"`
	MaxKeepCkpts  int    `koanf:"max_keep_ckpts,omitempty"`
	Format        string `koanf:"format,omitempty"`
}

// LogConfig configures the logger hooks
type LogConfig struct {
	Interval int         `koanf:"interval"`
	Hooks    []Component `koanf:"hooks"`
}

// EvaluationConfig configures the evaluation hook. Options go to the
// dataset's evaluator untouched (relation_mode, classwise, ...).
type EvaluationConfig struct {
	Interval int            `koanf:"interval"`
	Metric   []string       `koanf:"metric,omitempty"`
	Options  map[string]any `koanf:",remain,flatten"`
}

// SamplingScheduleConfig drives the teacher-forcing ratio of captioners
type SamplingScheduleConfig struct {
	Start         int     `koanf:"scheduled_sampling_start"`
	IncreaseEvery int     `koanf:"scheduled_sampling_increase_every"`
	IncreaseProb  float64 `koanf:"scheduled_sampling_increase_prob"`
	MaxProb       float64 `koanf:"scheduled_sampling_max_prob"`
}

// DistParams configures the collective backend
type DistParams struct {
	Backend string `koanf:"backend"`
	URL     string `koanf:"url,omitempty"`
	JobID   string `koanf:"job_id,omitempty"`
}

// LoadMapping renames stored parameter prefixes on load. AlignDict maps a
// current module prefix to the stored prefix whose weights it receives.
type LoadMapping struct {
	AlignDict map[string]string `koanf:"align_dict"`
}

// ResumeConfig tunes Resume
type ResumeConfig struct {
	ResumeOptimizer *bool  `koanf:"resume_optimizer,omitempty"`
	MapLocation     string `koanf:"map_location,omitempty"`
}

// WorkflowStage is one (phase, epochs) pair
type WorkflowStage struct {
	Mode   string `koanf:"mode"`
	Epochs int    `koanf:"epochs"`
}

// Experiment is the full tree
type Experiment struct {
	Data     DataConfig     `koanf:"data"`
	Model    ModelConfig    `koanf:"model"`
	TrainCfg map[string]any `koanf:"train_cfg,omitempty"`
	TestCfg  map[string]any `koanf:"test_cfg,omitempty"`

	Optimizer        OptimizerConfig         `koanf:"optimizer"`
	OptimizerConfig  OptimizerHookConfig     `koanf:"optimizer_config"`
	Fp16             *Fp16Config             `koanf:"fp16,omitempty"`
	LRConfig         LRConfig                `koanf:"lr_config"`
	LRFirst          *bool                   `koanf:"lr_first,omitempty"`
	CheckpointConfig CheckpointConfig        `koanf:"checkpoint_config"`
	LogConfig        LogConfig               `koanf:"log_config"`
	Evaluation       *EvaluationConfig       `koanf:"evaluation,omitempty"`
	SamplingSchedule *SamplingScheduleConfig `koanf:"sampling_schedule_config,omitempty"`

	TotalEpochs          int             `koanf:"total_epochs"`
	Workflow             []WorkflowStage `koanf:"workflow"`
	DistParams           DistParams      `koanf:"dist_params"`
	FindUnusedParameters bool            `koanf:"find_unused_parameters,omitempty"`
	LogLevel             string          `koanf:"log_level"`
	WorkDir              string          `koanf:"work_dir"`
	GPUIDs               []int           `koanf:"gpu_ids,omitempty"`
	Seed                 *uint64         `koanf:"seed,omitempty"`
	Deterministic        bool            `koanf:"deterministic,omitempty"`

	LoadFrom     string        `koanf:"load_from,omitempty"`
	LoadMapping  *LoadMapping  `koanf:"load_mapping,omitempty"`
	LoadSeqs     []string      `koanf:"load_seqs,omitempty"`
	ResumeFrom   string        `koanf:"resume_from,omitempty"`
	ResumeConfig *ResumeConfig `koanf:"resume_config,omitempty"`

	// Text is the source the tree was loaded from
	Text string `koanf:"-"`
}

// LROrderFirst reports whether the LR hook runs before the optimizer hook
func (e *Experiment) LROrderFirst() bool {
	return e.LRFirst == nil || *e.LRFirst
}

// SeedValue returns the configured seed, or zero
func (e *Experiment) SeedValue() uint64 {
	if e.Seed == nil {
		return 0
	}
	return *e.Seed
}

// AlignDict returns the load rename table, or nil
func (e *Experiment) AlignDict() map[string]string {
	if e.LoadMapping == nil {
		return nil
	}
	return e.LoadMapping.AlignDict
}
