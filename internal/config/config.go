// Package config loads and validates the typed configuration tree for
// an igm3d run. It replaces the dotted-path-only access a dynamic
// config tree would give with a validated struct, while still
// accepting the same nested dotted-path keys on disk via viper.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	baseerrors "github.com/grailbio/base/errors"
)

// EnvelopeConfig describes the nuclear envelope restraint.
type EnvelopeConfig struct {
	NucleusShape   string     `mapstructure:"nucleus_shape"`
	NucleusRadius  float64    `mapstructure:"nucleus_radius"`
	NucleusSemi    [3]float64 `mapstructure:"nucleus_semiaxes"`
	InputMap       string     `mapstructure:"input_map"`
	NucleusKSpring float64    `mapstructure:"nucleus_kspring"`
}

// ExcludedConfig describes the excluded-volume restraint.
type ExcludedConfig struct {
	EVFactor float64 `mapstructure:"evfactor"`
}

// PolymerConfig describes the polymer-connectivity restraint.
type PolymerConfig struct {
	ContactRange      float64 `mapstructure:"contact_range"`
	PolymerKSpring    float64 `mapstructure:"polymer_kspring"`
	PolymerBondsStyle string  `mapstructure:"polymer_bonds_style"` // simple | hic | none
}

// ModelConfig is the model.* configuration subtree.
type ModelConfig struct {
	PopulationSize int `mapstructure:"population_size"`
	Restraints     struct {
		Envelope EnvelopeConfig `mapstructure:"envelope"`
		Excluded ExcludedConfig `mapstructure:"excluded"`
		Polymer  PolymerConfig  `mapstructure:"polymer"`
	} `mapstructure:"restraints"`
}

// ModalityConfig is the shared shape of restraints.<modality>.* for
// Hi-C, DamID, sprite, and FISH.
type ModalityConfig struct {
	SigmaList          []float64 `mapstructure:"sigma_list"`
	TolList            []float64 `mapstructure:"tol_list"`
	ContactRange       float64   `mapstructure:"contact_range"`
	KSpring            float64   `mapstructure:"kspring"`
	InputFile          string    `mapstructure:"input_file"`
	BatchSize          int       `mapstructure:"batch_size"`
	TmpDir             string    `mapstructure:"tmp_dir"`
	KeepTemporaryFiles bool      `mapstructure:"keep_temporary_files"`
	VolumeFraction     float64   `mapstructure:"volume_fraction"` // sprite only
	KeepBest           int       `mapstructure:"keep_best"`       // sprite only
	MaxChromInCluster  int       `mapstructure:"max_chrom_in_cluster"`
	RadiusKT           float64   `mapstructure:"radius_kt"`
}

// RestraintsConfig is the restraints.* configuration subtree.
type RestraintsConfig struct {
	HiC    ModalityConfig `mapstructure:"hic"`
	DamID  ModalityConfig `mapstructure:"damid"`
	Sprite ModalityConfig `mapstructure:"sprite"`
	FISH   ModalityConfig `mapstructure:"fish"`
}

// OptimizationConfig is the optimization.* configuration subtree.
type OptimizationConfig struct {
	StructureOutput            string                            `mapstructure:"structure_output"`
	TmpDir                      string                            `mapstructure:"tmp_dir"`
	Kernel                      string                            `mapstructure:"kernel"`
	KernelOpts                  map[string]map[string]interface{} `mapstructure:"kernel_opts"`
	OptimizerOptions            map[string]interface{}            `mapstructure:"optimizer_options"`
	ViolationTolerance          float64                           `mapstructure:"violation_tolerance"`
	MaxViolations               float64                           `mapstructure:"max_violations"`
	KeepTemporaryFiles          bool                              `mapstructure:"keep_temporary_files"`
	KeepIntermediateStructures  bool                              `mapstructure:"keep_intermediate_structures"`
	CleanRestart                bool                              `mapstructure:"clean_restart"`
	RandomShuffling             bool                              `mapstructure:"random_shuffling"`
	MaxIterations               int                               `mapstructure:"max_iterations"`
}

// ParallelConfig is the parallel.* configuration subtree.
type ParallelConfig struct {
	Controller        string                            `mapstructure:"controller"` // serial | worker-cluster | batch
	ControllerOptions map[string]map[string]interface{} `mapstructure:"controller_options"`
}

// ParametersConfig is the parameters.* configuration subtree.
type ParametersConfig struct {
	Workdir string `mapstructure:"workdir"`
	TmpDir  string `mapstructure:"tmp_dir"`
	Log     string `mapstructure:"log"`
	StepDB  string `mapstructure:"step_db"`

	// GenomeIndex names a pre-built bead-partition JSON file (genome.LoadJSON).
	// Turning a BED/FASTA annotation pair into that partition is genome/index
	// preprocessing, an external collaborator this module only consumes the
	// output of.
	GenomeIndex string `mapstructure:"genome_index"`
}

// Runtime is the runtime.* sub-tree: ephemeral state carried with the
// config across steps. It round-trips through the step log's stored
// runtime fragment on restart.
type Runtime struct {
	HiCSigma              float64           `mapstructure:"hic_sigma"`
	DamIDSigma            float64           `mapstructure:"damid_sigma"`
	SpriteVolumeFraction  float64           `mapstructure:"sprite_volume_fraction"`
	FishTolerance         float64           `mapstructure:"fish_tolerance"`
	Iteration             int               `mapstructure:"iteration"`
	StepNo                int               `mapstructure:"step_no"`
	LastAssignmentFiles   map[string]string `mapstructure:"last_assignment_files"`
	ConsecutiveProbFile   string            `mapstructure:"consecutive_prob_file"`
}

// Schema is the fully typed configuration tree for a run.
type Schema struct {
	Model        ModelConfig        `mapstructure:"model"`
	Restraints   RestraintsConfig   `mapstructure:"restraints"`
	Optimization OptimizationConfig `mapstructure:"optimization"`
	Parallel     ParallelConfig     `mapstructure:"parallel"`
	Parameters   ParametersConfig   `mapstructure:"parameters"`
	Runtime      Runtime            `mapstructure:"runtime"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("optimization.kernel", "reference")
	v.SetDefault("optimization.violation_tolerance", 0.05)
	v.SetDefault("optimization.max_violations", 0.05)
	v.SetDefault("optimization.max_iterations", 10)
	v.SetDefault("parallel.controller", "serial")
	v.SetDefault("model.restraints.polymer.polymer_bonds_style", "simple")
	v.SetDefault("model.restraints.envelope.nucleus_shape", "sphere")
	v.SetDefault("restraints.sprite.keep_best", 50)
	v.SetDefault("restraints.sprite.max_chrom_in_cluster", 6)
	return v
}

// Load reads path (any format viper supports: yaml, json, toml) into a
// validated Schema.
func Load(path string) (*Schema, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, baseerrors.E(err, "config: read", path)
	}
	var s Schema
	if err := v.Unmarshal(&s); err != nil {
		return nil, baseerrors.E(err, "config: decode", path)
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ConfigError marks a schema-violation or missing-required-input-file
// failure, fatal at startup.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

func configErr(format string, args ...interface{}) error {
	return baseerrors.E(&ConfigError{Msg: fmt.Sprintf(format, args...)})
}

// Validate checks the required keys and the allowed-value constraints
// called out alongside them. It is meant to run once at startup.
func Validate(s *Schema) error {
	if s.Model.PopulationSize <= 0 {
		return configErr("model.population_size must be positive, got %d", s.Model.PopulationSize)
	}
	switch s.Model.Restraints.Envelope.NucleusShape {
	case "sphere":
		if s.Model.Restraints.Envelope.NucleusRadius <= 0 {
			return configErr("model.restraints.envelope.nucleus_radius required for shape 'sphere'")
		}
	case "ellipsoid":
		for i, a := range s.Model.Restraints.Envelope.NucleusSemi {
			if a <= 0 {
				return configErr("model.restraints.envelope.nucleus_semiaxes[%d] must be positive", i)
			}
		}
	case "exp_map":
		if s.Model.Restraints.Envelope.InputMap == "" {
			return configErr("model.restraints.envelope.input_map required for shape 'exp_map'")
		}
	default:
		return configErr("model.restraints.envelope.nucleus_shape must be one of sphere|ellipsoid|exp_map, got %q",
			s.Model.Restraints.Envelope.NucleusShape)
	}
	switch s.Model.Restraints.Polymer.PolymerBondsStyle {
	case "simple", "hic", "none":
	default:
		return configErr("model.restraints.polymer.polymer_bonds_style must be one of simple|hic|none, got %q",
			s.Model.Restraints.Polymer.PolymerBondsStyle)
	}
	switch s.Parallel.Controller {
	case "serial", "worker-cluster", "batch":
	default:
		return configErr("parallel.controller must be one of serial|worker-cluster|batch, got %q", s.Parallel.Controller)
	}
	if s.Optimization.MaxIterations <= 0 {
		return configErr("optimization.max_iterations must be positive, got %d", s.Optimization.MaxIterations)
	}
	if s.Parameters.GenomeIndex == "" {
		return configErr("parameters.genome_index is required")
	}
	return nil
}
