package config

import (
	"encoding/json"

	farm "github.com/dgryski/go-farm"

	baseerrors "github.com/grailbio/base/errors"
)

// SubtreeHash returns a deterministic fingerprint of the given config
// subtree (everything a step's uid should be sensitive to, excluding
// runtime.* which changes every step by design). It resolves the
// "restart semantics under changed config" open question in favor of
// refusing a silent resume: orchestrator.Step folds this into its uid
// alongside (name, step_no), so editing relevant config between runs
// changes the uid and a stale `completed` record is no longer found.
//
// It uses farm.Hash64WithSeed, the same fast fingerprint a sharded
// table would use to key a bucket, here keying a step uid instead.
func SubtreeHash(subtree interface{}) (uint64, error) {
	data, err := json.Marshal(subtree)
	if err != nil {
		return 0, baseerrors.E(err, "config: marshal subtree for hashing")
	}
	return farm.Hash64WithSeed(data, 0), nil
}

// RelevantSubtree returns the portion of the schema that a step named
// stepName depends on, for SubtreeHash. Assignment steps depend only on
// their own modality config plus the shared model restraints; the
// modeling step depends on all of them.
func (s *Schema) RelevantSubtree(stepName string) interface{} {
	switch stepName {
	case "hic", "HiCAssignmentStep":
		return struct {
			Model ModelConfig
			HiC   ModalityConfig
		}{s.Model, s.Restraints.HiC}
	case "damid", "DamIDAssignmentStep":
		return struct {
			Model ModelConfig
			DamID ModalityConfig
		}{s.Model, s.Restraints.DamID}
	case "sprite", "SpriteAssignmentStep":
		return struct {
			Model  ModelConfig
			Sprite ModalityConfig
		}{s.Model, s.Restraints.Sprite}
	case "fish", "FishAssignmentStep":
		return struct {
			Model ModelConfig
			FISH  ModalityConfig
		}{s.Model, s.Restraints.FISH}
	default:
		return struct {
			Model        ModelConfig
			Restraints   RestraintsConfig
			Optimization OptimizationConfig
		}{s.Model, s.Restraints, s.Optimization}
	}
}
