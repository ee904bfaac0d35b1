package genome

import (
	"encoding/json"
	"os"

	"github.com/grailbio/base/errors"
)

// jsonBead mirrors Bead with JSON tags; genome/index preprocessing
// itself is out of scope for this module (the annotation pipeline that
// turns a BED/FASTA pair into a bead partition is an external
// collaborator), so LoadJSON only has to deserialize the already-built
// partition spec 6's parameters.genome_index names.
type jsonBead struct {
	ID     int32   `json:"id"`
	Chrom  int32   `json:"chrom"`
	Start  int64   `json:"start"`
	End    int64   `json:"end"`
	Copy   int16   `json:"copy"`
	Radius float64 `json:"radius"`
}

// LoadJSON reads a pre-built bead partition from path and validates it
// into an Index.
func LoadJSON(path string) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(err, "genome: read index file", path)
	}
	var beads []jsonBead
	if err := json.Unmarshal(raw, &beads); err != nil {
		return nil, errors.E(err, "genome: unmarshal index file", path)
	}
	out := make([]Bead, len(beads))
	for i, b := range beads {
		out[i] = Bead{ID: b.ID, Chrom: b.Chrom, Start: b.Start, End: b.End, Copy: b.Copy, Radius: b.Radius}
	}
	idx, err := NewIndex(out)
	if err != nil {
		return nil, err
	}
	if err := idx.ValidatePartition(); err != nil {
		return nil, err
	}
	return idx, nil
}
