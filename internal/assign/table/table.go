// Package table implements the assignment-table persistence shared by
// every Assignment Engine: each iteration's activation-distance /
// cluster / probe rows are written wholesale to a single snappy-framed
// JSON file, and the previous iteration's table (needed as `p_last`
// for the next iteration's clean() correction) is archived under a
// sigma/iteration suffix rather than overwritten. Read and the
// assignment steps only open the live path; nothing in this module
// reads an archived table back.
//
// The write-temp-then-rename publish shape mirrors how
// encoding/pam/pamutil publishes its own index files (internal/bps
// reuses the same idiom for chunks); github.com/golang/snappy frames
// the JSON payload the way recordio's own snappy transformer frames
// its blocks, chosen over zstd here because these tables are rewritten
// wholesale every iteration and decode speed matters more than ratio.
package table

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	baseerrors "github.com/grailbio/base/errors"
)

// Write snappy-compresses rows (JSON-encoded) and atomically publishes
// them to path via a write-temp-then-rename, mirroring bps.WriteChunk's
// publish discipline.
func Write(rows interface{}, path string) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return baseerrors.E(err, "table: marshal", path)
	}
	compressed := snappy.Encode(nil, data)

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return baseerrors.E(err, "table: mkdir", filepath.Dir(path))
	}
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return baseerrors.E(err, "table: write", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return baseerrors.E(err, "table: publish", path)
	}
	return nil
}

// Read reads and decodes a table previously written by Write into out
// (a pointer to a slice of rows). A missing file is reported as
// os.IsNotExist so callers can treat "no prior table" as an empty
// table rather than a fatal error.
func Read(path string, out interface{}) error {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return baseerrors.E(err, "table: corrupt snappy frame", path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return baseerrors.E(err, "table: unmarshal", path)
	}
	return nil
}

// Archive renames an existing table aside under a sigma/iteration
// suffix instead of deleting it. The live path is empty from then
// until the next Write publishes; Read does not fall back to the
// archived copy. A missing
// source file is not an error: the first iteration has nothing to
// archive yet.
func Archive(path string, sigma float64, iteration int) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	dst := fmt.Sprintf("%s.sigma-%v.iter-%d", path, sigma, iteration)
	if err := os.Rename(path, dst); err != nil {
		return baseerrors.E(err, "table: archive", path)
	}
	return nil
}
