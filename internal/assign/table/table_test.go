package table

import (
	"os"
	"path/filepath"
	"testing"
)

type row struct {
	A int     `json:"a"`
	B float64 `json:"b"`
}

func TestWriteReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hic.table")
	want := []row{{A: 1, B: 0.5}, {A: 2, B: 0.75}}

	if err := Write(want, path); err != nil {
		t.Fatal(err)
	}
	var got []row
	if err := Read(path, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Read = %+v, want %+v", got, want)
	}
}

func TestReadMissingFileIsNotExist(t *testing.T) {
	var out []row
	err := Read(filepath.Join(t.TempDir(), "missing"), &out)
	if !os.IsNotExist(err) {
		t.Fatalf("expected os.IsNotExist, got %v", err)
	}
}

func TestArchiveRenamesExistingTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hic.table")
	if err := Write([]row{{A: 1}}, path); err != nil {
		t.Fatal(err)
	}
	if err := Archive(path, 0.5, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the live table path to be gone after archiving")
	}
	archived := path + ".sigma-0.5.iter-2"
	if _, err := os.Stat(archived); err != nil {
		t.Fatalf("expected archived file %s to exist: %v", archived, err)
	}
}

func TestArchiveMissingFileIsNoop(t *testing.T) {
	if err := Archive(filepath.Join(t.TempDir(), "missing"), 0.5, 0); err != nil {
		t.Fatalf("expected archiving a missing table to be a no-op, got %v", err)
	}
}
