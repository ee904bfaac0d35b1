package steplog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	t.Cleanup(cleanup)
	path := filepath.Join(dir, "steps.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRecords(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	uid := "hic-1"
	rows := []Status{StatusEntry, StatusSetup, StatusMap, StatusMapped}
	for i, s := range rows {
		if err := l.Append(ctx, Record{UID: uid, Name: "HiCAssignmentStep", Cfg: "{}", Time: int64(i), Status: s}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.Records(ctx, uid)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(rows) {
		t.Fatalf("expected %d records, got %d", len(rows), len(got))
	}
	for i, r := range got {
		if r.Status != rows[i] {
			t.Fatalf("record %d: expected status %q, got %q", i, rows[i], r.Status)
		}
	}
}

func TestLatestReflectsMostRecentAppend(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	uid := "model-3"
	for i, s := range []Status{StatusEntry, StatusSetup, StatusMap} {
		if err := l.Append(ctx, Record{UID: uid, Name: "ModelingStep", Cfg: "{}", Time: int64(i), Status: s}); err != nil {
			t.Fatal(err)
		}
	}
	latest, ok, err := l.Latest(ctx, uid)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a latest record to exist")
	}
	if latest.Status != StatusMap {
		t.Fatalf("expected latest status %q, got %q", StatusMap, latest.Status)
	}
}

func TestLatestMissingUID(t *testing.T) {
	l := openTestLog(t)
	_, ok, err := l.Latest(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no record for an unknown uid")
	}
}

func TestHasStatus(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	uid := "damid-2"
	if err := l.Append(ctx, Record{UID: uid, Name: "DamIDAssignmentStep", Cfg: "{}", Time: 0, Status: StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	ok, err := l.HasStatus(ctx, uid, StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected HasStatus(completed) to be true")
	}
	ok, err = l.HasStatus(ctx, uid, StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected HasStatus(failed) to be false")
	}
}
