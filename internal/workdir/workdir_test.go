package workdir

import "testing"

func TestIsRemote(t *testing.T) {
	if !IsRemote("s3://bucket/key") {
		t.Fatal("expected an s3:// URI to be remote")
	}
	if IsRemote("/local/path") {
		t.Fatal("expected a local path to not be remote")
	}
}

func TestJoinPreservesS3Scheme(t *testing.T) {
	got := Join("s3://bucket/prefix/", "runs", "run-1")
	want := "s3://bucket/prefix/runs/run-1"
	if got != want {
		t.Fatalf("Join = %q, want %q", got, want)
	}
}

func TestJoinLocalPath(t *testing.T) {
	got := Join("/data/igm3d/", "bps", "gen-3")
	want := "/data/igm3d/bps/gen-3"
	if got != want {
		t.Fatalf("Join = %q, want %q", got, want)
	}
}

func TestRegisterS3IsIdempotent(t *testing.T) {
	RegisterS3()
	RegisterS3() // must not panic on double registration
}
