// Package workdir resolves the paths named by parameters.workdir and
// parameters.tmp_dir, whether they are local filesystem paths or
// s3:// URIs, and registers the s3 file.Implementation once at
// process startup so package bps, the step log's archival helper, and
// the assignment-table writers can all open either kind of path
// through the same grailbio/base/file.Open/file.Create calls they
// already use for local paths.
//
// Registration follows the same file.RegisterImplementation("s3",
// s3file.NewImplementation(...)) idiom a test's TestMain would use to
// wire in s3 support, here promoted into a package any entry point
// (cmd/igm3d, or a test exercising an s3 workdir) can call.
package workdir

import (
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
)

var registerOnce sync.Once

// RegisterS3 installs the s3:// file.Implementation exactly once per
// process. Idempotent, so cmd/igm3d's main and any test that needs an
// s3 workdir can both call it without double-registering.
func RegisterS3() {
	registerOnce.Do(func() {
		file.RegisterImplementation("s3", func() file.Implementation {
			return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
		})
	})
}

// IsRemote reports whether path names an s3:// URI rather than a local
// filesystem path.
func IsRemote(path string) bool { return strings.HasPrefix(path, "s3://") }

// Join mirrors filepath.Join but also works for s3:// URIs, where
// filepath.Join would corrupt the "s3://" scheme by collapsing its
// double slash.
func Join(base string, elems ...string) string {
	parts := make([]string, 0, len(elems)+1)
	parts = append(parts, strings.TrimRight(base, "/"))
	for _, e := range elems {
		parts = append(parts, strings.Trim(e, "/"))
	}
	return strings.Join(parts, "/")
}
