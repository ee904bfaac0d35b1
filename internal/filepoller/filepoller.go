// Package filepoller implements a sentinel-based streaming-reduce
// primitive: it watches a directory for task output files becoming
// ready, tolerating the transient I/O errors and read-during-write
// races that show up on NFS-backed shared scratch directories.
//
// A task writes its output file and then, as its very last action,
// creates an adjacent "<file>.complete" sentinel. The poller only
// hands a file to its caller once the sentinel exists and two
// back-to-back reads of the file hash identically — the double-read
// check catches the case where the sentinel landed but an NFS client
// on this host is still serving a stale cached page for the data
// file itself.
//
// Watching uses the fsnotify directory-watch-plus-polling-fallback
// idiom (falls back to polling when fsnotify can't be set up, e.g.
// because the mount doesn't support inotify); the double-read
// staleness check uses blainsmith.com/go/seahash, a fast
// non-cryptographic hash, since it runs on every sentinel.
package filepoller

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"blainsmith.com/go/seahash"
	baseerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/fsnotify/fsnotify"
)

// TransientIOError marks an I/O failure the caller should retry
// rather than treat as fatal: NFS hiccups, ENOENT races between
// sentinel-create and data-file-open, and so on.
type TransientIOError struct {
	Path string
	Err  error
}

func (e *TransientIOError) Error() string {
	return "filepoller: transient I/O error reading " + e.Path + ": " + e.Err.Error()
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Options configures a Poller's staleness tolerance.
type Options struct {
	// SentinelSuffix marks a data file as fully written, e.g. ".complete".
	SentinelSuffix string
	// MaxStaleRetries bounds how many double-read mismatches (or
	// transient I/O errors) a single file gets before the poller logs
	// the TransientIOError and skips the file for now; the file is not
	// marked seen, so a later scan tries it again.
	MaxStaleRetries int
	// RetryDelay is the backoff between stale-read retries.
	RetryDelay time.Duration
	// PollInterval is used when fsnotify can't watch Dir (e.g. certain
	// NFS mounts don't deliver inotify events) and the poller falls
	// back to directory listing.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SentinelSuffix == "" {
		o.SentinelSuffix = ".complete"
	}
	if o.MaxStaleRetries <= 0 {
		o.MaxStaleRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	return o
}

// Poller watches Dir for sentinel files and reports the matching data
// file once it reads stably.
type Poller struct {
	Dir     string
	Options Options

	seen map[string]bool
}

// New builds a Poller over dir with opts (zero-valued fields take
// their defaults).
func New(dir string, opts Options) *Poller {
	return &Poller{Dir: dir, Options: opts.withDefaults(), seen: map[string]bool{}}
}

// ReadyFile pairs a stably-read data file with its bytes.
type ReadyFile struct {
	Path string
	Data []byte
}

// Watch blocks, invoking onReady once for every data file whose
// sentinel appears (including ones already present when Watch
// starts), until ctx is cancelled or onReady returns a non-transient
// error. A *TransientIOError returned from onReady is logged and
// treated as "try this file again later" rather than aborting the
// whole watch.
func (p *Poller) Watch(ctx context.Context, onReady func(ctx context.Context, f ReadyFile) error) error {
	if err := p.drainExisting(ctx, onReady); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error.Printf("filepoller: fsnotify unavailable (%v), falling back to polling %s every %s", err, p.Dir, p.Options.PollInterval)
		return p.pollLoop(ctx, onReady)
	}
	defer watcher.Close()
	if err := watcher.Add(p.Dir); err != nil {
		log.Error.Printf("filepoller: failed to watch %s (%v), falling back to polling", p.Dir, err)
		return p.pollLoop(ctx, onReady)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.maybeHandle(ctx, ev.Name, onReady); err != nil {
				return err
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error.Printf("filepoller: watcher error on %s: %v", p.Dir, werr)
		}
	}
}

func (p *Poller) pollLoop(ctx context.Context, onReady func(ctx context.Context, f ReadyFile) error) error {
	ticker := time.NewTicker(p.Options.PollInterval)
	defer ticker.Stop()
	for {
		if err := p.drainExisting(ctx, onReady); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) drainExisting(ctx context.Context, onReady func(ctx context.Context, f ReadyFile) error) error {
	entries, err := ioutil.ReadDir(p.Dir)
	if err != nil {
		return baseerrors.E(err, "filepoller: list", p.Dir)
	}
	for _, ent := range entries {
		if err := p.maybeHandle(ctx, filepath.Join(p.Dir, ent.Name()), onReady); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) maybeHandle(ctx context.Context, path string, onReady func(ctx context.Context, f ReadyFile) error) error {
	if filepath.Ext(path) != p.Options.SentinelSuffix {
		return nil
	}
	dataPath := path[:len(path)-len(p.Options.SentinelSuffix)]
	if p.seen[dataPath] {
		return nil
	}

	data, err := p.readStable(ctx, dataPath)
	if err != nil {
		if terr, ok := err.(*TransientIOError); ok {
			log.Error.Printf("filepoller: giving up on %s after repeated transient errors: %v", dataPath, terr)
			return nil
		}
		return err
	}
	p.seen[dataPath] = true
	if err := onReady(ctx, ReadyFile{Path: dataPath, Data: data}); err != nil {
		if terr, ok := err.(*TransientIOError); ok {
			log.Error.Printf("filepoller: transient error handling %s, will retry: %v", dataPath, terr)
			delete(p.seen, dataPath)
			return nil
		}
		return err
	}
	return nil
}

// readStable reads path twice, comparing seahash digests, retrying
// with backoff until they agree or MaxStaleRetries is exhausted.
func (p *Poller) readStable(ctx context.Context, path string) ([]byte, error) {
	var last []byte
	var lastSum uint64
	for attempt := 0; attempt <= p.Options.MaxStaleRetries; attempt++ {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if attempt == p.Options.MaxStaleRetries {
				return nil, &TransientIOError{Path: path, Err: err}
			}
			if !sleepOrDone(ctx, p.Options.RetryDelay) {
				return nil, ctx.Err()
			}
			continue
		}
		sum := seahash.Sum64(data)
		if attempt > 0 && sum == lastSum {
			return data, nil
		}
		last, lastSum = data, sum
		if !sleepOrDone(ctx, p.Options.RetryDelay) {
			return nil, ctx.Err()
		}
	}
	return last, &TransientIOError{Path: path, Err: os.ErrInvalid}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
