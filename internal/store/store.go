// Package store implements the C1 state store from spec.md §4.1: a
// rooted directory tree that is the single source of truth for machine
// state between cycles and across peer managers.
//
//	<root>/spaces/<space>/current/<machine>/<key>
//	<root>/spaces/<space>/deleted/<machine>/<key>
//	<root>/spaces/<space>/tmp/<random>            (rename staging area)
//	<root>/shared/last_abort_times/<space>/<machinetype>
//	<root>/shared/spaces/<space>/heartbeatlists/<machinetype>
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	vcerrors "github.com/iris-ac-uk/iris-vcycle/internal/shared/errors"
	"github.com/iris-ac-uk/iris-vcycle/internal/shared/uuidutil"
)

// Default file modes per spec.md §4.1: owner rw + group r, except MJF
// files which are world-readable.
const (
	ModePrivate = 0640
	ModeMJF     = 0644
)

// Store is a handle onto one root directory tree.
type Store struct {
	root string
}

// New returns a Store rooted at root. It does not create root; callers
// typically call EnsureLayout once at startup.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// EnsureLayout creates the top-level directories the store expects to
// exist. A failure here is Fatal: the daemon cannot run without a
// writable state root.
func (s *Store) EnsureLayout() error {
	dirs := []string{
		filepath.Join(s.root, "shared", "last_abort_times"),
		filepath.Join(s.root, "shared", "spaces"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0750); err != nil {
			return vcerrors.NewFatal("failed to create state store layout", err)
		}
	}
	return nil
}

// spaceCurrentDir is <root>/spaces/<space>/current
func (s *Store) spaceCurrentDir(space string) string {
	return filepath.Join(s.root, "spaces", space, "current")
}

// spaceDeletedDir is <root>/spaces/<space>/deleted
func (s *Store) spaceDeletedDir(space string) string {
	return filepath.Join(s.root, "spaces", space, "deleted")
}

func (s *Store) spaceTmpDir(space string) string {
	return filepath.Join(s.root, "spaces", space, "tmp")
}

// MachineDir returns the on-disk directory for machine in space, under
// current/. It does not guarantee the directory exists.
func (s *Store) MachineDir(space, machine string) string {
	return filepath.Join(s.spaceCurrentDir(space), machine)
}

// ListMachines returns the set of machine names with a directory under
// <space>/current. Missing directories are treated as an empty space
// rather than an error, matching spec.md's "swallow read errors" rule.
func (s *Store) ListMachines(space string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(s.spaceCurrentDir(space))
	if os.IsNotExist(err) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, vcerrors.NewTransient("failed to list machines", err)
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out[e.Name()] = struct{}{}
		}
	}
	return out, nil
}

// Get reads key for machine in space. Read failures (missing file,
// missing directory) return ("", nil) per spec.md's "operations swallow
// read errors (returning null)" rule — only writes propagate errors.
func (s *Store) Get(space, machine, key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.MachineDir(space, machine), key))
	if err != nil {
		return "", nil
	}
	return string(data), nil
}

// GetInt64 is Get parsed as a base-10 epoch-seconds integer. It returns
// (nil, nil) if the file is absent or unparsable, matching spec.md's
// swallow-read-errors rule for the timestamp fields.
func (s *Store) GetInt64(space, machine, key string) (*int64, error) {
	raw, _ := s.Get(space, machine, key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, nil
	}
	return &v, nil
}

// Put atomically writes contents to key for machine in space: write to a
// temp file in a sibling tmp/ directory, then rename into place, per
// spec.md §9 ("must use rename(2) semantics"). Write failures are
// propagated to the caller as Transient — a retry next cycle is safe
// since Put is idempotent.
func (s *Store) Put(space, machine, key string, contents []byte, mode os.FileMode) error {
	destPath := filepath.Join(s.MachineDir(space, machine), key)
	return s.writeAtomic(destPath, s.spaceTmpDir(space), contents, mode, fmt.Sprintf("%s/%s", machine, key))
}

// PutPath atomically writes contents to an arbitrary absolute destPath,
// staging the write in <root>/shared/tmp. This backs the shared,
// cross-space state the store also owns (last_abort_times,
// heartbeatlists), which live outside any one space's current/ tree.
func (s *Store) PutPath(destPath string, contents []byte, mode os.FileMode) error {
	return s.writeAtomic(destPath, filepath.Join(s.root, "shared", "tmp"), contents, mode, destPath)
}

// PutPathInt64 is PutPath for an epoch-seconds integer.
func (s *Store) PutPathInt64(destPath string, value int64) error {
	return s.PutPath(destPath, []byte(strconv.FormatInt(value, 10)), ModePrivate)
}

// GetPath reads destPath as a plain string, returning ("", nil) if the
// file is absent (same swallow-read-errors rule as Get).
func (s *Store) GetPath(destPath string) (string, error) {
	data, err := os.ReadFile(destPath)
	if err != nil {
		return "", nil
	}
	return string(data), nil
}

// GetPathInt64 reads destPath as a base-10 integer, returning (nil, nil)
// if the file is absent or unparsable (same swallow-read-errors rule as
// GetInt64).
func (s *Store) GetPathInt64(destPath string) (*int64, error) {
	data, err := os.ReadFile(destPath)
	if err != nil {
		return nil, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil, nil
	}
	return &v, nil
}

// GetFileModTime returns key's modification time for machine in space as
// epoch seconds, or nil if the file is absent — used for fields a job
// stamps just by touching/writing a file (heartbeat_file,
// joboutputs/shutdown_message), matching the original's `os.stat(...).st_ctime`
// reads.
func (s *Store) GetFileModTime(space, machine, key string) (*int64, error) {
	info, err := os.Stat(filepath.Join(s.MachineDir(space, machine), key))
	if err != nil {
		return nil, nil
	}
	t := info.ModTime().Unix()
	return &t, nil
}

func (s *Store) writeAtomic(destPath, tmpDir string, contents []byte, mode os.FileMode, label string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return vcerrors.NewTransient(fmt.Sprintf("failed to create directory for %s", label), err)
	}
	if err := os.MkdirAll(tmpDir, 0750); err != nil {
		return vcerrors.NewTransient("failed to create tmp staging directory", err)
	}

	tmpPath := filepath.Join(tmpDir, uuidutil.New())
	if err := os.WriteFile(tmpPath, contents, mode); err != nil {
		return vcerrors.NewTransient(fmt.Sprintf("failed to stage write for %s", label), err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return vcerrors.NewTransient(fmt.Sprintf("failed to commit write for %s", label), err)
	}
	return nil
}

// PutString is Put for a plain string payload at the default private mode.
func (s *Store) PutString(space, machine, key, contents string) error {
	return s.Put(space, machine, key, []byte(contents), ModePrivate)
}

// PutInt64 is Put for an epoch-seconds integer, ASCII-encoded as spec.md
// §4.1 requires for created/updated/stopped/deleted/started.
func (s *Store) PutInt64(space, machine, key string, value int64) error {
	return s.PutString(space, machine, key, strconv.FormatInt(value, 10))
}

// MoveToDeleted renames a machine's directory tree from current/ into
// deleted/, for later cleanup by PurgeDeleted. It is a no-op (not an
// error) if the source directory is already gone.
func (s *Store) MoveToDeleted(space, machine string) error {
	src := s.MachineDir(space, machine)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	dst := filepath.Join(s.spaceDeletedDir(space), machine)
	if err := os.MkdirAll(s.spaceDeletedDir(space), 0750); err != nil {
		return vcerrors.NewTransient("failed to create deleted directory", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return vcerrors.NewTransient(fmt.Sprintf("failed to move %s to deleted", machine), err)
	}
	return nil
}

// PurgeDeleted removes deleted/<machine> directory trees whose
// modification time is older than olderThan.
func (s *Store) PurgeDeleted(space string, olderThan time.Duration) error {
	dir := s.spaceDeletedDir(space)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return vcerrors.NewTransient("failed to list deleted machines", err)
	}

	cutoff := time.Now().Add(-olderThan)
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.RemoveAll(path)
		}
	}
	return nil
}

// LastAbortTimePath is <root>/shared/last_abort_times/<space>/<machinetype>.
func (s *Store) LastAbortTimePath(space, machinetype string) string {
	return filepath.Join(s.root, "shared", "last_abort_times", space, machinetype)
}

// HeartbeatListPath is <root>/shared/spaces/<space>/heartbeatlists/<machinetype>.
func (s *Store) HeartbeatListPath(space, machinetype string) string {
	return filepath.Join(s.root, "shared", "spaces", space, "heartbeatlists", machinetype)
}
