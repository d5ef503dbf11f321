package profile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/metrics"
)

// StoreError reports a failed persistence operation. Profile is the
// caller's profile, untouched, so the operation can be retried.
type StoreError struct {
	Op      string
	Profile *Profile
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Profile.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store persists profiles as one directory per profile, named by the
// profile id, each holding a single record file.
//
//	<root>/<id>/profile.yaml
//
// Store does no locking of its own; callers serialize structural changes.
type Store struct {
	root string
	log  common.Logger
}

// NewStore creates a store rooted at root. The root is created lazily by
// the first Save.
func NewStore(root string, log common.Logger) *Store {
	if log == nil {
		log = common.GetLogger()
	}
	return &Store{root: root, log: log}
}

// Root returns the storage root.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the storage directory of p.
func (s *Store) Dir(p *Profile) string {
	return filepath.Join(s.root, p.ID)
}

func (s *Store) recordPath(dir string) string {
	return filepath.Join(dir, common.ProfileRecordFileName)
}

// Save creates the profile directory if needed and (over)writes its record.
// The record is replaced atomically so a crash never leaves a torn file.
func (s *Store) Save(p *Profile) error {
	if err := p.Validate(); err != nil {
		return &StoreError{Op: "save", Profile: p, Err: err}
	}

	data, err := Encode(p)
	if err != nil {
		return &StoreError{Op: "save", Profile: p, Err: err}
	}

	dir := s.Dir(p)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &StoreError{Op: "save", Profile: p, Err: err}
	}

	if err := writeFileAtomic(s.recordPath(dir), data); err != nil {
		return &StoreError{Op: "save", Profile: p, Err: err}
	}

	s.log.Debug("Store: saved profile %s (%s)", p.ID, p.Name)
	return nil
}

// LoadAll reads every profile under the root in lexicographic directory
// order. Unreadable, unparsable and id-inconsistent entries are logged and
// skipped; only a failure to list the root itself is returned.
func (s *Store) LoadAll() ([]*Profile, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list profiles directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	profiles := make([]*Profile, 0, len(names))
	for _, name := range names {
		p, err := s.load(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.log.Warn("Store: skipping profile directory %s: %v", name, err)
			metrics.StoreLoadSkipped.Inc()
			continue
		}
		profiles = append(profiles, p)
	}

	s.log.Info("Store: loaded %d profiles from %s", len(profiles), s.root)
	return profiles, nil
}

func (s *Store) load(dirName string) (*Profile, error) {
	data, err := os.ReadFile(s.recordPath(filepath.Join(s.root, dirName)))
	if err != nil {
		return nil, err
	}

	p, err := Decode(data)
	if err != nil {
		return nil, err
	}

	if p.ID != dirName {
		return nil, fmt.Errorf("%w: directory %q, record %q", common.ErrIDMismatch, dirName, p.ID)
	}
	return p, nil
}

// WriteFile stores an auxiliary file, such as an imported VPN
// configuration, in p's directory. name must be a plain file name.
func (s *Store) WriteFile(p *Profile, name string, data []byte) error {
	if !common.IsSafePathElement(p.ID) || !common.IsSafePathElement(name) || name == common.ProfileRecordFileName {
		return &StoreError{Op: "write", Profile: p, Err: fmt.Errorf("%w: bad file name %q", common.ErrInvalidProfile, name)}
	}

	dir := s.Dir(p)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &StoreError{Op: "write", Profile: p, Err: err}
	}
	if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
		return &StoreError{Op: "write", Profile: p, Err: err}
	}
	return nil
}

// Remove deletes the profile directory. It is best-effort: failures are
// logged because the directory may already be partially gone.
func (s *Store) Remove(p *Profile) {
	if !common.IsSafePathElement(p.ID) {
		s.log.Error("Store: refusing to remove profile with invalid id %q", p.ID)
		return
	}
	if err := os.RemoveAll(s.Dir(p)); err != nil {
		s.log.Warn("Store: failed to remove profile %s: %v", p.ID, err)
		return
	}
	s.log.Debug("Store: removed profile %s", p.ID)
}

// Replace persists p in place of old. When the two live in different
// directories, every file of old is copied first and old is deleted only
// after the copy and the new record are both on disk. On failure the old
// directory is untouched and a partially created new directory is removed.
func (s *Store) Replace(old, p *Profile) error {
	if err := p.Validate(); err != nil {
		return &StoreError{Op: "replace", Profile: p, Err: err}
	}

	oldDir, newDir := s.Dir(old), s.Dir(p)
	moved := oldDir != newDir

	createdNew := false
	if moved {
		if _, err := os.Stat(newDir); errors.Is(err, fs.ErrNotExist) {
			createdNew = true
		}
		if err := copyDir(oldDir, newDir); err != nil {
			if createdNew {
				os.RemoveAll(newDir)
			}
			return &StoreError{Op: "replace", Profile: p, Err: err}
		}
	}

	if err := s.Save(p); err != nil {
		if createdNew {
			os.RemoveAll(newDir)
		}
		return &StoreError{Op: "replace", Profile: p, Err: errors.Unwrap(err)}
	}

	if moved {
		s.Remove(old)
		s.log.Info("Store: moved profile %s to %s", old.ID, p.ID)
	}
	return nil
}

// writeFileAtomic writes data to a temp file beside path and renames it over
// path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// copyDir copies the tree at src into dst. A missing src copies nothing.
func copyDir(src, dst string) error {
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dst, 0700)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0700)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

// copyFile copies a file from src to dst with secure permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to write destination file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
