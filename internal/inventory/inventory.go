// Package inventory maintains the persistent per-workspace file metadata
// index: the mapping from workspace-relative path to FileEntry, and the
// pending subset of it that gets sent to the server at the start of a sync.
package inventory

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RequiredSync is the pending intent toward the remote for one entry.
type RequiredSync string

const (
	SyncNone   RequiredSync = "NONE"
	SyncUpdate RequiredSync = "UPDATE"
	SyncDelete RequiredSync = "DELETE"
)

// minReadBufSize is the floor for streaming md5 computation (spec: "buffered
// chunks (>= 64 KiB)").
const minReadBufSize = 64 * 1024

// FileEntry is one tracked relative path in a workspace.
type FileEntry struct {
	MD5                 string       `yaml:"md5"`
	Size                int64        `yaml:"size"`
	LastModify           float64      `yaml:"last_modify"`
	LastModifyFormatted string       `yaml:"last_modify_formatted"`
	RequiredSync         RequiredSync `yaml:"required_sync"`
	Version              int          `yaml:"version"`
}

// Fields is a partial update applied via Update; zero-valued fields that
// were not explicitly set are left as "no change" by using pointers.
type Fields struct {
	MD5                  *string
	Size                 *int64
	LastModify           *float64
	LastModifyFormatted  *string
	RequiredSync         *RequiredSync
}

// Inventory is the full mapping of relative path -> FileEntry, plus a
// derived set of paths whose entries are pending (required_sync != NONE).
type Inventory struct {
	path    string
	entries map[string]*FileEntry
	pending map[string]bool
}

// New returns an empty inventory bound to path (used by Save).
func New(path string) *Inventory {
	return &Inventory{path: path, entries: make(map[string]*FileEntry), pending: make(map[string]bool)}
}

// Load reads the full inventory from path. An absent file yields an empty
// inventory; a malformed file is a fatal ConfigError per spec 4.1.
func Load(path string) (*Inventory, error) {
	inv := New(path)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return inv, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load inventory")
	}
	raw := make(map[string]*FileEntry)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "malformed inventory file")
	}
	for p, e := range raw {
		inv.entries[p] = e
		if e.RequiredSync != SyncNone {
			inv.pending[p] = true
		}
	}
	return inv, nil
}

func pendingPath(fullPath string) string {
	if strings.HasSuffix(fullPath, ".yml") {
		return strings.TrimSuffix(fullPath, ".yml") + "_to_update.yml"
	}
	return fullPath + "_to_update.yml"
}

// Save writes both persisted views: the full inventory to i.path, and the
// pending subset to the sibling _to_update.yml file. Both are written via
// temp-file-and-rename so a crash mid-write cannot corrupt the prior file
// (per the Design Note recommending atomic save over the source's
// lockstep dual-write).
func (i *Inventory) Save() error {
	if err := atomicWriteYAML(i.path, i.entries); err != nil {
		return errors.Wrap(err, "save full inventory")
	}
	pend := make(map[string]*FileEntry, len(i.pending))
	for p := range i.pending {
		pend[p] = i.entries[p]
	}
	if err := atomicWriteYAML(pendingPath(i.path), pend); err != nil {
		return errors.Wrap(err, "save pending inventory")
	}
	return nil
}

func atomicWriteYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".inventory-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Has reports whether path is tracked.
func (i *Inventory) Has(path string) bool {
	_, ok := i.entries[path]
	return ok
}

// Get returns the entry for path, or nil if untracked.
func (i *Inventory) Get(path string) *FileEntry {
	return i.entries[path]
}

// AllEntries returns every tracked path and its entry.
func (i *Inventory) AllEntries() map[string]*FileEntry {
	return i.entries
}

// PendingEntries returns only the entries whose required_sync != NONE.
func (i *Inventory) PendingEntries() map[string]*FileEntry {
	out := make(map[string]*FileEntry, len(i.pending))
	for p := range i.pending {
		out[p] = i.entries[p]
	}
	return out
}

// Add inserts a brand-new entry for path, computing md5/size/mtime from
// absFilePath. required_sync starts as UPDATE, version as 1.
func (i *Inventory) Add(path, absFilePath string) error {
	md5Hex, size, err := hashFile(absFilePath)
	if err != nil {
		return errors.Wrapf(err, "add %s", path)
	}
	fi, err := os.Stat(absFilePath)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	mtime := statModTime(fi)
	entry := &FileEntry{
		MD5:                  md5Hex,
		Size:                 size,
		LastModify:           mtime,
		LastModifyFormatted:  formatModTime(mtime),
		RequiredSync:         SyncUpdate,
		Version:              1,
	}
	i.entries[path] = entry
	i.pending[path] = true
	return nil
}

// Update merges fields into the existing (or newly zero-valued) entry for
// path, bumps version, and maintains pending-set membership.
func (i *Inventory) Update(path string, fields Fields) {
	entry, ok := i.entries[path]
	if !ok {
		entry = &FileEntry{Version: 0}
		i.entries[path] = entry
	}
	if fields.MD5 != nil {
		entry.MD5 = *fields.MD5
	}
	if fields.Size != nil {
		entry.Size = *fields.Size
	}
	if fields.LastModify != nil {
		entry.LastModify = *fields.LastModify
	}
	if fields.LastModifyFormatted != nil {
		entry.LastModifyFormatted = *fields.LastModifyFormatted
	}
	if fields.RequiredSync != nil {
		entry.RequiredSync = *fields.RequiredSync
	}
	entry.Version++

	if entry.RequiredSync == SyncNone {
		delete(i.pending, path)
	} else {
		i.pending[path] = true
	}
}

// Remove deletes path from both the full and pending views.
func (i *Inventory) Remove(path string) {
	delete(i.entries, path)
	delete(i.pending, path)
}

func statModTime(fi os.FileInfo) float64 {
	mt := fi.ModTime()
	return float64(mt.UnixNano()) / float64(time.Second)
}

func formatModTime(epochSeconds float64) string {
	sec := int64(epochSeconds)
	nsec := int64((epochSeconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC().Format("2006-01-02 15:04:05")
}

func hashFile(absPath string) (md5Hex string, size int64, err error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	buf := make([]byte, minReadBufSize)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}

// CachePath deterministically derives the inventory file path for a
// (workdir, target dir, host) tuple, matching the original's
// md5(workdir|target_dir|host) scheme.
func CachePath(baseDir, workdir, targetDir, host string) string {
	sum := md5.Sum([]byte(workdir + "|" + targetDir + "|" + host))
	return filepath.Join(baseDir, fmt.Sprintf("%x.yml", sum))
}
