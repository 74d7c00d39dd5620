// Package scanner walks a workspace directory tree and reconciles what it
// finds against a persistent inventory, classifying every path as
// UPDATE, DELETE, or left alone (NONE).
package scanner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/sea5kg-go/bo/internal/inventory"
)

const excludedDirName = ".git"

// Rescan walks workspace and mutates inv in place to reflect the current
// filesystem state, per spec 4.2.
func Rescan(workspace string, inv *inventory.Inventory) error {
	seen := make(map[string]bool)

	err := filepath.Walk(workspace, func(fullPath string, fi os.FileInfo, err error) error {
		if err != nil {
			// A file vanishing mid-walk is a race, not fatal; skip it.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.IsDir() {
			if fi.Name() == excludedDirName {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(workspace, fullPath)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if strings.HasPrefix(relPath, excludedDirName+"/") {
			return nil
		}

		resolved, statErr := os.Stat(fullPath)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				// Broken symlink: skip rather than track.
				return nil
			}
			return statErr
		}
		if !resolved.Mode().IsRegular() {
			return nil
		}

		seen[relPath] = true

		entry := inv.Get(relPath)
		if entry == nil {
			if err := inv.Add(relPath, fullPath); err != nil {
				return err
			}
			return nil
		}

		mtime := float64(resolved.ModTime().UnixNano()) / 1e9
		if mtime != entry.LastModify {
			md5Hex, size, err := hashFileForUpdate(fullPath)
			if err != nil {
				return err
			}
			inv.Update(relPath, inventory.Fields{
				RequiredSync:        syncPtr(inventory.SyncUpdate),
				MD5:                 &md5Hex,
				Size:                &size,
				LastModify:          &mtime,
				LastModifyFormatted: formattedPtr(mtime),
			})
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "scan workspace")
	}

	for path := range inv.AllEntries() {
		if !seen[path] {
			inv.Update(path, inventory.Fields{RequiredSync: syncPtr(inventory.SyncDelete)})
		}
	}
	return nil
}

func syncPtr(s inventory.RequiredSync) *inventory.RequiredSync {
	return &s
}

func formattedPtr(mtime float64) *string {
	s := formatModTime(mtime)
	return &s
}
