package verify

import (
	"archive/zip"
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateArchive opens an AT program archive and returns the entry names of
// recognizable program files inside it. It fails on an unreadable archive,
// an empty archive, or an archive containing no recognizable program files.
// Entry names are returned un-normalized; callers feed them into Evaluate.
func ValidateArchive(path string, programExts []string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = r.Close() }()

	if len(r.File) == 0 {
		return nil, fmt.Errorf("archive %s is empty", filepath.Base(path))
	}

	entries := make([]string, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if len(programExts) == 0 || hasExt(f.Name, programExts) {
			entries = append(entries, f.Name)
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("archive %s contains no recognizable program files", filepath.Base(path))
	}
	return entries, nil
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
