package scanner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/registry"
)

const (
	ReadyMarker     = ".ready"
	ProcessedMarker = ".processed"
	MetadataFile    = "metadata.json"
	ImagesDir       = "images"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// IsImage matches the recognized image extensions, case-insensitively.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// DefaultProcessingOptions are written into synthesized metadata.
func DefaultProcessingOptions() map[string]any {
	return map[string]any{
		"auto-boundary":         true,
		"dsm":                   true,
		"orthophoto-resolution": 5,
	}
}

// countImages counts regular files with a recognized extension directly
// inside dir. A missing directory is a validation error.
func countImages(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, errs.Validation("scanner.countImages", "%s does not exist", dir)
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() && IsImage(e.Name()) {
			n++
		}
	}
	if n == 0 {
		return 0, errs.Validation("scanner.countImages", "%s contains no recognized images", dir)
	}
	return n, nil
}

// ensureMetadata writes metadata.json when it is absent. An existing file
// is left untouched and reported as not written.
func ensureMetadata(unitDir, unitName string, imageCount int, now time.Time) (bool, error) {
	path := filepath.Join(unitDir, MetadataFile)
	if _, err := os.Lstat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	meta := registry.Metadata{
		ProjectName:       unitName,
		Description:       fmt.Sprintf("Imported from %s", unitDir),
		ProcessingOptions: DefaultProcessingOptions(),
		ImportedAt:        now.UTC().Format(time.RFC3339),
		ImageCount:        imageCount,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return false, err
	}
	if err := writeFileAtomic(path, raw); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// readMetadata loads metadata.json. Missing fields fall back to what the
// scan observed.
func readMetadata(unitDir, unitName string, imageCount int) (registry.Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(unitDir, MetadataFile))
	if err != nil {
		return registry.Metadata{}, err
	}
	var meta registry.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return registry.Metadata{}, errs.E(errs.KindValidation, "scanner.readMetadata", fmt.Errorf("%s: %w", MetadataFile, err))
	}
	if meta.ProjectName == "" {
		meta.ProjectName = unitName
	}
	if meta.ImageCount == 0 {
		meta.ImageCount = imageCount
	}
	return meta, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeMarker(unitDir, name string, now time.Time) error {
	return os.WriteFile(filepath.Join(unitDir, name), []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644)
}
