package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mantonx/videory/internal/database"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/mantonx/videory/internal/utils"
)

const (
	outputExt     = ".mp4"
	partialSuffix = ".partial" + outputExt
)

// OutputName is the deterministic output file name for a record encoded
// with the given settings: <name>.<hash[:8]>.<codec>.crf<crf>.<preset>.mp4
func OutputName(rec *database.VideoRecord, codec string, crf int, preset string) string {
	name := rec.DisplayName
	if strings.TrimSpace(name) == "" {
		name = utils.StemOf(rec.SourcePath)
	}
	return fmt.Sprintf("%s.%s.%s.crf%s.%s%s",
		utils.SanitizeFileName(name),
		utils.ShortHash(rec.ContentHash, 8),
		utils.SanitizeFileName(codec),
		strconv.Itoa(crf),
		utils.SanitizeFileName(preset),
		outputExt)
}

// versionedPath inserts .vN before the extension
func versionedPath(path string, version int) string {
	return fmt.Sprintf("%s.v%d%s", strings.TrimSuffix(path, outputExt), version, outputExt)
}

// partialPath is the hidden file an encode writes before the rename
func partialPath(output string) string {
	return filepath.Join(filepath.Dir(output), "."+utils.StemOf(output)+partialSuffix)
}

// resolveOutputPath picks where an encode goes. Without versions an
// existing file is an ErrOutputCollision and base is still returned. With
// versions the first free .vN name is used, giving up after maxAttempts
// names with ErrTooManyCollisions.
func resolveOutputPath(base string, allowVersions bool, maxAttempts int) (string, error) {
	exists, err := utils.FileExists(base)
	if err != nil {
		return "", verrors.FilesystemError("resolve_output", err).WithKey(base)
	}
	if !exists {
		return base, nil
	}
	if !allowVersions {
		return base, verrors.FilesystemError("resolve_output", verrors.ErrOutputCollision).WithKey(base)
	}

	for v := 2; v <= maxAttempts; v++ {
		candidate := versionedPath(base, v)
		exists, err := utils.FileExists(candidate)
		if err != nil {
			return "", verrors.FilesystemError("resolve_output", err).WithKey(candidate)
		}
		if !exists {
			return candidate, nil
		}
	}

	return "", verrors.FilesystemError("resolve_output",
		fmt.Errorf("%w: %d names taken", verrors.ErrTooManyCollisions, maxAttempts)).WithKey(base)
}

// removeStrayPartials deletes partial outputs left by an interrupted run
func removeStrayPartials(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, ".*"+partialSuffix))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			removed++
		}
	}
	return removed, nil
}
