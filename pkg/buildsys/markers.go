package buildsys

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/karrick/godirwalk"
	"golang.org/x/xerrors"
)

// MarkerSuffix is appended to an artifact's relative path to form its
// marker file name. A marker records that the artifact was promoted by a
// prior build and has not been cleaned since.
const MarkerSuffix = ".buildsys_marker"

// EnsureMarkerDir computes the marker directory for a build target under
// the state root and creates it if absent. The call is idempotent.
func EnsureMarkerDir(kind BuildKind, name string, arch SupportedArch, stateDir string) (string, error) {
	dir := filepath.Join(stateDir, string(arch), kind.markerPrefix(), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", xerrors.Errorf("cannot create marker directory %s: %w", dir, err)
	}
	return dir, nil
}

// isMarkerEntry traverses all directories but yields only marker files.
func isMarkerEntry(path string, de *godirwalk.Dirent) bool {
	if de.IsDir() {
		return true
	}
	return de.IsRegular() && strings.HasSuffix(filepath.Base(path), MarkerSuffix)
}

// isArtifactEntry traverses all directories and yields symlinks and
// regular files that are not markers themselves.
func isArtifactEntry(path string, de *godirwalk.Dirent) bool {
	if de.IsDir() || de.IsSymlink() {
		return true
	}
	return de.IsRegular() && !strings.HasSuffix(filepath.Base(path), MarkerSuffix)
}

// findFiles walks dir and returns the files and symlinks accepted by the
// filter. Symbolic links are not followed, the walk does not cross device
// boundaries, and dir itself is excluded. Directories rejected by the
// filter are skipped entirely.
func findFiles(dir string, filter func(path string, de *godirwalk.Dirent) bool) ([]string, error) {
	rootDev, err := deviceOf(dir)
	if err != nil {
		return nil, err
	}

	var res []string
	err = godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted:            true,
		FollowSymbolicLinks: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == dir {
				return nil
			}
			if de.IsDir() {
				dev, err := deviceOf(path)
				if err != nil {
					return err
				}
				if dev != rootDev {
					return filepath.SkipDir
				}
			}
			if !filter(path, de) {
				if de.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !de.IsDir() {
				res = append(res, path)
			}
			return nil
		},
	})
	if err != nil {
		return nil, xerrors.Errorf("cannot walk %s: %w", dir, err)
	}
	return res, nil
}

func deviceOf(path string) (uint64, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0, xerrors.Errorf("cannot stat %s: %w", path, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, nil
	}
	return uint64(st.Dev), nil
}

// CleanOutputs removes every artifact a prior build promoted from the
// given output directories, based on the markers under markerDir. The
// markers themselves are removed too, so they do not accumulate across
// builds, and directories left empty by the cleanup are pruned.
func CleanOutputs(markerDir string, outputDirs []string) error {
	markers, err := findFiles(markerDir, isMarkerEntry)
	if err != nil {
		return err
	}

	cleanDirs := make(map[string]struct{})
	for _, marker := range markers {
		rel, err := filepath.Rel(markerDir, marker)
		if err != nil {
			return xerrors.Errorf("marker %s is not below %s: %w", marker, markerDir, err)
		}
		for _, outputDir := range outputDirs {
			output := strings.TrimSuffix(filepath.Join(outputDir, rel), MarkerSuffix)
			if err := removeTracked(output, outputDir, cleanDirs); err != nil {
				return err
			}
		}
		if err := removeTracked(marker, markerDir, cleanDirs); err != nil {
			return err
		}
	}

	// Sweep candidates deepest first so an empty child does not keep its
	// parent from being removed. A non-empty directory halts removal up
	// that branch on its own.
	dirs := make([]string, 0, len(cleanDirs))
	for dir := range cleanDirs {
		dirs = append(dirs, dir)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))

	for _, dir := range dirs {
		empty, err := isEmptyDir(dir)
		if err != nil {
			return err
		}
		if !empty {
			continue
		}
		if err := os.Remove(dir); err != nil {
			return xerrors.Errorf("cannot remove directory %s: %w", dir, err)
		}
	}
	return nil
}

// removeTracked deletes path if it exists and records its ancestors up to
// (but excluding) top as cleanup candidates.
func removeTracked(path, top string, cleanDirs map[string]struct{}) error {
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return xerrors.Errorf("cannot stat %s: %w", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return xerrors.Errorf("cannot remove %s: %w", path, err)
	}

	for parent := filepath.Dir(path); parent != top; parent = filepath.Dir(parent) {
		if _, ok := cleanDirs[parent]; ok {
			break
		}
		if parent == filepath.Dir(parent) {
			break
		}
		cleanDirs[parent] = struct{}{}
	}
	return nil
}

func isEmptyDir(path string) (bool, error) {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, xerrors.Errorf("cannot stat %s: %w", path, err)
	}
	if !fi.IsDir() {
		return false, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, xerrors.Errorf("cannot read directory %s: %w", path, err)
	}
	return len(entries) == 0, nil
}

// PromoteOutputs moves the artifacts a build produced under buildDir into
// outputDir. A marker is written before each move so that an interrupted
// promotion still leaves enough evidence for the next cleanup pass to
// converge.
func PromoteOutputs(buildDir, outputDir string) error {
	artifacts, err := findFiles(buildDir, isArtifactEntry)
	if err != nil {
		return err
	}

	for _, artifact := range artifacts {
		marker := artifact + MarkerSuffix
		f, err := os.Create(marker)
		if err != nil {
			return xerrors.Errorf("cannot create marker file %s: %w", marker, err)
		}
		if err := f.Close(); err != nil {
			return xerrors.Errorf("cannot create marker file %s: %w", marker, err)
		}

		rel, err := filepath.Rel(buildDir, artifact)
		if err != nil {
			return xerrors.Errorf("artifact %s is not below %s: %w", artifact, buildDir, err)
		}
		output := filepath.Join(outputDir, rel)
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return xerrors.Errorf("cannot create directory %s: %w", filepath.Dir(output), err)
		}
		if err := os.Rename(artifact, output); err != nil {
			return xerrors.Errorf("cannot move %s to %s: %w", artifact, output, err)
		}
	}
	return nil
}
