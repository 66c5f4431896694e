package backup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meilikeeper/meilikeeper/internal/config"
)

// archiveTimeFormat yields names that sort chronologically and differ for
// timestamps one second apart.
const archiveTimeFormat = "20060102_150405"

// ArchiveName returns the file name for an archive taken at the given time.
func ArchiveName(taken time.Time) string {
	return fmt.Sprintf("%s_%s.tar.gz", config.ServiceName, taken.UTC().Format(archiveTimeFormat))
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, config.ServiceName+"_") && strings.HasSuffix(name, ".tar.gz")
}

// writeArchive packs srcDir into a gzipped tarball at dst. The archive is
// assembled in a temp file next to dst and renamed into place, so a partial
// write never shows up under the archive name.
func writeArchive(dst, srcDir string) (err error) {
	if _, err := os.Stat(srcDir); err != nil {
		return fmt.Errorf("stat data directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = pack(tmp, srcDir); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("publish archive: %w", err)
	}
	return nil
}

func pack(w io.Writer, srcDir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		link := ""
		if entry.Type()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("build tar header: %w", err)
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("copy %q: %w", rel, err)
		}
		return nil
	})

	if err := tw.Close(); err != nil && walkErr == nil {
		walkErr = fmt.Errorf("finalize tar stream: %w", err)
	}
	if err := gz.Close(); err != nil && walkErr == nil {
		walkErr = fmt.Errorf("finalize gzip stream: %w", err)
	}
	return walkErr
}
