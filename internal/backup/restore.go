package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/HerbHall/carbonsight/internal/store"
)

// maxEntrySize caps each extracted file to guard against decompression bombs.
const maxEntrySize = 10 << 30

// Restore extracts archivePath into targetDir. Existing files are only
// replaced when force is set. Every restored database must pass an integrity
// check.
func Restore(ctx context.Context, archivePath, targetDir string, force bool) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("decompressing archive: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}

	var restoredDBs []string
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("path traversal detected: %q", hdr.Name)
		}
		if err != nil {
			return fmt.Errorf("reading archive entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		dest, err := entryPath(targetDir, hdr.Name)
		if err != nil {
			return err
		}
		if !force {
			if _, err := os.Stat(dest); err == nil {
				return fmt.Errorf("file already exists (use -force to overwrite): %s", dest)
			}
		}
		if err := extract(tr, dest); err != nil {
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
		if strings.HasSuffix(hdr.Name, ".db") {
			restoredDBs = append(restoredDBs, dest)
		}
	}

	if len(restoredDBs) == 0 {
		return errors.New("invalid backup: archive does not contain a .db file")
	}
	for _, path := range restoredDBs {
		if err := verify(ctx, path); err != nil {
			return fmt.Errorf("restored %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// entryPath resolves an archive entry name inside targetDir, rejecting names
// that would land outside it.
func entryPath(targetDir, name string) (string, error) {
	if filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("path traversal detected: %q", name)
	}
	return filepath.Join(targetDir, filepath.Clean(name)), nil
}

// extract streams one entry into a sibling temp file and renames it over dest.
func extract(r io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".restore-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, io.LimitReader(r, maxEntrySize)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func verify(ctx context.Context, path string) error {
	db, err := store.New(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.IntegrityCheck(ctx)
}
