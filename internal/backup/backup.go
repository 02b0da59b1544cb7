// Package backup archives and restores the CarbonSight database and its
// configuration file as a gzipped tarball.
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
	"time"

	"github.com/HerbHall/carbonsight/internal/store"
)

// Backup snapshots the database at dbPath and writes it, plus the config file
// at configPath when non-empty, to a new archive at archivePath.
func Backup(ctx context.Context, dbPath, configPath, archivePath string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database file not found: %w", err)
	}

	db, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	tmpDir, err := os.MkdirTemp("", "carbonsight-backup-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, filepath.Base(dbPath))
	if err := db.Snapshot(ctx, snapshot); err != nil {
		return err
	}

	files := []string{snapshot}
	if configPath != "" {
		files = append(files, configPath)
	}
	return writeArchive(archivePath, files)
}

// writeArchive stores each file flat under its base name. The archive is
// written beside archivePath and renamed into place once complete.
func writeArchive(archivePath string, files []string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".backup-*.tar.gz")
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	gw := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gw)
	for _, path := range files {
		if err := addFile(tw, path); err != nil {
			return fmt.Errorf("adding %s: %w", filepath.Base(path), err)
		}
	}
	if err := errors.Join(tw.Close(), gw.Close(), tmp.Close()); err != nil {
		return fmt.Errorf("finishing archive: %w", err)
	}
	return os.Rename(tmp.Name(), archivePath)
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     filepath.Base(path),
		Size:     info.Size(),
		Mode:     0o600,
		ModTime:  info.ModTime().UTC().Truncate(time.Second),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
