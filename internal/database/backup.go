package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inkslot/internal/config"

	"github.com/rs/zerolog"
)

// BackupService snapshots the SQLite file and prunes old snapshots.
// Scheduling is left to the caller.
type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger *zerolog.Logger
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	l := logger.With().Str("component", "backup").Logger()
	return &BackupService{
		db:     db,
		config: cfg,
		logger: &l,
	}
}

// Run performs one backup followed by retention cleanup.
func (s *BackupService) Run(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	path, err := s.PerformBackup(ctx)
	if err != nil {
		return err
	}
	removed := s.CleanupOldBackups()
	s.logger.Info().Str("path", path).Int("removed", removed).Msg("backup completed")
	return nil
}

// PerformBackup writes a consistent copy of the database and returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102_150405")
	backupPath := filepath.Join(s.config.StoragePath, fmt.Sprintf("backup_%s.db", timestamp))

	// VACUUM INTO is safe while the database is in use
	escaped := strings.ReplaceAll(backupPath, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		s.logger.Warn().Err(err).Msg("VACUUM INTO failed, falling back to file copy")
		// страницы из -wal должны попасть в основной файл до копирования
		if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn().Err(err).Msg("wal checkpoint failed")
		}
		if err := s.copyFile(backupPath); err != nil {
			return "", err
		}
	}
	return backupPath, nil
}

func (s *BackupService) copyFile(backupPath string) error {
	if s.db.Path() == "" || s.db.Path() == ":memory:" {
		return fmt.Errorf("in-memory database cannot be copied")
	}
	source, err := os.Open(s.db.Path())
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	defer destination.Close()

	_, err = io.Copy(destination, source)
	return err
}

// CleanupOldBackups removes snapshots older than the retention window.
func (s *BackupService) CleanupOldBackups() int {
	if s.config.RetentionDays <= 0 {
		return 0
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)
	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "backup_") {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.config.StoragePath, file.Name())); err != nil {
				s.logger.Warn().Err(err).Str("file", file.Name()).Msg("failed to delete old backup")
				continue
			}
			removed++
		}
	}
	return removed
}
