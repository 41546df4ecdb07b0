package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"inkslot/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService(t *testing.T) {
	tempDir := t.TempDir()
	storagePath := filepath.Join(tempDir, "backups")

	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(tempDir, "source.db"), &logger)
	require.NoError(t, err)
	defer db.Close()
	createTestSlot(t, db, 0, 1)

	cfg := config.BackupConfig{
		Enabled:       true,
		StoragePath:   storagePath,
		RetentionDays: 1,
	}
	s := NewBackupService(db, cfg, &logger)

	t.Run("PerformBackup", func(t *testing.T) {
		path, err := s.PerformBackup(context.Background())
		require.NoError(t, err)
		assert.FileExists(t, path)

		// the snapshot is a usable database
		snapshot, err := NewDB(path, &logger)
		require.NoError(t, err)
		defer snapshot.Close()
		slot, err := snapshot.GetSlot(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, 1, slot.MaxBookings)
	})

	t.Run("CleanupOldBackups", func(t *testing.T) {
		oldFile := filepath.Join(storagePath, "backup_old.db")
		require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))

		oldTime := time.Now().AddDate(0, 0, -2)
		require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

		assert.Equal(t, 1, s.CleanupOldBackups())

		files, err := os.ReadDir(storagePath)
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.True(t, strings.HasPrefix(files[0].Name(), "backup_2"))
	})
}

func TestBackupService_Disabled(t *testing.T) {
	logger := zerolog.Nop()
	db := setupTestDB(t)
	dir := filepath.Join(t.TempDir(), "never")
	s := NewBackupService(db, config.BackupConfig{Enabled: false, StoragePath: dir}, &logger)

	require.NoError(t, s.Run(context.Background()))
	assert.NoDirExists(t, dir)
}
