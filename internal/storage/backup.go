package storage

import (
	"context"
	"fmt"
	"time"
)

// BackupLayout is the timestamp suffix of backup table names.
const BackupLayout = "20060102150405"

// BackupName returns {table}_backup_{YYYYMMDDHHMMSS}.
func BackupName(table string, now time.Time) string {
	return table + "_backup_" + now.Format(BackupLayout)
}

// maxBackupSuffix bounds the collision search.
const maxBackupSuffix = 1000

// FreeBackupName returns BackupName(table, now), or that name with the
// first free numeric suffix (_1, _2, ...) when it is already taken.
func FreeBackupName(ctx context.Context, table string, now time.Time, exists func(context.Context, string) (bool, error)) (string, error) {
	base := BackupName(table, now)
	name := base
	for i := 1; i <= maxBackupSuffix; i++ {
		taken, err := exists(ctx, name)
		if err != nil {
			return "", fmt.Errorf("check backup name %s: %w", name, err)
		}
		if !taken {
			return name, nil
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
	return "", fmt.Errorf("no free backup name for %s", base)
}
