package executor

import (
	"os"
	"path/filepath"
	"time"
)

// CleanStaleSockets removes multiplex control sockets under dir older than
// StaleSocketThreshold. Call once at process start, per spec.md §5
// ("stale multiplex sockets are cleaned up once at process start").
func CleanStaleSockets(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-StaleSocketThreshold)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
