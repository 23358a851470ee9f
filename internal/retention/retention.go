// Copyright (c) 2025 Admon, Inc. All rights reserved.

// Package retention ages out converted files from the local work dir.
package retention

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxAge is the retention window for converted files.
const DefaultMaxAge = 90 * 24 * time.Hour

// Stats summarizes one sweep.
type Stats struct {
	Scanned    int
	Deleted    int
	Failed     int
	FreedBytes int64
}

// Sweeper removes expired files under a work dir root.
type Sweeper struct {
	root   string
	maxAge time.Duration
	logger *zap.Logger
}

// New creates a sweeper for root. maxAge <= 0 selects DefaultMaxAge.
func New(root string, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Sweeper{root: root, maxAge: maxAge, logger: logger}
}

// Sweep walks the work dir and deletes regular files whose modification time
// is older than the retention window. Individual failures are logged and
// counted but never abort the sweep. A missing root is a clean no-op.
// Directories left empty by the sweep are pruned.
func (s *Sweeper) Sweep() Stats {
	var stats Stats
	cutoff := time.Now().Add(-s.maxAge)

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return filepath.SkipAll
			}
			s.logger.Warn("retention walk error", zap.String("path", path), zap.Error(err))
			stats.Failed++
			return nil
		}
		if d.IsDir() {
			return nil
		}

		stats.Scanned++
		info, err := d.Info()
		if err != nil {
			s.logger.Warn("retention stat error", zap.String("path", path), zap.Error(err))
			stats.Failed++
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("retention delete error", zap.String("path", path), zap.Error(err))
			stats.Failed++
			return nil
		}
		stats.Deleted++
		stats.FreedBytes += info.Size()
		s.logger.Debug("deleted expired file",
			zap.String("path", path), zap.Time("modified", info.ModTime()))
		return nil
	})
	if err != nil {
		s.logger.Warn("retention walk aborted", zap.Error(err))
	}

	s.pruneEmptyDirs()

	s.logger.Info("retention sweep complete",
		zap.Int("scanned", stats.Scanned),
		zap.Int("deleted", stats.Deleted),
		zap.Int("failed", stats.Failed),
		zap.Int64("freed_bytes", stats.FreedBytes))

	return stats
}

// pruneEmptyDirs removes directories emptied by the sweep, deepest first.
// The root itself is kept.
func (s *Sweeper) pruneEmptyDirs() {
	var dirs []string
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != s.root {
			dirs = append(dirs, path)
		}
		return nil
	})

	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		_ = os.Remove(dirs[i])
	}
}
