package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pongarena/broker/internal/logging"
)

// RetentionPolicy bounds how many recordings stay on disk and for how long.
// Zero disables the corresponding limit.
type RetentionPolicy struct {
	MaxRecordings int
	MaxAge        time.Duration
}

// StorageStats summarises the disk footprint of retained recordings.
type StorageStats struct {
	Recordings int
	Completed  int
	Bytes      int64
	Removed    int64
	LastSweep  time.Time
}

// Cleaner prunes recording bundles according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for dir.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger.With(logging.String("component", "replay_retention")), now: time.Now}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns the figures computed by the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundle struct {
	path      string
	size      int64
	modTime   time.Time
	completed bool
}

// Sweep applies the retention policy once.
func (c *Cleaner) Sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	bundles, err := c.scan()
	if err != nil {
		c.log.Warn("recording scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	now := c.now()

	c.mu.Lock()
	removed := c.stats.Removed
	c.mu.Unlock()
	stats := StorageStats{LastSweep: now, Removed: removed}

	//1.- Walk newest first so the count limit keeps the most recent matches.
	for _, b := range bundles {
		if reason := c.expired(b, now, stats.Recordings); reason != "" {
			if err := os.RemoveAll(b.path); err == nil {
				stats.Removed++
				c.log.Info("recording removed", logging.String("path", b.path), logging.String("reason", reason))
				continue
			}
			c.log.Warn("recording removal failed", logging.Error(err), logging.String("path", b.path))
		}
		stats.Recordings++
		stats.Bytes += b.size
		if b.completed {
			stats.Completed++
		}
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// scan lists bundle directories newest first. Stray files are ignored.
func (c *Cleaner) scan() ([]bundle, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	bundles := make([]bundle, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		b := bundle{path: path}
		walkErr := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.ModTime().After(b.modTime) {
				b.modTime = info.ModTime()
			}
			if !d.IsDir() {
				b.size += info.Size()
				if d.Name() == HeaderFile {
					b.completed = true
				}
			}
			return nil
		})
		if walkErr != nil {
			c.log.Warn("recording stat failed", logging.Error(walkErr), logging.String("path", path))
			continue
		}
		bundles = append(bundles, b)
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })
	return bundles, nil
}

func (c *Cleaner) expired(b bundle, now time.Time, kept int) string {
	if c.policy.MaxAge > 0 && now.Sub(b.modTime) > c.policy.MaxAge {
		return fmt.Sprintf("age>%s", c.policy.MaxAge)
	}
	if c.policy.MaxRecordings > 0 && kept >= c.policy.MaxRecordings {
		return fmt.Sprintf("count>=%d", c.policy.MaxRecordings)
	}
	return ""
}
