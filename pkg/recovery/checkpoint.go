package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/repl"
	"github.com/cockroachdb/errors"
)

const checkpointPrefix = "checkpoint-"

// Option configures a CheckpointManager.
type Option func(*CheckpointManager)

// WithInterval sets how often Run takes a checkpoint.
func WithInterval(d time.Duration) Option {
	return func(cm *CheckpointManager) {
		cm.interval = d
	}
}

// WithRetention sets how many checkpoint files are kept.
func WithRetention(n int) Option {
	return func(cm *CheckpointManager) {
		if n > 0 {
			cm.retain = n
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(cm *CheckpointManager) {
		cm.logger = l
	}
}

// CheckpointManager writes the catalog to disk and truncates the oplog
// entries the checkpoint covers.
type CheckpointManager struct {
	dir     string
	catalog *catalog.Catalog
	oplog   *repl.OplogStore
	locks   *lock.Manager

	interval time.Duration
	retain   int
	logger   *logging.Logger

	mu   sync.Mutex
	last domain.Timestamp
	done int
}

// NewCheckpointManager creates a checkpoint manager writing into dir.
func NewCheckpointManager(dir string, cat *catalog.Catalog, oplog *repl.OplogStore, locks *lock.Manager, opts ...Option) *CheckpointManager {
	cm := &CheckpointManager{
		dir:      dir,
		catalog:  cat,
		oplog:    oplog,
		locks:    locks,
		interval: time.Minute,
		retain:   2,
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.logger = logging.OrNoop(cm.logger).WithComponent("checkpoint")
	return cm
}

// Run checkpoints every interval until ctx is done, then takes a final
// checkpoint.
func (cm *CheckpointManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := cm.Checkpoint(ctx); err != nil {
				cm.logger.Error("checkpoint failed", logging.Err(err))
			}
		case <-ctx.Done():
			_, err := cm.Checkpoint(context.Background())
			return errors.Wrap(err, "final checkpoint failed")
		}
	}
}

// Checkpoint captures every collection under a global S lock, so no write
// unit of work is open, and writes the image. It returns the oplog timestamp
// the image covers. Nothing is written when the oplog has not moved since
// the previous checkpoint.
func (cm *CheckpointManager) Checkpoint(ctx context.Context) (domain.Timestamp, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	start := time.Now()

	img, err := cm.capture(ctx)
	if err != nil {
		return 0, err
	}
	if cm.done > 0 && img.Ts == cm.last {
		return cm.last, nil
	}

	data, err := Encode(img)
	if err != nil {
		return 0, err
	}
	path, err := cm.writeFile(img.Ts, data)
	if err != nil {
		return 0, err
	}
	if err := cm.cleanupOldFiles(); err != nil {
		cm.logger.Warn("failed to clean up old checkpoints", logging.Err(err))
	}
	if !img.Ts.IsNull() {
		if err := cm.oplog.TruncateThrough(img.Ts); err != nil {
			return 0, err
		}
	}

	cm.last = img.Ts
	cm.done++
	cm.logger.Info("checkpoint completed", logging.Ts(img.Ts), "file", filepath.Base(path),
		"collections", len(img.Collections), "records", img.NumRecords(), "bytes", len(data),
		"duration", time.Since(start))
	return img.Ts, nil
}

func (cm *CheckpointManager) capture(ctx context.Context) (*Image, error) {
	locker := lock.NewLocker(cm.locks)
	defer locker.UnlockAll()
	if err := locker.Lock(ctx, lock.GlobalResource, lock.ModeS); err != nil {
		return nil, errors.Wrap(err, "failed to lock for checkpoint")
	}

	img := &Image{Ts: cm.oplog.LastTimestamp(), TakenAt: time.Now().UTC()}
	for _, coll := range cm.catalog.List() {
		img.Collections = append(img.Collections, captureCollection(coll))
	}
	return img, nil
}

// Checkpoints returns the number of checkpoints written and the timestamp of
// the latest.
func (cm *CheckpointManager) Checkpoints() (int, domain.Timestamp) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.done, cm.last
}

func checkpointName(ts domain.Timestamp) string {
	return fmt.Sprintf("%s%016x%s", checkpointPrefix, uint64(ts), FileExtension)
}

func (cm *CheckpointManager) writeFile(ts domain.Timestamp, data []byte) (string, error) {
	if err := os.MkdirAll(cm.dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create checkpoint directory %s", cm.dir)
	}
	path := filepath.Join(cm.dir, checkpointName(ts))

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", errors.Wrap(err, "failed to create temporary checkpoint file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", errors.Wrap(err, "failed to write temporary checkpoint file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", errors.Wrap(err, "failed to sync temporary checkpoint file")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "failed to close temporary checkpoint file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.Wrap(err, "failed to rename checkpoint file")
	}
	return path, nil
}

// listCheckpoints returns checkpoint file paths in dir, oldest first.
func listCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list checkpoints in %s", dir)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, FileExtension) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	// Names embed the zero-padded timestamp, so lexical order is age order.
	sort.Strings(out)
	return out, nil
}

func (cm *CheckpointManager) cleanupOldFiles() error {
	files, err := listCheckpoints(cm.dir)
	if err != nil {
		return err
	}
	if len(files) <= cm.retain {
		return nil
	}
	for _, file := range files[:len(files)-cm.retain] {
		if err := os.Remove(file); err != nil {
			return errors.Wrapf(err, "failed to delete checkpoint file %s", filepath.Base(file))
		}
		cm.logger.Debug("deleted old checkpoint", "file", filepath.Base(file))
	}
	return nil
}

// LoadLatest reads the newest checkpoint in dir that decodes cleanly. Corrupt
// files are skipped with a warning. It returns nil when there is none.
func LoadLatest(dir string, logger *logging.Logger) (*Image, error) {
	logger = logging.OrNoop(logger)
	files, err := listCheckpoints(dir)
	if err != nil {
		return nil, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		data, err := os.ReadFile(files[i])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read checkpoint %s", filepath.Base(files[i]))
		}
		img, err := Decode(data)
		if errors.Is(err, ErrCorruptCheckpoint) {
			logger.Warn("skipping corrupt checkpoint", "file", filepath.Base(files[i]), logging.Err(err))
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load checkpoint %s", filepath.Base(files[i]))
		}
		return img, nil
	}
	return nil, nil
}
