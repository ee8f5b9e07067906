package recovery

import (
	"context"
	"time"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/repl"
	"github.com/cockroachdb/errors"
)

// Result summarises a startup recovery.
type Result struct {
	CheckpointTs domain.Timestamp
	Collections  int
	Records      int
	Replayed     int
	LastApplied  domain.Timestamp
	Duration     time.Duration
}

// RecoveryManager rebuilds the catalog at startup: it loads the newest
// checkpoint, then replays the oplog entries after it.
type RecoveryManager struct {
	dir     string
	catalog *catalog.Catalog
	oplog   *repl.OplogStore
	applier *repl.Applier
	slots   *repl.SlotReserver
	logger  *logging.Logger
}

func NewRecoveryManager(dir string, cat *catalog.Catalog, oplog *repl.OplogStore, applier *repl.Applier,
	slots *repl.SlotReserver, logger *logging.Logger) *RecoveryManager {
	return &RecoveryManager{
		dir:     dir,
		catalog: cat,
		oplog:   oplog,
		applier: applier,
		slots:   slots,
		logger:  logging.OrNoop(logger).WithComponent("recovery"),
	}
}

// Recover must run before the catalog is shared with writers.
func (rm *RecoveryManager) Recover(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	img, err := LoadLatest(rm.dir, rm.logger)
	if err != nil {
		return res, errors.Wrap(err, "failed to load checkpoint")
	}
	if img != nil {
		if err := rm.restoreFromCheckpoint(img); err != nil {
			return res, errors.Wrap(err, "failed to restore from checkpoint")
		}
		res.CheckpointTs = img.Ts
		res.Collections = len(img.Collections)
		res.Records = img.NumRecords()
		rm.logger.Info("restored checkpoint", logging.Ts(img.Ts), "collections", res.Collections, "records", res.Records)
	}

	last, n, err := rm.applier.ApplyAll(ctx, rm.oplog, res.CheckpointTs)
	if err != nil {
		return res, errors.Wrap(err, "failed to replay oplog")
	}
	res.Replayed = n
	res.LastApplied = last

	// New writes must sort after everything already in the oplog, including
	// entries a checkpoint covered but truncation has not removed yet.
	if ts := rm.oplog.LastTimestamp(); ts > last {
		last = ts
	}
	rm.slots.AdvanceTo(last)

	res.Duration = time.Since(start)
	rm.logger.Info("recovery completed", "replayed", n, logging.Ts(last), "duration", res.Duration)
	return res, nil
}

func (rm *RecoveryManager) restoreFromCheckpoint(img *Image) error {
	for _, c := range img.Collections {
		coll, err := c.restore(rm.logger)
		if err != nil {
			return err
		}
		if err := rm.catalog.Register(coll); err != nil {
			return errors.Wrapf(err, "failed to register collection %s", c.NS)
		}
	}
	return nil
}
