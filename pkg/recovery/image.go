package recovery

import (
	"time"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/indexing"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/cockroachdb/errors"
)

// Image is the content of one checkpoint: every collection as of oplog
// timestamp Ts.
type Image struct {
	Ts          domain.Timestamp  `msgpack:"ts"`
	TakenAt     time.Time         `msgpack:"takenAt"`
	Collections []CollectionImage `msgpack:"collections"`
}

// CollectionImage holds a collection's options, its secondary index specs
// and its committed records in RecordId order.
type CollectionImage struct {
	NS      string                    `msgpack:"ns"`
	Options catalog.CollectionOptions `msgpack:"options"`
	Indexes []indexing.IndexSpec      `msgpack:"indexes,omitempty"`
	Records []RecordImage             `msgpack:"records,omitempty"`
}

// RecordImage is one record.
type RecordImage struct {
	Id   *domain.RecordIdRepr `msgpack:"id"`
	Data []byte               `msgpack:"d"`
}

// NumRecords counts records across all collections.
func (img *Image) NumRecords() int {
	n := 0
	for _, c := range img.Collections {
		n += len(c.Records)
	}
	return n
}

func captureCollection(coll *catalog.Collection) CollectionImage {
	img := CollectionImage{NS: coll.NS().String(), Options: coll.Options()}
	for _, idx := range coll.Indexes().Indexes() {
		if idx.Spec().IsIdIndex() {
			continue
		}
		img.Indexes = append(img.Indexes, idx.Spec())
	}
	coll.Store().ScanCommitted(func(r domain.Record) bool {
		img.Records = append(img.Records, RecordImage{Id: r.Id.Repr(), Data: r.Data})
		return true
	})
	return img
}

// restore rebuilds the collection: records first, then the _id index from
// those records, then each secondary index from the store.
func (c CollectionImage) restore(logger *logging.Logger) (*catalog.Collection, error) {
	ns := domain.ParseNamespace(c.NS)
	coll, err := catalog.NewCollection(ns, c.Options, logger.WithNamespace(c.NS))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to restore collection %s", c.NS)
	}

	format := coll.Store().KeyFormat()
	records := make([]domain.Record, len(c.Records))
	for i, r := range c.Records {
		id, err := r.Id.RecordId()
		if err != nil {
			return nil, errors.Wrapf(err, "bad record in checkpoint of %s", c.NS)
		}
		if id.IsNull() || id.Format() != format {
			return nil, errors.Newf("record id %s in checkpoint of %s does not match key format %s", id, c.NS, format)
		}
		records[i] = domain.Record{Id: id, Data: r.Data}
	}
	coll.Store().Restore(records)

	for _, r := range records {
		if err := coll.Indexes().RestoreRecord(domain.BsonRecord{Id: r.Id, Doc: r.Document()}); err != nil {
			return nil, errors.Wrapf(err, "failed to restore _id index of %s", c.NS)
		}
	}
	for _, spec := range c.Indexes {
		if _, err := coll.CreateIndex(spec); err != nil {
			return nil, errors.Wrapf(err, "failed to restore index %s on %s", spec.Name, c.NS)
		}
	}
	return coll, nil
}
