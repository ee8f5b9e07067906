package writepath

import (
	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/txn"
)

type recordIdSource int

const (
	// recordIdAuto lets the record store pick the next id, or pre-reserves
	// ids on collections with capped visibility tracking.
	recordIdAuto recordIdSource = iota
	recordIdFromClusterKey
	recordIdFromReplicatedValue
	recordIdExplicit
)

func (s recordIdSource) String() string {
	switch s {
	case recordIdFromClusterKey:
		return "clusterKey"
	case recordIdFromReplicatedValue:
		return "replicated"
	case recordIdExplicit:
		return "explicit"
	}
	return "auto"
}

// RecordIdStrategy decides how the documents of one insert batch get their
// RecordIds. It is chosen once per batch.
type RecordIdStrategy struct {
	source        recordIdSource
	cappedReserve bool
}

// recordIdStrategyFor picks the strategy for inserting stmts into coll.
func recordIdStrategyFor(coll *catalog.Collection, stmts []domain.InsertStatement) RecordIdStrategy {
	switch {
	case coll.IsClustered():
		return RecordIdStrategy{source: recordIdFromClusterKey}
	case coll.RecordIdsReplicated() && len(stmts) > 0 && !stmts[0].ReplicatedRecordId.IsNull():
		return RecordIdStrategy{source: recordIdFromReplicatedValue}
	case len(stmts) > 0 && !stmts[0].RecordId.IsNull():
		return RecordIdStrategy{source: recordIdExplicit}
	}
	return RecordIdStrategy{source: recordIdAuto, cappedReserve: coll.UsesCappedSnapshots()}
}

// assign returns one RecordId per statement. Null ids are filled in by the
// record store.
func (s RecordIdStrategy) assign(op *txn.Operation, coll *catalog.Collection, stmts []domain.InsertStatement) ([]domain.RecordId, error) {
	ids := make([]domain.RecordId, len(stmts))
	switch s.source {
	case recordIdFromClusterKey:
		for i, stmt := range stmts {
			id, err := coll.ClusteredRecordId(stmt.Doc)
			if err != nil {
				return nil, err
			}
			ids[i] = id
		}
	case recordIdFromReplicatedValue:
		for i, stmt := range stmts {
			ids[i] = stmt.ReplicatedRecordId
		}
	case recordIdExplicit:
		for i, stmt := range stmts {
			ids[i] = stmt.RecordId
		}
	default:
		if !s.cappedReserve {
			return ids, nil
		}
		reserved, err := coll.Store().ReserveRecordIds(len(stmts))
		if err != nil {
			return nil, err
		}
		coll.Store().CappedVisibility().RegisterWriter(op, reserved)
		copy(ids, reserved)
	}
	return ids, nil
}
