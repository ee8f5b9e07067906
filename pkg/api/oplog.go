package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/repl"
	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

var errPageFull = errors.New("page full")

// OplogEntryResponse is the JSON form of an oplog entry. O and O2 are
// relaxed Extended JSON.
type OplogEntryResponse struct {
	Ts              string          `json:"ts"`
	Term            int64           `json:"t"`
	Op              repl.OpType     `json:"op"`
	NS              string          `json:"ns"`
	UUID            string          `json:"ui,omitempty"`
	O               json.RawMessage `json:"o,omitempty"`
	O2              json.RawMessage `json:"o2,omitempty"`
	WallClock       int64           `json:"wall"`
	RecordId        string          `json:"rid,omitempty"`
	FromMigrate     bool            `json:"fromMigrate,omitempty"`
	StmtIds         []domain.StmtId `json:"stmtId,omitempty"`
	NeedsRetryImage string          `json:"needsRetryImage,omitempty"`
}

func oplogEntryResponse(e *repl.Entry) OplogEntryResponse {
	out := OplogEntryResponse{
		Ts:              e.Ts.String(),
		Term:            e.Term,
		Op:              e.Op,
		NS:              e.NS,
		UUID:            e.UUID,
		WallClock:       e.WallClock,
		FromMigrate:     e.FromMigrate,
		StmtIds:         e.StmtIds,
		NeedsRetryImage: e.NeedsRetryImage,
	}
	if len(e.O) > 0 {
		out.O, _ = bson.MarshalExtJSON(bson.Raw(e.O), false, false)
	}
	if len(e.O2) > 0 {
		out.O2, _ = bson.MarshalExtJSON(bson.Raw(e.O2), false, false)
	}
	if rid, err := e.RecordId.RecordId(); err == nil && !rid.IsNull() {
		out.RecordId = rid.String()
	}
	return out
}

// HandleOplog pages through the oplog. after is a "secs.inc" timestamp and
// excludes itself.
func (h *Handler) HandleOplog(w http.ResponseWriter, r *http.Request) {
	log.Printf("INFO: handleOplog called")

	if h.oplog == nil {
		WriteJSONError(w, http.StatusNotFound, "Oplog is not enabled")
		return
	}
	var after domain.Timestamp
	if v := r.URL.Query().Get("after"); v != "" {
		ts, err := domain.ParseTimestamp(v)
		if err != nil {
			WriteStatusError(w, status.Wrap(status.BadValue, err, "invalid after"))
			return
		}
		after = ts
	}
	limit, err := queryInt(r, "limit", defaultFindLimit)
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	entries := []OplogEntryResponse{}
	hasMore := false
	err = h.oplog.Entries(after, func(e *repl.Entry) error {
		if len(entries) == limit {
			hasMore = true
			return errPageFull
		}
		entries = append(entries, oplogEntryResponse(e))
		return nil
	})
	if err != nil && !errors.Is(err, errPageFull) {
		log.Printf("ERROR: Reading oplog failed: %v", err)
		WriteStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"count":    len(entries),
		"has_more": hasMore,
		"last_ts":  h.oplog.LastTimestamp().String(),
	})
}
