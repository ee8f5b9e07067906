package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adfharrison1/collwrite/pkg/catalog"
	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/lock"
	"github.com/adfharrison1/collwrite/pkg/metrics"
	"github.com/adfharrison1/collwrite/pkg/repl"
	"github.com/adfharrison1/collwrite/pkg/writepath"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router  *mux.Router
	catalog *catalog.Catalog
	oplog   *repl.OplogStore
	metrics *metrics.Prometheus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := repl.OpenOplogStore("oplog", repl.WithFS(vfs.NewMem()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	resources := lock.NewResourceCatalog()
	slots := repl.NewSlotReserver()
	observer := repl.NewOpObserver(store, slots, nil)
	cat := catalog.New(resources, nil)
	cat.SetObserver(observer)
	prom := metrics.NewPrometheus(prometheus.NewRegistry())
	engine := writepath.NewEngine(
		writepath.WithOpObserver(observer),
		writepath.WithSlotReserver(slots),
		writepath.WithMetrics(prom),
	)

	h := NewHandler(cat, engine, lock.NewManager(resources), store, WithMetrics(prom))
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return &testServer{router: router, catalog: cat, oplog: store, metrics: prom}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_HandleInsert(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedCount  float64
	}{
		{
			name:           "single document",
			body:           `{"documents": [{"_id": 1, "name": "Alice", "age": 30}]}`,
			expectedStatus: http.StatusCreated,
			expectedCount:  1,
		},
		{
			name:           "generated ids",
			body:           `{"documents": [{"name": "Bob"}, {"name": "Carol"}]}`,
			expectedStatus: http.StatusCreated,
			expectedCount:  2,
		},
		{
			name:           "extended json types",
			body:           `{"documents": [{"_id": {"$numberLong": "9"}, "at": {"$date": "2024-01-01T00:00:00Z"}}]}`,
			expectedStatus: http.StatusCreated,
			expectedCount:  1,
		},
		{
			name:           "no documents",
			body:           `{"documents": []}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed body",
			body:           `{"documents": [`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "document is not an object",
			body:           `{"documents": [42]}`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w := s.do(t, "POST", "/collections/users/insert", tt.body)
			require.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedStatus != http.StatusCreated {
				return
			}
			resp := decode(t, w)
			assert.Equal(t, tt.expectedCount, resp["inserted_count"])
			assert.Len(t, resp["inserted_ids"], int(tt.expectedCount))
			assert.Equal(t, "app.users", resp["collection"])

			coll, ok := s.catalog.Lookup(domain.Namespace{DB: "app", Coll: "users"})
			require.True(t, ok, "insert creates the collection")
			assert.Equal(t, int64(tt.expectedCount), coll.Store().NumRecords())
		})
	}
}

func TestHandler_HandleInsert_BatchLimit(t *testing.T) {
	s := newTestServer(t)
	docs := make([]string, 1001)
	for i := range docs {
		docs[i] = fmt.Sprintf(`{"_id": %d}`, i)
	}
	w := s.do(t, "POST", "/collections/users/insert", `{"documents": [`+strings.Join(docs, ",")+`]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, ok := s.catalog.Lookup(domain.Namespace{DB: "app", Coll: "users"})
	assert.False(t, ok)
}

func TestHandler_HandleInsert_DuplicateKeyIsAtomic(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/users/insert", `{"documents": [{"_id": 7}]}`).Code)

	w := s.do(t, "POST", "/collections/users/insert", `{"documents": [{"_id": 8}, {"_id": 7}]}`)
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "DuplicateKey", resp["codeName"])
	assert.Equal(t, "_id_", resp["index"])
	assert.Equal(t, map[string]interface{}{"_id": float64(7)}, resp["keyValue"])

	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/collections/users/documents/8", "").Code,
		"no document of the failed batch is written")
}

func TestHandler_HandleInsert_CappedFallsBackToSingleInserts(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/logs", `{"capped": true, "size": 1048576, "max": 2}`).Code)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/logs/indexes", `{"key": [{"field": "level"}]}`).Code)

	w := s.do(t, "POST", "/collections/logs/insert",
		`{"documents": [{"_id": 1, "level": "info"}, {"_id": 2, "level": "warn"}, {"_id": 3, "level": "info"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, float64(3), resp["inserted_count"])
	assert.Equal(t, float64(1), resp["capped_deletes"])

	find := decode(t, s.do(t, "GET", "/collections/logs/find", ""))
	assert.Equal(t, float64(2), find["count"])
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.CappedDeletes()))
}

func TestHandler_HandleCreateCollection(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/collections/events", `{"clusteredIndex": {"key": "_id", "unique": true}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "app.events", resp["collection"])
	assert.NotEmpty(t, resp["uuid"])

	coll, ok := s.catalog.Lookup(domain.Namespace{DB: "app", Coll: "events"})
	require.True(t, ok)
	assert.True(t, coll.IsClustered())

	w = s.do(t, "POST", "/collections/events", ``)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NamespaceExists", decode(t, w)["codeName"])

	w = s.do(t, "POST", "/collections/bad", `{"capped": true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_HandleCreateCollection_Validator(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "POST", "/collections/people", `{"validator": {"state": "valid"}, "validationAction": "error"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/people/insert", `{"documents": [{"state": "valid"}]}`).Code)

	w = s.do(t, "POST", "/collections/people/insert", `{"documents": [{"state": "broken"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "DocumentValidationFailure", decode(t, w)["codeName"])
}

func TestHandler_DocumentLifecycle(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/users/insert",
		`{"documents": [{"_id": 1, "name": "ada"}, {"_id": "two", "name": "grace"}]}`).Code)

	t.Run("get numeric id", func(t *testing.T) {
		w := s.do(t, "GET", "/collections/users/documents/1", "")
		require.Equal(t, http.StatusOK, w.Code)
		doc := decode(t, w)["document"].(map[string]interface{})
		assert.Equal(t, "ada", doc["name"])
	})

	t.Run("get string id", func(t *testing.T) {
		w := s.do(t, "GET", "/collections/users/documents/two", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "grace", decode(t, w)["document"].(map[string]interface{})["name"])
	})

	t.Run("replace keeps the url id", func(t *testing.T) {
		w := s.do(t, "PUT", "/collections/users/documents/1", `{"name": "lovelace"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		doc := decode(t, s.do(t, "GET", "/collections/users/documents/1", ""))["document"].(map[string]interface{})
		assert.Equal(t, "lovelace", doc["name"])
		assert.Equal(t, float64(1), doc["_id"])
	})

	t.Run("replace cannot change the id", func(t *testing.T) {
		w := s.do(t, "PUT", "/collections/users/documents/1", `{"_id": 3, "name": "x"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("replace missing document", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, s.do(t, "PUT", "/collections/users/documents/99", `{}`).Code)
	})

	t.Run("delete", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, s.do(t, "DELETE", "/collections/users/documents/1", "").Code)
		assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/collections/users/documents/1", "").Code)
		assert.Equal(t, http.StatusNotFound, s.do(t, "DELETE", "/collections/users/documents/1", "").Code)
	})

	t.Run("unknown collection", func(t *testing.T) {
		w := s.do(t, "GET", "/collections/nope/documents/1", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NamespaceNotFound", decode(t, w)["codeName"])
	})
}

func TestHandler_HandleFind(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/users/insert",
		`{"documents": [{"_id": 1, "city": "paris"}, {"_id": 2, "city": "rome"}, {"_id": 3, "city": "paris"}, {"_id": 4, "city": "oslo"}]}`).Code)

	tests := []struct {
		name    string
		query   string
		count   float64
		hasMore bool
	}{
		{"all", "", 4, false},
		{"limit", "?limit=3", 3, true},
		{"skip", "?skip=3", 1, false},
		{"filter", "?city=paris", 2, false},
		{"filter and limit", "?city=paris&limit=1", 1, true},
		{"numeric filter", "?_id=2", 1, false},
		{"no match", "?city=lima", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "GET", "/collections/users/find"+tt.query, "")
			require.Equal(t, http.StatusOK, w.Code)
			resp := decode(t, w)
			assert.Equal(t, tt.count, resp["count"])
			assert.Equal(t, tt.hasMore, resp["has_more"])
		})
	}

	t.Run("bad limit", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, s.do(t, "GET", "/collections/users/find?limit=-1", "").Code)
	})
}

func TestHandler_HandleFind_UsesIndex(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/users/insert",
		`{"documents": [{"_id": 1, "city": "paris"}, {"_id": 2, "city": "rome"}]}`).Code)
	w := s.do(t, "POST", "/collections/users/indexes", `{"key": [{"field": "city", "direction": 1}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "city_1", decode(t, w)["name"])

	resp := decode(t, s.do(t, "GET", "/collections/users/find?city=rome", ""))
	assert.Equal(t, "city_1", resp["index"])
	assert.Equal(t, float64(1), resp["count"])

	indexes := decode(t, s.do(t, "GET", "/collections/users/indexes", ""))
	assert.Equal(t, float64(2), indexes["index_count"])
}

func TestHandler_HandleCreateIndex_UniqueViolation(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/users/insert",
		`{"documents": [{"email": "a@x"}, {"email": "a@x"}]}`).Code)

	w := s.do(t, "POST", "/collections/users/indexes", `{"key": [{"field": "email"}], "unique": true}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	indexes := decode(t, s.do(t, "GET", "/collections/users/indexes", ""))
	assert.Equal(t, float64(1), indexes["index_count"])
}

func TestHandler_HandleTail(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/feed", `{"capped": true, "size": 4096}`).Code)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/feed/insert",
		`{"documents": [{"_id": 1}, {"_id": 2}]}`).Code)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		req := httptest.NewRequest("GET", "/collections/feed/tail?limit=3&wait=10s", nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		done <- w
	}()

	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/feed/insert", `{"documents": [{"_id": 3}]}`).Code)

	select {
	case w := <-done:
		assert.Equal(t, http.StatusOK, w.Code)
		lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
		require.Len(t, lines, 3)
		for i, line := range lines {
			var doc map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(line), &doc))
			assert.Equal(t, float64(i+1), doc["_id"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not see the new insert")
	}
}

func TestHandler_HandleTail_WaitExpires(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/feed", `{"capped": true, "size": 4096}`).Code)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/feed/insert", `{"documents": [{"_id": 1}]}`).Code)

	w := s.do(t, "GET", "/collections/feed/tail?wait=20ms", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, strings.Count(w.Body.String(), "\n"))
}

func TestHandler_HandleTail_RequiresCapped(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/users", ``).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, "GET", "/collections/users/tail", "").Code)
}

func TestHandler_HandleOplog(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/users/insert",
		`{"documents": [{"_id": 1, "name": "ada"}, {"_id": 2}]}`).Code)
	require.Equal(t, http.StatusOK, s.do(t, "PUT", "/collections/users/documents/1", `{"name": "lovelace"}`).Code)
	require.Equal(t, http.StatusNoContent, s.do(t, "DELETE", "/collections/users/documents/2", "").Code)

	w := s.do(t, "GET", "/oplog?limit=100", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Entries []OplogEntryResponse `json:"entries"`
		HasMore bool                 `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.False(t, page.HasMore)

	var ops []repl.OpType
	for _, e := range page.Entries {
		if e.NS == "app.users" && e.Op != repl.OpCommand {
			ops = append(ops, e.Op)
		}
	}
	assert.Equal(t, []repl.OpType{repl.OpInsert, repl.OpInsert, repl.OpUpdate, repl.OpDelete}, ops)

	last := page.Entries[len(page.Entries)-1]
	assert.Equal(t, repl.OpDelete, last.Op)
	assert.JSONEq(t, `{"_id": 2}`, string(last.O))

	w = s.do(t, "GET", "/oplog?limit=1", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Entries, 1)
	assert.True(t, page.HasMore)

	assert.Equal(t, http.StatusBadRequest, s.do(t, "GET", "/oplog?after=yesterday", "").Code)
}

func TestHandler_HandleHealth(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/collections/users", ``).Code)

	w := s.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, float64(1), resp["collections"])
	assert.NotEmpty(t, resp["last_oplog_ts"])
}
