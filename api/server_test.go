package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/campusqa/chat"
	"github.com/fabfab/campusqa/embeddings"
	"github.com/fabfab/campusqa/ingestion"
	"github.com/fabfab/campusqa/knowledge"
	"github.com/fabfab/campusqa/metrics"
	"github.com/fabfab/campusqa/retrieval"
	"github.com/fabfab/campusqa/vectorindex"
)

type stubAsker struct {
	resp    chat.Response
	err     error
	lastReq chat.Request
}

func (s *stubAsker) Ask(_ context.Context, req chat.Request) (chat.Response, error) {
	s.lastReq = req
	return s.resp, s.err
}

type stubIngester struct {
	summary    ingestion.Summary
	err        error
	resets     int
	lastInput  string
	lastOutput string
}

func (s *stubIngester) Ingest(_ context.Context, input, output string) (ingestion.Summary, error) {
	s.lastInput = input
	s.lastOutput = output
	return s.summary, s.err
}

func (s *stubIngester) Reset(string) error {
	s.resets++
	return nil
}

type stubLoader struct {
	reloads int
	err     error
}

func (s *stubLoader) Reload() (*retrieval.Snapshot, error) {
	s.reloads++
	return nil, s.err
}

func (s *stubLoader) Current() (*retrieval.Snapshot, error) {
	return nil, retrieval.ErrNoSnapshot
}

type stubPurger struct{ calls int }

func (s *stubPurger) Purge(context.Context) error {
	s.calls++
	return nil
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Asker == nil {
		deps.Asker = &stubAsker{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.NewRegistry()
	}
	srv, err := New(deps)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresAsker(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Deps{Snapshots: &stubLoader{}})

	rec := do(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "no snapshot", body.Status)

	rec = do(t, srv, http.MethodPost, "/healthz", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
}

func TestAsk(t *testing.T) {
	asker := &stubAsker{resp: chat.Response{
		Answer: "Smaller keys go left [Source 1].",
		Sources: []chat.Source{
			{Text: "A binary search tree...", Course: "DSA", Semester: "3", ChunkID: "dsa/trees.md#0000", Score: 0.9},
		},
		AccuracyScore: 0.8,
		ScoringMethod: metrics.ScoringModel,
	}}
	srv := newTestServer(t, Deps{Asker: asker})

	rec := do(t, srv, http.MethodPost, "/v1/ask", `{"question":"What is a BST?","course":"DSA","semester":"3","k":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Smaller keys go left [Source 1].", body["answer"])
	assert.Equal(t, 0.8, body["accuracy_score"])
	assert.Equal(t, "model", body["scoring_method"])

	sources, ok := body["sources"].([]any)
	require.True(t, ok)
	require.Len(t, sources, 1)
	source := sources[0].(map[string]any)
	assert.Equal(t, "DSA", source["course"])
	assert.Equal(t, "3", source["semester"])
	assert.Equal(t, "dsa/trees.md#0000", source["chunk_id"])

	assert.Equal(t, chat.Request{Question: "What is a BST?", Course: "DSA", Semester: "3", K: 2}, asker.lastReq)
}

func TestAskValidation(t *testing.T) {
	srv := newTestServer(t, Deps{})

	cases := map[string]string{
		"empty question": `{"question":"   "}`,
		"negative k":     `{"question":"q","k":-1}`,
		"unknown field":  `{"question":"q","limit":3}`,
		"malformed json": `{"question":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/v1/ask", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAskErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("%w: 503", chat.ErrGenerationUnavailable), want: http.StatusServiceUnavailable},
		{err: fmt.Errorf("retrieve passages: embed query: %w", embeddings.ErrEmbeddingUnavailable), want: http.StatusServiceUnavailable},
		{err: fmt.Errorf("search index: %w", retrieval.ErrNoSnapshot), want: http.StatusServiceUnavailable},
		{err: fmt.Errorf("%w: checksum", vectorindex.ErrIndexCorruption), want: http.StatusInternalServerError},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			srv := newTestServer(t, Deps{Asker: &stubAsker{err: tc.err}})
			rec := do(t, srv, http.MethodPost, "/v1/ask", `{"question":"q"}`)
			assert.Equal(t, tc.want, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body.Error, tc.err.Error())
		})
	}
}

func TestIngestReloadsPublishedSnapshot(t *testing.T) {
	ingester := &stubIngester{summary: ingestion.Summary{DocumentsProcessed: 2, ChunksCreated: 4, Published: true}}
	loader := &stubLoader{}
	srv := newTestServer(t, Deps{Ingester: ingester, Snapshots: loader, DataDir: "./data", IndexDir: "./index"})

	rec := do(t, srv, http.MethodPost, "/v1/ingest", `{"rebuild":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary ingestion.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 4, summary.ChunksCreated)
	assert.Equal(t, "./data", ingester.lastInput)
	assert.Equal(t, "./index", ingester.lastOutput)
	assert.Equal(t, 1, ingester.resets)
	assert.Equal(t, 1, loader.reloads)
}

func TestIngestWithoutPublishSkipsReload(t *testing.T) {
	ingester := &stubIngester{summary: ingestion.Summary{
		Failures: []ingestion.Failure{{DocumentID: "dsa/a.md", Reason: "embedding unavailable", Resumable: true}},
	}}
	loader := &stubLoader{}
	srv := newTestServer(t, Deps{Ingester: ingester, Snapshots: loader, IndexDir: "./index"})

	rec := do(t, srv, http.MethodPost, "/v1/ingest", `{"dir":"/srv/courses"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/srv/courses", ingester.lastInput)
	assert.Zero(t, ingester.resets)
	assert.Zero(t, loader.reloads)
}

func TestIngestNotConfigured(t *testing.T) {
	srv := newTestServer(t, Deps{})
	rec := do(t, srv, http.MethodPost, "/v1/ingest", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngestCorruptReload(t *testing.T) {
	ingester := &stubIngester{summary: ingestion.Summary{Published: true}}
	loader := &stubLoader{err: fmt.Errorf("%w: count mismatch", vectorindex.ErrIndexCorruption)}
	srv := newTestServer(t, Deps{Ingester: ingester, Snapshots: loader})

	rec := do(t, srv, http.MethodPost, "/v1/ingest", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCourses(t *testing.T) {
	srv := newTestServer(t, Deps{Catalog: func(context.Context) ([]knowledge.Offering, error) {
		return []knowledge.Offering{{Course: "DSA", Semester: "3", Documents: 3, Chunks: 9}}, nil
	}})

	rec := do(t, srv, http.MethodGet, "/v1/courses", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var offerings []knowledge.Offering
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &offerings))
	require.Len(t, offerings, 1)
	assert.Equal(t, "DSA", offerings[0].Course)

	rec = do(t, newTestServer(t, Deps{}), http.MethodGet, "/v1/courses", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClear(t *testing.T) {
	ingester := &stubIngester{}
	purger := &stubPurger{}
	srv := newTestServer(t, Deps{Ingester: ingester, Purgers: []Purger{purger}})

	rec := do(t, srv, http.MethodPost, "/v1/clear", `{"confirm":false}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, ingester.resets)

	rec = do(t, srv, http.MethodPost, "/v1/clear", `{"confirm":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ingester.resets)
	assert.Equal(t, 1, purger.calls)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordScore(metrics.ScoringHeuristic)

	srv := newTestServer(t, Deps{Gatherer: reg})
	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `campusqa_scores_total{method="heuristic"} 1`)
}
