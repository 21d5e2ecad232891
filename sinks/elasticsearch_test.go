package sinks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeElastic struct {
	mu      sync.Mutex
	status  int
	indexed map[string][]byte
	methods map[string]string
}

func newFakeElastic(t *testing.T, status int) (*fakeElastic, *httptest.Server) {
	t.Helper()
	fake := &fakeElastic{status: status, indexed: map[string][]byte{}, methods: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, srv
}

func (f *fakeElastic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/" {
		io.WriteString(w, `{"name":"test","cluster_name":"test","version":{"number":"8.10.0"},"tagline":"You Know, for Search"}`)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.indexed[r.URL.Path] = body
	f.methods[r.URL.Path] = r.Method
	f.mu.Unlock()

	w.WriteHeader(f.status)
	if f.status >= 300 {
		io.WriteString(w, `{"error":{"type":"mapper_parsing_exception"},"status":400}`)
		return
	}
	io.WriteString(w, `{"_index":"events","result":"created"}`)
}

func openTestElasticSink(t *testing.T, url string) *ElasticSink {
	t.Helper()
	s, err := NewElasticsearchSink(ElasticsearchConfig{Addresses: []string{url}, Index: "events"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestElasticSink_IndexesByTokenDigest(t *testing.T) {
	fake, srv := newFakeElastic(t, http.StatusCreated)
	s := openTestElasticSink(t, srv.URL)

	require.NoError(t, s.Append(context.Background(), testEvent(t, "826A01", 3)))

	path := "/events/_doc/" + documentID("826A01")
	fake.mu.Lock()
	defer fake.mu.Unlock()
	body, ok := fake.indexed[path]
	require.True(t, ok, "document should be indexed under the token digest")
	assert.Equal(t, http.MethodPut, fake.methods[path])

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "826A01", doc["resume_token"])
	assert.Equal(t, "insert", doc["operation_type"])
	assert.Equal(t, "app.users", doc["namespace"])
	assert.NotContains(t, doc, "_id")
	event, ok := doc["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"_data": "826A01"}, event["_id"])
}

func TestElasticSink_LongTokenFitsIDLimit(t *testing.T) {
	fake, srv := newFakeElastic(t, http.StatusCreated)
	s := openTestElasticSink(t, srv.URL)

	token := "82" + strings.Repeat("A1B2", 300)
	require.Greater(t, len(token), 512)
	require.NoError(t, s.Append(context.Background(), testEvent(t, token, 9)))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.indexed, 1)
	for path, body := range fake.indexed {
		id := strings.TrimPrefix(path, "/events/_doc/")
		assert.Len(t, id, 64)
		assert.Equal(t, documentID(token), id)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(body, &doc))
		assert.Equal(t, token, doc["resume_token"])
	}
}

func TestDocumentID(t *testing.T) {
	assert.Equal(t, documentID("826A01"), documentID("826A01"))
	assert.NotEqual(t, documentID("826A01"), documentID("826A02"))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", documentID(""))
}

func TestElasticSink_ErrorResponseFails(t *testing.T) {
	_, srv := newFakeElastic(t, http.StatusBadRequest)
	s := openTestElasticSink(t, srv.URL)

	err := s.Append(context.Background(), testEvent(t, "826A02", 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestElasticSink_AppendBeforeOpen(t *testing.T) {
	s, err := NewElasticsearchSink(ElasticsearchConfig{Addresses: []string{"http://127.0.0.1:1"}, Index: "events"}, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Append(context.Background(), testEvent(t, "t", 1)), ErrSinkNotOpen)
}
