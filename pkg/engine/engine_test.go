package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magpielabs/magpie/pkg/archive"
	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/docstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/relevance"
)

type fetchCall struct {
	cursor *cursorstore.Cursor
	req    *connector.IndexRequest
}

type fakeBatch struct {
	res *connector.Result
	err error
}

// fakeConnector plays back a scripted sequence of batches and records
// every cursor and request it was handed.
type fakeConnector struct {
	source     document.Source
	configured bool
	script     []fakeBatch
	calls      []fetchCall
}

var _ connector.Connector = (*fakeConnector)(nil)

func (f *fakeConnector) SourceName() string { return string(f.source) }
func (f *fakeConnector) IsConfigured() bool { return f.configured }

func (f *fakeConnector) Fetch(ctx context.Context, cursor *cursorstore.Cursor, req *connector.IndexRequest) (*connector.Result, error) {
	f.calls = append(f.calls, fetchCall{cursor: cursor, req: req.Clone()})
	i := len(f.calls) - 1
	if i >= len(f.script) {
		return &connector.Result{}, nil
	}
	if f.script[i].err != nil {
		return nil, f.script[i].err
	}
	return f.script[i].res, nil
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	err      error
	upserts  [][]document.Document
	calls    int
}

func (w *fakeWriter) Upsert(ctx context.Context, source document.Source, docs []document.Document) (docstore.UpsertStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return docstore.UpsertStats{}, w.err
	}
	w.upserts = append(w.upserts, docs)
	return docstore.UpsertStats{Documents: len(docs)}, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
}

func (s *sleepRecorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.slept))
	copy(out, s.slept)
	return out
}

type testEngine struct {
	engine   *Engine
	writer   *fakeWriter
	cursors  *cursorstore.Store
	settings *SettingsStore
	sleeps   *sleepRecorder
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, conns ...*fakeConnector) *testEngine {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry := connector.NewRegistry()
	for _, c := range conns {
		require.NoError(t, registry.Register(c))
	}

	te := &testEngine{
		writer:   &fakeWriter{},
		cursors:  cursorstore.New(client),
		settings: NewSettingsStore(client),
		sleeps:   &sleepRecorder{},
	}
	eng, err := New(Deps{
		Registry:  registry,
		Cursors:   te.cursors,
		Settings:  te.settings,
		Documents: te.writer,
		Enricher:  relevance.New(relevance.Identity{}),
	})
	require.NoError(t, err)
	eng.now = func() time.Time { return testNow }
	eng.sleep = te.sleeps.sleep
	te.engine = eng
	return te
}

func testDocs(source document.Source, prefix string, n int) []document.Document {
	docs := make([]document.Document, n)
	for i := range docs {
		docs[i] = document.Document{
			ID:      fmt.Sprintf("%s_%s_%d", source, prefix, i),
			Source:  source,
			Content: "content for " + prefix,
			Metadata: document.Metadata{
				"title":     prefix,
				"updatedAt": "2026-02-01T10:00:00Z",
			},
		}
	}
	return docs
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connector registry")
}

func TestRunBatchIndexesNewDocuments(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{{res: &connector.Result{
			Documents:     testDocs(document.SourceJira, "issue", 2),
			BatchLastSync: "2026-02-01T10:00:00Z",
		}}},
	}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	res, err := te.engine.RunBatch(ctx, document.SourceJira, &connector.IndexRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.DocumentsProcessed)
	assert.Equal(t, 2, res.DocumentsNew)
	assert.Equal(t, 0, res.DocumentsSkipped)
	assert.False(t, res.HasMore)

	require.Len(t, te.writer.upserts, 1)
	require.Len(t, te.writer.upserts[0], 2)
	_, scored := te.writer.upserts[0][0].Metadata["relevance_score"]
	assert.True(t, scored, "documents are enriched before they are written")

	hashes, err := te.cursors.BulkGetHashes(ctx, document.SourceJira, []string{"jira_issue_0", "jira_issue_1"})
	require.NoError(t, err)
	assert.NotEmpty(t, hashes[0])
	assert.NotEmpty(t, hashes[1])

	cursor, err := te.cursors.GetCursor(ctx, document.SourceJira)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "2026-02-01T10:00:00Z", cursor.LastSync)
	assert.Empty(t, cursor.SyncToken)

	status, err := te.cursors.GetStatus(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Equal(t, 2, status.DocumentsIndexed)
	assert.Equal(t, "2026-02-01T10:00:00Z", status.LastSync)
}

func TestRunBatchSkipsUnchangedDocuments(t *testing.T) {
	doc := document.Document{
		ID:       "jira_PROJ-1",
		Source:   document.SourceJira,
		Content:  "v1",
		Metadata: document.Metadata{"updatedAt": "2024-01-01T00:00:00Z"},
	}
	batch := fakeBatch{res: &connector.Result{
		Documents:     []document.Document{doc},
		BatchLastSync: "2024-01-01T00:00:00Z",
	}}
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script:     []fakeBatch{batch, batch},
	}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	first, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.DocumentsProcessed)

	second, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.DocumentsProcessed)
	assert.Equal(t, 1, second.DocumentsSkipped)
	assert.Len(t, te.writer.upserts, 1, "unchanged batch must not reach the vector store")

	cursor, err := te.cursors.GetCursor(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", cursor.LastSync)

	status, err := te.cursors.GetStatus(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Equal(t, 1, status.DocumentsIndexed)
}

func TestRunBatchCountsUpdatedDocuments(t *testing.T) {
	v1 := testDocs(document.SourceJira, "issue", 1)
	v2 := testDocs(document.SourceJira, "issue", 1)
	v2[0].Content = "revised body"

	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{
			{res: &connector.Result{Documents: v1, BatchLastSync: "2026-02-01T10:00:00Z"}},
			{res: &connector.Result{Documents: v2, BatchLastSync: "2026-02-02T10:00:00Z"}},
		},
	}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	_, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)

	res, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocumentsProcessed)
	assert.Equal(t, 0, res.DocumentsNew)
	assert.Equal(t, 1, res.DocumentsUpdated)
	assert.Len(t, te.writer.upserts, 2)
}

func TestRunBatchMidPageSeedsThenAdvancesWatermark(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{
			{res: &connector.Result{
				Documents:     testDocs(document.SourceJira, "p1", 2),
				NewCursor:     connector.NewCursor{SyncToken: `{"startAt":50}`},
				HasMore:       true,
				BatchLastSync: "2024-06-10T00:00:00Z",
			}},
			{res: &connector.Result{
				Documents:     testDocs(document.SourceJira, "p2", 2),
				BatchLastSync: "2024-06-15T00:00:00Z",
			}},
		},
	}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	res, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)
	assert.True(t, res.HasMore)

	cursor, err := te.cursors.GetCursor(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Equal(t, `{"startAt":50}`, cursor.SyncToken)
	assert.Equal(t, "2024-06-10T00:00:00Z", cursor.LastSync, "first page of a fresh sweep seeds the watermark")

	res, err = te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)
	assert.False(t, res.HasMore)

	require.Len(t, fake.calls, 2)
	require.NotNil(t, fake.calls[1].cursor)
	assert.Equal(t, `{"startAt":50}`, fake.calls[1].cursor.SyncToken)

	cursor, err = te.cursors.GetCursor(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Empty(t, cursor.SyncToken)
	assert.Equal(t, "2024-06-15T00:00:00Z", cursor.LastSync)
}

func TestRunBatchMidPageKeepsPriorWatermark(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{{res: &connector.Result{
			Documents:     testDocs(document.SourceJira, "p1", 1),
			NewCursor:     connector.NewCursor{SyncToken: `{"startAt":50}`},
			HasMore:       true,
			BatchLastSync: "2026-02-20T00:00:00Z",
		}}},
	}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	require.NoError(t, te.cursors.SaveCursor(ctx, &cursorstore.Cursor{
		Source:   document.SourceJira,
		LastSync: "2026-01-01T00:00:00Z",
	}))

	_, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)

	cursor, err := te.cursors.GetCursor(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T00:00:00Z", cursor.LastSync, "watermark must not move mid-page")
	assert.Equal(t, `{"startAt":50}`, cursor.SyncToken)
}

func TestRunBatchEmptyBatchUsesNow(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script:     []fakeBatch{{res: &connector.Result{}}},
	}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	res, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.DocumentsProcessed)

	cursor, err := te.cursors.GetCursor(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00Z", cursor.LastSync)
	assert.Empty(t, te.writer.upserts)
}

func TestRunBatchConfigChangeForcesFullReindex(t *testing.T) {
	doc := testDocs(document.SourceJira, "issue", 1)
	batch := fakeBatch{res: &connector.Result{
		Documents:     doc,
		BatchLastSync: "2026-02-01T10:00:00Z",
	}}
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script:     []fakeBatch{batch, batch},
	}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	_, err := te.engine.RunBatch(ctx, document.SourceJira, &connector.IndexRequest{ProjectKeys: []string{"ENG"}})
	require.NoError(t, err)

	cursor, err := te.cursors.GetCursor(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Equal(t, "ENG", cursor.ConfigKey())

	// Same document, different project filter: the cursor no longer
	// describes the requested document set.
	res, err := te.engine.RunBatch(ctx, document.SourceJira, &connector.IndexRequest{ProjectKeys: []string{"OPS"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocumentsNew, "full reindex bypasses the hash diff")
	assert.Equal(t, 0, res.DocumentsSkipped)
	assert.Len(t, te.writer.upserts, 2)

	require.Len(t, fake.calls, 2)
	assert.Nil(t, fake.calls[1].cursor, "a filter change restarts the sweep from the beginning")

	cursor, err = te.cursors.GetCursor(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Equal(t, "OPS", cursor.ConfigKey())
}

func TestRunBatchMergesPersistedSettings(t *testing.T) {
	fake := &fakeConnector{source: document.SourceJira, configured: true}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	require.NoError(t, te.settings.Save(ctx, document.SourceJira, &connector.IndexRequest{
		ProjectKeys: []string{"OPS"},
	}))

	_, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"OPS"}, fake.calls[0].req.ProjectKeys, "absent fields fill from settings")

	_, err = te.engine.RunBatch(ctx, document.SourceJira, &connector.IndexRequest{ProjectKeys: []string{"ENG"}})
	require.NoError(t, err)
	require.Len(t, fake.calls, 2)
	assert.Equal(t, []string{"ENG"}, fake.calls[1].req.ProjectKeys, "request fields win over settings")
}

func TestRunBatchGmailSettingsMergePerSubfield(t *testing.T) {
	fake := &fakeConnector{source: document.SourceGmail, configured: true}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	require.NoError(t, te.settings.Save(ctx, document.SourceGmail, &connector.IndexRequest{
		Gmail: &connector.GmailSettings{
			Domains: []string{"acme.com"},
			Labels:  []string{"important"},
		},
	}))

	_, err := te.engine.RunBatch(ctx, document.SourceGmail, &connector.IndexRequest{
		Gmail: &connector.GmailSettings{Labels: []string{"starred"}},
	})
	require.NoError(t, err)

	require.Len(t, fake.calls, 1)
	got := fake.calls[0].req.Gmail
	require.NotNil(t, got)
	assert.Equal(t, []string{"acme.com"}, got.Domains, "unset subfield fills from settings")
	assert.Equal(t, []string{"starred"}, got.Labels, "set subfield wins")
	assert.Empty(t, got.Senders)
}

func TestRunBatchMergesCursorMetadataEveryBatch(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceCalendar,
		configured: true,
		script: []fakeBatch{
			{res: &connector.Result{
				Documents: testDocs(document.SourceCalendar, "ev1", 1),
				NewCursor: connector.NewCursor{Metadata: map[string]any{
					"calendarIndex": 1,
					"pageToken":     "",
					"syncTokens":    map[string]any{"team": "sync-1"},
				}},
				HasMore:       true,
				BatchLastSync: "2026-02-01T10:00:00Z",
			}},
			{res: &connector.Result{
				Documents: testDocs(document.SourceCalendar, "ev2", 1),
				NewCursor: connector.NewCursor{Metadata: map[string]any{
					"calendarIndex": 2,
					"pageToken":     "",
					"syncTokens":    map[string]any{"team": "sync-1", "primary": "sync-2"},
				}},
				BatchLastSync: "2026-02-02T10:00:00Z",
			}},
		},
	}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	_, err := te.engine.RunBatch(ctx, document.SourceCalendar, nil)
	require.NoError(t, err)

	cursor, err := te.cursors.GetCursor(ctx, document.SourceCalendar)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, float64(1), cursor.Metadata["calendarIndex"])

	// The sweep position rides in metadata even though the sync token is
	// empty; the connector must get it back on the next call.
	_, err = te.engine.RunBatch(ctx, document.SourceCalendar, nil)
	require.NoError(t, err)
	require.Len(t, fake.calls, 2)
	require.NotNil(t, fake.calls[1].cursor)
	assert.Equal(t, float64(1), fake.calls[1].cursor.Metadata["calendarIndex"])

	cursor, err = te.cursors.GetCursor(ctx, document.SourceCalendar)
	require.NoError(t, err)
	tokens, ok := cursor.Metadata["syncTokens"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sync-1", tokens["team"])
	assert.Equal(t, "sync-2", tokens["primary"])
	assert.Equal(t, "2026-02-02T10:00:00Z", cursor.LastSync)
}

func TestRunBatchRetriesVectorWrites(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{{res: &connector.Result{
			Documents:     testDocs(document.SourceJira, "issue", 1),
			BatchLastSync: "2026-02-01T10:00:00Z",
		}}},
	}
	te := newTestEngine(t, fake)
	te.writer.failures = 2
	te.writer.err = errors.New("qdrant unavailable")
	ctx := context.Background()

	res, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocumentsProcessed)
	assert.Equal(t, 3, te.writer.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, batchPause}, te.sleeps.durations())

	hashes, err := te.cursors.BulkGetHashes(ctx, document.SourceJira, []string{"jira_issue_0"})
	require.NoError(t, err)
	assert.NotEmpty(t, hashes[0])
}

func TestRunBatchGivesUpAfterThreeWriteAttempts(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{{res: &connector.Result{
			Documents:     testDocs(document.SourceJira, "issue", 1),
			BatchLastSync: "2026-02-01T10:00:00Z",
		}}},
	}
	te := newTestEngine(t, fake)
	te.writer.failures = 3
	te.writer.err = errors.New("qdrant unavailable")
	ctx := context.Background()

	_, err := te.engine.RunBatch(ctx, document.SourceJira, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, te.writer.calls)

	// Nothing may advance when the vector store never accepted the batch.
	hashes, err := te.cursors.BulkGetHashes(ctx, document.SourceJira, []string{"jira_issue_0"})
	require.NoError(t, err)
	assert.Empty(t, hashes[0])

	cursor, err := te.cursors.GetCursor(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Nil(t, cursor)

	status, err := te.cursors.GetStatus(ctx, document.SourceJira)
	require.NoError(t, err)
	assert.Equal(t, 0, status.DocumentsIndexed)
}

func TestRunBatchUnconfiguredSourceSkips(t *testing.T) {
	fake := &fakeConnector{source: document.SourceJira, configured: false}
	te := newTestEngine(t, fake)

	res, err := te.engine.RunBatch(context.Background(), document.SourceJira, nil)
	require.NoError(t, err)
	assert.Equal(t, &BatchResult{}, res)
	assert.Empty(t, fake.calls, "unconfigured sources are skipped, not fetched")
}

func TestRunBatchUnknownSourceErrors(t *testing.T) {
	te := newTestEngine(t)

	_, err := te.engine.RunBatch(context.Background(), document.SourceJira, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no connector registered")
}

func TestRunBatchArchivesRawDocuments(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{{res: &connector.Result{
			Documents:     testDocs(document.SourceJira, "issue", 1),
			BatchLastSync: "2026-02-01T10:00:00Z",
		}}},
	}
	te := newTestEngine(t, fake)
	dir := t.TempDir()
	te.engine.archive = archive.New(dir)

	_, err := te.engine.RunBatch(context.Background(), document.SourceJira, nil)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "jira", "jira_issue_0.json"))
	assert.NoError(t, err)
}

func TestRunBatchPacing(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceSlack,
		configured: true,
		script: []fakeBatch{
			{res: &connector.Result{
				Documents:     testDocs(document.SourceSlack, "m1", 300),
				NewCursor:     connector.NewCursor{SyncToken: `{"channelIndex":0,"cursor":"c2"}`},
				HasMore:       true,
				BatchLastSync: "2026-02-01T10:00:00Z",
			}},
			{res: &connector.Result{
				Documents:     testDocs(document.SourceSlack, "m2", 250),
				BatchLastSync: "2026-02-01T11:00:00Z",
			}},
		},
	}
	te := newTestEngine(t, fake)
	ctx := context.Background()

	_, err := te.engine.RunBatch(ctx, document.SourceSlack, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{batchPause}, te.sleeps.durations())

	// 300 + 250 crosses the 500 document threshold.
	_, err = te.engine.RunBatch(ctx, document.SourceSlack, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{batchPause, batchPause, bulkPause}, te.sleeps.durations())
}

func TestRunSourceSweepsUntilDone(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{
			{res: &connector.Result{
				Documents:     testDocs(document.SourceJira, "p1", 2),
				NewCursor:     connector.NewCursor{SyncToken: `{"startAt":2}`},
				HasMore:       true,
				BatchLastSync: "2026-02-01T10:00:00Z",
			}},
			{res: &connector.Result{
				Documents:     testDocs(document.SourceJira, "p2", 2),
				NewCursor:     connector.NewCursor{SyncToken: `{"startAt":4}`},
				HasMore:       true,
				BatchLastSync: "2026-02-01T11:00:00Z",
			}},
			{res: &connector.Result{
				Documents:     testDocs(document.SourceJira, "p3", 1),
				BatchLastSync: "2026-02-01T12:00:00Z",
			}},
		},
	}
	te := newTestEngine(t, fake)

	stats, err := te.engine.RunSource(context.Background(), document.SourceJira, &connector.IndexRequest{FullReindex: true})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 5, stats.DocumentsProcessed)
	assert.Equal(t, 5, stats.DocumentsNew)

	require.Len(t, fake.calls, 3)
	assert.Nil(t, fake.calls[0].cursor)
	assert.True(t, fake.calls[0].req.FullReindex)
	assert.False(t, fake.calls[1].req.FullReindex, "full reindex applies to the first batch only")
	require.NotNil(t, fake.calls[1].cursor, "later batches follow the cursor the sweep produced")
	assert.Equal(t, `{"startAt":2}`, fake.calls[1].cursor.SyncToken)
}

func TestRunSourceClearsTokenBeforeFinalRetry(t *testing.T) {
	boom := errors.New("upstream 500")
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{
			{res: &connector.Result{
				Documents:     testDocs(document.SourceJira, "p1", 1),
				NewCursor:     connector.NewCursor{SyncToken: `{"startAt":1}`},
				HasMore:       true,
				BatchLastSync: "2026-02-01T10:00:00Z",
			}},
			{err: boom},
			{err: boom},
			{res: &connector.Result{
				Documents:     testDocs(document.SourceJira, "p2", 1),
				BatchLastSync: "2026-02-01T11:00:00Z",
			}},
		},
	}
	te := newTestEngine(t, fake)

	stats, err := te.engine.RunSource(context.Background(), document.SourceJira, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Batches)

	require.Len(t, fake.calls, 4)
	require.NotNil(t, fake.calls[3].cursor)
	assert.Empty(t, fake.calls[3].cursor.SyncToken, "pagination state is dropped before the last retry")
	assert.Equal(t, "2026-02-01T10:00:00Z", fake.calls[3].cursor.LastSync, "the watermark survives the token reset")

	assert.Equal(t, []time.Duration{batchPause, 2 * time.Second, 4 * time.Second, batchPause}, te.sleeps.durations())
}

func TestRunSourceAbortsAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("upstream 500")
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script:     []fakeBatch{{err: boom}, {err: boom}, {err: boom}},
	}
	te := newTestEngine(t, fake)

	_, err := te.engine.RunSource(context.Background(), document.SourceJira, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 consecutive failures")
	assert.Len(t, fake.calls, 3)
}

func TestRunSourceStopsOnCancel(t *testing.T) {
	fake := &fakeConnector{
		source:     document.SourceJira,
		configured: true,
		script: []fakeBatch{{res: &connector.Result{
			Documents:     testDocs(document.SourceJira, "p1", 1),
			NewCursor:     connector.NewCursor{SyncToken: `{"startAt":1}`},
			HasMore:       true,
			BatchLastSync: "2026-02-01T10:00:00Z",
		}}},
	}
	te := newTestEngine(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	te.engine.sleep = func(ctx context.Context, d time.Duration) { cancel() }

	_, err := te.engine.RunSource(ctx, document.SourceJira, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, fake.calls, 1, "cancellation lands at the batch boundary")
}
