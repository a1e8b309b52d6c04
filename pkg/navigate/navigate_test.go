package navigate

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magpielabs/magpie/pkg/docstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/vector"
)

type stubProvider struct {
	vector.NilProvider

	records       map[string]map[string]vector.Record
	scrollFilters []vector.Filter
}

func newStubProvider() *stubProvider {
	return &stubProvider{records: map[string]map[string]vector.Record{}}
}

func (p *stubProvider) add(source document.Source, id string, meta map[string]any) {
	collection := docstore.Collection(source)
	if p.records[collection] == nil {
		p.records[collection] = map[string]vector.Record{}
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["source"] = string(source)
	p.records[collection][id] = vector.Record{ID: id, Metadata: meta}
}

func (p *stubProvider) Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]vector.Record, error) {
	var out []vector.Record
	for _, id := range ids {
		if rec, ok := p.records[collection][id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (p *stubProvider) Scroll(ctx context.Context, collection string, filter vector.Filter, limit int, offset string) ([]vector.Record, string, error) {
	p.scrollFilters = append(p.scrollFilters, filter)

	ids := make([]string, 0, len(p.records[collection]))
	for id := range p.records[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var matched []vector.Record
	for _, id := range ids {
		rec := p.records[collection][id]
		if filter.Matches(rec.Metadata) {
			matched = append(matched, rec)
		}
	}

	start := 0
	if offset != "" {
		start, _ = strconv.Atoi(offset)
	}
	if start >= len(matched) {
		return nil, "", nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	next := ""
	if end < len(matched) {
		next = strconv.Itoa(end)
	}
	return matched[start:end], next, nil
}

func newTestNavigator(t *testing.T) (*Navigator, *stubProvider) {
	t.Helper()
	provider := newStubProvider()
	nav, err := New(provider)
	require.NoError(t, err)
	return nav, provider
}

func relatedIDs(resp *Response) []string {
	ids := make([]string, 0, len(resp.Related))
	for _, item := range resp.Related {
		ids = append(ids, item.ID)
	}
	return ids
}

func TestRequestDefaults(t *testing.T) {
	req := Request{DocumentID: "x", Direction: DirectionNext}
	req.SetDefaults()
	assert.Equal(t, ScopeDatapoint, req.Scope)
	assert.Equal(t, DefaultLimit, req.Limit)
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{
			name:    "missing id",
			req:     Request{Direction: DirectionNext, Scope: ScopeChunk, Limit: 1},
			wantErr: "documentId is required",
		},
		{
			name:    "bad direction",
			req:     Request{DocumentID: "x", Direction: "sideways", Scope: ScopeChunk, Limit: 1},
			wantErr: "unknown direction",
		},
		{
			name:    "bad scope",
			req:     Request{DocumentID: "x", Direction: DirectionNext, Scope: "galaxy", Limit: 1},
			wantErr: "unknown scope",
		},
		{
			name: "valid",
			req:  Request{DocumentID: "x", Direction: DirectionParent, Scope: ScopeDatapoint, Limit: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNavigateUnknownDocument(t *testing.T) {
	nav, _ := newTestNavigator(t)

	_, err := nav.Navigate(context.Background(), Request{DocumentID: "ghost", Direction: DirectionNext})
	require.Error(t, err)
	assert.True(t, errors.Is(err, vector.ErrNotFound))
}

func seedChunkedPage(p *stubProvider) {
	for i := 0; i < 3; i++ {
		p.add(document.SourceConfluence, "confluence_9_chunk_"+strconv.Itoa(i), map[string]any{
			docstore.KeyParentDocID: "confluence_9",
			docstore.KeyChunkIndex:  float64(i),
			docstore.KeyTotalChunks: float64(3),
			docstore.KeyContent:     "part " + strconv.Itoa(i),
		})
	}
}

func TestChunkScopeNextAndPrev(t *testing.T) {
	nav, provider := newTestNavigator(t)
	seedChunkedPage(provider)

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "confluence_9_chunk_1",
		Direction:  DirectionNext,
		Scope:      ScopeChunk,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"confluence_9_chunk_2"}, relatedIDs(resp))
	assert.True(t, resp.Navigation.HasPrev)
	assert.True(t, resp.Navigation.HasNext)
	assert.Equal(t, "confluence_9", resp.Navigation.ParentID)
	assert.Equal(t, "document", resp.Navigation.ContextType)
	assert.Equal(t, 2, resp.Navigation.TotalSiblings)

	resp, err = nav.Navigate(context.Background(), Request{
		DocumentID: "confluence_9_chunk_0",
		Direction:  DirectionPrev,
		Scope:      ScopeChunk,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Related)
	assert.False(t, resp.Navigation.HasPrev)
	assert.True(t, resp.Navigation.HasNext)
}

func TestChunkScopeSiblings(t *testing.T) {
	nav, provider := newTestNavigator(t)
	seedChunkedPage(provider)

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "confluence_9_chunk_1",
		Direction:  DirectionSiblings,
		Scope:      ScopeChunk,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"confluence_9_chunk_0", "confluence_9_chunk_2"}, relatedIDs(resp))
	assert.Equal(t, 2, resp.Navigation.TotalSiblings)
}

func TestChunkScopeSingleChunkDocument(t *testing.T) {
	nav, provider := newTestNavigator(t)
	provider.add(document.SourceJira, "jira_CORE-1", map[string]any{docstore.KeyContent: "solo"})

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "jira_CORE-1",
		Direction:  DirectionNext,
		Scope:      ScopeChunk,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Related)
	assert.False(t, resp.Navigation.HasPrev)
	assert.False(t, resp.Navigation.HasNext)
	assert.Zero(t, resp.Navigation.TotalSiblings)
}

func seedSlackThread(p *stubProvider) {
	msgs := []struct {
		id string
		ts string
	}{
		{"slack_m1", "2026-03-01T10:00:00Z"},
		{"slack_m2", "2026-03-01T10:05:00Z"},
		{"slack_m3", "2026-03-01T10:10:00Z"},
	}
	for _, m := range msgs {
		p.add(document.SourceSlack, m.id, map[string]any{
			"channelId":         "C123",
			"threadTs":          "1714000000.000100",
			"timestamp":         m.ts,
			docstore.KeyContent: "msg " + m.id,
		})
	}
	// Same channel, outside the thread.
	p.add(document.SourceSlack, "slack_loose", map[string]any{
		"channelId":         "C123",
		"timestamp":         "2026-03-01T09:00:00Z",
		docstore.KeyContent: "loose",
	})
}

func TestDatapointScopeSlackThread(t *testing.T) {
	nav, provider := newTestNavigator(t)
	seedSlackThread(provider)

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "slack_m2",
		Direction:  DirectionPrev,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"slack_m1"}, relatedIDs(resp))
	assert.Equal(t, "thread", resp.Navigation.ContextType)
	assert.True(t, resp.Navigation.HasPrev)
	assert.True(t, resp.Navigation.HasNext)
	assert.Equal(t, 2, resp.Navigation.TotalSiblings)

	resp, err = nav.Navigate(context.Background(), Request{
		DocumentID: "slack_m2",
		Direction:  DirectionNext,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"slack_m3"}, relatedIDs(resp))

	resp, err = nav.Navigate(context.Background(), Request{
		DocumentID: "slack_m2",
		Direction:  DirectionSiblings,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"slack_m1", "slack_m3"}, relatedIDs(resp))
}

func TestDatapointScopeChannelFallback(t *testing.T) {
	nav, provider := newTestNavigator(t)
	seedSlackThread(provider)

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "slack_loose",
		Direction:  DirectionNext,
	})
	require.NoError(t, err)
	// Without a threadTs the whole channel is the group, ordered by time.
	assert.Equal(t, "channel", resp.Navigation.ContextType)
	assert.Equal(t, []string{"slack_m1", "slack_m2", "slack_m3"}, relatedIDs(resp))
	assert.False(t, resp.Navigation.HasPrev)
}

func TestContextScopeWidensSlackThread(t *testing.T) {
	nav, provider := newTestNavigator(t)
	seedSlackThread(provider)

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "slack_m1",
		Direction:  DirectionPrev,
		Scope:      ScopeContext,
	})
	require.NoError(t, err)
	assert.Equal(t, "channel", resp.Navigation.ContextType)
	// The loose channel message precedes the thread in channel order.
	assert.Equal(t, []string{"slack_loose"}, relatedIDs(resp))
	assert.Equal(t, 3, resp.Navigation.TotalSiblings)
}

func TestContextSiblingsPreferSharedParent(t *testing.T) {
	nav, provider := newTestNavigator(t)
	provider.add(document.SourceConfluence, "confluence_1", map[string]any{
		"space": "ENG", "parentId": "100", "updatedAt": "2026-01-01T00:00:00Z",
	})
	provider.add(document.SourceConfluence, "confluence_2", map[string]any{
		"space": "ENG", "parentId": "100", "updatedAt": "2026-01-02T00:00:00Z",
	})
	provider.add(document.SourceConfluence, "confluence_3", map[string]any{
		"space": "ENG", "updatedAt": "2026-01-03T00:00:00Z",
	})

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "confluence_1",
		Direction:  DirectionSiblings,
		Scope:      ScopeContext,
	})
	require.NoError(t, err)
	// confluence_3 shares the space but not the parent page.
	assert.Equal(t, []string{"confluence_2"}, relatedIDs(resp))
	assert.Equal(t, 1, resp.Navigation.TotalSiblings)
}

func TestParentConfluenceComment(t *testing.T) {
	nav, provider := newTestNavigator(t)
	provider.add(document.SourceConfluence, "confluence_555", map[string]any{
		"type": "comment", "parentId": "123", "space": "ENG",
	})
	provider.add(document.SourceConfluence, "confluence_123", map[string]any{
		"type": "page", "space": "ENG", docstore.KeyContent: "the page",
	})

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "confluence_555",
		Direction:  DirectionParent,
	})
	require.NoError(t, err)
	assert.Equal(t, "confluence_123", resp.Navigation.ParentID)
	require.Len(t, resp.Related, 1)
	assert.Equal(t, "confluence_123", resp.Related[0].ID)
	assert.Equal(t, "the page", resp.Related[0].Content)
}

func TestParentStoredAsAddressable(t *testing.T) {
	nav, provider := newTestNavigator(t)
	provider.add(document.SourceJira, "jira_CORE-2", map[string]any{
		"parentId": "jira_CORE-1", "project": "CORE",
	})
	provider.add(document.SourceJira, "jira_CORE-1", map[string]any{"project": "CORE"})

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "jira_CORE-2",
		Direction:  DirectionParent,
	})
	require.NoError(t, err)
	assert.Equal(t, "jira_CORE-1", resp.Navigation.ParentID)
	require.Len(t, resp.Related, 1)
	assert.Equal(t, "jira_CORE-1", resp.Related[0].ID)
}

func TestParentAbsent(t *testing.T) {
	nav, provider := newTestNavigator(t)
	provider.add(document.SourceJira, "jira_CORE-1", map[string]any{"project": "CORE"})

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "jira_CORE-1",
		Direction:  DirectionParent,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Related)
	assert.Empty(t, resp.Navigation.ParentID)
}

func TestChildrenCombinesParentLinksAndChunks(t *testing.T) {
	nav, provider := newTestNavigator(t)
	provider.add(document.SourceConfluence, "confluence_123", map[string]any{
		"type": "page", "space": "ENG",
	})
	// Child pages reference the logical id, without the source prefix.
	provider.add(document.SourceConfluence, "confluence_200", map[string]any{
		"parentId": "123", "space": "ENG",
	})
	provider.add(document.SourceConfluence, "confluence_201", map[string]any{
		"parentId": "123", "space": "ENG",
	})
	// Chunks reference the stored id.
	provider.add(document.SourceConfluence, "confluence_123_chunk_0", map[string]any{
		docstore.KeyParentDocID: "confluence_123",
		docstore.KeyChunkIndex:  float64(0),
	})

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "confluence_123",
		Direction:  DirectionChildren,
	})
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"confluence_200", "confluence_201", "confluence_123_chunk_0"},
		relatedIDs(resp))
	assert.Equal(t, 3, resp.Navigation.TotalSiblings)
}

func TestChildrenHonorsLimit(t *testing.T) {
	nav, provider := newTestNavigator(t)
	provider.add(document.SourceConfluence, "confluence_123", map[string]any{"space": "ENG"})
	for i := 0; i < 5; i++ {
		provider.add(document.SourceConfluence, "confluence_30"+strconv.Itoa(i), map[string]any{
			"parentId": "123", "space": "ENG",
		})
	}

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "confluence_123",
		Direction:  DirectionChildren,
		Limit:      2,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Related, 2)
}

func TestCalendarDatapointSpansCollection(t *testing.T) {
	nav, provider := newTestNavigator(t)
	provider.add(document.SourceCalendar, "calendar_e1", map[string]any{"start": "2026-03-01T09:00:00Z"})
	provider.add(document.SourceCalendar, "calendar_e2", map[string]any{"start": "2026-03-02T09:00:00Z"})
	provider.add(document.SourceCalendar, "calendar_e3", map[string]any{"start": "2026-03-03T09:00:00Z"})

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "calendar_e2",
		Direction:  DirectionPrev,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"calendar_e1"}, relatedIDs(resp))
	assert.Equal(t, "calendar", resp.Navigation.ContextType)
	assert.True(t, resp.Navigation.HasNext)
}

func TestGroupOrderFallsBackToCreatedAt(t *testing.T) {
	nav, provider := newTestNavigator(t)
	provider.add(document.SourceGmail, "gmail_a", map[string]any{
		"threadId": "T1", docstore.KeyCreatedAtTs: float64(1000),
	})
	provider.add(document.SourceGmail, "gmail_b", map[string]any{
		"threadId": "T1", "date": "2026-03-01T00:00:00Z",
	})

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "gmail_b",
		Direction:  DirectionPrev,
	})
	require.NoError(t, err)
	// gmail_a has no date field but its stored epoch orders it first.
	assert.Equal(t, []string{"gmail_a"}, relatedIDs(resp))
	assert.Equal(t, "thread", resp.Navigation.ContextType)
}

func TestGroupNeighborsPaginatesScroll(t *testing.T) {
	nav, provider := newTestNavigator(t)
	for i := 0; i < groupScanPage+50; i++ {
		provider.add(document.SourceJira, "jira_T-"+strconv.Itoa(1000+i), map[string]any{
			"project":   "T",
			"updatedAt": "2026-01-01T00:00:00Z",
		})
	}

	resp, err := nav.Navigate(context.Background(), Request{
		DocumentID: "jira_T-1000",
		Direction:  DirectionSiblings,
		Limit:      5,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Related, 5)
	assert.Equal(t, groupScanPage+49, resp.Navigation.TotalSiblings)
}
