package retriever

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-ai/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-ai/orbit/internal/domain"
)

func TestPassthroughConversationalTurnSkipsRetrieval(t *testing.T) {
	t.Parallel()
	back := &fakeBackend{}
	r, err := NewPassthroughRetriever("chat", nil, testQdrantDS(), &fakeEmbedder{vec: []float32{1}}, back, newTestPools(t))
	require.NoError(t, err)

	docs, meta, err := r.GetRelevantContext(context.Background(), "hello there", domain.RetrieveOptions{})
	require.NoError(t, err)
	assert.Nil(t, docs)
	assert.Zero(t, meta)
	assert.Equal(t, 0, back.searchCalls)
}

func TestPassthroughSearchesOnlySuppliedFiles(t *testing.T) {
	t.Parallel()
	back := &fakeBackend{points: []qdrant.ScoredPoint{
		{ID: "c1", Score: 0.9, Payload: map[string]any{
			"content": "chapter one", "file_id": "f-1", "chunk_id": "f-1:0",
		}},
	}}
	r, err := NewPassthroughRetriever("chat", nil, testQdrantDS(), &fakeEmbedder{vec: []float32{1}}, back, newTestPools(t))
	require.NoError(t, err)

	docs, meta, err := r.GetRelevantContext(context.Background(), "summarize the upload", domain.RetrieveOptions{
		FileIDs: []string{"f-1", "f-2"},
	})
	require.NoError(t, err)

	assert.Equal(t, "orbit_files", back.lastCollection)
	assert.Equal(t, []string{"f-1", "f-2"}, back.lastParams.FileIDs)

	require.Len(t, docs, 1)
	assert.Equal(t, "chapter one", docs[0].Content)
	assert.Equal(t, "f-1", docs[0].Metadata.Source)
	assert.Equal(t, "f-1:0", docs[0].Metadata.ChunkID)
	assert.Equal(t, 1, meta.ResultCount)
}

func TestPassthroughFileIDsWithoutBackend(t *testing.T) {
	t.Parallel()
	r, err := NewPassthroughRetriever("chat", nil, testQdrantDS(), nil, nil, newTestPools(t))
	require.NoError(t, err)

	// A pure conversational turn works without any backend.
	_, _, err = r.GetRelevantContext(context.Background(), "hi", domain.RetrieveOptions{})
	require.NoError(t, err)

	_, _, err = r.GetRelevantContext(context.Background(), "hi", domain.RetrieveOptions{FileIDs: []string{"f-1"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPassthroughConfidenceAndTruncation(t *testing.T) {
	t.Parallel()
	back := &fakeBackend{points: []qdrant.ScoredPoint{
		{ID: "a", Score: 0.9, Payload: map[string]any{"content": "a"}},
		{ID: "b", Score: 0.8, Payload: map[string]any{"content": "b"}},
		{ID: "c", Score: 0.2, Payload: map[string]any{"content": "c"}},
	}}
	raw := map[string]any{"confidence_threshold": 0.5, "return_results": 1}
	r, err := NewPassthroughRetriever("chat", raw, testQdrantDS(), &fakeEmbedder{vec: []float32{1}}, back, newTestPools(t))
	require.NoError(t, err)

	docs, meta, err := r.GetRelevantContext(context.Background(), "q", domain.RetrieveOptions{FileIDs: []string{"f-1"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].Content)
	assert.Equal(t, 3, meta.TotalAvailable)
	assert.Equal(t, 2, meta.Stages.Confidence)
	assert.True(t, meta.Truncated)
}

func TestPassthroughCustomFileCollection(t *testing.T) {
	t.Parallel()
	back := &fakeBackend{}
	raw := map[string]any{"file_collection": "tenant_uploads"}
	r, err := NewPassthroughRetriever("chat", raw, testQdrantDS(), &fakeEmbedder{vec: []float32{1}}, back, newTestPools(t))
	require.NoError(t, err)

	_, _, err = r.GetRelevantContext(context.Background(), "q", domain.RetrieveOptions{FileIDs: []string{"f-1"}})
	require.NoError(t, err)
	assert.Equal(t, "tenant_uploads", back.lastCollection)
}
