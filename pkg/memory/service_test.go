package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(opts ...ServiceOption) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(logger, append([]ServiceOption{WithEnrichment(false)}, opts...)...)
}

func userCtx(user string) Context {
	return Context{User: user}
}

func TestStoreRequiresUser(t *testing.T) {
	s := testService()
	_, err := s.Store(context.Background(), StoreRequest{Content: "x"}, Context{})
	assert.ErrorIs(t, err, ErrUserRequired)
}

func TestStoreValidation(t *testing.T) {
	s := testService()

	_, err := s.Store(context.Background(), StoreRequest{Content: "   "}, userCtx("alice"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)

	_, err = s.Store(context.Background(), StoreRequest{Content: "x", Layer: "eternal"}, userCtx("alice"))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "layer", verr.Field)
}

func TestStoreDefaultsAndIdentity(t *testing.T) {
	s := testService()

	first, err := s.Store(context.Background(), StoreRequest{Content: "one"}, userCtx("alice"))
	require.NoError(t, err)
	second, err := s.Store(context.Background(), StoreRequest{Content: "two"}, userCtx("alice"))
	require.NoError(t, err)

	assert.Equal(t, LayerWorking, first.Layer)
	assert.Equal(t, RoleUser, first.Role)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.Timestamp.IsZero())
}

func TestRecallScoresByTagOverlap(t *testing.T) {
	s := testService()
	ctx := context.Background()
	mctx := userCtx("alice")

	seed := []StoreRequest{
		{Content: "note one", Layer: LayerEpisodic, Tags: []string{"parquet", "encoding"}},
		{Content: "note two", Layer: LayerEpisodic, Tags: []string{"parquet"}},
		{Content: "note three", Layer: LayerEpisodic, Tags: []string{"encoding"}},
	}
	for _, req := range seed {
		_, err := s.Store(ctx, req, mctx)
		require.NoError(t, err)
	}

	records, err := s.Recall(ctx, RecallRequest{Query: "parquet encoding"}, mctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "note one", records[0].Content, "full tag overlap ranks first")
	assert.Greater(t, records[0].Score, records[1].Score)
}

func TestRecallLayerSelection(t *testing.T) {
	s := testService()
	ctx := context.Background()
	mctx := userCtx("alice")

	_, err := s.Store(ctx, StoreRequest{Content: "short lived fact", Layer: LayerWorking, Tags: []string{"fact"}}, mctx)
	require.NoError(t, err)
	_, err = s.Store(ctx, StoreRequest{Content: "episodic fact", Layer: LayerEpisodic, Tags: []string{"fact"}}, mctx)
	require.NoError(t, err)

	records, err := s.Recall(ctx, RecallRequest{Query: "fact"}, mctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "working layer excluded by default")
	assert.Equal(t, "episodic fact", records[0].Content)

	records, err = s.Recall(ctx, RecallRequest{Query: "fact", IncludeShort: true}, mctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRecallNeverCrossesUsers(t *testing.T) {
	s := testService()
	ctx := context.Background()

	_, err := s.Store(ctx, StoreRequest{Content: "alice secret", Layer: LayerEpisodic, Tags: []string{"secret"}}, userCtx("alice"))
	require.NoError(t, err)

	records, err := s.Recall(ctx, RecallRequest{Query: "secret"}, userCtx("bob"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecallStripsMetadataUnlessRequested(t *testing.T) {
	s := testService()
	ctx := context.Background()
	mctx := userCtx("alice")

	_, err := s.Store(ctx, StoreRequest{
		Content:  "tagged fact",
		Layer:    LayerEpisodic,
		Tags:     []string{"fact"},
		Metadata: map[string]string{"origin": "test"},
	}, mctx)
	require.NoError(t, err)

	records, err := s.Recall(ctx, RecallRequest{Query: "fact"}, mctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Metadata)

	records, err = s.Recall(ctx, RecallRequest{Query: "fact", IncludeMeta: true}, mctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "test", records[0].Metadata["origin"])
}

func TestConcurrentStoresGetDistinctIDs(t *testing.T) {
	s := testService()
	ctx := context.Background()
	mctx := userCtx("alice")

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.Store(ctx, StoreRequest{Content: "fact", Layer: LayerEpisodic}, mctx)
			assert.NoError(t, err)
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)

	stats, err := s.Stats(ctx, LayerEpisodic, mctx)
	require.NoError(t, err)
	assert.Equal(t, n, stats.Totals.Stored)
}

func TestStatsTotalsAndMode(t *testing.T) {
	s := testService()
	ctx := context.Background()
	mctx := userCtx("alice")

	_, err := s.Store(ctx, StoreRequest{Content: "a", Layer: LayerWorking}, mctx)
	require.NoError(t, err)
	_, err = s.Store(ctx, StoreRequest{Content: "b", Layer: LayerEpisodic}, mctx)
	require.NoError(t, err)

	stats, err := s.Stats(ctx, "", mctx)
	require.NoError(t, err)
	assert.Equal(t, "local", stats.Mode)
	assert.Equal(t, 2, stats.Totals.Stored)
	assert.Equal(t, 1, stats.Layers[LayerWorking].EphemeralCount)
	assert.Equal(t, 0, stats.Layers[LayerEpisodic].EphemeralCount)

	_, err = s.Stats(ctx, "eternal", mctx)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRemoteSyncCommitAndFallback(t *testing.T) {
	calls := 0
	remote := RemoteSyncFunc(func(ctx context.Context, user string, rec Record) (string, error) {
		calls++
		if calls == 1 {
			return "ref-1", nil
		}
		return "", errors.New("remote unavailable")
	})

	s := testService(WithRemoteSync(remote))
	ctx := context.Background()
	mctx := Context{User: "alice", SyncRemote: true}

	_, err := s.Store(ctx, StoreRequest{Content: "a", Layer: LayerEpisodic}, mctx)
	require.NoError(t, err)
	_, err = s.Store(ctx, StoreRequest{Content: "b", Layer: LayerEpisodic}, mctx)
	require.NoError(t, err)

	stats, err := s.Stats(ctx, LayerEpisodic, mctx)
	require.NoError(t, err)
	assert.Equal(t, "local-fallback", stats.Mode)
	assert.Equal(t, 2, stats.Totals.Stored, "remote failure never loses the local record")
}

func TestSummarizeWithoutLLM(t *testing.T) {
	s := testService()

	res, err := s.Summarize(context.Background(), SummarizeRequest{ConversationText: "we talked"}, userCtx("alice"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "no LLM client")

	_, err = s.Summarize(context.Background(), SummarizeRequest{}, userCtx("alice"))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateUnknownRecord(t *testing.T) {
	s := testService()

	err := s.Validate(context.Background(), LayerEpisodic, "nope", userCtx("alice"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "recordID", verr.Field)
}

func TestClearCacheDropsRecords(t *testing.T) {
	s := testService()
	ctx := context.Background()
	mctx := userCtx("alice")

	_, err := s.Store(ctx, StoreRequest{Content: "ephemeral", Layer: LayerEpisodic, Tags: []string{"fact"}}, mctx)
	require.NoError(t, err)

	s.ClearCache()

	records, err := s.Recall(ctx, RecallRequest{Query: "fact"}, mctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
