package semantic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gembatch/pkg/contract"
	embmock "gembatch/plugins/embedder/mock"
)

// cluster: 同主题问题聚为一批，异主题分开。
func TestMakeCluster(t *testing.T) {
	b, err := New(&Options{Mode: ModeCluster, BatchSize: 5, SimilarityThreshold: 0.2}, embmock.New(nil))
	require.NoError(t, err)
	qs := contract.MakeQuestions([]string{
		"cats purr loudly",
		"markets dropped today",
		"cats sleep often",
	})
	batches, err := b.Make(context.Background(), qs, nil)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	// 簇 0: q0 与 q2（共享主题词），簇 1: q1
	require.Len(t, batches[0].Questions, 2)
	assert.Equal(t, contract.QuestionIndex(0), batches[0].Questions[0].Index)
	assert.Equal(t, contract.QuestionIndex(2), batches[0].Questions[1].Index)
	require.Len(t, batches[1].Questions, 1)
	assert.Equal(t, contract.QuestionIndex(1), batches[1].Questions[0].Index)
	for i, batch := range batches {
		assert.Equal(t, i, batch.Ordinal)
		assert.Equal(t, -1, batch.ChunkOrdinal)
	}
}

// cluster: 簇满后同主题问题落入新簇。
func TestMakeClusterCapacity(t *testing.T) {
	b, err := New(&Options{Mode: ModeCluster, BatchSize: 1, SimilarityThreshold: 0.2}, embmock.New(nil))
	require.NoError(t, err)
	qs := contract.MakeQuestions([]string{"cats purr loudly", "cats sleep often"})
	batches, err := b.Make(context.Background(), qs, nil)
	require.NoError(t, err)
	require.Len(t, batches, 2)
}

// route: 问题路由到最相似的块；无相似块时并列取最小序号。
func TestMakeRoute(t *testing.T) {
	b, err := New(&Options{Mode: ModeRoute, BatchSize: 5}, embmock.New(nil))
	require.NoError(t, err)
	chunks := []contract.Chunk{
		{Ordinal: 0, Text: "cats purr loudly often"},
		{Ordinal: 1, Text: "markets dropped today"},
	}
	qs := contract.MakeQuestions([]string{
		"cats sleep",
		"markets today",
		"unrelated zebra",
	})
	batches, err := b.Make(context.Background(), qs, chunks)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	// 桶 0: q0 与 q2（零相似并列 → 最小序号），桶 1: q1
	assert.Equal(t, 0, batches[0].ChunkOrdinal)
	require.Len(t, batches[0].Questions, 2)
	assert.Equal(t, contract.QuestionIndex(0), batches[0].Questions[0].Index)
	assert.Equal(t, contract.QuestionIndex(2), batches[0].Questions[1].Index)
	assert.Equal(t, 1, batches[1].ChunkOrdinal)
	require.Len(t, batches[1].Questions, 1)
}

// route: 超员的桶按 batch_size 再切分，块绑定保持。
func TestMakeRouteResplit(t *testing.T) {
	b, err := New(&Options{Mode: ModeRoute, BatchSize: 1}, embmock.New(nil))
	require.NoError(t, err)
	chunks := []contract.Chunk{{Ordinal: 0, Text: "cats purr loudly"}}
	qs := contract.MakeQuestions([]string{"cats sleep", "cats often"})
	batches, err := b.Make(context.Background(), qs, chunks)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	for i, batch := range batches {
		assert.Equal(t, i, batch.Ordinal)
		assert.Equal(t, 0, batch.ChunkOrdinal)
		assert.Len(t, batch.Questions, 1)
	}
}

// route 模式要求非空块序列。
func TestMakeRouteNoChunks(t *testing.T) {
	b, err := New(&Options{Mode: ModeRoute, BatchSize: 2}, embmock.New(nil))
	require.NoError(t, err)
	_, err = b.Make(context.Background(), contract.MakeQuestions([]string{"q"}), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

// 空问题序列与配置违例。
func TestMakeEmptyAndConfig(t *testing.T) {
	b, err := New(&Options{Mode: ModeCluster, BatchSize: 2}, embmock.New(nil))
	require.NoError(t, err)
	batches, err := b.Make(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, batches)

	_, err = New(&Options{Mode: "bogus", BatchSize: 2}, embmock.New(nil))
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
	_, err = New(&Options{Mode: ModeCluster, BatchSize: 0}, embmock.New(nil))
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
	_, err = New(&Options{Mode: ModeCluster, BatchSize: 2}, nil)
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
}
