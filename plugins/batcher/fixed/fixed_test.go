package fixed

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gembatch/pkg/contract"
)

func questions(n int) []contract.Question {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("q%d", i)
	}
	return contract.MakeQuestions(texts)
}

// 12 个问题、批大小 5 → 三批 [5,5,2]，顺序与索引保持。
func TestMakePartition(t *testing.T) {
	b, err := New(&Options{BatchSize: 5})
	require.NoError(t, err)
	batches, err := b.Make(context.Background(), questions(12), nil)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	sizes := []int{5, 5, 2}
	next := 0
	for i, batch := range batches {
		assert.Equal(t, i, batch.Ordinal)
		assert.Equal(t, -1, batch.ChunkOrdinal)
		require.Len(t, batch.Questions, sizes[i])
		for _, q := range batch.Questions {
			assert.Equal(t, contract.QuestionIndex(next), q.Index)
			next++
		}
	}
}

// 整除与单批边界。
func TestMakeBoundaries(t *testing.T) {
	b, err := New(&Options{BatchSize: 3})
	require.NoError(t, err)
	batches, err := b.Make(context.Background(), questions(6), nil)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	batches, err = b.Make(context.Background(), questions(2), nil)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	batches, err = b.Make(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

// 配置违例。
func TestNewConfigInvalid(t *testing.T) {
	for _, o := range []*Options{nil, {BatchSize: 0}, {BatchSize: -2}} {
		_, err := New(o)
		require.Error(t, err)
		assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
	}
}
