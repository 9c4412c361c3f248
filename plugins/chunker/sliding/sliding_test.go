package sliding

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gembatch/pkg/contract"
)

// 窗口 30、重叠 10、58 字符内容 → 3 块 [0,30) [20,50) [40,58)。
func TestChunksOverlapWindows(t *testing.T) {
	ck, err := New(&Options{ChunkSize: 30, Overlap: 10})
	require.NoError(t, err)
	text := strings.Repeat("a", 58)
	chunks, err := ck.Chunks(context.Background(), contract.Content{Text: text})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	want := [][2]int{{0, 30}, {20, 50}, {40, 58}}
	for i, w := range want {
		assert.Equal(t, i, chunks[i].Ordinal)
		assert.Equal(t, w[0], chunks[i].Start)
		assert.Equal(t, w[1], chunks[i].End)
		assert.Len(t, []rune(chunks[i].Text), w[1]-w[0])
	}
}

// overlap=0 为定长切分，末块截短。
func TestChunksFixed(t *testing.T) {
	ck, err := New(&Options{ChunkSize: 4})
	require.NoError(t, err)
	chunks, err := ck.Chunks(context.Background(), contract.Content{Text: "abcdefghij"})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "abcd", chunks[0].Text)
	assert.Equal(t, "efgh", chunks[1].Text)
	assert.Equal(t, "ij", chunks[2].Text)
}

// 字符轴为 rune：多字节文本按字符而非字节切分。
func TestChunksRuneAxis(t *testing.T) {
	ck, err := New(&Options{ChunkSize: 2})
	require.NoError(t, err)
	chunks, err := ck.Chunks(context.Background(), contract.Content{Text: "你好世界啊"})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "你好", chunks[0].Text)
	assert.Equal(t, "世界", chunks[1].Text)
	assert.Equal(t, "啊", chunks[2].Text)
}

// 空内容 → 空序列。
func TestChunksEmpty(t *testing.T) {
	ck, err := New(&Options{ChunkSize: 10})
	require.NoError(t, err)
	chunks, err := ck.Chunks(context.Background(), contract.Content{})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// 配置违例在构造期快速失败。
func TestNewConfigInvalid(t *testing.T) {
	cases := []*Options{
		nil,
		{ChunkSize: 0},
		{ChunkSize: 10, Overlap: -1},
		{ChunkSize: 10, Overlap: 10},
		{ChunkSize: 10, Overlap: 11},
	}
	for i, o := range cases {
		_, err := New(o)
		require.Error(t, err, "case %d", i)
		assert.True(t, errors.Is(err, contract.ErrConfigInvalid), "case %d", i)
	}
}

// 媒体内容不归本分块器处理。
func TestChunksRejectsMedia(t *testing.T) {
	ck, err := New(&Options{ChunkSize: 10})
	require.NoError(t, err)
	_, err = ck.Chunks(context.Background(), contract.Content{Media: &contract.MediaRef{Path: "a.mp4"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}
