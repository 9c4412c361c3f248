package media

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	embmock "gembatch/plugins/embedder/mock"
	"gembatch/pkg/contract"
)

// 时间窗覆盖与重叠：时长 100s、窗 40s、重叠 10s → [0,40) [30,70) [60,100)。
func TestChunksTimeWindows(t *testing.T) {
	ck, err := New(&Options{WindowSec: 40, OverlapSec: 10}, nil, nil)
	require.NoError(t, err)
	content := contract.Content{Media: &contract.MediaRef{Path: "talk.mp4", DurationSec: 100}}
	chunks, err := ck.Chunks(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	want := [][2]float64{{0, 40}, {30, 70}, {60, 100}, {90, 100}}
	for i, w := range want {
		assert.Equal(t, i, chunks[i].Ordinal)
		assert.InDelta(t, w[0], chunks[i].StartSec, 1e-9)
		assert.InDelta(t, w[1], chunks[i].EndSec, 1e-9)
		assert.Empty(t, chunks[i].Text)
	}
}

type fakeTranscriber struct{ out []contract.TimedSentence }

func (f fakeTranscriber) Transcribe(_ context.Context, _ contract.MediaRef) ([]contract.TimedSentence, error) {
	return f.out, nil
}

// 配置了转写器时，窗口内起始的句子拼入块文本。
func TestChunksWithTranscript(t *testing.T) {
	tr := fakeTranscriber{out: []contract.TimedSentence{
		{Text: "Intro.", StartSec: 1, EndSec: 5},
		{Text: "Middle.", StartSec: 25, EndSec: 30},
		{Text: "End.", StartSec: 45, EndSec: 50},
	}}
	ck, err := New(&Options{WindowSec: 30, OverlapSec: 0}, tr, nil)
	require.NoError(t, err)
	content := contract.Content{Media: &contract.MediaRef{Path: "talk.mp4", DurationSec: 60}}
	chunks, err := ck.Chunks(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Intro. Middle.", chunks[0].Text)
	assert.Equal(t, "End.", chunks[1].Text)
}

// semantic 模式：话题切换处断块，边界映射回句子时间轴。
func TestChunksSemanticTopicShift(t *testing.T) {
	tr := fakeTranscriber{out: []contract.TimedSentence{
		{Text: "Cats purr loudly.", StartSec: 0, EndSec: 4},
		{Text: "Cats sleep often.", StartSec: 4, EndSec: 9},
		{Text: "Markets dropped today.", StartSec: 9, EndSec: 15},
	}}
	ck, err := New(&Options{Mode: "semantic", MinSentences: 1, MaxSentences: 10}, tr, embmock.New(nil))
	require.NoError(t, err)
	content := contract.Content{Media: &contract.MediaRef{Path: "talk.mp4", DurationSec: 15}}
	chunks, err := ck.Chunks(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Cats purr loudly. Cats sleep often.", chunks[0].Text)
	assert.InDelta(t, 0, chunks[0].StartSec, 1e-9)
	assert.InDelta(t, 9, chunks[0].EndSec, 1e-9)
	assert.Equal(t, "Markets dropped today.", chunks[1].Text)
	assert.InDelta(t, 9, chunks[1].StartSec, 1e-9)
	assert.InDelta(t, 15, chunks[1].EndSec, 1e-9)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[1].Ordinal)
}

// semantic 模式：MaxSentences 强制断块。
func TestChunksSemanticMaxSentences(t *testing.T) {
	tr := fakeTranscriber{out: []contract.TimedSentence{
		{Text: "One fact here.", StartSec: 0, EndSec: 2},
		{Text: "Two fact here.", StartSec: 2, EndSec: 4},
		{Text: "Three fact here.", StartSec: 4, EndSec: 6},
		{Text: "Four fact here.", StartSec: 6, EndSec: 8},
	}}
	ck, err := New(&Options{Mode: "semantic", MinSentences: 1, MaxSentences: 2, ThresholdFactor: 1}, tr, embmock.New(nil))
	require.NoError(t, err)
	content := contract.Content{Media: &contract.MediaRef{Path: "talk.mp4", DurationSec: 8}}
	chunks, err := ck.Chunks(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.InDelta(t, 4, chunks[0].EndSec, 1e-9)
	assert.InDelta(t, 4, chunks[1].StartSec, 1e-9)
}

// semantic 模式：单句与空转写的退化情形。
func TestChunksSemanticDegenerate(t *testing.T) {
	one := fakeTranscriber{out: []contract.TimedSentence{
		{Text: "Only one sentence.", StartSec: 2, EndSec: 6},
	}}
	ck, err := New(&Options{Mode: "semantic", MinSentences: 1, MaxSentences: 5}, one, embmock.New(nil))
	require.NoError(t, err)
	content := contract.Content{Media: &contract.MediaRef{Path: "talk.mp4", DurationSec: 10}}
	chunks, err := ck.Chunks(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Only one sentence.", chunks[0].Text)
	assert.InDelta(t, 2, chunks[0].StartSec, 1e-9)
	assert.InDelta(t, 6, chunks[0].EndSec, 1e-9)

	ck, err = New(&Options{Mode: "semantic", MinSentences: 1, MaxSentences: 5}, fakeTranscriber{}, embmock.New(nil))
	require.NoError(t, err)
	chunks, err = ck.Chunks(context.Background(), content)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// 文本内容与未知时长均为非法输入。
func TestChunksInvalidInput(t *testing.T) {
	ck, err := New(&Options{WindowSec: 30}, nil, nil)
	require.NoError(t, err)
	_, err = ck.Chunks(context.Background(), contract.Content{Text: "plain"})
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
	_, err = ck.Chunks(context.Background(), contract.Content{Media: &contract.MediaRef{Path: "x.mp4"}})
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

// 配置违例。
func TestNewConfigInvalid(t *testing.T) {
	_, err := New(&Options{WindowSec: 0}, nil, nil)
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
	_, err = New(&Options{WindowSec: 10, OverlapSec: 10}, nil, nil)
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
	_, err = New(&Options{Mode: "stochastic", WindowSec: 10}, nil, nil)
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
}

// semantic 模式的配置与协作者违例。
func TestNewSemanticConfigInvalid(t *testing.T) {
	tr := fakeTranscriber{}
	emb := embmock.New(nil)
	// 缺少转写器 / 嵌入器
	_, err := New(&Options{Mode: "semantic", MinSentences: 1, MaxSentences: 5}, nil, emb)
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
	_, err = New(&Options{Mode: "semantic", MinSentences: 1, MaxSentences: 5}, tr, nil)
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
	// 句数区间违例
	_, err = New(&Options{Mode: "semantic", MinSentences: 0, MaxSentences: 5}, tr, emb)
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
	_, err = New(&Options{Mode: "semantic", MinSentences: 3, MaxSentences: 3}, tr, emb)
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
	// 阈值系数超出 [0,1]
	_, err = New(&Options{Mode: "semantic", MinSentences: 1, MaxSentences: 5, ThresholdFactor: 2.0}, tr, emb)
	assert.True(t, errors.Is(err, contract.ErrConfigInvalid))
}
