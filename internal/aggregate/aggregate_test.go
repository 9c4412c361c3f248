package aggregate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gembatch/pkg/contract"
)

// 先到先得：后到的实质性答案不覆盖已有答案。
func TestAggregatorFirstAnswerWins(t *testing.T) {
	a := New(2)
	require.NoError(t, a.Add(0, 0, []contract.Answer{
		{Index: 0, Text: "first"},
	}, contract.Usage{InputTokens: 10, OutputTokens: 2}))
	require.NoError(t, a.Add(1, 0, []contract.Answer{
		{Index: 0, Text: "second"},
		{Index: 1, Text: "only"},
	}, contract.Usage{InputTokens: 8, OutputTokens: 3}))

	answers, missing, usage, err := a.Finalize()
	require.NoError(t, err)
	assert.Empty(t, missing)
	require.Len(t, answers, 2)
	assert.Equal(t, "first", answers[0].Text)
	assert.Equal(t, "only", answers[1].Text)
	assert.Equal(t, 18, usage.InputTokens)
	assert.Equal(t, 5, usage.OutputTokens)
}

// NoAnswer 占位不计入，问题留待其他块回答。
func TestAggregatorSkipsNoAnswer(t *testing.T) {
	a := New(1)
	require.NoError(t, a.Add(0, 0, []contract.Answer{{Index: 0, Text: contract.NoAnswer}}, contract.Usage{}))
	require.NoError(t, a.Add(1, 0, []contract.Answer{{Index: 0, Text: "real"}}, contract.Usage{}))
	answers, missing, _, err := a.Finalize()
	require.NoError(t, err)
	assert.Empty(t, missing)
	require.Len(t, answers, 1)
	assert.Equal(t, "real", answers[0].Text)
}

// 同一 (chunk,batch) 对重复提交为不变量违例。
func TestAggregatorDuplicatePair(t *testing.T) {
	a := New(1)
	require.NoError(t, a.Add(0, 0, nil, contract.Usage{}))
	err := a.Add(0, 0, nil, contract.Usage{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrInvariantViolation))
}

// 越界索引为不变量违例。
func TestAggregatorIndexOutOfRange(t *testing.T) {
	a := New(1)
	err := a.Add(0, 0, []contract.Answer{{Index: 5, Text: "x"}}, contract.Usage{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrInvariantViolation))
}

// 缺失问题出现在 Missing 中并附带 ErrUnanswered。
func TestAggregatorMissing(t *testing.T) {
	a := New(3)
	require.NoError(t, a.Add(0, 0, []contract.Answer{{Index: 1, Text: "mid"}}, contract.Usage{}))
	a.AddUsage(contract.Usage{InputTokens: 4})
	answers, missing, usage, err := a.Finalize()
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrUnanswered))
	require.Len(t, answers, 1)
	assert.Equal(t, []contract.QuestionIndex{0, 2}, missing)
	assert.Equal(t, 4, usage.InputTokens)
	assert.Equal(t, 1, a.Answered())
}
