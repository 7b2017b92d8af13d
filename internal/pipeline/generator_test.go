package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/researchq/internal/domain/model"
	"github.com/target/researchq/internal/pipeline/llm"
	"github.com/target/researchq/internal/pipeline/tools"
)

func TestRuleGenerator(t *testing.T) {
	price, err := tools.JSONResult("price", map[string]any{"price_usd": 2500.5})
	require.NoError(t, err)
	sentiment, err := tools.JSONResult("sentiment", map[string]any{"sentiment_score": 0.35})
	require.NoError(t, err)

	report, err := NewRuleGenerator().Generate(context.Background(), GenerateInput{
		Asset:   "ETH",
		Results: []tools.Result{price, sentiment},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RiskHigh, report.RiskLevel)
	assert.InDelta(t, 0.35, report.SentimentScore, 1e-9)
	assert.Equal(t, []string{"price", "sentiment"}, report.ToolsUsed)
	assert.Equal(t, "ETH trades at 2500.50 with sentiment 0.35", report.Analysis)
}

func TestRuleGeneratorMissingSentiment(t *testing.T) {
	price, err := tools.JSONResult("price", map[string]any{"price_usd": 1})
	require.NoError(t, err)
	_, err = NewRuleGenerator().Generate(context.Background(), GenerateInput{Asset: "X", Results: []tools.Result{price}})
	assert.ErrorIs(t, err, ErrMissingSignal)
}

type fakeLLM struct {
	answer  llmAnswer
	err     error
	prompts []string
}

func (f *fakeLLM) Model() string { return "fake" }

func (f *fakeLLM) Chat(_ context.Context, req llm.Request, result any) (*llm.Response, error) {
	f.prompts = append(f.prompts, req.UserPrompt)
	if f.err != nil {
		return nil, f.err
	}
	*result.(*llmAnswer) = f.answer
	return &llm.Response{}, nil
}

func TestLLMGenerator(t *testing.T) {
	client := &fakeLLM{answer: llmAnswer{RiskLevel: "medium", SentimentScore: 0.4, Analysis: " steady "}}
	gen, err := NewLLMGenerator(LLMGeneratorOptions{Client: client, Temperature: llm.Temp(0.7)})
	require.NoError(t, err)
	assert.Equal(t, "llm:fake", gen.Name())
	assert.Equal(t, "llm", gen.Dependency())

	res, err := tools.JSONResult(tools.MarketPriceName, map[string]any{"price_usd": 1})
	require.NoError(t, err)
	report, err := gen.Generate(context.Background(), GenerateInput{
		Asset:    "BTC",
		Results:  []tools.Result{res},
		Attempt:  2,
		Feedback: "risk_level \"Extreme\" must be one of Low, Medium, High",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RiskMedium, report.RiskLevel)
	assert.Equal(t, "steady", report.Analysis)
	assert.Equal(t, []string{tools.MarketPriceName}, report.ToolsUsed)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Asset: BTC")
	assert.Contains(t, client.prompts[0], `- get_market_price: {"price_usd":1}`)
	assert.Contains(t, client.prompts[0], "was rejected: risk_level")
}

func TestLLMGeneratorErrors(t *testing.T) {
	gen, err := NewLLMGenerator(LLMGeneratorOptions{Client: &fakeLLM{err: errors.New("connection refused")}})
	require.NoError(t, err)
	_, err = gen.Generate(context.Background(), GenerateInput{Asset: "BTC"})
	assert.Equal(t, tools.KindRejected, tools.KindOf(err))

	gen, err = NewLLMGenerator(LLMGeneratorOptions{Client: &fakeLLM{err: llm.ErrEmptyResponse}})
	require.NoError(t, err)
	_, err = gen.Generate(context.Background(), GenerateInput{Asset: "BTC"})
	require.Error(t, err)
	assert.Equal(t, tools.ErrorKind(""), tools.KindOf(err))

	_, err = NewLLMGenerator(LLMGeneratorOptions{})
	require.Error(t, err)
}
