package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/target/researchq/internal/domain/model"
	"github.com/target/researchq/internal/pipeline/llm"
	"github.com/target/researchq/internal/pipeline/tools"
)

const (
	llmDependency = "llm"
	llmSchemaName = "research_report"
)

const systemPrompt = `You are a market research analyst specialising in cryptocurrency markets.

You receive the outputs of market data and sentiment tools for one asset. Assess the market risk of the asset from that data only.

Rules:
- risk_level must be exactly one of "Low", "Medium" or "High".
- sentiment_score must be a number between -1.0 and 1.0, where 1.0 is most positive.
- analysis is a short explanation of the assessment.
- Answer with the JSON object described by the response schema and nothing else.`

// llmAnswer is the structured output requested from the model. Tools used and
// the asset symbol are filled in from the pipeline, not trusted from the model.
type llmAnswer struct {
	RiskLevel      string  `json:"risk_level"      jsonschema:"enum=Low,enum=Medium,enum=High"`
	SentimentScore float64 `json:"sentiment_score" jsonschema:"minimum=-1,maximum=1"`
	Analysis       string  `json:"analysis"`
}

var llmAnswerSchema = llm.GenerateSchema[llmAnswer]()

// LLMGeneratorOptions configures an LLMGenerator.
type LLMGeneratorOptions struct {
	Client      llm.Client
	Temperature *float64
	MaxTokens   int
}

// LLMGenerator asks a chat model for the report using structured output.
type LLMGenerator struct {
	client      llm.Client
	temperature *float64
	maxTokens   int
}

// NewLLMGenerator creates an LLMGenerator.
func NewLLMGenerator(opts LLMGeneratorOptions) (*LLMGenerator, error) {
	if opts.Client == nil {
		return nil, errors.New("llm generator: client is required")
	}
	return &LLMGenerator{client: opts.Client, temperature: opts.Temperature, maxTokens: opts.MaxTokens}, nil
}

func (g *LLMGenerator) Name() string       { return "llm:" + g.client.Model() }
func (g *LLMGenerator) Dependency() string { return llmDependency }

// Generate returns a *tools.Error when the provider could not answer, so the
// failure counts against the provider's breaker. Any other error is treated as
// a bad answer and retried with corrective context.
func (g *LLMGenerator) Generate(ctx context.Context, in GenerateInput) (*model.Report, error) {
	var answer llmAnswer
	_, err := g.client.Chat(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt(in),
		SchemaName:   llmSchemaName,
		Schema:       llmAnswerSchema,
		MaxTokens:    g.maxTokens,
		Temperature:  g.temperature,
	}, &answer)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if llm.IsUnavailable(err) {
			return nil, &tools.Error{Tool: llmDependency, Kind: tools.KindRejected, Err: err}
		}
		return nil, fmt.Errorf("model answer: %w", err)
	}

	var risk model.RiskLevel
	_ = risk.UnmarshalText([]byte(answer.RiskLevel))
	return &model.Report{
		Asset:          in.Asset,
		RiskLevel:      risk,
		SentimentScore: answer.SentimentScore,
		ToolsUsed:      in.ToolNames(),
		Analysis:       strings.TrimSpace(answer.Analysis),
	}, nil
}

func userPrompt(in GenerateInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Asset: %s\n\nTool outputs:\n", in.Asset)
	for _, r := range in.Results {
		out := r.Output
		if !json.Valid(out) {
			out = json.RawMessage(`null`)
		}
		fmt.Fprintf(&b, "- %s: %s\n", r.Tool, out)
	}
	if in.Feedback != "" {
		fmt.Fprintf(&b, "\nYour previous answer (attempt %d) was rejected: %s\nReturn a corrected report.\n",
			in.Attempt-1, in.Feedback)
	}
	return b.String()
}
