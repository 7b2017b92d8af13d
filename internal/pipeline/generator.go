package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/target/researchq/internal/domain/model"
	"github.com/target/researchq/internal/pipeline/tools"
)

// ErrMissingSignal is returned by RuleGenerator when no tool reported a sentiment score.
var ErrMissingSignal = errors.New("no sentiment_score in tool outputs")

// GenerateInput is what a Generator sees for one attempt.
type GenerateInput struct {
	Asset   string
	Results []tools.Result
	// Attempt is 1-based.
	Attempt int
	// Feedback holds the validation error of the previous attempt, if any.
	Feedback string
}

// ToolNames returns the tool names of the results in invocation order.
func (in GenerateInput) ToolNames() []string {
	names := make([]string, 0, len(in.Results))
	for _, r := range in.Results {
		names = append(names, r.Tool)
	}
	return names
}

// Generator turns gathered tool outputs into a candidate report.
type Generator interface {
	Name() string
	Generate(ctx context.Context, in GenerateInput) (*model.Report, error)
}

// Dependent is implemented by generators that call an external system. Such
// calls are guarded by the breaker named by Dependency.
type Dependent interface {
	Dependency() string
}

// signals are the fields the rule generator understands in any tool output.
type signals struct {
	PriceUSD       *float64 `json:"price_usd"`
	SentimentScore *float64 `json:"sentiment_score"`
	Volatility     string   `json:"volatility"`
	MarketOutlook  string   `json:"market_outlook"`
}

// RuleGenerator derives a report directly from the tool outputs. The risk
// level follows model.RiskFromSentiment.
type RuleGenerator struct{}

// NewRuleGenerator returns a RuleGenerator.
func NewRuleGenerator() *RuleGenerator { return &RuleGenerator{} }

func (*RuleGenerator) Name() string { return "rules" }

func (*RuleGenerator) Generate(ctx context.Context, in GenerateInput) (*model.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var merged signals
	for _, r := range in.Results {
		var s signals
		if err := r.Decode(&s); err != nil {
			return nil, err
		}
		if s.PriceUSD != nil {
			merged.PriceUSD = s.PriceUSD
		}
		if s.SentimentScore != nil {
			merged.SentimentScore = s.SentimentScore
		}
		if s.Volatility != "" {
			merged.Volatility = s.Volatility
		}
		if s.MarketOutlook != "" {
			merged.MarketOutlook = s.MarketOutlook
		}
	}
	if merged.SentimentScore == nil {
		return nil, ErrMissingSignal
	}

	score := *merged.SentimentScore
	return &model.Report{
		Asset:          in.Asset,
		RiskLevel:      model.RiskFromSentiment(score),
		SentimentScore: score,
		ToolsUsed:      in.ToolNames(),
		Analysis:       describe(in.Asset, merged),
	}, nil
}

func describe(asset string, s signals) string {
	var b strings.Builder
	if s.PriceUSD != nil {
		fmt.Fprintf(&b, "%s trades at %.2f with sentiment %.2f", asset, *s.PriceUSD, *s.SentimentScore)
	} else {
		fmt.Fprintf(&b, "%s has sentiment %.2f", asset, *s.SentimentScore)
	}
	if s.Volatility != "" {
		fmt.Fprintf(&b, "; volatility %s", s.Volatility)
	}
	if s.MarketOutlook != "" {
		fmt.Fprintf(&b, "; outlook %s", s.MarketOutlook)
	}
	return b.String()
}
