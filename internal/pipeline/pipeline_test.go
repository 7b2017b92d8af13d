package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/researchq/internal/breaker"
	"github.com/target/researchq/internal/data/memstore"
	"github.com/target/researchq/internal/domain/model"
	apperrors "github.com/target/researchq/internal/errors"
	"github.com/target/researchq/internal/mocks"
	"github.com/target/researchq/internal/pipeline/tools"
)

func fixedTools() []tools.Capability {
	return tools.MockSet(tools.MockOptions{
		Seed:           7,
		FixedPrice:     tools.FixedPrice(50000),
		FixedSentiment: tools.FixedSentiment(0.72),
	})
}

func newPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Tools == nil {
		opts.Tools = fixedTools()
	}
	if opts.Generator == nil {
		opts.Generator = NewRuleGenerator()
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

// scriptedGenerator returns reports from a script, one per attempt.
type scriptedGenerator struct {
	mu        sync.Mutex
	script    []func(GenerateInput) (*model.Report, error)
	inputs    []GenerateInput
	dependsOn string
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(_ context.Context, in GenerateInput) (*model.Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, in)
	step := g.script[min(len(g.inputs), len(g.script))-1]
	return step(in)
}

type dependentGenerator struct {
	*scriptedGenerator
}

func (g dependentGenerator) Dependency() string { return g.dependsOn }

func validReport(in GenerateInput) (*model.Report, error) {
	return &model.Report{Asset: in.Asset, RiskLevel: model.RiskLow, SentimentScore: 0.5, ToolsUsed: in.ToolNames()}, nil
}

func invalidReport(in GenerateInput) (*model.Report, error) {
	return &model.Report{Asset: in.Asset, RiskLevel: "Extreme", SentimentScore: 3, ToolsUsed: in.ToolNames()}, nil
}

func countingTool(name string, calls *atomic.Int32, fn func(ctx context.Context) (tools.Result, error)) tools.Capability {
	return tools.Func{
		ToolName: name,
		Fn: func(ctx context.Context, _ tools.Params) (tools.Result, error) {
			calls.Add(1)
			return fn(ctx)
		},
	}
}

func TestRunProducesReportFromMockTools(t *testing.T) {
	logs := memstore.NewLogStore(0)
	p := newPipeline(t, Options{LogStore: logs})

	report, err := p.Run(context.Background(), Request{JobID: "job-1", Asset: " btc "})
	require.NoError(t, err)

	assert.Equal(t, "BTC", report.Asset)
	assert.Equal(t, model.RiskLow, report.RiskLevel)
	assert.InDelta(t, 0.72, report.SentimentScore, 1e-9)
	assert.Equal(t, []string{tools.MarketPriceName, tools.InternalSentimentName}, report.ToolsUsed)
	assert.Equal(t, "BTC trades at 50000.00 with sentiment 0.72; volatility high; outlook bullish", report.Analysis)
	assert.False(t, report.CreatedAt.IsZero())

	entries, err := logs.Read(context.Background(), "job-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, tools.MarketPriceName, entries[0].Tool)
	assert.JSONEq(t, `{"asset":"BTC"}`, string(entries[0].Input))
	assert.Contains(t, string(entries[0].Output), `"price_usd":50000`)
	assert.Equal(t, tools.InternalSentimentName, entries[1].Tool)
	assert.Equal(t, model.PipelineStepName, entries[2].Tool)
	assert.Equal(t, 1, entries[2].Attempt)
	assert.Empty(t, entries[2].Error)
}

func TestRunIgnoresLogStoreFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	logStore := mocks.NewMockLogStore(ctrl)
	logStore.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("log store down")).Times(3)

	p := newPipeline(t, Options{LogStore: logStore})
	report, err := p.Run(context.Background(), Request{JobID: "job-1", Asset: "BTC"})
	require.NoError(t, err)
	assert.Equal(t, model.RiskLow, report.RiskLevel)
}

func TestRunRejectsInvalidAsset(t *testing.T) {
	var calls atomic.Int32
	p := newPipeline(t, Options{Tools: []tools.Capability{
		countingTool("t", &calls, func(context.Context) (tools.Result, error) { return tools.Result{}, nil }),
	}})
	_, err := p.Run(context.Background(), Request{JobID: "j", Asset: "not an asset!"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Zero(t, calls.Load())
}

func TestToolFailureOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	failing := countingTool("flaky", &calls, func(context.Context) (tools.Result, error) {
		return tools.Result{}, &tools.Error{Tool: "flaky", Kind: tools.KindRejected, Err: errors.New("503")}
	})
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, Cooldown: time.Hour})
	p := newPipeline(t, Options{Tools: []tools.Capability{failing}, Breakers: reg})

	for range 2 {
		_, err := p.Run(context.Background(), Request{JobID: "j", Asset: "BTC"})
		require.Error(t, err)
		assert.True(t, apperrors.IsToolError(err))
		assert.Equal(t, tools.KindRejected, tools.KindOf(err))
	}
	assert.Equal(t, breaker.StateOpen, reg.Get("flaky").State())

	_, err := p.Run(context.Background(), Request{JobID: "j", Asset: "BTC"})
	require.Error(t, err)
	assert.True(t, apperrors.IsToolUnavailable(err))
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestToolTimeoutIsEnforced(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var calls atomic.Int32
	stuck := countingTool("stuck", &calls, func(context.Context) (tools.Result, error) {
		<-release
		return tools.Result{}, nil
	})
	p := newPipeline(t, Options{Tools: []tools.Capability{stuck}, ToolTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := p.Run(context.Background(), Request{JobID: "j", Asset: "BTC"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, apperrors.IsToolError(err))
	assert.Equal(t, tools.KindTimeout, tools.KindOf(err))
}

func TestCancellationDiscardsLateResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	first := countingTool("first", &calls, func(context.Context) (tools.Result, error) {
		cancel()
		return tools.JSONResult("first", map[string]float64{"sentiment_score": 0.5})
	})
	second := countingTool("second", &calls, func(context.Context) (tools.Result, error) {
		return tools.JSONResult("second", map[string]float64{"price_usd": 1})
	})
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1})
	logs := memstore.NewLogStore(0)
	p := newPipeline(t, Options{Tools: []tools.Capability{first, second}, Breakers: reg, LogStore: logs})

	report, err := p.Run(ctx, Request{JobID: "j", Asset: "BTC"})
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, apperrors.IsCanceled(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, breaker.StateClosed, reg.Get("first").State())

	entries, err := logs.Read(context.Background(), "j", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].Output)
	assert.NotEmpty(t, entries[0].Error)
}

func TestGenerationRetriesWithFeedback(t *testing.T) {
	gen := &scriptedGenerator{script: []func(GenerateInput) (*model.Report, error){
		invalidReport,
		func(GenerateInput) (*model.Report, error) { return nil, errors.New("answer was not JSON") },
		validReport,
	}}
	logs := memstore.NewLogStore(0)
	p := newPipeline(t, Options{Generator: gen, LogStore: logs})

	report, err := p.Run(context.Background(), Request{JobID: "j", Asset: "ETH"})
	require.NoError(t, err)
	assert.Equal(t, "ETH", report.Asset)

	require.Len(t, gen.inputs, 3)
	assert.Empty(t, gen.inputs[0].Feedback)
	assert.Contains(t, gen.inputs[1].Feedback, "risk_level")
	assert.Contains(t, gen.inputs[1].Feedback, "sentiment_score")
	assert.Equal(t, "answer was not JSON", gen.inputs[2].Feedback)
	assert.Equal(t, 3, gen.inputs[2].Attempt)

	entries, err := logs.Read(context.Background(), "j", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, entries[len(entries)-1].Attempt)
}

func TestGenerationExhaustsRetries(t *testing.T) {
	gen := &scriptedGenerator{script: []func(GenerateInput) (*model.Report, error){invalidReport}}
	p := newPipeline(t, Options{Generator: gen, MaxRetries: 2})

	_, err := p.Run(context.Background(), Request{JobID: "j", Asset: "ETH"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.ErrorIs(t, err, model.ErrReportInvalid)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Len(t, gen.inputs, 2)
}

func TestGeneratedAssetIsForced(t *testing.T) {
	gen := &scriptedGenerator{script: []func(GenerateInput) (*model.Report, error){
		func(in GenerateInput) (*model.Report, error) {
			r, _ := validReport(in)
			r.Asset = "bitcoin"
			return r, nil
		},
	}}
	p := newPipeline(t, Options{Generator: gen})
	report, err := p.Run(context.Background(), Request{JobID: "j", Asset: "btc"})
	require.NoError(t, err)
	assert.Equal(t, "BTC", report.Asset)
}

func TestDependentGeneratorUsesBreaker(t *testing.T) {
	providerDown := func(GenerateInput) (*model.Report, error) {
		return nil, &tools.Error{Tool: "llm", Kind: tools.KindRejected, Err: errors.New("502")}
	}
	gen := dependentGenerator{&scriptedGenerator{
		script:    []func(GenerateInput) (*model.Report, error){providerDown},
		dependsOn: "llm",
	}}
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	p := newPipeline(t, Options{Generator: gen, Breakers: reg})

	_, err := p.Run(context.Background(), Request{JobID: "j", Asset: "BTC"})
	require.Error(t, err)
	assert.True(t, apperrors.IsToolError(err))
	assert.Len(t, gen.inputs, 1)

	_, err = p.Run(context.Background(), Request{JobID: "j", Asset: "BTC"})
	require.Error(t, err)
	assert.True(t, apperrors.IsToolUnavailable(err))
	assert.Len(t, gen.inputs, 1)
}

func TestDependentGeneratorBadAnswersDoNotTripBreaker(t *testing.T) {
	gen := dependentGenerator{&scriptedGenerator{
		script:    []func(GenerateInput) (*model.Report, error){invalidReport},
		dependsOn: "llm",
	}}
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	p := newPipeline(t, Options{Generator: gen, Breakers: reg})

	_, err := p.Run(context.Background(), Request{JobID: "j", Asset: "BTC"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, breaker.StateClosed, reg.Get("llm").State())
}

func TestConcurrentRuns(t *testing.T) {
	p := newPipeline(t, Options{})
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Run(context.Background(), Request{JobID: fmt.Sprintf("job-%d", i), Asset: "SOL"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Generator: NewRuleGenerator()})
	require.Error(t, err)
	_, err = New(Options{Tools: fixedTools()})
	require.Error(t, err)
}
