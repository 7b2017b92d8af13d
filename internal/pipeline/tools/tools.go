// Package tools defines the capability interface the research pipeline calls
// and ships mock and HTTP implementations.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Tool names used in reports and execution logs.
const (
	MarketPriceName       = "get_market_price"
	InternalSentimentName = "get_internal_sentiment"
)

// Params are the inputs of one tool call.
type Params struct {
	Asset string `json:"asset"`
}

// Result is the raw JSON output of one tool call.
type Result struct {
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output"`
}

// Decode unmarshals the output into v, reporting malformed output as a tool error.
func (r Result) Decode(v any) error {
	if err := json.Unmarshal(r.Output, v); err != nil {
		return &Error{Tool: r.Tool, Kind: KindMalformed, Err: err}
	}
	return nil
}

// Capability is one external data source the pipeline can call.
type Capability interface {
	Name() string
	Description() string
	// Dependency identifies the external system behind the tool; calls to the
	// same dependency share a circuit breaker.
	Dependency() string
	Invoke(ctx context.Context, params Params) (Result, error)
}

// ErrorKind classifies tool failures.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindRejected  ErrorKind = "rejected"
	KindMalformed ErrorKind = "malformed"
)

// Error is returned by capabilities for every failure they can classify.
type Error struct {
	Tool string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Kind)
	}
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// Func adapts a function to the Capability interface.
type Func struct {
	ToolName string
	Desc     string
	Dep      string
	Fn       func(ctx context.Context, params Params) (Result, error)
}

func (f Func) Name() string        { return f.ToolName }
func (f Func) Description() string { return f.Desc }

func (f Func) Dependency() string {
	if f.Dep == "" {
		return f.ToolName
	}
	return f.Dep
}

func (f Func) Invoke(ctx context.Context, params Params) (Result, error) {
	return f.Fn(ctx, params)
}

// JSONResult marshals v into a Result for tool.
func JSONResult(tool string, v any) (Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Result{}, &Error{Tool: tool, Kind: KindMalformed, Err: err}
	}
	return Result{Tool: tool, Output: raw}, nil
}
