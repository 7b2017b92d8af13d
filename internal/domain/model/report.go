package model

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// RiskLevel classifies the overall risk of an asset.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

const (
	// MinSentiment is the lowest accepted sentiment score.
	MinSentiment = -1.0
	// MaxSentiment is the highest accepted sentiment score.
	MaxSentiment = 1.0
)

var (
	// ErrReportInvalid wraps every report schema violation.
	ErrReportInvalid = errors.New("report failed validation")
	// ErrReportNotFound is returned when a job has no persisted report.
	ErrReportNotFound = errors.New("report not found")
)

// Valid reports whether r is one of the allowed risk levels.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// UnmarshalText accepts risk levels case-insensitively.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	v := strings.TrimSpace(string(text))
	for _, lvl := range []RiskLevel{RiskLow, RiskMedium, RiskHigh} {
		if strings.EqualFold(v, string(lvl)) {
			*r = lvl
			return nil
		}
	}
	// Keep the raw value so validation can report it back as corrective context.
	*r = RiskLevel(v)
	return nil
}

// Report is the validated structured output of one research job. Reports are
// immutable once persisted.
type Report struct {
	Asset          string    `json:"asset"               msgpack:"asset"`
	RiskLevel      RiskLevel `json:"risk_level"          msgpack:"risk_level"`
	SentimentScore float64   `json:"sentiment_score"     msgpack:"sentiment_score"`
	ToolsUsed      []string  `json:"tools_used"          msgpack:"tools_used"`
	Analysis       string    `json:"analysis,omitempty"  msgpack:"analysis,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitzero" msgpack:"created_at"`
}

// Validate checks the report against the schema: sentiment bounds, risk enum
// membership, and a non-empty ordered tool list.
func (r *Report) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: report is missing", ErrReportInvalid)
	}
	var problems []string
	if strings.TrimSpace(r.Asset) == "" {
		problems = append(problems, "asset is required")
	}
	if !r.RiskLevel.Valid() {
		problems = append(problems, fmt.Sprintf("risk_level %q must be one of Low, Medium, High", r.RiskLevel))
	}
	if math.IsNaN(r.SentimentScore) || r.SentimentScore < MinSentiment || r.SentimentScore > MaxSentiment {
		problems = append(problems, fmt.Sprintf("sentiment_score %v must be within [%.1f, %.1f]",
			r.SentimentScore, MinSentiment, MaxSentiment))
	}
	if len(r.ToolsUsed) == 0 {
		problems = append(problems, "tools_used must not be empty")
	}
	for i, name := range r.ToolsUsed {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, fmt.Sprintf("tools_used[%d] is empty", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrReportInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ToolsUsed = slices.Clone(r.ToolsUsed)
	return &cp
}

// RiskFromSentiment maps a sentiment score onto a risk level using the
// thresholds of the internal sentiment feed.
func RiskFromSentiment(score float64) RiskLevel {
	switch {
	case score < 0.4:
		return RiskHigh
	case score < 0.6:
		return RiskMedium
	default:
		return RiskLow
	}
}
