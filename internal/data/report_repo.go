package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/researchq/internal/clock"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/data/pgxutil"
	"github.com/target/researchq/internal/domain/model"
)

// ReportRepo persists research reports alongside job completion.
type ReportRepo struct {
	DB     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// ReportRepoOptions configures NewReportRepo.
type ReportRepoOptions struct {
	DB     *sql.DB
	Clock  clock.Clock
	Logger *slog.Logger
}

// NewReportRepo creates a ReportRepo.
func NewReportRepo(opts ReportRepoOptions) *ReportRepo {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportRepo{
		DB:     opts.DB,
		clock:  clock.Or(opts.Clock),
		logger: logger.With("component", "report_repo"),
	}
}

// SaveReport stores the report and completes the job in one transaction. It
// fails with model.ErrLeaseLost when params.WorkerID does not hold the lease.
func (r *ReportRepo) SaveReport(ctx context.Context, params core.SaveReportParams) error {
	if err := params.Report.Validate(); err != nil {
		return err
	}
	id, err := uuid.Parse(params.JobID)
	if err != nil {
		return model.ErrJobNotFound
	}
	now := r.clock.Now().UTC()
	report := params.Report

	return pgxutil.InPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		tag, execErr := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'completed',
			    completed_at = $3,
			    last_error = NULL,
			    error_kind = '',
			    lease_owner = NULL,
			    lease_expires_at = NULL,
			    updated_at = $3
			WHERE id = $1 AND status = 'running' AND lease_owner = $2
		`, id, params.WorkerID, now)
		if execErr != nil {
			return fmt.Errorf("complete job: %w", execErr)
		}
		if tag.RowsAffected() == 0 {
			return model.ErrLeaseLost
		}

		createdAt := report.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, execErr = tx.Exec(ctx, `
			INSERT INTO research_reports (job_id, asset, risk_level, sentiment_score, tools_used, analysis, created_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		`, id, report.Asset, string(report.RiskLevel), report.SentimentScore, report.ToolsUsed,
			report.Analysis, createdAt); execErr != nil {
			return fmt.Errorf("insert report: %w", execErr)
		}
		return nil
	})
}

// GetReport returns the report persisted for jobID.
func (r *ReportRepo) GetReport(ctx context.Context, jobID string) (*model.Report, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, model.ErrReportNotFound
	}

	var report model.Report
	err = pgxutil.WithConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var analysis *string
		var risk string
		scanErr := conn.QueryRow(ctx, `
			SELECT asset, risk_level, sentiment_score, tools_used, analysis, created_at
			FROM research_reports
			WHERE job_id = $1
		`, id).Scan(&report.Asset, &risk, &report.SentimentScore, &report.ToolsUsed, &analysis, &report.CreatedAt)
		if scanErr != nil {
			return scanErr
		}
		report.RiskLevel = model.RiskLevel(risk)
		if analysis != nil {
			report.Analysis = *analysis
		}
		report.CreatedAt = report.CreatedAt.UTC()
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return &report, nil
}

var _ core.ReportStore = (*ReportRepo)(nil)
