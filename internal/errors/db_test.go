package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantField string
	}{
		{name: "deadline", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: fmt.Errorf("lease job: %w", context.Canceled), wantCode: ErrCodeCanceled},
		{name: "pgx no rows", err: pgx.ErrNoRows, wantCode: ErrCodeNotFound},
		{name: "sql no rows", err: fmt.Errorf("get job: %w", sql.ErrNoRows), wantCode: ErrCodeNotFound},
		{
			name:      "duplicate report",
			err:       &pgconn.PgError{Code: pgerrcode.UniqueViolation, Detail: "Key (job_id)=(4b1c) already exists."},
			wantCode:  ErrCodeConflict,
			wantField: "job_id",
		},
		{
			name:      "asset check",
			err:       &pgconn.PgError{Code: pgerrcode.CheckViolation, TableName: "jobs", ConstraintName: "jobs_asset_check"},
			wantCode:  ErrCodeValidation,
			wantField: "asset",
		},
		{
			name:     "named table constraint",
			err:      &pgconn.PgError{Code: pgerrcode.CheckViolation, TableName: "jobs", ConstraintName: "jobs_running_has_lease"},
			wantCode: ErrCodeValidation,
		},
		{
			name:      "not null",
			err:       &pgconn.PgError{Code: pgerrcode.NotNullViolation, ColumnName: "client_id"},
			wantCode:  ErrCodeValidation,
			wantField: "client_id",
		},
		{
			name:      "report for missing job",
			err:       &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, TableName: "research_reports", ConstraintName: "research_reports_job_id_fkey"},
			wantCode:  ErrCodeForeignKey,
			wantField: "job_id",
		},
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, wantCode: ErrCodeStore},
		{name: "admin shutdown", err: &pgconn.PgError{Code: pgerrcode.AdminShutdown}, wantCode: ErrCodeStore},
		{name: "connection failure", err: &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, wantCode: ErrCodeStore},
		{name: "too many connections", err: &pgconn.PgError{Code: pgerrcode.TooManyConnections}, wantCode: ErrCodeStore},
		{name: "other sqlstate", err: &pgconn.PgError{Code: pgerrcode.DivisionByZero}, wantCode: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(tt.err)
			assert.Equal(t, tt.wantCode, GetCode(got))
			assert.Equal(t, tt.wantField, GetField(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestMapDBError_PassThrough(t *testing.T) {
	assert.NoError(t, MapDBError(nil))

	plain := errors.New("lease lost")
	assert.Same(t, plain, MapDBError(plain))
}

func TestForeignKeyMessage(t *testing.T) {
	missing := MapDBError(&pgconn.PgError{
		Code:   pgerrcode.ForeignKeyViolation,
		Detail: `Key (job_id)=(4b1c) is not present in table "jobs".`,
	})
	var appErr *AppError
	require.ErrorAs(t, missing, &appErr)
	assert.Equal(t, "report references a job that does not exist", appErr.Message)

	inUse := MapDBError(&pgconn.PgError{
		Code:   pgerrcode.ForeignKeyViolation,
		Detail: `Key (id)=(4b1c) is still referenced from table "research_reports".`,
	})
	require.ErrorAs(t, inUse, &appErr)
	assert.Equal(t, "job still has a research report", appErr.Message)
}

func TestFieldFromConstraint(t *testing.T) {
	tests := []struct {
		table, constraint, want string
	}{
		{"jobs", "jobs_priority_check", "priority"},
		{"research_reports", "research_reports_job_id_fkey", "job_id"},
		{"research_reports", "research_reports_pkey", ""},
		{"jobs", "jobs_running_has_lease", ""},
		{"", "jobs_asset_check", ""},
		{"jobs", "other_asset_check", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fieldFromConstraint(tt.table, tt.constraint), "%s/%s", tt.table, tt.constraint)
	}
}

func TestStore_KeepsClassifiedCodes(t *testing.T) {
	check := &pgconn.PgError{Code: pgerrcode.CheckViolation, TableName: "research_reports", ConstraintName: "research_reports_risk_level_check"}
	err := Store(check, "save report")
	assert.Equal(t, ErrCodeValidation, GetCode(err))
	assert.Equal(t, "risk_level", GetField(err))
	assert.Contains(t, err.Error(), "save report")

	assert.Equal(t, ErrCodeTimeout, GetCode(Store(context.DeadlineExceeded, "get job")))
	assert.Equal(t, ErrCodeStore, GetCode(Store(&pgconn.PgError{Code: pgerrcode.DivisionByZero}, "job stats")))
	assert.Equal(t, ErrCodeStore, GetCode(Store(&pgconn.PgError{Code: pgerrcode.AdminShutdown}, "get job")))
}
