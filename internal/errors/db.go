package errors

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// detailKey pulls the column out of "Key (job_id)=(...) ...".
var detailKey = regexp.MustCompile(`^Key \(([a-z_]+)\)=`)

var constraintSuffixes = []string{"_check", "_fkey", "_pkey", "_key"}

// MapDBError classifies errors coming out of the job store:
//
//	context deadline / cancel  -> timeout / canceled
//	no rows                    -> not_found
//	unique violation           -> conflict
//	foreign key violation      -> foreign_key
//	check / not null violation -> validation
//	connection, rollback, shutdown or resource exhaustion -> store
//	any other SQLSTATE         -> internal
//
// Errors that are not database errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "database call timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "database call canceled")
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, sql.ErrNoRows):
		return Wrap(err, ErrCodeNotFound, "not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgError(err, pgErr)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return &AppError{Code: ErrCodeStore, Message: "database connection failed", Cause: err}
	}
	return err
}

func classifyPgError(err error, pgErr *pgconn.PgError) error {
	field := violationField(pgErr)

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return &AppError{Code: ErrCodeConflict, Message: "already exists", Field: field, Cause: err}
	case pgerrcode.ForeignKeyViolation:
		return &AppError{Code: ErrCodeForeignKey, Message: foreignKeyMessage(pgErr), Field: field, Cause: err}
	case pgerrcode.CheckViolation:
		return &AppError{Code: ErrCodeValidation, Message: "value rejected by " + orUnknown(pgErr.ConstraintName), Field: field, Cause: err}
	case pgerrcode.NotNullViolation:
		return &AppError{Code: ErrCodeValidation, Message: "value is required", Field: field, Cause: err}
	}

	code := pgErr.Code
	if pgerrcode.IsConnectionException(code) ||
		pgerrcode.IsTransactionRollback(code) ||
		pgerrcode.IsInsufficientResources(code) ||
		pgerrcode.IsOperatorIntervention(code) {
		return &AppError{Code: ErrCodeStore, Message: "database unavailable", Cause: err}
	}
	return &AppError{Code: ErrCodeInternal, Message: "database error " + code, Cause: err}
}

// violationField names the offending column from the error metadata, the
// detail text or the constraint name, in that order.
func violationField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := detailKey.FindStringSubmatch(pgErr.Detail); m != nil {
		return m[1]
	}
	return fieldFromConstraint(pgErr.TableName, pgErr.ConstraintName)
}

// fieldFromConstraint reads Postgres' default constraint names such as
// jobs_asset_check or research_reports_job_id_fkey. Named table constraints
// without a recognized suffix yield "".
func fieldFromConstraint(table, constraint string) string {
	if table == "" || !strings.HasPrefix(constraint, table+"_") {
		return ""
	}
	rest := strings.TrimPrefix(constraint, table+"_")
	for _, suffix := range constraintSuffixes {
		if field, ok := strings.CutSuffix(rest, suffix); ok && field != "" {
			return field
		}
	}
	return ""
}

func foreignKeyMessage(pgErr *pgconn.PgError) string {
	switch {
	case strings.Contains(pgErr.Detail, "is not present in table"):
		return "report references a job that does not exist"
	case strings.Contains(pgErr.Detail, "is still referenced from table"):
		return "job still has a research report"
	case pgErr.TableName == "research_reports":
		return "report references a job that does not exist"
	default:
		return "referenced row is missing or still in use"
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "a check constraint"
	}
	return s
}
