// Package errors turns errors into low-cardinality class names for metric tags.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/target/researchq/internal/errors"
	"github.com/target/researchq/internal/pipeline/tools"
)

// Classify returns a short class for err, or "" for nil. The first match
// wins:
//
//	application code, with the tool kind appended when a tool failed
//	bare tool error         tool_<kind>
//	context                 context_canceled, context_deadline
//	postgres                pg_<sqlstate>
//	redis nil reply         redis_nil
//	network                 net_timeout, net_error
//	anything else           innermost concrete type, e.g. errors_errorstring
func Classify(err error) string {
	if err == nil {
		return ""
	}

	kind := tools.KindOf(err)
	if code := apperrors.GetCode(err); code != "" {
		if kind != "" {
			return string(code) + "_" + string(kind)
		}
		return string(code)
	}
	if kind != "" {
		return "tool_" + string(kind)
	}

	switch {
	case goerrors.Is(err, context.Canceled):
		return "context_canceled"
	case goerrors.Is(err, context.DeadlineExceeded):
		return "context_deadline"
	case goerrors.Is(err, redis.Nil):
		return "redis_nil"
	}

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		return "pg_" + strings.ToLower(pgErr.Code)
	}
	var netErr net.Error
	if goerrors.As(err, &netErr) {
		if netErr.Timeout() {
			return "net_timeout"
		}
		return "net_error"
	}
	return typeName(innermost(err))
}

func innermost(err error) error {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.String() == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
}
