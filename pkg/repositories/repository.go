package repositories

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

// NotFound returns a 404 HTTP error with a descriptive message
func NotFound(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// BadRequest returns a 400 HTTP error
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// Internal returns a 500 HTTP error
func Internal(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err is a 404 HTTP error
func IsNotFound(err error) bool {
	return err != nil && httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}

// Repository holds what every postgres repository needs
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new base repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// DB returns the database instance
func (r *Repository) DB() database.DB {
	return r.db
}

// StatusIn reports whether status is in allowed; an empty allowed set matches everything
func StatusIn(status models.Status, allowed []models.Status) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// StatusStrings converts statuses to their column values
func StatusStrings[T ~string](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// StringArgs converts ids into sqlbuilder IN arguments
func StringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Q returns the transaction on ctx when one is open, otherwise the database
func (r *Repository) Q(ctx context.Context) database.Querier {
	return database.QuerierFor(ctx, r.db)
}
