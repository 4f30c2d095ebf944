// Package fetch adapts document retrieval behind a single interface and
// normalizes transport failures into the FetchError taxonomy.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/company-detail/internal/model"
)

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindNotFound    ErrorKind = "not_found"
	KindServerError ErrorKind = "server_error"
	KindBlocked     ErrorKind = "blocked"
)

// Error is a fetch failure for a specific URL. Fetch errors are assumed
// non-transient at the pipeline level; any transient-network retrying
// happens inside the adapter.
type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a fetch Error from an error chain.
func AsError(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}

// Fetcher retrieves raw textual content for a source URL.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (*model.RawContent, error)
}
