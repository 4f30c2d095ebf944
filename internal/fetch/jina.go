package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/company-detail/internal/model"
	"github.com/sells-group/company-detail/pkg/jina"
)

// JinaFetcher retrieves page content through the Jina AI Reader and maps
// its failures onto the fetch error taxonomy.
type JinaFetcher struct {
	client jina.Client
	now    func() time.Time
}

// NewJinaFetcher wraps a Jina client as a Fetcher.
func NewJinaFetcher(client jina.Client) *JinaFetcher {
	return &JinaFetcher{client: client, now: time.Now}
}

func (f *JinaFetcher) Fetch(ctx context.Context, sourceURL string) (*model.RawContent, error) {
	resp, err := f.client.Read(ctx, sourceURL)
	if err != nil {
		return nil, classify(sourceURL, err)
	}

	content := &model.RawContent{
		Text:      Normalize(resp.Data.Content),
		Title:     resp.Data.Title,
		SourceURL: sourceURL,
		FetchedAt: f.now().UTC(),
		Tokens:    resp.Tokens(),
	}

	zap.L().Debug("fetch: page retrieved",
		zap.String("url", sourceURL),
		zap.String("title", content.Title),
		zap.Int("chars", len(content.Text)),
		zap.Int("reader_tokens", content.Tokens),
	)
	return content, nil
}

// classify maps reader failures onto the FetchError kinds.
func classify(sourceURL string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, URL: sourceURL, Err: err}
	}

	var se *jina.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone:
			return &Error{Kind: KindNotFound, URL: sourceURL, Err: err}
		case se.StatusCode == http.StatusForbidden ||
			se.StatusCode == http.StatusUnauthorized ||
			se.StatusCode == http.StatusTooManyRequests:
			return &Error{Kind: KindBlocked, URL: sourceURL, Err: err}
		case se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusGatewayTimeout:
			return &Error{Kind: KindTimeout, URL: sourceURL, Err: err}
		default:
			return &Error{Kind: KindServerError, URL: sourceURL, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, URL: sourceURL, Err: err}
	}

	return &Error{Kind: KindServerError, URL: sourceURL, Err: err}
}
