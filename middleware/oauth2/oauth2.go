// Package oauth2 provides a `with`-tag middleware that resolves a bearer
// token into an Authorization header value and publishes it in a Fetcher's
// Store. The Fetcher does not add that value to the requests it issues;
// ApplyFromStore copies it into an xhttp.ClientConfig, whose headers a
// Client sends with every request.
package oauth2

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/xget-dev/xget"
	"github.com/xget-dev/xget/internal/xhttp"
)

// TokenHeader is the Store tag under which the resolved Authorization
// header value is published for inspection by transformers.
const TokenHeader = "oauth2.authorization"

// BearerMiddleware returns a MiddlewareFunc that fetches a token from ts
// and returns the literal Authorization header value to use, so it can be
// registered with `xget.WithMiddleware(oauth2.TokenHeader, ...)`.
func BearerMiddleware(ts oauth2.TokenSource) xget.MiddlewareFunc {
	return func(ctx context.Context, load xget.LoadData) (any, error) {
		tok, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("oauth2: resolving token: %w", err)
		}
		return fmt.Sprintf("%s %s", tok.Type(), tok.AccessToken), nil
	}
}

// ApplyFromStore copies a header value computed by BearerMiddleware into
// cfg as its Authorization header.
func ApplyFromStore(cfg *xhttp.ClientConfig, authorization string) {
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	cfg.Headers["Authorization"] = authorization
}
