// Package webflow is the boundary to the external authorization UI: the
// browser or web-auth broker that shows the provider's login page and delivers
// the redirect back to the authorization module.
package webflow

import "context"

// Request carries everything a broker needs to run one authorization round.
// CorrelationID threads the request to its eventual redirect callback.
type Request struct {
	AuthorizationURL string
	RedirectURL      string
	CorrelationID    string
	State            string
}

// RedirectResult is what the broker reports back when the user's browser
// interaction ends. Exactly one of the three shapes applies: a response URL on
// completion, Cancelled, or ErrorDetail on a broker-level failure.
type RedirectResult struct {
	ResponseURL string
	Cancelled   bool
	ErrorDetail string
}

// Broker opens the authorization UI. Authorize returns once the UI is
// launched; completion arrives asynchronously through the Completer the broker
// was wired with.
type Broker interface {
	Authorize(ctx context.Context, req Request) error
}

// Completer receives redirect results. The account registry implements this,
// dispatching to the module the correlation id names.
type Completer interface {
	CompleteAuthorization(ctx context.Context, correlationID string, result RedirectResult) (string, error)
}
