package feed

import "context"

// Source is the uniform adapter contract. The aggregator is written once
// against this interface and is oblivious to which concrete providers
// exist; a fourth provider adds a variant without touching aggregator
// logic.
type Source interface {
	// Provider names the source.
	Provider() Provider

	// Available reports whether the source can serve the given scope.
	// It must be cheap — a credential-store read or a binary lookup,
	// never a network call. A nil return means Fetch may be attempted.
	Available(ctx context.Context, scope Scope) error

	// Fetch returns activity records within the request window, newest
	// first. Failures use the package error taxonomy.
	Fetch(ctx context.Context, req Request) ([]Record, error)
}
