// Package logging provides a minimal logging interface and adapters for the
// braid runtime.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that sessions, resolvers and providers use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - RuntimeLogger with session/run context and domain helpers
//
// Usage:
//
//	logger := logging.NewDefaultSlogLogger()
//	prepared, err := braid.Prepare(ctx, b, func(o *braid.Options) {
//		o.Logger = logger
//	})
package logging
