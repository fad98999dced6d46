// Package session turns a prepared bundle into a running conversation.
//
// A Session owns one conversation: it holds the mounted modules (provider,
// tools, hooks, orchestrator, context manager) behind a Coordinator, runs
// prompts through the orchestrator, and fans the resulting event stream out
// to observers and the event router. Sessions also implement Spawner, so a
// tool running inside one session can launch scoped child sessions with
// filtered inheritance of the parent's modules and conversation context.
//
// The braid package constructs sessions from bundles; tests and embedders
// can assemble one by hand through Assembly.
package session
