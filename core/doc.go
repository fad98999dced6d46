// Package core provides the foundational domain types, interfaces and
// execution contexts used by the braid runtime. It defines the core
// abstractions for:
//
//   - Content (role-based messages composed of typed parts)
//   - Events (immutable session lifecycle records)
//   - Hook results and handlers (observe / gate lifecycle events)
//   - Boundary protocols (approval, display, observation) that an embedding
//     application implements to integrate with a session
//   - RunContext / ToolContext (scoped execution & tool sandboxing)
//   - The ContextManager contract for conversation persistence
//
// Implementation concerns (module activation, session orchestration,
// concrete providers) live in the packages built on top of this one; core
// holds only the contracts they share.
package core
