// Package bundle implements the composable unit of configuration for the
// braid runtime. A bundle declares everything a session needs: providers,
// tools, hooks, orchestrator and context-manager selection, agent
// definitions, context files and a system instruction.
//
// Bundles are authored as markdown files with a YAML frontmatter block (the
// body becomes the instruction) or as plain YAML documents. They compose:
// a capability bundle extends a base bundle by overriding exactly the keys
// it declares, with module lists merged by module name and per-module config
// deep-merged. Composition is pure and order-sensitive; later bundles win.
//
// Parsing and composition are cheap, pure operations. The expensive steps
// (fetching includes, activating modules) live in the root braid package.
package bundle
