package llm

// contextKey namespaces values genesis stores on context.Context so they
// never collide with keys set by other packages.
type contextKey string

// DebugDirContextKey carries a per-session directory name used to nest raw
// stream-chunk debug logs under debug/chunks/<dir>/<provider>/.
const DebugDirContextKey contextKey = "genesis.debug_dir"
