// Package metadb persists the sync orchestrator's view of which chart blobs
// are present and correct (uuid -> content hash), plus the small set of user
// preferences that survive restarts. It is a thin bbolt wrapper: every method
// opens and closes its own transaction, so no transaction ever spans a
// network call made by the caller.
package metadb
