// Package cache implements the named, disk-backed response caches shared by
// the interceptor and the sync orchestrator. A Storage owns
// StoragePath/caches/<name>; each named Cache maps a logical key (a request
// path, or a chart locator such as /charts/<uuid>) to a body file plus a JSON
// sidecar carrying the hash tag and response headers. Writes go through temp
// file + rename and the sidecar is always written last, so a reader that finds
// a sidecar is guaranteed a complete body. A missing or unreadable sidecar is
// reported as ErrNotFound and callers treat it as a plain miss.
package cache
