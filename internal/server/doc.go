// Package server hosts the Fiber HTTP service and its middleware chain.
// Requests under the /-/ namespace reach the control routes registered by the
// routes package; everything else is handed to the interceptor, which decides
// between the origin and the local caches. Keep exports narrow and accept
// explicit dependencies so main and tests can wire fakes.
package server
