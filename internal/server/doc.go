// Package server hosts the Fiber HTTP service: the request-id and recovery
// middleware chain, the JSON error renderer and the catch-all route that hands
// every non-diagnostics request to a ProxyHandler. Diagnostics endpoints live
// under /-/ and are registered by the routes package; keep exports narrow and
// accept explicit dependencies so tests can inject fake handlers.
package server
