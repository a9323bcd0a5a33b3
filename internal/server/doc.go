// Package server hosts the chat page and the AI proxy behind one router.
//
// Every request passes the same chain: request IDs, client address
// resolution, logging, metrics, security headers and CORS. After that a
// device cookie is assigned and the admission gate consults the lock table,
// so only one device per network address is served at a time. API routes are
// then rate limited per address before reaching the handlers.
//
// Metrics and health checks live on a separate ops listener.
package server
