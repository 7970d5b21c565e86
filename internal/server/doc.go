// Package server hosts the livecast API behind one HTTP server.
//
// The server builds a consistent middleware chain of request ids, logging,
// metrics, security headers and rate limiting so every handler shares the
// same protections and instrumentation.
package server
