// Package api hosts the HTTP handlers of the livecast control plane.
//
// Handlers decode requests, resolve the calling owner and delegate to the
// transmission orchestrator and relay manager injected at construction time.
// Owner identity is asserted by a trusted gateway through the X-Owner-ID and
// X-Owner-Email headers; the package performs no authentication of its own.
//
// Errors returned by the services carry an errs kind which is mapped onto the
// response status, so handlers never inspect error strings.
package api
