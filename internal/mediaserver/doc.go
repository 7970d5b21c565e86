// Package mediaserver drives a Wowza-style media server: it provisions
// applications over the digest-authenticated REST control API, deploys
// push-publish mapping files over SSH, builds playlist descriptors and tracks
// the sessions it started in a cache that can always be rebuilt from the
// persisted transmission records.
package mediaserver
