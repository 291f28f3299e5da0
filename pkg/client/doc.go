// Package client is the Go client for the dispatcher protocol.
//
// Both sides of the platform use it: the worker agent drives its
// register/heartbeat/poll/stream/submit cycle through a single shared
// Client, and the CLI uses the same Client for job submission and admin
// queries. One method per protocol operation; each call gets a bounded
// per-request timeout derived from the caller's context.
//
// Errors come back as the same kinds the dispatcher raised: the client
// decodes the {error, detail} body and rebuilds the kind, so callers can
// match with errors.IsKind. A response that is not in protocol shape maps
// through the status code instead. Transport-level failures surface as
// StoreUnavailable, which the agent treats as retryable.
//
// Register stores the minted worker token on the client; every later
// request carries it as a bearer header. Blobs() hands out a blob store
// client bound to the same dispatcher and token for bundle downloads and
// result uploads.
package client
