// Package api exposes the dispatcher protocol over HTTP.
//
// The surface splits into the worker protocol, the user surface, and
// the blob store:
//
//	POST   /workers/register       worker joins, receives its token
//	POST   /workers/heartbeat      liveness + host metrics           (token)
//	GET    /workers/list           fleet view with status counts
//	DELETE /workers/:workerId      drain and forget a worker
//
//	POST   /jobs/create            submit a job
//	GET    /jobs/get-job           poll for work, 202 when idle      (token)
//	POST   /jobs/stream-output     append live stdout/stderr         (token)
//	POST   /jobs/submit-result     report a finished execution       (token)
//	PUT    /jobs/submit-result     report a failed execution         (token)
//	GET    /jobs/status            full job projection
//	POST   /jobs/cancel            request cancellation
//	GET    /jobs/check-cancel      cancel-flag probe                 (token)
//	GET    /jobs/list              every job the dispatcher knows
//
//	POST   /blobs                  upload a bundle or result archive
//	GET    /blobs                  list stored blobs
//	GET    /blobs/:ref             download by ref
//	DELETE /blobs/:ref             drop a blob
//
//	GET    /healthz /readyz /metrics
//
// Handlers are thin: decode the request, call the manager, encode the
// response. Errors carry a kind (pkg/errors) that maps to the status
// code, with a {error, detail} body. The poll handler runs a
// synchronous scheduling pass before reading so freshly queued work is
// visible to the polling worker; every other mutating handler triggers
// an asynchronous pass on its way out.
//
// Worker routes authenticate with the token minted at registration,
// sent as "Authorization: Bearer <token>" or "X-Worker-Token". The
// token binds the caller to its worker id; a request naming another
// worker is rejected. Blob routes verify a token only when one is
// presented, since users upload bundles over the same endpoint.
//
// Every route is rate limited with a fixed window per principal (the
// worker id when authenticated, the client address otherwise). Over
// budget requests get 429 with a Retry-After header.
package api
