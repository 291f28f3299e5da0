// Package health tracks whether a remote endpoint is reachable.
//
// The agent leans on it in two places. At startup, Wait polls the
// dispatcher's /healthz with an HTTPChecker until it answers, so the
// agent does not try to register against a dispatcher that is still
// coming up. While running, the heartbeat loop feeds each send outcome
// into a Status, which debounces transient blips: only Retries
// consecutive failures flip the status to unhealthy, and Update reports
// flips so the caller logs the transition once rather than every probe.
package health
