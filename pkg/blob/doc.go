// Package blob stores the opaque archives that flow through the system:
// bundle archives submitted with jobs and result archives produced by
// workers.
//
// # Architecture
//
//	┌──────────────┐   POST /blobs    ┌──────────────┐
//	│  CLI client  │ ───────────────► │  Dispatcher  │
//	└──────────────┘                  │  LocalStore  │
//	                                  │ <dataDir>/   │
//	┌──────────────┐   GET /blobs/…   │   blobs/     │
//	│ Worker agent │ ◄─────────────── │    <ref>     │
//	│  HTTPStore   │ ───────────────► │    <ref>.    │
//	└──────────────┘   POST /blobs    │   meta.json  │
//	                                  └──────────────┘
//
// LocalStore is the dispatcher-side backend: one file per ref plus a
// JSON sidecar carrying the original filename and size. Refs are UUIDs
// minted at upload time, so content is addressed by handle, not by name,
// and client-supplied names never touch the filesystem layout.
//
// HTTPStore implements the same Store interface over the dispatcher's
// blob endpoints. Worker agents use it to pull bundles before execution
// and push result archives after, which keeps agents free of any shared
// filesystem requirement.
//
// Blobs are retained until explicitly deleted. Terminal jobs keep their
// bundle and result refs valid so results stay downloadable after the
// fact.
package blob
