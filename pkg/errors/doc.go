/*
Package errors provides kinded errors for Foreman's protocol surface.

Errors are built on cockroachdb/errors so every error carries a stack trace
and supports standard Is/As chain inspection. On top of that, a Kind
classifies errors into the protocol's error vocabulary — BadRequest,
Unauthorized, NotFound, JobNotOwned, WorkerUnknown, BadBundle,
StoreUnavailable, SandboxLaunchFailed, SandboxTimedOut, Cancelled,
RateLimited, Internal — each mapping to a distinct HTTP status code.

# Usage

Creating kinded errors:

	return errors.BadRequest.New("workerId is required")
	return errors.NotFound.Newf("job %s not found", id)
	return errors.StoreUnavailable.Wrap(err, "bolt write failed")

Inspecting at the API boundary:

	kind := errors.KindOf(err)
	c.JSON(kind.HTTPStatus(), gin.H{"error": string(kind), "detail": err.Error()})

Plain wrapping (kind inherited from deeper in the chain, Internal if none):

	return errors.Wrap(err, "extract bundle")

# Integration Points

  - pkg/api: translates KindOf(err) to status codes and {error, detail}
  - pkg/manager: attaches kinds at the operation boundary
  - pkg/worker: distinguishes BadBundle and sandbox failures for reporting
*/
package errors
