package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/foreman/pkg/blob"
	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/manager"
	"github.com/cuemby/foreman/pkg/types"
)

// handlerFunc is the shape of an endpoint handler: it returns the
// response body to encode with status 200, or nil when it already
// wrote the response, or an error to translate.
type handlerFunc func(c *gin.Context) (interface{}, error)

// handle adapts a handlerFunc to gin, mapping errors to their status
// code with a structured {error, detail} body.
func handle(fn handlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := fn(c)
		if err != nil {
			renderError(c, err)
			return
		}
		if body != nil {
			c.JSON(http.StatusOK, body)
		}
	}
}

// renderError writes the error's kind as status code and body and
// aborts the handler chain.
func renderError(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	c.AbortWithStatusJSON(kind.HTTPStatus(), gin.H{
		"error":  string(kind),
		"detail": err.Error(),
	})
}

// tokenWorker returns the verified token claims set by workerAuth, or
// nil when the request carried none.
func tokenWorker(c *gin.Context) *manager.WorkerToken {
	v, ok := c.Get(workerTokenKey)
	if !ok {
		return nil
	}
	tok, _ := v.(*manager.WorkerToken)
	return tok
}

// requireTokenFor enforces that the authenticated token covers the
// worker id named in the request.
func requireTokenFor(c *gin.Context, workerID string) error {
	tok := tokenWorker(c)
	if tok == nil {
		return errors.Unauthorized.New("missing worker token")
	}
	if tok.WorkerID != workerID {
		return errors.Unauthorized.Newf("token is bound to worker %s", tok.WorkerID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Worker protocol

func (s *Server) registerWorker(c *gin.Context) (interface{}, error) {
	var req types.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.BadRequest.Wrap(err, "decode register request")
	}
	worker, token, err := s.manager.RegisterWorker(c.Request.Context(), &req)
	if err != nil {
		return nil, err
	}
	s.scheduler.Trigger()
	return &types.RegisterResponse{Success: true, WorkerID: worker.WorkerID, Token: token}, nil
}

func (s *Server) heartbeat(c *gin.Context) (interface{}, error) {
	var req types.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.BadRequest.Wrap(err, "decode heartbeat request")
	}
	if err := requireTokenFor(c, req.WorkerID); err != nil {
		return nil, err
	}
	worker, err := s.manager.Heartbeat(c.Request.Context(), &req)
	if err != nil {
		return nil, err
	}
	s.scheduler.Trigger()
	return &types.HeartbeatResponse{Success: true, Timestamp: worker.LastHeartbeat.UnixMilli()}, nil
}

func (s *Server) pollJob(c *gin.Context) (interface{}, error) {
	workerID := c.Query("workerId")
	if workerID == "" {
		return nil, errors.BadRequest.New("workerId query parameter is required")
	}
	if err := requireTokenFor(c, workerID); err != nil {
		return nil, err
	}

	// Drain the queue onto any capacity that opened since the last
	// pass, so a poll right after createJob already sees the job.
	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Scheduling pass before poll failed")
	}

	job, err := s.manager.PollJob(c.Request.Context(), workerID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		c.JSON(http.StatusAccepted, &types.PollResponse{Success: true})
		return nil, nil
	}
	return &types.PollResponse{Success: true, Job: job.Handoff()}, nil
}

func (s *Server) streamOutput(c *gin.Context) (interface{}, error) {
	var req types.StreamOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.BadRequest.Wrap(err, "decode stream request")
	}
	if err := s.manager.AppendOutput(c.Request.Context(), &req); err != nil {
		return nil, err
	}
	s.scheduler.Trigger()
	return &types.SuccessResponse{Success: true}, nil
}

func (s *Server) submitResult(c *gin.Context) (interface{}, error) {
	var req types.SubmitResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.BadRequest.Wrap(err, "decode result request")
	}
	if err := requireTokenFor(c, req.WorkerID); err != nil {
		return nil, err
	}
	job, err := s.manager.SubmitResult(c.Request.Context(), &req)
	if err != nil {
		return nil, err
	}
	s.scheduler.Trigger()
	return &types.SubmitResultResponse{Success: true, JobID: job.JobID}, nil
}

func (s *Server) reportFailure(c *gin.Context) (interface{}, error) {
	var req types.FailureReport
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.BadRequest.Wrap(err, "decode failure report")
	}
	if err := requireTokenFor(c, req.WorkerID); err != nil {
		return nil, err
	}
	job, err := s.manager.ReportFailure(c.Request.Context(), &req)
	if err != nil {
		return nil, err
	}
	s.scheduler.Trigger()
	return &types.SubmitResultResponse{Success: true, JobID: job.JobID}, nil
}

func (s *Server) checkCancel(c *gin.Context) (interface{}, error) {
	jobID := c.Query("jobId")
	if jobID == "" {
		return nil, errors.BadRequest.New("jobId query parameter is required")
	}
	cancelled, err := s.manager.CheckCancel(c.Request.Context(), jobID)
	if err != nil {
		return nil, err
	}
	return &types.CheckCancelResponse{Success: true, CancelRequested: cancelled}, nil
}

// ---------------------------------------------------------------------------
// User surface

func (s *Server) createJob(c *gin.Context) (interface{}, error) {
	var req types.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.BadRequest.Wrap(err, "decode job request")
	}
	job, err := s.manager.CreateJob(c.Request.Context(), &req)
	if err != nil {
		return nil, err
	}
	s.scheduler.Trigger()
	return &types.CreateJobResponse{Success: true, JobID: job.JobID}, nil
}

func (s *Server) jobStatus(c *gin.Context) (interface{}, error) {
	jobID := c.Query("jobId")
	if jobID == "" {
		return nil, errors.BadRequest.New("jobId query parameter is required")
	}
	job, err := s.manager.GetJob(c.Request.Context(), jobID)
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

func (s *Server) cancelJob(c *gin.Context) (interface{}, error) {
	var req types.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.BadRequest.Wrap(err, "decode cancel request")
	}
	message, err := s.manager.CancelJob(c.Request.Context(), req.JobID)
	if err != nil {
		return nil, err
	}
	s.scheduler.Trigger()
	return &types.CancelResponse{Success: true, Message: message}, nil
}

func (s *Server) listJobs(c *gin.Context) (interface{}, error) {
	jobs, err := s.manager.ListJobs(c.Request.Context())
	if err != nil {
		return nil, err
	}
	views := make([]*types.JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.View())
	}
	return &types.JobsListResponse{Jobs: views, Total: len(views)}, nil
}

func (s *Server) listWorkers(c *gin.Context) (interface{}, error) {
	workers, err := s.manager.ListWorkers(c.Request.Context())
	if err != nil {
		return nil, err
	}
	resp := &types.WorkersListResponse{
		Workers:      make([]*types.WorkerView, 0, len(workers)),
		TotalWorkers: len(workers),
	}
	for _, worker := range workers {
		resp.Workers = append(resp.Workers, worker.View())
		switch worker.Status {
		case types.WorkerIdle:
			resp.IdleWorkers++
		case types.WorkerBusy:
			resp.BusyWorkers++
		case types.WorkerUnhealthy:
			resp.UnhealthyWorkers++
		}
	}
	return resp, nil
}

func (s *Server) removeWorker(c *gin.Context) (interface{}, error) {
	existed, err := s.manager.RemoveWorker(c.Request.Context(), c.Param("workerId"))
	if err != nil {
		return nil, err
	}
	s.scheduler.Trigger()
	return &types.DeleteWorkerResponse{Success: true, Existed: existed}, nil
}

// ---------------------------------------------------------------------------
// Blob store

func (s *Server) uploadBlob(c *gin.Context) (interface{}, error) {
	meta, err := s.manager.Blobs().Put(c.Request.Context(),
		c.GetHeader("X-Blob-Name"), c.ContentType(), c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.JSON(http.StatusCreated, meta)
	return nil, nil
}

func (s *Server) downloadBlob(c *gin.Context) (interface{}, error) {
	rc, meta, err := s.manager.Blobs().Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("X-Blob-Name", meta.Name)
	c.Header("X-Blob-Created", meta.CreatedAt.Format(time.RFC3339))
	c.DataFromReader(http.StatusOK, meta.Size, contentType, rc, nil)
	return nil, nil
}

func (s *Server) listBlobs(c *gin.Context) (interface{}, error) {
	metas, err := s.manager.Blobs().List(c.Request.Context())
	if err != nil {
		return nil, err
	}
	return &blob.ListResponse{Blobs: metas, Total: len(metas)}, nil
}

func (s *Server) deleteBlob(c *gin.Context) (interface{}, error) {
	if err := s.manager.Blobs().Delete(c.Request.Context(), c.Param("ref")); err != nil {
		return nil, err
	}
	return &types.SuccessResponse{Success: true}, nil
}
