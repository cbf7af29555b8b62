package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"media-batch-processor/internal/artifacts"
	"media-batch-processor/internal/batcher"
	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
	"media-batch-processor/internal/queue"
	"media-batch-processor/internal/ratelimit"
	"media-batch-processor/internal/status"
	"media-batch-processor/internal/store"
	"media-batch-processor/internal/submit"
	"media-batch-processor/internal/telemetry"
	"media-batch-processor/internal/upload"
)

// Server wires the HTTP surface consumed by the frontend and the chat
// listener's delivery links.
type Server struct {
	cfg         config.Config
	store       *store.Store
	queue       *queue.Queue
	submitter   *submit.Handler
	aggregator  *status.Aggregator
	pipeline    *upload.Pipeline
	reassembler *upload.Reassembler
	artifacts   *artifacts.Store
	limiter     *ratelimit.TokenBucket
	batcher     *batcher.Batcher
	log         zerolog.Logger
}

// SetBatcher attaches the chat-listener ingestion batcher; without it the
// /ingest-media endpoint answers 503.
func (s *Server) SetBatcher(b *batcher.Batcher) {
	s.batcher = b
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.Queue, sub *submit.Handler, agg *status.Aggregator, pipe *upload.Pipeline, reasm *upload.Reassembler, art *artifacts.Store, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		store:       st,
		queue:       q,
		submitter:   sub,
		aggregator:  agg,
		pipeline:    pipe,
		reassembler: reasm,
		artifacts:   art,
		limiter:     limiter,
		log:         log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/submit-batch-job", s.handleSubmitBatch)
	r.Post("/upload-media", s.handleUploadMedia)
	r.Post("/ingest-media", s.handleIngestMedia)
	r.Get("/job-status/{jobId}", s.handleJobStatus)
	r.Post("/cancel-job/{jobId}", s.handleCancelJob)
	r.Get("/queue-status", s.handleQueueStatus)

	r.Get("/processed/{jobId}/{filename}", s.handleProcessedArtifact)
	r.Get("/download/{fileId}", s.handleDownload)

	r.Post("/upload-chunk/{uploadId}/{chunkIndex}", s.handleUploadChunk)
	r.Get("/upload-progress/{uploadId}", s.handleUploadProgress)
	r.Post("/bulk-progress", s.handleBulkProgress)

	return r
}

type submitResponse struct {
	Success     bool            `json:"success"`
	JobID       string          `json:"jobId"`
	UploadID    string          `json:"uploadId"`
	TotalFiles  int             `json:"totalFiles"`
	ImageFiles  int             `json:"imageFiles"`
	VideoFiles  int             `json:"videoFiles"`
	Jobs        []submit.SubJob `json:"jobs"`
	FileID      string          `json:"fileId,omitempty"`
	DownloadURL string          `json:"downloadUrl,omitempty"`
	Message     string          `json:"message"`
}

// Token costs charged against the per-client bucket. A full batch
// submission is far heavier than a single-file upload.
const (
	costSingleUpload = 1
	costBatchSubmit  = 4
)

// handleSubmitBatch streams a multipart batch to disk, validates it, and
// enqueues one sub-job per media kind.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, costBatchSubmit) {
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	session := &models.UploadSession{
		UploadID:   uploadID,
		BytesTotal: r.ContentLength,
		Phase:      models.PhaseUploading,
	}
	_ = s.store.PutSession(r.Context(), session)

	lastPercent := -1
	res, err := s.pipeline.Parse(reader, r.ContentLength, func(received, total int64) {
		percent := 0
		if total > 0 {
			percent = int(received * 100 / total)
		}
		if percent == lastPercent {
			return
		}
		lastPercent = percent
		_ = s.store.UpdateSession(r.Context(), uploadID, func(u *models.UploadSession) {
			u.BytesReceived = received
			u.Percent = percent
		})
	})
	if err != nil {
		telemetry.BatchesRejected.Inc()
		writeError(w, uploadErrorCode(err), err.Error())
		return
	}

	result, err := s.submitter.Submit(r.Context(), s.buildRequest(res, "http"))
	if err != nil {
		s.pipeline.Discard(res)
		telemetry.BatchesRejected.Inc()
		writeError(w, submitErrorCode(err), err.Error())
		return
	}
	telemetry.BatchesSubmitted.Inc()

	_ = s.store.UpdateSession(r.Context(), uploadID, func(u *models.UploadSession) {
		u.Phase = models.PhaseProcessing
		u.Percent = 100
		u.LinkedBatchID = result.BatchID
		u.ProcessingTotal = len(res.Files)
	})

	writeJSON(w, http.StatusOK, submitResponse{
		Success:    true,
		JobID:      result.BatchID,
		UploadID:   uploadID,
		TotalFiles: result.ImageCount + result.VideoCount,
		ImageFiles: result.ImageCount,
		VideoFiles: result.VideoCount,
		Jobs:       result.Jobs,
		Message:    "batch queued for processing",
	})
}

// handleUploadMedia accepts a single file and queues it as a one-item
// batch; the chat listener uses this for direct deliveries.
func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, costSingleUpload) {
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart form required")
		return
	}
	res, err := s.pipeline.Parse(reader, r.ContentLength, nil)
	if err != nil {
		writeError(w, uploadErrorCode(err), err.Error())
		return
	}
	if len(res.Files) != 1 {
		s.pipeline.Discard(res)
		writeError(w, http.StatusBadRequest, "exactly one file required")
		return
	}

	// The download id is issued up front; the worker registers the file
	// record under it once the output exists.
	fileID := uuid.NewString()
	req := s.buildRequest(res, "http")
	req.Files[0].FileID = fileID

	result, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		s.pipeline.Discard(res)
		writeError(w, submitErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Success:     true,
		JobID:       result.BatchID,
		TotalFiles:  1,
		ImageFiles:  result.ImageCount,
		VideoFiles:  result.VideoCount,
		Jobs:        result.Jobs,
		FileID:      fileID,
		DownloadURL: s.cfg.DownloadBaseURL + "/download/" + fileID,
		Message:     "file queued for processing",
	})
}

// buildRequest maps parsed form fields onto a submission request.
func (s *Server) buildRequest(res upload.Result, source string) submit.Request {
	opts := models.ProcessOptions{
		LogoPosition:       fieldOr(res.Fields, "logoPosition", models.PositionBottomRight),
		LogoSizePercent:    intField(res.Fields, "logoSize", 15),
		LogoOpacityPercent: intField(res.Fields, "logoOpacity", 100),
		PaddingXPercent:    floatField(res.Fields, "paddingXPercent", 0),
		PaddingYPercent:    floatField(res.Fields, "paddingYPercent", 0),
	}
	files := make([]submit.File, 0, len(res.Files))
	for _, f := range res.Files {
		files = append(files, submit.File{
			OriginalName: f.OriginalName,
			DeclaredMime: f.DeclaredMime,
			Path:         f.Path,
			Size:         f.Size,
			Hash:         f.Hash,
		})
	}
	req := submit.Request{
		Files:              files,
		Options:            opts,
		GenerateThumbnails: fieldOr(res.Fields, "generateThumbnails", "true") != "false",
		Source:             source,
	}
	if res.Logo != nil {
		req.LogoPath = res.Logo.Path
	}
	return req
}

// handleIngestMedia accepts one chat-listener media reference. Arrivals
// sharing a groupId within the debounce window are folded into one batch.
func (s *Server) handleIngestMedia(w http.ResponseWriter, r *http.Request) {
	if s.batcher == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion disabled")
		return
	}
	var req struct {
		GroupID  string `json:"groupId"`
		MediaID  string `json:"mediaId"`
		URL      string `json:"url"`
		FileName string `json:"fileName"`
		MimeType string `json:"mimeType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.GroupID == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "groupId and url required")
		return
	}
	s.batcher.Add(context.WithoutCancel(r.Context()), batcher.Incoming{
		GroupID:  req.GroupID,
		MediaID:  req.MediaID,
		URL:      req.URL,
		FileName: req.FileName,
		MimeType: req.MimeType,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": true})
}

// handleJobStatus aggregates sub-jobs under the batch id. An unknown id
// returns 404 with a success-shaped failed body; polling clients always
// get a parseable object.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "jobId")
	agg, err := s.aggregator.Batch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, store.ErrBatchNotFound) {
			writeJSON(w, http.StatusNotFound, status.NotFound(batchID))
			return
		}
		writeJSON(w, http.StatusInternalServerError, status.NotFound(batchID))
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// handleCancelJob cancels the batch's queued sub-jobs outright and flags
// active ones to stop before their next item.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "jobId")
	jobs, err := s.store.BatchJobs(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, store.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}

	cancelled, flagged := 0, 0
	for _, job := range jobs {
		switch job.State {
		case models.StateQueued:
			if err := s.queue.Cancel(r.Context(), job.Kind, job.ID); err != nil {
				writeError(w, http.StatusInternalServerError, "cancel failed")
				return
			}
			_ = s.store.FailJob(r.Context(), job.ID, "cancelled")
			cancelled++
		case models.StateActive:
			_ = s.store.RequestCancel(r.Context(), job.ID)
			flagged++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"cancelled": cancelled,
		"stopping":  flagged,
	})
}

// handleQueueStatus reports ready/in-flight depth per kind.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"success": true}
	for _, kind := range []models.MediaKind{models.KindImage, models.KindVideo} {
		ready, inflight, err := s.queue.Depth(r.Context(), kind)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "queue unavailable")
			return
		}
		out[string(kind)] = map[string]int64{"waiting": ready, "active": inflight}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleProcessedArtifact streams one artifact with cache headers.
// ServeContent supplies Range/If-Modified-Since semantics.
func (s *Server) handleProcessedArtifact(w http.ResponseWriter, r *http.Request) {
	path, err := s.artifacts.Resolve(chi.URLParam(r, "jobId"), chi.URLParam(r, "filename"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=14400")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// handleDownload streams a single-file output by its opaque TTL'd id.
// Expired and never-issued ids both read as 404.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetFileRecord(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		if errors.Is(err, store.ErrFileNotFound) {
			writeError(w, http.StatusNotFound, "download link expired or unknown")
			return
		}
		writeError(w, http.StatusInternalServerError, "download failed")
		return
	}
	f, err := os.Open(rec.FilePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "file no longer available")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusNotFound, "file no longer available")
		return
	}
	if rec.MimeType != "" {
		w.Header().Set("Content-Type", rec.MimeType)
	}
	if rec.Hash != "" {
		w.Header().Set("ETag", `"`+rec.Hash+`"`)
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.FileName+`"`)
	http.ServeContent(w, r, rec.FileName, info.ModTime(), f)
}

type chunkResponse struct {
	Success  bool   `json:"success"`
	Received int    `json:"received"`
	Total    int    `json:"totalChunks"`
	Complete bool   `json:"complete"`
	JobID    string `json:"jobId,omitempty"`
}

// handleUploadChunk accepts one numbered chunk of an oversized file. Once
// every index has arrived the chunks are merged and the file is submitted
// as a one-item batch.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	index, err := strconv.Atoi(chi.URLParam(r, "chunkIndex"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart form required")
		return
	}
	fields := make(map[string]string)
	var saved bool
	for {
		part, perr := reader.NextPart()
		if perr != nil {
			break
		}
		if part.FileName() == "" {
			fields[part.FormName()] = readSmallField(part)
			continue
		}
		if _, err := s.reassembler.SaveChunk(r.Context(), uploadID, index, part); err != nil {
			part.Close()
			writeError(w, chunkErrorCode(err), err.Error())
			return
		}
		saved = true
		part.Close()
	}
	if !saved {
		writeError(w, http.StatusBadRequest, "chunk part missing")
		return
	}

	totalChunks, err := strconv.Atoi(fields["totalChunks"])
	if err != nil || totalChunks <= 0 {
		writeError(w, http.StatusBadRequest, "totalChunks required")
		return
	}
	received, err := s.reassembler.Received(r.Context(), uploadID, totalChunks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "chunk bookkeeping failed")
		return
	}
	resp := chunkResponse{Success: true, Received: received, Total: totalChunks}
	if received < totalChunks {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// Two final chunks racing both see every index present; the lock
	// winner merges, the loser just acknowledges receipt.
	acquired, err := s.store.AcquireMergeLock(r.Context(), uploadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "chunk bookkeeping failed")
		return
	}
	if !acquired {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	fileName := fields["fileName"]
	if fileName == "" {
		fileName = uploadID + ".bin"
	}
	outPath := filepath.Join(s.cfg.TempUploadDir(), uuid.NewString()+"_"+filepath.Base(fileName))
	size, err := s.reassembler.Merge(r.Context(), uploadID, totalChunks, outPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.submitter.Submit(r.Context(), submit.Request{
		Files: []submit.File{{
			OriginalName: fileName,
			DeclaredMime: fields["mimeType"],
			Path:         outPath,
			Size:         size,
		}},
		Options: models.ProcessOptions{
			LogoPosition:       fieldOr(fields, "logoPosition", models.PositionBottomRight),
			LogoSizePercent:    intField(fields, "logoSize", 15),
			LogoOpacityPercent: intField(fields, "logoOpacity", 100),
			PaddingXPercent:    floatField(fields, "paddingXPercent", 0),
			PaddingYPercent:    floatField(fields, "paddingYPercent", 0),
		},
		GenerateThumbnails: true,
		Source:             "http",
	})
	if err != nil {
		_ = os.Remove(outPath)
		writeError(w, submitErrorCode(err), err.Error())
		return
	}

	_ = s.store.UpdateSession(r.Context(), uploadID, func(u *models.UploadSession) {
		u.Phase = models.PhaseProcessing
		u.Percent = 100
		u.LinkedBatchID = result.BatchID
	})

	resp.Complete = true
	resp.JobID = result.BatchID
	writeJSON(w, http.StatusOK, resp)
}

// handleUploadProgress reads one session, folding in the linked batch's
// processing progress once a job exists.
func (s *Server) handleUploadProgress(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	session, err := s.lookupSession(r, uploadID)
	if err != nil {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleBulkProgress reads many sessions in one round trip for frontends
// polling several uploads at once.
func (s *Server) handleBulkProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadIDs []string `json:"uploadIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	out := make(map[string]any, len(req.UploadIDs))
	for _, id := range req.UploadIDs {
		session, err := s.lookupSession(r, id)
		if err != nil {
			out[id] = map[string]any{"found": false}
			continue
		}
		out[id] = session
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "progress": out})
}

// lookupSession reads a session and refreshes its processing percentage
// from the linked batch when one exists.
func (s *Server) lookupSession(r *http.Request, uploadID string) (models.UploadSession, error) {
	session, err := s.store.GetSession(r.Context(), uploadID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if session.LinkedBatchID == "" || session.Phase == models.PhaseCompleted {
		return session, nil
	}
	agg, err := s.aggregator.Batch(r.Context(), session.LinkedBatchID)
	if err != nil {
		return session, nil
	}
	session.ProcessingPercent = agg.Progress
	if agg.Status == status.StatusCompleted || agg.Status == status.StatusFailed {
		session.Phase = models.PhaseCompleted
		_ = s.store.UpdateSession(r.Context(), uploadID, func(u *models.UploadSession) {
			u.Phase = models.PhaseCompleted
			u.ProcessingPercent = agg.Progress
		})
	}
	return session, nil
}

// allow applies the per-client token bucket to submission endpoints,
// charging the endpoint's cost.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.AllowN(r.Context(), clientKey(r), cost)
	if err != nil {
		// Rate limiting is advisory; Redis trouble should not block uploads.
		s.log.Warn().Err(err).Msg("rate limiter unavailable")
		return true
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i > 0 {
			return strings.TrimSpace(v[:i])
		}
		return strings.TrimSpace(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func uploadErrorCode(err error) int {
	switch {
	case errors.Is(err, upload.ErrFileTooLarge),
		errors.Is(err, upload.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrTooManyFiles):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

func submitErrorCode(err error) int {
	switch {
	case errors.Is(err, submit.ErrBatchTooLarge),
		errors.Is(err, submit.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, submit.ErrNoFiles),
		errors.Is(err, submit.ErrTooManyFiles),
		errors.Is(err, submit.ErrUnsupportedMedia),
		errors.Is(err, submit.ErrBadOptions),
		errors.Is(err, submit.ErrNoLogo):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func chunkErrorCode(err error) int {
	if errors.Is(err, upload.ErrChunkTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func fieldOr(fields map[string]string, key, def string) string {
	if v, ok := fields[key]; ok && v != "" {
		return v
	}
	return def
}

func intField(fields map[string]string, key string, def int) int {
	if v, ok := fields[key]; ok {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func floatField(fields map[string]string, key string, def float64) float64 {
	if v, ok := fields[key]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func readSmallField(part *multipart.Part) string {
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := part.Read(buf)
		if n > 0 && b.Len() < 64<<10 {
			b.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
