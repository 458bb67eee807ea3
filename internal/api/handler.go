// Package api exposes the POD workflow over HTTP. The same handler runs
// behind API Gateway (via the Lambda proxy adapter) and in the local server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"

	"github.com/trella/pod-capture/internal/metrics"
	"github.com/trella/pod-capture/internal/quality"
	"github.com/trella/pod-capture/internal/shipment"
	"github.com/trella/pod-capture/internal/store"
	"github.com/trella/pod-capture/internal/submission"
)

const maxSubmitBodyBytes = 64 << 10

// Viewer turns an artifact reference into a URL a browser can open.
type Viewer interface {
	URL(ctx context.Context, ref string) (string, error)
}

// Options configures a Handler. Zero values disable the optional parts.
type Options struct {
	Shipments          shipment.Lookup
	Viewer             Viewer
	MaxImageBytes      int64
	OriginVerifySecret string
	// Artifacts, when set, is mounted at /artifacts/ (local backend only).
	Artifacts http.Handler
}

// Handler serves the /api routes.
type Handler struct {
	wf        *submission.Workflow
	shipments shipment.Lookup
	viewer    Viewer
	maxImage  int64
	secret    string
	artifacts http.Handler
}

// New creates a Handler over wf.
func New(wf *submission.Workflow, opts Options) *Handler {
	maxImage := opts.MaxImageBytes
	if maxImage <= 0 {
		maxImage = 15 << 20
	}
	return &Handler{
		wf:        wf,
		shipments: opts.Shipments,
		viewer:    opts.Viewer,
		maxImage:  maxImage,
		secret:    opts.OriginVerifySecret,
		artifacts: opts.Artifacts,
	}
}

// Routes returns the full middleware-wrapped handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/shipments/{key}", h.handleShipment)
	mux.HandleFunc("POST /api/shipments/{key}/attempts", h.handleAttempt)
	mux.HandleFunc("POST /api/shipments/{key}/submit", h.handleSubmit)
	mux.HandleFunc("GET /api/shipments/{key}/submission", h.handleSubmission)
	if h.artifacts != nil {
		mux.Handle("GET /artifacts/", http.StripPrefix("/artifacts/", h.artifacts))
	}
	return withMetrics(withOriginVerify(h.secret, gzhttp.GzipHandler(mux)))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "pod-capture",
	})
}

type shipmentResponse struct {
	Shipment         *shipment.Shipment      `json:"shipment,omitempty"`
	AlreadySubmitted bool                    `json:"alreadySubmitted"`
	Submission       *store.PodSubmission    `json:"submission,omitempty"`
	Session          *submission.SessionView `json:"session,omitempty"`
}

// GET /api/shipments/{key}
// Returns the shipment for the confirm step and opens (or resumes) the
// driver's session unless the shipment is already submitted.
func (h *Handler) handleShipment(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := store.ValidateShipmentKey(key); err != nil {
		httpError(w, http.StatusBadRequest, "invalid shipment key")
		return
	}

	var resp shipmentResponse
	if h.shipments != nil {
		sh, err := h.shipments.Get(r.Context(), key)
		switch {
		case errors.Is(err, shipment.ErrNotFound):
			httpError(w, http.StatusNotFound, "shipment not found")
			return
		case err != nil:
			httpError(w, http.StatusBadGateway, "shipment lookup unavailable", err.Error())
			return
		}
		resp.Shipment = sh
	}

	view, existing, err := h.wf.Begin(r.Context(), h.session(r), key)
	if err != nil {
		h.workflowError(w, err)
		return
	}
	if existing != nil {
		resp.AlreadySubmitted = true
		resp.Submission = existing
	} else {
		resp.Session = &view
		w.Header().Set(SessionHeader, view.ID)
	}
	respondJSON(w, http.StatusOK, resp)
}

type attemptResponse struct {
	SessionID         string               `json:"sessionId"`
	State             submission.State     `json:"state"`
	Passed            *bool                `json:"passed,omitempty"`
	Reasons           []quality.ReasonCode `json:"reasons"`
	Scores            map[string]any       `json:"scores"`
	AttemptsUsed      int                  `json:"attemptsUsed"`
	AttemptsRemaining int                  `json:"attemptsRemaining"`
	Mode              submission.Mode      `json:"mode"`
	ImageRef          string               `json:"imageRef,omitempty"`
	ImageRefs         []string             `json:"imageRefs"`
	Submission        *store.PodSubmission `json:"submission,omitempty"`
}

// POST /api/shipments/{key}/attempts (body = raw image bytes)
func (h *Handler) handleAttempt(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := store.ValidateShipmentKey(key); err != nil {
		httpError(w, http.StatusBadRequest, "invalid shipment key")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxImage+1))
	if err != nil {
		httpError(w, http.StatusBadRequest, "failed to read image", err.Error())
		return
	}
	if len(data) == 0 {
		httpError(w, http.StatusBadRequest, "image body is required")
		return
	}
	if int64(len(data)) > h.maxImage {
		httpError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}
	if imageContentType(data, r.Header.Get("Content-Type")) == "" {
		// Still an attempt: the gate answers with no_document.
		log.Info().
			Str("shipmentKey", key).
			Str("declared", r.Header.Get("Content-Type")).
			Int("bytes", len(data)).
			Msg("Upload is not a recognised image type")
	}

	start := time.Now()
	res, err := h.wf.SubmitAttempt(r.Context(), h.session(r), key, data)
	if err != nil {
		h.workflowError(w, err)
		return
	}

	resp := attemptResponse{
		SessionID:         res.ID,
		State:             res.State,
		Reasons:           []quality.ReasonCode{},
		Scores:            map[string]any{},
		AttemptsUsed:      res.AttemptsUsed,
		AttemptsRemaining: res.AttemptsRemaining,
		Mode:              res.Mode,
		ImageRef:          res.ImageRef,
		ImageRefs:         res.ImageRefs,
		Submission:        res.Submission,
	}
	if v := res.Verdict; v != nil {
		passed := v.Passed
		resp.Passed = &passed
		if v.Reasons != nil {
			resp.Reasons = v.Reasons
		}
		if v.Scores != nil {
			resp.Scores = v.Scores
		}
		metrics.Verdict(*v, string(res.Mode), time.Since(start))
	}
	if res.ID != "" {
		w.Header().Set(SessionHeader, res.ID)
	}
	respondJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	Images   []string `json:"images"`
	Language string   `json:"language"`
}

type submitResponse struct {
	Status     string               `json:"status"`
	SessionID  string               `json:"sessionId,omitempty"`
	Submission *store.PodSubmission `json:"submission"`
}

// POST /api/shipments/{key}/submit
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := store.ValidateShipmentKey(key); err != nil {
		httpError(w, http.StatusBadRequest, "invalid shipment key")
		return
	}

	var req submitRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBodyBytes))
	if err != nil {
		httpError(w, http.StatusBadRequest, "failed to read request", err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	res, err := h.wf.Submit(r.Context(), h.session(r), key, submission.SubmitRequest{
		Images:   req.Images,
		Language: req.Language,
	})
	if err != nil {
		h.workflowError(w, err)
		return
	}

	status := "submitted"
	if res.State == submission.StateAlreadySubmitted {
		status = "already_submitted"
	}
	metrics.Submission(string(res.Submission.UploadMode), res.State == submission.StateSubmitted)
	respondJSON(w, http.StatusOK, submitResponse{
		Status:     status,
		SessionID:  res.SessionID,
		Submission: res.Submission,
	})
}

type artifactView struct {
	Index       int    `json:"index"`
	Ref         string `json:"ref"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
}

type submissionResponse struct {
	Submission *store.PodSubmission `json:"submission"`
	Artifacts  []artifactView       `json:"artifacts"`
}

// GET /api/shipments/{key}/submission
func (h *Handler) handleSubmission(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := store.ValidateShipmentKey(key); err != nil {
		httpError(w, http.StatusBadRequest, "invalid shipment key")
		return
	}

	sub, err := h.wf.Submission(r.Context(), key)
	if err != nil {
		h.workflowError(w, err)
		return
	}

	views := make([]artifactView, 0, len(sub.ArtifactPaths))
	for i, ref := range sub.ArtifactPaths {
		v := artifactView{Index: i, Ref: ref}
		if i < len(sub.Artifacts) {
			v.Index = sub.Artifacts[i].Index
			v.ContentType = sub.Artifacts[i].ContentType
		}
		if h.viewer != nil {
			url, err := h.viewer.URL(r.Context(), ref)
			if err != nil {
				log.Warn().Err(err).Str("shipmentKey", key).Str("ref", ref).Msg("Failed to build artifact view URL")
			} else {
				v.URL = url
			}
		}
		views = append(views, v)
	}
	respondJSON(w, http.StatusOK, submissionResponse{Submission: sub, Artifacts: views})
}

// session returns the request's session ID, or "" when it is malformed.
func (h *Handler) session(r *http.Request) string {
	id := sessionID(r)
	if !validSessionID(id) {
		return ""
	}
	return id
}

// workflowError maps workflow and store errors to HTTP responses.
func (h *Handler) workflowError(w http.ResponseWriter, err error) {
	var writeErr *store.WriteError
	switch {
	case errors.Is(err, store.ErrInvalidKey):
		httpError(w, http.StatusBadRequest, "invalid shipment key")
	case errors.Is(err, store.ErrNotFound):
		httpError(w, http.StatusNotFound, "no submission for this shipment")
	case errors.Is(err, submission.ErrWrongImageCount):
		httpError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, submission.ErrUnknownImage):
		httpError(w, http.StatusUnprocessableEntity, "unknown image reference")
	case errors.Is(err, submission.ErrNotAccepted):
		httpError(w, http.StatusConflict, "no image has passed the quality check yet")
	case errors.Is(err, submission.ErrSessionClosed):
		httpError(w, http.StatusConflict, "session already completed")
	case errors.Is(err, submission.ErrSessionNotFound):
		httpError(w, http.StatusNotFound, "session not found or expired")
	case errors.Is(err, store.ErrSessionConflict):
		httpError(w, http.StatusConflict, "session changed by another request, please retry")
	case errors.As(err, &writeErr):
		status := http.StatusInternalServerError
		if writeErr.Retryable() {
			status = http.StatusServiceUnavailable
		}
		httpError(w, status, "failed to store submission, please retry", err.Error())
	default:
		httpError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}
