package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"syncqueue/internal/domain"
	"syncqueue/internal/engine"
	"syncqueue/internal/validate"
)

const (
	headerTenant = "X-Tenant-ID"
	headerUser   = "X-User-ID"
)

type Server struct {
	r   *chi.Mux
	svc *engine.Service
}

func NewServer(svc *engine.Service) http.Handler {
	return NewServerWithDebug(svc, false)
}

func NewServerWithDebug(svc *engine.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, svc: svc}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queues", s.listQueues)
		r.Post("/queues", s.createQueue)
		r.Route("/queues/{queueID}", func(r chi.Router) {
			r.Get("/", s.getQueue)
			r.Post("/lines", s.addLine)
			r.Get("/lines", s.listLines)
			r.Post("/lines/{lineID}/done", s.markDone)
			r.Post("/lines/{lineID}/failed", s.markFailed)
			r.Post("/claim", s.claim)
			r.Get("/activity", s.activity)
			r.Post("/activity", s.logActivity)
			r.Post("/force-done", s.forceDone)
			r.Post("/cancel", s.cancel)
			r.Post("/fail", s.fail)
		})
		r.Get("/lines/{lineID}", s.getLine)
	})

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("syncqueue_up 1\n"))
}

type createQueueReq struct {
	Name           string          `json:"name"`
	SourceSystem   string          `json:"source_system"`
	BatchSize      *float64        `json:"batch_size"`
	BatchDelayMs   *float64        `json:"batch_delay_ms"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueReq
	if !decode(w, r, &req) {
		return
	}
	batchSize, err := numberParam(req.BatchSize, 1, engine.MaxBatchSize, "batch_size")
	if err != nil {
		writeError(w, err)
		return
	}
	batchDelay, err := numberParam(req.BatchDelayMs, 0, engine.MaxBatchDelayMs, "batch_delay_ms")
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.svc.CreateQueue(r.Context(), engine.CreateQueueRequest{
		TenantID:       tenantOf(r),
		Name:           req.Name,
		CreatedBy:      domain.UserID(r.Header.Get(headerUser)),
		SourceSystem:   req.SourceSystem,
		BatchSize:      batchSize,
		BatchDelayMs:   batchDelay,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id.String()})
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	queues, err := s.svc.ListQueues(r.Context(), tenantOf(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]queueView, 0, len(queues))
	for _, q := range queues {
		out = append(out, newQueueView(q))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetQueueStatus(r.Context(), tenantOf(r), queueOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if st == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(*st))
}

type addLineReq struct {
	ExternalRecordID json.Number     `json:"external_record_id"`
	ExternalID       string          `json:"external_id"`
	Payload          json.RawMessage `json:"payload"`
}

func (s *Server) addLine(w http.ResponseWriter, r *http.Request) {
	var req addLineReq
	if !decode(w, r, &req) {
		return
	}
	recordID, err := validate.ExternalRecordID(req.ExternalRecordID.String())
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.svc.AddLine(r.Context(), engine.AddLineRequest{
		TenantID:         tenantOf(r),
		QueueID:          queueOf(r),
		ExternalRecordID: recordID,
		Payload:          req.Payload,
		ExternalID:       req.ExternalID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id.String()})
}

func (s *Server) listLines(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	state := domain.LineState(r.URL.Query().Get("state"))
	lines, err := s.svc.ListLines(r.Context(), tenantOf(r), queueOf(r), state, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lineViews(lines))
}

func (s *Server) getLine(w http.ResponseWriter, r *http.Request) {
	line, err := s.svc.GetLine(r.Context(), tenantOf(r), domain.LineID(chi.URLParam(r, "lineID")))
	if err != nil {
		writeError(w, err)
		return
	}
	if line == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newLineView(*line))
}

type claimReq struct {
	BatchSize int `json:"batch_size"`
}

// claim hands out up to batch_size draft lines atomically. An omitted batch
// size uses the queue's configured one.
func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if !decode(w, r, &req) {
		return
	}
	tenant, queueID := tenantOf(r), queueOf(r)
	if req.BatchSize == 0 {
		st, err := s.svc.GetQueueStatus(r.Context(), tenant, queueID)
		if err != nil {
			writeError(w, err)
			return
		}
		if st == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		req.BatchSize = st.BatchSize
	}
	lines, err := s.svc.ClaimBatch(r.Context(), tenant, queueID, req.BatchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lineViews(lines))
}

type doneReq struct {
	ResultRecordID string `json:"result_record_id"`
	WasUpdate      bool   `json:"was_update"`
}

func (s *Server) markDone(w http.ResponseWriter, r *http.Request) {
	var req doneReq
	if !decode(w, r, &req) {
		return
	}
	err := s.svc.MarkLineDone(r.Context(), engine.MarkLineDoneRequest{
		TenantID:       tenantOf(r),
		QueueID:        queueOf(r),
		LineID:         domain.LineID(chi.URLParam(r, "lineID")),
		ResultRecordID: req.ResultRecordID,
		WasUpdate:      req.WasUpdate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failedReq struct {
	Message string `json:"message"`
}

type failedResp struct {
	ErrorCount    int  `json:"error_count"`
	RetryEligible bool `json:"retry_eligible"`
}

func (s *Server) markFailed(w http.ResponseWriter, r *http.Request) {
	var req failedReq
	if !decode(w, r, &req) {
		return
	}
	out, err := s.svc.MarkLineFailed(r.Context(), engine.MarkLineFailedRequest{
		TenantID: tenantOf(r),
		QueueID:  queueOf(r),
		LineID:   domain.LineID(chi.URLParam(r, "lineID")),
		Message:  req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, failedResp{ErrorCount: out.ErrorCount, RetryEligible: out.RetryEligible})
}

func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	entries, err := s.svc.GetActivityLog(r.Context(), tenantOf(r), queueOf(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]activityView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newActivityView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

type logActivityReq struct {
	LineID  string          `json:"line_id"`
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

func (s *Server) logActivity(w http.ResponseWriter, r *http.Request) {
	var req logActivityReq
	if !decode(w, r, &req) {
		return
	}
	user, err := validate.OptionalUserID(r.Header.Get(headerUser))
	if err != nil {
		writeError(w, err)
		return
	}
	var lineID *domain.LineID
	if req.LineID != "" {
		l := domain.LineID(req.LineID)
		lineID = &l
	}
	err = s.svc.LogActivity(r.Context(), engine.LogActivityRequest{
		TenantID: tenantOf(r),
		QueueID:  queueOf(r),
		LineID:   lineID,
		Type:     domain.ActivityType(req.Type),
		Status:   domain.ActivityStatus(req.Status),
		Message:  req.Message,
		UserID:   user,
		Details:  req.Details,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type closeReq struct {
	Reason string `json:"reason"`
}

type closeResp struct {
	Cancelled int `json:"cancelled"`
}

func (s *Server) forceDone(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ForceDone(r.Context(), tenantOf(r), queueOf(r), domain.UserID(r.Header.Get(headerUser)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeResp{Cancelled: n})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req closeReq
	if !decode(w, r, &req) {
		return
	}
	n, err := s.svc.CancelQueue(r.Context(), tenantOf(r), queueOf(r), domain.UserID(r.Header.Get(headerUser)), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeResp{Cancelled: n})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request) {
	var req closeReq
	if !decode(w, r, &req) {
		return
	}
	user, err := validate.OptionalUserID(r.Header.Get(headerUser))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.FailQueue(r.Context(), tenantOf(r), queueOf(r), req.Reason, user); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func tenantOf(r *http.Request) domain.TenantID {
	return domain.TenantID(r.Header.Get(headerTenant))
}

func queueOf(r *http.Request) domain.QueueID {
	return domain.QueueID(chi.URLParam(r, "queueID"))
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, name+" must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// numberParam truncates a JSON number toward zero and range-checks it. A
// missing value stays nil so the engine default applies.
func numberParam(v *float64, min, max int, field string) (*int, error) {
	if v == nil {
		return nil, nil
	}
	n, err := validate.ClampNumber(v, min, max, field)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: ve.Message, Code: string(ve.Code), Field: ve.Field})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "not found"})
	case errors.Is(err, domain.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
