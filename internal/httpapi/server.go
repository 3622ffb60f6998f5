package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/doorlock-system/logstore/internal/logstore/service"
	"github.com/doorlock-system/logstore/internal/logstore/store"
	"github.com/doorlock-system/logstore/internal/logstore/types"
)

type Dependencies struct {
	Logger      zerolog.Logger
	Addr        string
	Ingest      *service.IngestRouter
	Query       *service.QueryService
	Mirror      *service.CacheMirror
	Maintenance *service.MaintenanceScheduler
	Registry    *service.DeviceRegistry
}

type Server struct {
	httpServer  *http.Server
	logger      zerolog.Logger
	mux         *http.ServeMux
	ingest      *service.IngestRouter
	query       *service.QueryService
	mirror      *service.CacheMirror
	maintenance *service.MaintenanceScheduler
	registry    *service.DeviceRegistry
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:      d.Logger,
		mux:         mux,
		ingest:      d.Ingest,
		query:       d.Query,
		mirror:      d.Mirror,
		maintenance: d.Maintenance,
		registry:    d.Registry,
	}

	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("POST /v1/logs/system", s.handleSystemLog)
	mux.HandleFunc("GET /v1/logs", s.handleQueryLogs)
	mux.HandleFunc("POST /v1/maintenance/run", s.handleMaintenanceRun)
	mux.HandleFunc("GET /v1/views/{name}", s.handleView)
	mux.HandleFunc("GET /v1/devices/{id}/status", s.handleDeviceStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var up types.SyncUpload
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&up); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	active, err := s.registry.IsActiveDevice(r.Context(), up.DeviceID)
	if err != nil {
		s.logger.Error().Err(err).Msg("device lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	result, err := s.ingest.Sync(r.Context(), up)
	if err != nil {
		if errors.Is(err, service.ErrInvalidUpload) {
			writeError(w, http.StatusBadRequest, "invalid_upload", err.Error())
			return
		}
		s.logger.Error().Err(err).Str("device_id", up.DeviceID).Msg("sync failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	// An unregistered device's upload is stored for audit but flagged,
	// so the device can surface a provisioning problem to its operator.
	result.DeviceActive = active
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSystemLog(w http.ResponseWriter, r *http.Request) {
	var up types.SystemLogUpload
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&up); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	result, err := s.ingest.AppendSystem(r.Context(), up)
	if err != nil {
		if errors.Is(err, service.ErrInvalidUpload) {
			writeError(w, http.StatusBadRequest, "invalid_upload", err.Error())
			return
		}
		s.logger.Error().Err(err).Str("device_id", up.DeviceID).Msg("system log append failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from, to time.Time
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_time", "from must be RFC 3339")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_time", "to must be RFC 3339")
			return
		}
		to = t
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var granted *bool
	if v := q.Get("granted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_granted", "granted must be a boolean")
			return
		}
		granted = &b
	}

	recs, err := s.query.AccessLogs(r.Context(), store.AccessQuery{
		DeviceID: q.Get("device_id"),
		Granted:  granted,
		From:     from,
		To:       to,
		Limit:    limit,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("log query failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	out := make([]types.AccessLogRow, 0, len(recs))
	for _, rec := range recs {
		out = append(out, types.AccessLogRow{
			DeviceID:      rec.DeviceID,
			CardUID:       rec.CardUID,
			AccessGranted: rec.AccessGranted,
			AccessType:    rec.AccessType,
			UserName:      rec.UserName,
			Timestamp:     rec.Timestamp,
			SessionID:     rec.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, types.QueryLogsResult{Logs: out, Count: len(out)})
}

func (s *Server) handleMaintenanceRun(w http.ResponseWriter, r *http.Request) {
	entry, err := s.maintenance.RunCycle(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("manual maintenance cycle failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "maintenance cycle failed")
		return
	}

	writeJSON(w, http.StatusOK, types.MaintenanceRunResult{
		OK:         true,
		RunID:      entry.RunID,
		Summary:    json.RawMessage(entry.Summary),
		ExecutedAt: entry.ExecutedAt,
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	result, err := s.mirror.GetView(r.Context(), name)
	if err != nil {
		if errors.Is(err, service.ErrUnknownView) {
			writeError(w, http.StatusNotFound, "unknown_view", "no such view: "+name)
			return
		}
		s.logger.Error().Err(err).Str("view", name).Msg("view computation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	result, found, err := s.mirror.DeviceStatus(r.Context(), deviceID)
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("device status lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown_device", "no status for device: "+deviceID)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"maintenance": s.maintenance.State(),
	})
}
