package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/slotwatch/slotwatch/captcha"
	"github.com/slotwatch/slotwatch/engine"
	"github.com/slotwatch/slotwatch/store"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "slotwatch",
		"version": Version,
		"status":  string(s.eng.Status().Phase),
	})
}

func (s *Server) handleVisaTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"visa_types":        store.VisaTypes(),
		"appointment_types": store.AppointmentTypes(),
	})
}

// ---------- system ----------

func (s *Server) handleGetSystemConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.st.SystemConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSaveSystemConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.st.SystemConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Decode over the current record so absent fields keep their values.
	if err := decodeBody(r, cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config payload")
		return
	}
	if cfg.CheckIntervalMin < 1 {
		writeError(w, http.StatusBadRequest, "check interval must be at least 1 minute")
		return
	}
	if cfg.Members < 1 {
		cfg.Members = 1
	}
	if err := s.st.SaveRunConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.eng.Status()
	cfg, err := s.st.SystemConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":                 state,
		"total_checks":        cfg.TotalChecks,
		"slots_found":         cfg.SlotsFound,
		"successful_bookings": cfg.SuccessfulBookings,
		"error_count":         cfg.ErrorCount,
		"last_check":          cfg.LastCheck,
	})
}

// runConfigFromStore builds the engine run configuration from the stored
// system configuration, with optional overrides from the request body.
func (s *Server) runConfigFromStore(r *http.Request) (engine.RunConfiguration, error) {
	cfg, err := s.st.SystemConfig(r.Context())
	if err != nil {
		return engine.RunConfiguration{}, err
	}
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err == nil && len(body) > 0 {
			if err := json.Unmarshal(body, cfg); err != nil {
				return engine.RunConfiguration{}, errors.New("invalid run configuration payload")
			}
			if err := s.st.SaveRunConfig(r.Context(), cfg); err != nil {
				return engine.RunConfiguration{}, err
			}
		}
	}
	members := cfg.Members
	if members < 1 {
		members = 1
	}
	interval := time.Duration(cfg.CheckIntervalMin) * time.Minute
	return engine.RunConfiguration{
		VisaType:        cfg.VisaType,
		VisaSubType:     cfg.VisaSubType,
		AppointmentType: cfg.AppointmentType,
		Members:         members,
		Interval:        interval,
		AutoBook:        cfg.AutoBook,
	}, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	rc, err := s.runConfigFromStore(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.eng.Start(r.Context(), rc); err != nil {
		switch {
		case errors.Is(err, engine.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "monitoring already running")
		case errors.Is(err, engine.ErrPoolExhausted):
			writeError(w, http.StatusPreconditionFailed, "no active credentials configured")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "config": rc})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleCheckOnce(w http.ResponseWriter, r *http.Request) {
	rc, err := s.runConfigFromStore(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.eng.CheckOnce(r.Context(), rc)
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "monitoring is running; stop it before a manual check")
			return
		}
		if errors.Is(err, engine.ErrPoolExhausted) {
			writeError(w, http.StatusPreconditionFailed, "no active credentials configured")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"outcome": out.Kind.String(),
		"step":    out.Step,
		"slots":   out.Slots,
	}
	if out.ConfirmationRef != "" {
		resp["confirmation_ref"] = out.ConfirmationRef
	}
	if out.Err != nil {
		resp["error"] = out.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------- challenge solving ----------

type ocrTile struct {
	Base64Image string `json:"base64Image"`
}

type ocrMatchRequest struct {
	Target       string    `json:"target"`
	Tiles        []ocrTile `json:"tiles"`
	EnhancedMode bool      `json:"enhanced_mode"`
}

func (s *Server) handleOCRMatch(w http.ResponseWriter, r *http.Request) {
	var req ocrMatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid ocr-match payload")
		return
	}
	if req.Target == "" || len(req.Tiles) == 0 {
		writeError(w, http.StatusBadRequest, "target and tiles are required")
		return
	}

	tiles := make([][]byte, len(req.Tiles))
	for i, t := range req.Tiles {
		tiles[i] = decodeTile(t.Base64Image)
	}

	mode := captcha.ModeBasic
	if req.EnhancedMode {
		mode = captcha.ModeEnhanced
	}
	res := s.solver.MatchTarget(req.Target, tiles, mode)

	indices := res.MatchIndices
	if indices == nil {
		indices = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":           req.Target,
		"matching_indices": indices,
		"processed_tiles":  res.Processed,
		"success":          res.Matched,
	})
}

// decodeTile strips an optional data-URL prefix and base64-decodes the
// tile. Undecodable input becomes nil; the solver skips it.
func decodeTile(data string) []byte {
	if i := strings.Index(data, ","); i >= 0 && strings.HasPrefix(data, "data:") {
		data = data[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil
	}
	return raw
}

// ---------- logs and slots ----------

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.st.ListLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*store.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handlePruneLogs(w http.ResponseWriter, r *http.Request) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("older_than_hours"))
	if hours <= 0 {
		hours = 24 * 7
	}
	removed, err := s.st.PruneLogs(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	slots, err := s.st.ListSlots(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if slots == nil {
		slots = []*store.Slot{}
	}
	total, err := s.st.CountSlots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots, "total": total})
}

// ---------- applicants ----------

func (s *Server) handleListApplicants(w http.ResponseWriter, r *http.Request) {
	applicants, err := s.st.ListApplicants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if applicants == nil {
		applicants = []*store.Applicant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"applicants": applicants})
}

func (s *Server) handleCreateApplicant(w http.ResponseWriter, r *http.Request) {
	var a store.Applicant
	if err := decodeBody(r, &a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid applicant payload")
		return
	}
	if a.FirstName == "" || a.LastName == "" || a.PassportNumber == "" {
		writeError(w, http.StatusBadRequest, "first name, last name, and passport number are required")
		return
	}
	if err := s.st.InsertApplicant(r.Context(), &a); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &a)
}

func (s *Server) handleGetApplicant(w http.ResponseWriter, r *http.Request) {
	a, err := s.st.GetApplicant(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "applicant not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePrimaryApplicant(w http.ResponseWriter, r *http.Request) {
	a, err := s.st.PrimaryApplicant(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no primary applicant configured")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateApplicant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.st.GetApplicant(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "applicant not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Partial update: decode over the current record.
	if err := decodeBody(r, a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid applicant payload")
		return
	}
	a.ID = id
	if err := s.st.UpdateApplicant(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteApplicant(w http.ResponseWriter, r *http.Request) {
	err := s.st.DeleteApplicant(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "applicant not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---------- credentials ----------

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.st.ListCredentials(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Secrets never leave the process.
	for _, c := range creds {
		c.Password = ""
	}
	if creds == nil {
		creds = []*store.Credential{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var c store.Credential
	if err := decodeBody(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential payload")
		return
	}
	if c.Email == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if c.Name == "" {
		c.Name = c.Email
	}
	if err := s.st.InsertCredential(r.Context(), &c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.Password = ""
	writeJSON(w, http.StatusCreated, &c)
}

type credentialUpdate struct {
	Name     *string `json:"credential_name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Notes    *string `json:"notes"`
	Active   *bool   `json:"is_active"`
	Primary  *bool   `json:"is_primary"`
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	var upd credentialUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential payload")
		return
	}
	c, err := s.st.UpdateCredential(r.Context(), chi.URLParam(r, "id"),
		upd.Name, upd.Email, upd.Password, upd.Notes, upd.Active, upd.Primary)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.Password = ""
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	err := s.st.DeleteCredential(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSetPrimaryCredential(w http.ResponseWriter, r *http.Request) {
	err := s.st.SetPrimaryCredential(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "primary updated"})
}

// handleTestCredential drives an authentication-only portal session with
// the stored credential and reports the observed latency. The attempt also
// counts toward the credential's statistics.
func (s *Server) handleTestCredential(w http.ResponseWriter, r *http.Request) {
	c, err := s.st.GetCredential(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	start := time.Now()
	testErr := s.eng.TestCredential(r.Context(), c)
	elapsed := time.Since(start)
	if errors.Is(testErr, engine.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, "monitoring is active; stop it before testing credentials")
		return
	}

	if err := s.st.RecordAttempt(r.Context(), c.ID, testErr == nil, time.Now()); err != nil {
		s.log.Warn("credential test: record attempt", "error", err)
	}

	resp := map[string]any{
		"success":          testErr == nil,
		"message":          "login succeeded",
		"response_time_ms": elapsed.Milliseconds(),
	}
	if testErr != nil {
		resp["message"] = testErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------- notifications ----------

func (s *Server) handleGetNotificationSettings(w http.ResponseWriter, r *http.Request) {
	n, err := s.st.NotificationSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleSaveNotificationSettings(w http.ResponseWriter, r *http.Request) {
	n, err := s.st.NotificationSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := decodeBody(r, n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings payload")
		return
	}
	if err := s.st.SaveNotificationSettings(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, n)
}
