package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ctoriola/orderly-fresh/internal/models"
	"github.com/ctoriola/orderly-fresh/internal/qr"
	"github.com/ctoriola/orderly-fresh/internal/queue"
	"github.com/ctoriola/orderly-fresh/internal/store"
)

const (
	defaultCodeSize = 256
	minCodeSize     = 64
	maxCodeSize     = 1024
)

type Handler struct {
	queue queue.API
	qr    *qr.Builder
}

type createLocationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Capacity    int    `json:"capacity"`
}

type issueTicketRequest struct {
	RequestID   string `json:"request_id"`
	VisitorName string `json:"visitor_name"`
	Phone       string `json:"phone"`
	Notes       string `json:"notes"`
}

type locationResponse struct {
	models.Location
	JoinURL   string `json:"join_url"`
	StatusURL string `json:"status_url"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(queue queue.API, qr *qr.Builder) *Handler {
	return &Handler{
		queue: queue,
		qr:    qr,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/locations", h.handleLocations)
	mux.HandleFunc("/api/locations/", h.handleLocationSubroutes)
	mux.HandleFunc("/api/tickets/", h.handleTicketSubroutes)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleLocations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListLocations(w, r)
	case http.MethodPost:
		h.handleCreateLocation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := h.queue.ListLocations(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	payload := make([]locationResponse, 0, len(locations))
	for _, loc := range locations {
		payload = append(payload, h.locationPayload(loc))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	var req createLocationRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)

	if req.Name == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if req.Capacity < 0 {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "capacity must not be negative")
		return
	}

	location, err := h.queue.CreateLocation(r.Context(), queue.CreateLocationInput{
		Name:        req.Name,
		Description: req.Description,
		Capacity:    req.Capacity,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, h.locationPayload(location))
}

func (h *Handler) handleLocationSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/locations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	locationID := parts[0]
	if !isValidLocationID(locationID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "location id must be 8 hex characters")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleLocation(w, r, locationID)
	case len(parts) == 2 && parts[1] == "queue":
		h.handleQueueView(w, r, locationID)
	case len(parts) == 2 && parts[1] == "stats":
		h.handleStats(w, r, locationID)
	case len(parts) == 2 && parts[1] == "code":
		h.handleCode(w, r, locationID)
	case len(parts) == 2 && parts[1] == "tickets":
		h.handleIssueTicket(w, r, locationID)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "call-next":
		h.handleCallNext(w, r, locationID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleLocation(w http.ResponseWriter, r *http.Request, locationID string) {
	switch r.Method {
	case http.MethodGet:
		location, err := h.queue.GetLocation(r.Context(), locationID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, h.locationPayload(location))
	case http.MethodDelete:
		if err := h.queue.DeleteLocation(r.Context(), locationID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleQueueView(w http.ResponseWriter, r *http.Request, locationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	view, err := h.queue.QueueView(r.Context(), locationID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, locationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.queue.Stats(r.Context(), locationID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleCode(w http.ResponseWriter, r *http.Request, locationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = "join"
	}
	if kind != "join" && kind != "status" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "kind must be join or status")
		return
	}

	size := defaultCodeSize
	if sizeRaw := strings.TrimSpace(r.URL.Query().Get("size")); sizeRaw != "" {
		parsed, err := strconv.Atoi(sizeRaw)
		if err != nil || parsed < minCodeSize || parsed > maxCodeSize {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "size must be an integer between 64 and 1024")
			return
		}
		size = parsed
	}

	if _, err := h.queue.GetLocation(r.Context(), locationID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	var image []byte
	var err error
	if kind == "status" {
		image, err = h.qr.StatusImage(locationID, size)
	} else {
		image, err = h.qr.JoinImage(locationID, size)
	}
	if err != nil {
		writeError(w, "", http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(image)
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request, locationID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.VisitorName = strings.TrimSpace(req.VisitorName)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Notes = strings.TrimSpace(req.Notes)

	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}
	if req.Phone != "" && !isValidPhone(req.Phone) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits")
		return
	}

	ticket, err := h.queue.IssueTicket(r.Context(), queue.IssueTicketInput{
		LocationID:  locationID,
		RequestID:   req.RequestID,
		VisitorName: req.VisitorName,
		Phone:       req.Phone,
		Notes:       req.Notes,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, locationID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ticket, err := h.queue.CallNext(r.Context(), locationID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	ticketID := parts[0]
	if _, _, ok := models.ParseTicketID(ticketID); !ok {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket id must look like {location}-{number}")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleTicketStatus(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, ticketID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTicketStatus(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status, err := h.queue.TicketStatus(r.Context(), ticketID)
	if err != nil {
		httpStatus, code, msg := mapError(err)
		writeError(w, "", httpStatus, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var ticket models.Ticket
	var err error
	switch action {
	case "serve":
		ticket, err = h.queue.MarkServed(r.Context(), ticketID)
	case "cancel":
		ticket, err = h.queue.Cancel(r.Context(), ticketID)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) locationPayload(loc models.Location) locationResponse {
	return locationResponse{
		Location:  loc,
		JoinURL:   h.qr.JoinRef(loc.LocationID),
		StatusURL: h.qr.StatusRef(loc.LocationID),
	}
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidLocationID(value string) bool {
	if len(value) != 8 {
		return false
	}
	for _, r := range value {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func isValidPhone(value string) bool {
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrLocationNotFound):
		return http.StatusNotFound, "location_not_found", "location not found"
	case errors.Is(err, queue.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, queue.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, queue.ErrLocationBusy):
		return http.StatusConflict, "location_busy", "location still has active tickets"
	case errors.Is(err, queue.ErrContended):
		return http.StatusConflict, "contended", "too many concurrent updates, retry the request"
	case errors.Is(err, queue.ErrSequenceExhausted):
		return http.StatusConflict, "sequence_exhausted", "ticket numbers exhausted for this location"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable", "storage backend unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
