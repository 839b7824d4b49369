package subscribers

import (
	"encoding/json"
	"net/http"

	"github.com/bissquit/newsletter-garden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Response messages.
const (
	msgSubscribed         = "Successfully subscribed. Validation email will be sent shortly."
	msgAlreadySubscribed  = "Email is already subscribed"
	msgInvalidJSON        = "Invalid JSON format"
	msgInvalidEmail       = "Invalid email format"
	msgSubscribeFailed    = "Failed to subscribe"
	msgMissingIDOrToken   = "Missing id or token"
	msgSubscriberNotFound = "Subscriber not found"
	msgInvalidToken       = "Invalid validation token"
	msgExpiredToken       = "Validation token has expired"
	msgValidated          = "Email successfully validated"
	msgValidateFailed     = "Failed to validate email"
	msgEmailRequired      = "Email is required"
	msgEmailNotFound      = "Email not found in subscribers"
	msgUnsubscribed       = "Successfully unsubscribed"
	msgUnsubscribeFailed  = "Failed to unsubscribe"
)

var subscribeErrorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidInput, Status: http.StatusBadRequest, Message: msgInvalidEmail},
	{Error: ErrStorage, Status: http.StatusInternalServerError, Message: msgSubscribeFailed},
}

var confirmErrorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidInput, Status: http.StatusBadRequest, Message: msgMissingIDOrToken},
	{Error: ErrSubscriberNotFound, Status: http.StatusNotFound, Message: msgSubscriberNotFound},
	{Error: ErrInvalidToken, Status: http.StatusBadRequest, Message: msgInvalidToken},
	{Error: ErrExpiredToken, Status: http.StatusBadRequest, Message: msgExpiredToken},
	{Error: ErrStorage, Status: http.StatusInternalServerError, Message: msgValidateFailed},
}

var unsubscribeErrorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidInput, Status: http.StatusBadRequest, Message: msgEmailRequired},
	{Error: ErrSubscriberNotFound, Status: http.StatusNotFound, Message: msgEmailNotFound},
	{Error: ErrStorage, Status: http.StatusInternalServerError, Message: msgUnsubscribeFailed},
}

// Handler handles HTTP requests for the subscribers module.
type Handler struct {
	service *Service
}

// NewHandler creates a new subscribers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers subscriber routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/subscribe", h.Subscribe)
	r.Get("/confirm", h.Confirm)
	r.Post("/unsubscribe", h.Unsubscribe)
}

// EmailRequest is the body of subscribe and unsubscribe requests.
type EmailRequest struct {
	Email string `json:"email"`
}

// Subscribe handles POST /subscribe.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	result, err := h.service.Subscribe(r.Context(), req.Email)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, subscribeErrorMappings)
		return
	}

	if !result.Created {
		httputil.Success(w, http.StatusOK, msgAlreadySubscribed)
		return
	}

	httputil.Success(w, http.StatusCreated, msgSubscribed)
}

// Confirm handles GET /confirm?id=<id>&token=<token>.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	err := h.service.Confirm(r.Context(), query.Get("id"), query.Get("token"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, confirmErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, msgValidated)
}

// Unsubscribe handles POST /unsubscribe.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	if err := h.service.Unsubscribe(r.Context(), req.Email); err != nil {
		httputil.HandleError(r.Context(), w, err, unsubscribeErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, msgUnsubscribed)
}
