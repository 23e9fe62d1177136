package handlers

import (
	"errors"
	"net/http"

	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/services"
	"github.com/ganamos/backend/pkg/logger"
	"go.uber.org/zap"
)

type AlexaHandler struct {
	service   *services.AlexaService
	validator *services.ValidationHelper
}

func NewAlexaHandler(service *services.AlexaService) *AlexaHandler {
	return &AlexaHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

type CompleteLinkingRequest struct {
	GroupID     string `json:"groupId" validate:"required"`
	State       string `json:"state" validate:"required"`
	RedirectURI string `json:"redirectUri" validate:"required,url"`
}

// CompleteLinking issues the authorization code for a voice skill link
// @Summary Complete Alexa account linking
// @Description The caller must be an approved member of the group. Returns the skill redirect URL carrying a one-time code.
// @Tags Alexa
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CompleteLinkingRequest true "Linking request"
// @Success 200 {object} object{success=bool,redirectUrl=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /alexa/complete-linking [post]
func (h *AlexaHandler) CompleteLinking(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CompleteLinkingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "groupId, state and redirectUri are required", http.StatusBadRequest, err)
		return
	}

	redirectURL, err := h.service.CompleteLinking(r.Context(), userID, req.GroupID, req.State, req.RedirectURI)
	if err != nil {
		if services.StatusFor(err) == http.StatusInternalServerError {
			logger.Error("[ALEXA] complete linking failed", zap.String("user_id", userID), zap.Error(err))
		}
		services.SendServiceError(w, err, "Failed to complete linking")
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"success":     true,
		"redirectUrl": redirectURL,
	})
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Token exchanges an authorization code for an access token
// @Summary Alexa OAuth token exchange
// @Description Form-encoded authorization_code grant. Client credentials may be sent in the form or with HTTP basic auth.
// @Tags Alexa
// @Accept x-www-form-urlencoded
// @Produce json
// @Param grant_type formData string true "authorization_code"
// @Param code formData string true "Authorization code"
// @Param redirect_uri formData string false "Redirect URI used at linking"
// @Param client_id formData string false "Client ID"
// @Param client_secret formData string false "Client secret"
// @Success 200 {object} services.AlexaToken
// @Failure 400 {object} oauthError
// @Failure 401 {object} oauthError
// @Router /alexa/token [post]
func (h *AlexaHandler) Token(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		respond(w, http.StatusBadRequest, oauthError{Error: "invalid_request"})
		return
	}

	if grant := r.PostForm.Get("grant_type"); grant != "authorization_code" {
		respond(w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type"})
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}
	if err := h.service.AuthenticateClient(clientID, clientSecret); err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="ganamos"`)
		respond(w, http.StatusUnauthorized, oauthError{Error: services.ErrInvalidClient.Error()})
		return
	}

	token, err := h.service.ExchangeCode(r.Context(), r.PostForm.Get("code"), r.PostForm.Get("redirect_uri"))
	if errors.Is(err, services.ErrInvalidGrant) {
		respond(w, http.StatusBadRequest, oauthError{
			Error:            services.ErrInvalidGrant.Error(),
			ErrorDescription: "Authorization code is invalid, expired or already used",
		})
		return
	}
	if err != nil {
		logger.Error("[ALEXA] token exchange failed", zap.Error(err))
		respond(w, http.StatusInternalServerError, oauthError{Error: "server_error"})
		return
	}

	respond(w, http.StatusOK, token)
}
