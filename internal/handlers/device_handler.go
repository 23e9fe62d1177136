package handlers

import (
	"net/http"
	"strings"

	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/services"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type DeviceHandler struct {
	service   *services.DeviceService
	validator *services.ValidationHelper
}

func NewDeviceHandler(service *services.DeviceService) *DeviceHandler {
	return &DeviceHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GetConfig returns the polling snapshot for a paired device
// @Summary Device configuration
// @Description Polled by paired devices. Identify the device by deviceId or pairingCode. Responses are never cached.
// @Tags Device
// @Produce json
// @Param deviceId query string false "Device ID"
// @Param pairingCode query string false "Pairing code"
// @Success 200 {object} object{success=bool,config=services.DeviceConfig}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /device/config [get]
func (h *DeviceHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("deviceId"))
	pairingCode := strings.TrimSpace(q.Get("pairingCode"))
	if deviceID == "" && pairingCode == "" {
		services.SendErrorResponse(w, "deviceId or pairingCode is required", http.StatusBadRequest, nil)
		return
	}

	cfg, err := h.service.Config(r.Context(), deviceID, pairingCode)
	if err != nil {
		if services.StatusFor(err) == http.StatusInternalServerError {
			logger.Error("[DEVICE] config lookup failed", zap.String("device_id", deviceID), zap.Error(err))
		}
		services.SendServiceError(w, err, "Failed to load device config")
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"success": true,
		"config":  cfg,
	})
}

// Pair registers a device for the caller
// @Summary Pair a device
// @Tags Device
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{petName=string,petType=string} true "Pet"
// @Success 201 {object} object{success=bool,device=models.Device,pairingCode=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /device/pair [post]
func (h *DeviceHandler) Pair(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		PetName string `json:"petName" validate:"required,max=50"`
		PetType string `json:"petType" validate:"omitempty,max=20"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	device, qrImage, err := h.service.Pair(r.Context(), userID, req.PetName, req.PetType)
	if err != nil {
		logger.Error("[DEVICE] pairing failed", zap.String("user_id", userID), zap.Error(err))
		services.SendErrorResponse(w, "Failed to pair device", http.StatusInternalServerError, nil)
		return
	}

	logger.Info("[DEVICE] paired", zap.String("user_id", userID), zap.String("device_id", device.ID))
	respond(w, http.StatusCreated, map[string]any{
		"success":     true,
		"device":      device,
		"pairingCode": device.PairingCode,
		"qrImage":     qrImage,
	})
}

// Unpair detaches one of the caller's devices
// @Summary Unpair a device
// @Tags Device
// @Produce json
// @Security BearerAuth
// @Param deviceId path string true "Device ID"
// @Success 200 {object} object{success=bool}
// @Failure 404 {object} services.ErrorResponse
// @Router /device/{deviceId} [delete]
func (h *DeviceHandler) Unpair(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	deviceID := chi.URLParam(r, "deviceId")
	if err := h.service.Unpair(r.Context(), userID, deviceID); err != nil {
		services.SendServiceError(w, err, "Failed to unpair device")
		return
	}

	logger.Info("[DEVICE] unpaired", zap.String("user_id", userID), zap.String("device_id", deviceID))
	respond(w, http.StatusOK, map[string]any{"success": true})
}
