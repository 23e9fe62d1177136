package handlers

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ganamos/backend/internal/config"
	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDeviceHandler(t *testing.T) (*DeviceHandler, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	policy := &config.DevicePolicy{SatsPerCoin: 100, FeedCost: 1, PollInterval: 30 * time.Second}
	svc := services.NewDeviceService(db, nil, services.NewLedgerService(db), policy)
	return NewDeviceHandler(svc), mock, db
}

func authed(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.WithUser(r.Context(), userID, userID+"@example.com"))
}

func TestDeviceHandler_GetConfig_RequiresIdentifier(t *testing.T) {
	h, mock, _ := newDeviceHandler(t)

	rr := httptest.NewRecorder()
	h.GetConfig(rr, httptest.NewRequest(http.MethodGet, "/api/device/config", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "deviceId or pairingCode is required")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceHandler_GetConfig_UnknownDevice(t *testing.T) {
	h, mock, _ := newDeviceHandler(t)
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE pairing_code = \\$1 AND status = \\$2").
		WithArgs("ABC234", models.DeviceStatusPaired).
		WillReturnError(sql.ErrNoRows)

	r := chi.NewRouter()
	r.With(middleware.NoStore).Get("/api/device/config", h.GetConfig)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/device/config?pairingCode=abc234", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "no-store, no-cache, must-revalidate", rr.Header().Get("Cache-Control"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceHandler_Pair(t *testing.T) {
	t.Run("unauthenticated", func(t *testing.T) {
		h, _, _ := newDeviceHandler(t)
		rr := httptest.NewRecorder()
		h.Pair(rr, httptest.NewRequest(http.MethodPost, "/api/device/pair", strings.NewReader(`{"petName":"Satoshi"}`)))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("pet name required", func(t *testing.T) {
		h, mock, _ := newDeviceHandler(t)
		rr := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodPost, "/api/device/pair", strings.NewReader(`{"petType":"cat"}`)), "user-1")
		h.Pair(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "PetName")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown field", func(t *testing.T) {
		h, _, _ := newDeviceHandler(t)
		rr := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodPost, "/api/device/pair", strings.NewReader(`{"petName":"x","color":"red"}`)), "user-1")
		h.Pair(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("returns pairing code and qr image", func(t *testing.T) {
		h, mock, _ := newDeviceHandler(t)
		mock.ExpectQuery("INSERT INTO devices").
			WithArgs(sqlmock.AnyArg(), "user-1", sqlmock.AnyArg(), "Satoshi", "cat", models.DeviceStatusPaired).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "pairing_code", "pet_name", "pet_type", "status", "last_seen_at", "created_at"}).
				AddRow("dev-1", "user-1", "K7M2QX", "Satoshi", "cat", models.DeviceStatusPaired, nil, time.Now()))

		rr := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodPost, "/api/device/pair", strings.NewReader(`{"petName":"Satoshi"}`)), "user-1")
		h.Pair(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Contains(t, rr.Body.String(), `"pairingCode":"K7M2QX"`)
		assert.Contains(t, rr.Body.String(), `"qrImage":"iVBOR`)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDeviceHandler_Unpair(t *testing.T) {
	h, mock, _ := newDeviceHandler(t)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, authed(req, "user-1"))
		})
	})
	r.Delete("/api/device/{deviceId}", h.Unpair)

	mock.ExpectExec("UPDATE devices SET status = \\$1").
		WithArgs(models.DeviceStatusUnpaired, "dev-1", "user-1", models.DeviceStatusPaired).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE devices SET status = \\$1").
		WithArgs(models.DeviceStatusUnpaired, "dev-2", "user-1", models.DeviceStatusPaired).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/device/dev-1", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/device/dev-2", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
