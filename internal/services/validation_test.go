package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestValidationHelper_RequestTypes(t *testing.T) {
	vh := NewValidationHelper()
	reward := int64(-1)

	t.Run("withdraw request", func(t *testing.T) {
		assert.NoError(t, vh.ValidateStruct(&WithdrawRequest{PaymentRequest: testInvoice, Amount: 1000}))

		err := vh.ValidateStruct(&WithdrawRequest{Amount: -5})
		var verrs validator.ValidationErrors
		assert.True(t, errors.As(err, &verrs))
		assert.Len(t, verrs, 2)
	})

	t.Run("approval action must be approve or reject", func(t *testing.T) {
		assert.NoError(t, vh.ValidateStruct(&ApprovalRequest{TransactionID: "tx-1", Action: "reject"}))

		err := vh.ValidateStruct(&ApprovalRequest{TransactionID: "tx-1", Action: "delete"})
		var verrs validator.ValidationErrors
		assert.True(t, errors.As(err, &verrs))
		assert.Equal(t, "Action", verrs[0].Field())
		assert.Equal(t, "oneof", verrs[0].Tag())
	})

	t.Run("post reward cannot be negative", func(t *testing.T) {
		err := vh.ValidateStruct(&CreatePostRequest{Title: "Broken bench", Reward: reward})
		var verrs validator.ValidationErrors
		assert.True(t, errors.As(err, &verrs))
		assert.Equal(t, "Reward", verrs[0].Field())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Failed to fetch withdrawals", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Failed to fetch withdrawals", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("validation details keyed by field", func(t *testing.T) {
		validationErr := NewValidationHelper().ValidateStruct(&SubmitFixRequest{FixImageURL: "not a url"})

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Validation failed", response.Error)
		assert.Equal(t, "Field Validation Failed on 'url' tag", response.Details["FixImageURL"])
	})

	t.Run("non validation error adds no details", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, errors.New("boom"))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Nil(t, response.Details)
	})
}

func TestDecodeJSONBody(t *testing.T) {
	type body struct {
		Amount int64 `json:"amount"`
	}

	t.Run("single object", func(t *testing.T) {
		var b body
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":5}`))
		err := decodeJSONBody(httptest.NewRecorder(), r, &b)
		assert.NoError(t, err)
		assert.Equal(t, int64(5), b.Amount)
	})

	t.Run("unknown field", func(t *testing.T) {
		var b body
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":5,"x":1}`))
		err := decodeJSONBody(httptest.NewRecorder(), r, &b)
		assert.ErrorIs(t, err, errInvalidBody)
	})

	t.Run("trailing object", func(t *testing.T) {
		var b body
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":5}{"amount":6}`))
		err := decodeJSONBody(httptest.NewRecorder(), r, &b)
		assert.ErrorIs(t, err, errMultipleObject)
	})

	t.Run("fractional amount", func(t *testing.T) {
		var b body
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":1.5}`))
		assert.Error(t, decodeJSONBody(httptest.NewRecorder(), r, &b))
	})
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrUnauthenticated, http.StatusUnauthorized},
		{ErrNotGroupAdmin, http.StatusForbidden},
		{ErrProfileNotFound, http.StatusNotFound},
		{ErrNotFoundOrProcessed, http.StatusNotFound},
		{ErrInsufficientBalance, http.StatusBadRequest},
		{ErrWithdrawalInProgress, http.StatusConflict},
		{ErrPostStateChanged, http.StatusConflict},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrInvalidClient, http.StatusUnauthorized},
		{ErrInvalidGrant, http.StatusBadRequest},
		{ErrSessionUnavailable, http.StatusServiceUnavailable},
		{ErrWebhookNotConfigured, http.StatusInternalServerError},
		{fmt.Errorf("claim post: %w", ErrPostNotFound), http.StatusNotFound},
		{errors.New("pq: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}

	w := httptest.NewRecorder()
	SendServiceError(w, errors.New("pq: relation does not exist"), "Failed to load posts")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Failed to load posts")
	assert.NotContains(t, w.Body.String(), "pq:")
}
