package services

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated      = errors.New("Unauthorized")
	ErrForbidden            = errors.New("Forbidden")
	ErrProfileNotFound      = errors.New("Profile not found")
	ErrInsufficientBalance  = errors.New("Insufficient balance")
	ErrTransactionNotFound  = errors.New("Transaction not found")
	ErrNotFoundOrProcessed  = errors.New("Transaction not found or already processed")
	ErrWithdrawalInProgress = errors.New("Withdrawal already in progress")
	ErrGroupNotFound        = errors.New("Group not found")
	ErrMembershipNotFound   = errors.New("Membership not found")
	ErrMembershipProcessed  = errors.New("Membership already processed")
	ErrNotGroupAdmin        = errors.New("Only group admins can do this")
	ErrNotGroupMember       = errors.New("You must be an approved member of this group")
	ErrPostNotFound         = errors.New("Post not found")
	ErrPostStateChanged     = errors.New("Post state changed")
	ErrNotPostOwner         = errors.New("Only the poster can do this")
	ErrOwnPost              = errors.New("You cannot claim your own post")
	ErrNotClaimer           = errors.New("Only the claimer can submit a fix")
	ErrDeviceNotFound       = errors.New("Device not found")
	ErrRateLimited          = errors.New("Too many requests")
	ErrAccountNotConnected  = errors.New("Account is not connected")
	ErrInvalidRedirectURI   = errors.New("Invalid redirect URI")
	ErrInvalidGrant         = errors.New("invalid_grant")
	ErrInvalidClient        = errors.New("invalid_client")
	ErrWebhookNotConfigured = errors.New("Webhook secret not configured")
	ErrInvalidSignature     = errors.New("Invalid signature")
	ErrSessionUnavailable   = errors.New("Session store unavailable")
)

// StatusFor maps a domain error to its HTTP status. Unknown errors are 500.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrInvalidClient):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotGroupAdmin),
		errors.Is(err, ErrNotGroupMember),
		errors.Is(err, ErrNotPostOwner),
		errors.Is(err, ErrNotClaimer),
		errors.Is(err, ErrAccountNotConnected):
		return http.StatusForbidden
	case errors.Is(err, ErrProfileNotFound),
		errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrNotFoundOrProcessed),
		errors.Is(err, ErrGroupNotFound),
		errors.Is(err, ErrMembershipNotFound),
		errors.Is(err, ErrPostNotFound),
		errors.Is(err, ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrOwnPost),
		errors.Is(err, ErrInvalidRedirectURI),
		errors.Is(err, ErrInvalidGrant):
		return http.StatusBadRequest
	case errors.Is(err, ErrWithdrawalInProgress),
		errors.Is(err, ErrMembershipProcessed),
		errors.Is(err, ErrPostStateChanged):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSessionUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// SendServiceError writes err using StatusFor. Internal errors get the
// fallback message so driver details never reach clients.
func SendServiceError(w http.ResponseWriter, err error, fallback string) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = fallback
	}
	SendErrorResponse(w, msg, status, nil)
}
