package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"tidings/internal/catalog"
	"tidings/internal/downloads"
	"tidings/internal/files"
	"tidings/internal/logging"
	"tidings/internal/payments"
	"tidings/internal/store"
)

// User-facing error categories.
const (
	categoryValidation    = "validation"
	categoryConfiguration = "configuration"
	categoryTransient     = "transient"
	categoryTimeout       = "timeout"
	categoryDenied        = "denied"
	categoryTransfer      = "transfer"
	categoryNotFound      = "not_found"
	categoryInternal      = "internal"
)

// apiError is the JSON body of every error response.
type apiError struct {
	Error    string `json:"error"`
	Category string `json:"category"`
	Reason   string `json:"reason,omitempty"`
	Details  string `json:"details,omitempty"`
}

// classify maps an error onto a status code and a user-facing body. Raw
// error text is only exposed as details for expected failures.
func classify(err error) (int, apiError) {
	var v *payments.ValidationError
	switch {
	case errors.As(err, &v):
		return http.StatusBadRequest, apiError{Error: v.Reason, Category: categoryValidation}

	case errors.Is(err, payments.ErrDuplicateSubmission):
		return http.StatusTooManyRequests, apiError{Error: "This payment was just submitted. Please wait a moment.", Category: categoryValidation}
	case errors.Is(err, payments.ErrAttemptInFlight):
		return http.StatusConflict, apiError{Error: "A payment is already being prepared.", Category: categoryValidation}
	case errors.Is(err, payments.ErrNotConfigured):
		return http.StatusServiceUnavailable, apiError{Error: "Payments are not available right now. Please contact support.", Category: categoryConfiguration}
	case errors.Is(err, payments.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, apiError{Error: "The request timed out. Please try again.", Category: categoryTimeout, Details: err.Error()}
	case errors.Is(err, payments.ErrUnavailable):
		return http.StatusBadGateway, apiError{Error: "The payment provider could not be reached. Please try again.", Category: categoryTransient, Details: err.Error()}
	case errors.Is(err, payments.ErrRejected):
		return http.StatusBadRequest, apiError{Error: "The payment request was not accepted.", Category: categoryValidation, Details: err.Error()}
	case errors.Is(err, payments.ErrInvalidSessionID), errors.Is(err, payments.ErrSessionNotFound):
		return http.StatusNotFound, apiError{Error: "Verification failed. We could not find this payment.", Category: categoryNotFound, Details: err.Error()}

	case errors.Is(err, downloads.ErrUnknownToken):
		return http.StatusNotFound, denied("This download link is not valid.", err)
	case errors.Is(err, downloads.ErrRevoked):
		return http.StatusForbidden, denied("This download link has been disabled.", err)
	case errors.Is(err, downloads.ErrExpired):
		return http.StatusGone, denied("This download link has expired.", err)
	case errors.Is(err, downloads.ErrLimitReached):
		return http.StatusForbidden, denied("This download link has been used the maximum number of times.", err)
	case errors.Is(err, downloads.ErrTransfer):
		return http.StatusBadGateway, apiError{Error: "The download was interrupted. Please try again or use the email link.", Category: categoryTransfer, Details: err.Error()}
	case errors.Is(err, downloads.ErrNotPaid):
		return http.StatusPaymentRequired, apiError{Error: "This payment has not completed yet.", Category: categoryDenied, Reason: "not paid"}
	case errors.Is(err, downloads.ErrContentMismatch):
		return http.StatusConflict, apiError{Error: "This payment was not for this recording.", Category: categoryValidation}
	case errors.Is(err, downloads.ErrEmailMismatch):
		return http.StatusForbidden, apiError{Error: "That email address does not match the purchase.", Category: categoryDenied, Reason: "email mismatch"}
	case errors.Is(err, downloads.ErrInvalidEmail):
		return http.StatusBadRequest, apiError{Error: "Please enter a valid email address.", Category: categoryValidation}
	case errors.Is(err, downloads.ErrMailFailed):
		return http.StatusBadGateway, apiError{Error: "The email could not be sent. Please try again.", Category: categoryTransient, Details: err.Error()}
	case errors.Is(err, downloads.ErrNoToken):
		return http.StatusNotFound, apiError{Error: "No download is available for this payment yet.", Category: categoryNotFound}

	case errors.Is(err, files.ErrNotFree):
		return http.StatusPaymentRequired, apiError{Error: "This recording requires a purchase.", Category: categoryDenied, Reason: "not free"}
	case errors.Is(err, catalog.ErrInvalidID), errors.Is(err, files.ErrInvalidKey):
		return http.StatusBadRequest, apiError{Error: "Invalid content id.", Category: categoryValidation}
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, files.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, apiError{Error: "Not found.", Category: categoryNotFound}
	}
	return http.StatusInternalServerError, apiError{Error: "Something went wrong. Please try again later.", Category: categoryInternal}
}

func denied(msg string, err error) apiError {
	return apiError{Error: msg, Category: categoryDenied, Reason: downloads.Reason(err)}
}

// writeError classifies err and writes it as JSON.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= 500 {
		logging.HTTP.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSONError(w, status, body)
}

func writeJSONError(w http.ResponseWriter, status int, body apiError) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}
