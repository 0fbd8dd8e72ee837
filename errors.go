package purchases

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Receipt errors
	ErrMissingReceipt = errors.New("receipt file is missing or empty")

	// Purchase errors
	ErrOperationAlreadyInProgress = errors.New("purchase already in progress for this product")
	ErrPurchaseCancelled          = errors.New("purchase was cancelled")
	ErrPaymentPending             = errors.New("payment is deferred and pending approval")
	ErrProductNotFound            = errors.New("product not found in store")

	// Offerings errors
	ErrNoOfferingsFound = errors.New("no offerings found for this app")
	ErrOfferingsTimeout = errors.New("offerings request timed out")

	// Identity errors
	ErrInvalidAppUserID    = errors.New("app user id must not be empty")
	ErrLogOutAnonymousUser = errors.New("cannot log out: current user is anonymous")

	// Cache errors
	ErrNoCachedCustomerInfo = errors.New("no cached customer info available")

	// Facade errors
	ErrNotConfigured = errors.New("purchases has not been configured yet")
)

// ConfigurationError signals that the app or dashboard configuration is
// broken in a way the integrating developer has to fix.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// MissingProductsError enumerates the product identifiers an offerings
// payload referenced but the store did not return.
type MissingProductsError struct {
	Identifiers []string
}

func (e *MissingProductsError) Error() string {
	return fmt.Sprintf("store did not return products: %s", strings.Join(e.Identifiers, ", "))
}

// BackendError is a typed error from the entitlements backend. Finishable
// marks errors where the backend-side effect already happened, so the
// platform transaction can be finished and a retry would be redundant.
type BackendError struct {
	StatusCode int
	Code       int
	Message    string
	Finishable bool
	Err        error
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %v", e.StatusCode, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsServerDown reports whether this error is in the transient server-down
// class, where serving stale or disk-cached data beats propagating failure.
func (e *BackendError) IsServerDown() bool {
	return e.StatusCode >= 500
}

// IsServerDown reports whether err is a server-down class backend error.
func IsServerDown(err error) bool {
	var backendErr *BackendError
	return errors.As(err, &backendErr) && backendErr.IsServerDown()
}

// IsFinishable reports whether a failed receipt post should still finish the
// platform transaction.
func IsFinishable(err error) bool {
	var backendErr *BackendError
	return errors.As(err, &backendErr) && backendErr.Finishable
}
