// Package stocktake runs the monthly count cycle of a store: catalog merge,
// staging and promotion, quantity edits and batch imports.
package stocktake

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/stocktake/internal/countstore"
)

const (
	// PendingClassGroup marks a record that still needs manual classification.
	PendingClassGroup = "PENDING"
	// UnassignedVendor is stored when no vendor rule or completion names one.
	UnassignedVendor = "未使用"
)

// Sentinel errors. Every error returned by Service wraps one of them.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrUpstream   = errors.New("upstream unavailable")
)

// Status is the outcome taxonomy reported to clients.
type Status string

const (
	StatusOK         Status = "ok"
	StatusNotFound   Status = "not-found"
	StatusConflict   Status = "conflict"
	StatusValidation Status = "validation-error"
	StatusUpstream   Status = "upstream-error"
	StatusInternal   Status = "internal-error"
)

// StatusOf classifies err. A nil error is StatusOK.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrValidation):
		return StatusValidation
	case errors.Is(err, ErrNotFound), errors.Is(err, countstore.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, countstore.ErrDuplicate):
		return StatusConflict
	case errors.Is(err, ErrUpstream):
		return StatusUpstream
	default:
		return StatusInternal
	}
}

// PendingError blocks promotion while staged records are still PENDING.
type PendingError struct {
	Codes []string
}

func (e *PendingError) Error() string {
	const preview = 10
	codes := e.Codes
	suffix := ""
	if len(codes) > preview {
		codes = codes[:preview]
		suffix = ", ..."
	}
	return fmt.Sprintf("%d item(s) still pending classification: %s%s", len(e.Codes), strings.Join(codes, ", "), suffix)
}

func (e *PendingError) Unwrap() error {
	return ErrValidation
}

// CycleState is the lifecycle position of a (store, period) pair.
type CycleState string

const (
	StateNotStarted      CycleState = "NOT_STARTED"
	StateStaging         CycleState = "STAGING"
	StateStagingComplete CycleState = "STAGING_COMPLETE"
	StatePromoted        CycleState = "PROMOTED"
)

// Broadcast event names.
const (
	EventRecordUpdated   = "recordUpdated"
	EventRecordsReloaded = "recordsReloaded"
	EventUsageNegative   = "usageNegative"
	EventUsageHigh       = "usageHigh"
	EventCycleState      = "cycleState"
)

// AnomalyWarning is published when a recomputed usage looks wrong. It never
// blocks the update that produced it.
type AnomalyWarning struct {
	ProductCode string `json:"productCode"`
	ProductName string `json:"productName"`
	Usage       string `json:"usage"`
	Message     string `json:"message"`
}

// StateChange is published to a store room whenever the cycle state moves.
type StateChange struct {
	Period string     `json:"period"`
	State  CycleState `json:"state"`
}

// Error is a classified failure with a message safe to show to clients.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// MessageOf extracts the client-facing message of err.
func MessageOf(err error) string {
	var pending *PendingError
	if errors.As(err, &pending) {
		return pending.Error()
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Message
	}
	switch StatusOf(err) {
	case StatusOK:
		return ""
	case StatusNotFound:
		return "record not found"
	case StatusConflict:
		return "conflicting write"
	case StatusUpstream:
		return "catalog source unavailable, try again later"
	default:
		return "internal error"
	}
}

func validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// storeID validates and trims a store identifier.
func storeID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || id == "notStart" {
		return "", validationf("store id is required")
	}
	if strings.ContainsAny(id, "/\\. ") {
		return "", validationf("store id %q contains invalid characters", id)
	}
	return id, nil
}
