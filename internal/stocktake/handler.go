package stocktake

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stocktake/internal/platform/httpx"
	"github.com/odyssey-erp/stocktake/internal/shared"
)

const (
	// HeaderSessionID names the live session performing an edit.
	HeaderSessionID = "X-Session-ID"
	// HeaderAdminPassword carries the admin password for destructive operations.
	HeaderAdminPassword = "X-Admin-Password"

	lifecycleRateLimit  = 10
	lifecycleRateWindow = time.Minute
)

// ArchiveEnqueuer schedules an archive to run in the background.
type ArchiveEnqueuer interface {
	EnqueueArchive(ctx context.Context, storeID string, target ArchiveTarget) (string, error)
}

// Handler exposes the stocktake API.
type Handler struct {
	logger       *slog.Logger
	service      *Service
	admin        *shared.AdminVerifier
	enqueuer     ArchiveEnqueuer
	validator    *validator.Validate
	exposeErrors bool
}

// NewHandler constructs Handler. exposeErrors adds internal error detail to
// responses and must be false in production.
func NewHandler(logger *slog.Logger, service *Service, admin *shared.AdminVerifier, enqueuer ArchiveEnqueuer, exposeErrors bool) *Handler {
	return &Handler{
		logger:       logger,
		service:      service,
		admin:        admin,
		enqueuer:     enqueuer,
		validator:    validator.New(),
		exposeErrors: exposeErrors,
	}
}

// MountRoutes registers stocktake routes.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(lifecycleRateLimit, lifecycleRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP, storeKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Respond(w, http.StatusTooManyRequests, httpx.Envelope{
				Status:  httpx.StatusConflict,
				Message: "too many lifecycle requests, slow down",
			})
		}),
	)

	r.Route("/stores/{store}", func(r chi.Router) {
		r.Get("/cycle", h.handleStatus)
		r.Get("/cycle/pending", h.handlePending)
		r.Post("/cycle/complete", h.handleMarkCompleted)
		r.Get("/records", h.handleRecords)
		r.Put("/records/{code}/closing-count", h.handleClosingCount)
		r.Patch("/records/{code}", h.handleClassification)
		r.Post("/records/reclassify", h.handleReclassify)
		r.Post("/imports/purchases", h.handlePurchases)
		r.Post("/imports/transfers/{direction}", h.handleTransfers)

		r.Group(func(r chi.Router) {
			r.Use(limiter)
			r.Post("/cycle", h.handleBegin)
			r.Post("/cycle/completions", h.handleCompletions)
		})
		r.Group(func(r chi.Router) {
			r.Use(limiter, h.requireAdmin)
			r.Post("/cycle/archive", h.handleArchive)
			r.Post("/cycle/archive/async", h.handleArchiveAsync)
			r.Delete("/cycle", h.handleClear)
		})
	})
}

func storeKey(r *http.Request) (string, error) {
	return "store:" + chi.URLParam(r, "store"), nil
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h.admin.Verify(r.Header.Get(HeaderAdminPassword))
		if errors.Is(err, shared.ErrInvalidCredentials) {
			h.logger.Warn("admin check failed",
				slog.String("store", chi.URLParam(r, "store")),
				slog.String("path", r.URL.Path))
			httpx.Fail(w, httpx.StatusForbidden, "admin password required")
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type closingCountRequest struct {
	Value *decimal.Decimal `json:"value" validate:"required"`
}

type completionsRequest struct {
	Completions []Completion `json:"completions" validate:"max=10000"`
}

type reclassifyRequest struct {
	Codes      []string `json:"codes" validate:"required,min=1,max=10000,dive,required"`
	ClassGroup string   `json:"classGroup" validate:"required"`
}

type importRequest struct {
	Rows []QuantityRow `json:"rows" validate:"max=200000"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.CycleStatus(r.Context(), chi.URLParam(r, "store"))
	h.respond(w, r, "cycle status", status, err)
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.BeginCycle(r.Context(), chi.URLParam(r, "store"))
	message := "cycle staged, classify the pending items"
	if res.State == StatePromoted {
		message = "cycle established"
	}
	h.respond(w, r, message, res, err)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.PendingItems(r.Context(), chi.URLParam(r, "store"))
	h.respond(w, r, "pending items", items, err)
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.CompleteSetup(r.Context(), chi.URLParam(r, "store"), req.Completions)
	var pending *PendingError
	if errors.As(err, &pending) {
		httpx.Respond(w, http.StatusBadRequest, httpx.Envelope{
			Status:  httpx.StatusValidation,
			Message: pending.Error(),
			Data:    map[string]any{"result": res, "pending": pending.Codes},
		})
		return
	}
	h.respond(w, r, "setup completed", res, err)
}

func (h *Handler) handleMarkCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.MarkCountCompleted(r.Context(), chi.URLParam(r, "store"))
	h.respond(w, r, "count marked completed", map[string]int{"records": n}, err)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	target, err := ParseArchiveTarget(r.URL.Query().Get("period"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.ArchiveCycle(r.Context(), chi.URLParam(r, "store"), target)
	h.respond(w, r, "cycle archived", res, err)
}

func (h *Handler) handleArchiveAsync(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		httpx.Fail(w, httpx.StatusInternal, "background jobs are not configured")
		return
	}
	id, err := storeID(chi.URLParam(r, "store"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	target, err := ParseArchiveTarget(r.URL.Query().Get("period"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	taskID, err := h.enqueuer.EnqueueArchive(r.Context(), id, target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Respond(w, http.StatusAccepted, httpx.Envelope{
		Status:  httpx.StatusOK,
		Message: "archive scheduled",
		Data:    map[string]string{"taskId": taskID},
	})
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	err := h.service.ClearCycle(r.Context(), chi.URLParam(r, "store"))
	h.respond(w, r, "cycle cleared", nil, err)
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListRecords(r.Context(), chi.URLParam(r, "store"))
	h.respond(w, r, "records", records, err)
}

func (h *Handler) handleClosingCount(w http.ResponseWriter, r *http.Request) {
	var req closingCountRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.UpdateClosingCount(r.Context(), editOf(r), *req.Value)
	h.respond(w, r, "closing count saved", rec, err)
}

func (h *Handler) handleClassification(w http.ResponseWriter, r *http.Request) {
	var req ClassificationUpdate
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.UpdateClassification(r.Context(), editOf(r), req)
	h.respond(w, r, "record updated", rec, err)
}

func (h *Handler) handleReclassify(w http.ResponseWriter, r *http.Request) {
	var req reclassifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.BatchReclassify(r.Context(), chi.URLParam(r, "store"), req.Codes, req.ClassGroup)
	h.respond(w, r, "records reclassified", res, err)
}

func (h *Handler) handlePurchases(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !h.decode(w, r, &req) {
		return
	}
	report, err := h.service.BatchImportPurchases(r.Context(), chi.URLParam(r, "store"), req.Rows)
	h.respond(w, r, "purchases imported", report, err)
}

func (h *Handler) handleTransfers(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !h.decode(w, r, &req) {
		return
	}
	dir := Direction(chi.URLParam(r, "direction"))
	report, err := h.service.BatchImportTransfers(r.Context(), chi.URLParam(r, "store"), req.Rows, dir)
	h.respond(w, r, "transfers imported", report, err)
}

func editOf(r *http.Request) Edit {
	return Edit{
		StoreID:     chi.URLParam(r, "store"),
		ProductCode: chi.URLParam(r, "code"),
		SessionID:   strings.TrimSpace(r.Header.Get(HeaderSessionID)),
	}
}

// decode reads and validates a request body, answering the request itself
// when that fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Fail(w, httpx.StatusValidation, err.Error())
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			httpx.Fail(w, httpx.StatusValidation, fe.Field()+" failed "+fe.Tag())
			return false
		}
		httpx.Fail(w, httpx.StatusValidation, err.Error())
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, message string, data any, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Respond(w, http.StatusOK, httpx.Envelope{Status: httpx.StatusOK, Message: message, Data: data})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := string(StatusOf(err))
	env := httpx.Envelope{Status: status, Message: MessageOf(err)}
	if status == httpx.StatusInternal {
		h.logger.Error("stocktake request failed",
			slog.String("path", r.URL.Path),
			slog.String("store", chi.URLParam(r, "store")),
			slog.Any("error", err))
		if h.exposeErrors {
			env.Error = err.Error()
		}
	}
	httpx.Respond(w, httpx.Code(status), env)
}
