package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stocktake/internal/stocktake"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskArchiveCycle archives and drops one period of one store.
	TaskArchiveCycle = "stocktake:archive"
	// TaskBeginCycle begins the count of the active period for one store.
	TaskBeginCycle = "stocktake:begin"
)

var errEmptyStore = errors.New("jobs: store is required")

// StorePayload names the store a task operates on. Period is only read by
// archive tasks; empty means the active period.
type StorePayload struct {
	Store  string `json:"store"`
	Period string `json:"period,omitempty"`
}

// NewArchiveTask constructs an archive task for one period of store.
func NewArchiveTask(store string, target stocktake.ArchiveTarget) (*asynq.Task, error) {
	if _, err := stocktake.ParseArchiveTarget(string(target)); err != nil {
		return nil, err
	}
	return newStoreTask(TaskArchiveCycle, StorePayload{Store: store, Period: string(target)})
}

// NewBeginTask constructs a begin task for store.
func NewBeginTask(store string) (*asynq.Task, error) {
	return newStoreTask(TaskBeginCycle, StorePayload{Store: store})
}

func newStoreTask(kind string, payload StorePayload) (*asynq.Task, error) {
	payload.Store = strings.TrimSpace(payload.Store)
	if payload.Store == "" {
		return nil, errEmptyStore
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(kind, body, asynq.Queue(QueueDefault)), nil
}

func decodeStore(t *asynq.Task) (StorePayload, error) {
	var payload StorePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return StorePayload{}, fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	payload.Store = strings.TrimSpace(payload.Store)
	if payload.Store == "" {
		return StorePayload{}, fmt.Errorf("%s: %v: %w", t.Type(), errEmptyStore, asynq.SkipRetry)
	}
	return payload, nil
}
