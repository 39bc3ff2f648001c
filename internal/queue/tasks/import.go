package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fastcrud/userapi/internal/models"
	"github.com/fastcrud/userapi/internal/services"
	appErr "github.com/fastcrud/userapi/pkg/errors"
	"github.com/fastcrud/userapi/pkg/logger"
	"github.com/fastcrud/userapi/pkg/utils"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	// TypeUserImport is the asynq task type for bulk user imports.
	TypeUserImport = "users:import"
	// QueueImports is the queue import tasks are enqueued on.
	QueueImports = "imports"
)

// ImportPayload is the task payload for import tasks. Passwords are already
// hashed.
type ImportPayload struct {
	Records []services.ImportRecord `json:"records"`
}

// NewImportTask builds an import task whose id is derived from its payload, so
// submitting the same batch twice while the first is retained is a no-op.
func NewImportTask(records []services.ImportRecord) (*asynq.Task, string, error) {
	pb, err := json.Marshal(ImportPayload{Records: records})
	if err != nil {
		return nil, "", fmt.Errorf("marshal import payload: %w", err)
	}
	id := utils.Fingerprint(pb)
	task := asynq.NewTask(TypeUserImport, pb,
		asynq.TaskID(id),
		asynq.Queue(QueueImports),
		asynq.MaxRetry(5),
		asynq.Retention(24*time.Hour),
	)
	return task, id, nil
}

// Enqueuer is the subset of *asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ImportClient submits import tasks.
type ImportClient struct {
	client Enqueuer
}

func NewImportClient(client Enqueuer) *ImportClient {
	return &ImportClient{client: client}
}

// Enqueue submits records for asynchronous import and returns the task id and
// queue name.
func (c *ImportClient) Enqueue(ctx context.Context, records []services.ImportRecord) (string, string, error) {
	task, id, err := NewImportTask(records)
	if err != nil {
		return "", "", appErr.Wrap(err, appErr.CodeInternal, "build import task")
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			logger.L().Info("import already queued", zap.String("task_id", id))
			return id, QueueImports, nil
		}
		logger.L().Error("enqueue import task failed", zap.Error(err), zap.String("task_id", id))
		return "", "", appErr.Wrap(err, appErr.CodeInternal, "enqueue import task failed")
	}

	logger.L().Info("import task enqueued", zap.String("task_id", id), zap.Int("count", len(records)))
	return id, QueueImports, nil
}

// Importer persists prepared records.
type Importer interface {
	ImportRecords(ctx context.Context, records []services.ImportRecord) ([]models.User, error)
}

// ImportTaskHandler handles import tasks.
type ImportTaskHandler struct {
	users Importer
}

func NewImportTaskHandler(users Importer) *ImportTaskHandler {
	return &ImportTaskHandler{users: users}
}

// HandleImport inserts the batch in one transaction. Malformed payloads and
// rejected batches are not retried.
func (h *ImportTaskHandler) HandleImport(ctx context.Context, t *asynq.Task) error {
	var p ImportPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid import task payload", zap.Error(err))
		return fmt.Errorf("decode import payload: %v: %w", err, asynq.SkipRetry)
	}

	logger.L().Info("handling import task", zap.Int("count", len(p.Records)))

	users, err := h.users.ImportRecords(ctx, p.Records)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeDuplicate) || appErr.IsCode(err, appErr.CodeValidation) {
			logger.L().Warn("import rejected", zap.Error(err))
			return fmt.Errorf("import rejected: %v: %w", err, asynq.SkipRetry)
		}
		logger.L().Error("import failed", zap.Error(err))
		return err
	}

	logger.L().Info("import completed", zap.Int("created", len(users)))
	return nil
}
