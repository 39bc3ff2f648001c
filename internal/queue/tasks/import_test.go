package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/fastcrud/userapi/internal/models"
	"github.com/fastcrud/userapi/internal/services"
	appErr "github.com/fastcrud/userapi/pkg/errors"
	"github.com/fastcrud/userapi/pkg/logger"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests (required by tasks)
	_, err := logger.Init("userapi-worker", "info", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockImporter struct {
	mock.Mock
}

func (m *mockImporter) ImportRecords(ctx context.Context, records []services.ImportRecord) ([]models.User, error) {
	args := m.Called(ctx, records)
	if v := args.Get(0); v != nil {
		return v.([]models.User), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task)
	if v := args.Get(0); v != nil {
		return v.(*asynq.TaskInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func records() []services.ImportRecord {
	return []services.ImportRecord{
		{Username: "alice", Email: "a@x.com", PasswordHash: "$2a$04$hash", Role: models.RoleUser},
		{Username: "bob", Email: "b@x.com", PasswordHash: "$2a$04$hash", Role: models.RoleGuest},
	}
}

func TestNewImportTaskIsDeterministic(t *testing.T) {
	t1, id1, err := NewImportTask(records())
	require.NoError(t, err)
	_, id2, err := NewImportTask(records())
	require.NoError(t, err)

	assert.Equal(t, TypeUserImport, t1.Type())
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)

	var p ImportPayload
	require.NoError(t, json.Unmarshal(t1.Payload(), &p))
	assert.Equal(t, records(), p.Records)

	other := records()[:1]
	_, id3, err := NewImportTask(other)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestImportClientEnqueue(t *testing.T) {
	ctx := context.Background()

	q := new(mockEnqueuer)
	q.On("EnqueueContext", ctx, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == TypeUserImport
	})).Return(&asynq.TaskInfo{Queue: QueueImports}, nil).Once()

	id, queue, err := NewImportClient(q).Enqueue(ctx, records())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, QueueImports, queue)
	q.AssertExpectations(t)
}

func TestImportClientEnqueueConflictIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := new(mockEnqueuer)
	q.On("EnqueueContext", ctx, mock.Anything).Return(nil, asynq.ErrTaskIDConflict).Once()

	id, _, err := NewImportClient(q).Enqueue(ctx, records())
	require.NoError(t, err)
	_, want, _ := NewImportTask(records())
	assert.Equal(t, want, id)
}

func TestImportClientEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	q := new(mockEnqueuer)
	q.On("EnqueueContext", ctx, mock.Anything).Return(nil, errors.New("redis down")).Once()

	_, _, err := NewImportClient(q).Enqueue(ctx, records())
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeInternal))
}

func TestHandleImport(t *testing.T) {
	ctx := context.Background()
	task, _, err := NewImportTask(records())
	require.NoError(t, err)

	tests := []struct {
		name      string
		result    error
		wantErr   bool
		skipRetry bool
	}{
		{"success", nil, false, false},
		{"duplicate", appErr.New(appErr.CodeDuplicate, "Username already exists"), true, true},
		{"validation", appErr.New(appErr.CodeValidation, "Request validation failed"), true, true},
		{"transient", appErr.Wrap(errors.New("database is locked"), appErr.CodeInternal, "store failure"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imp := new(mockImporter)
			if tt.result == nil {
				imp.On("ImportRecords", ctx, records()).Return([]models.User{{ID: 1}, {ID: 2}}, nil).Once()
			} else {
				imp.On("ImportRecords", ctx, records()).Return(nil, tt.result).Once()
			}

			err := NewImportTaskHandler(imp).HandleImport(ctx, task)
			if !tt.wantErr {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
			}
			imp.AssertExpectations(t)
		})
	}
}

func TestHandleImportRejectsBadPayload(t *testing.T) {
	imp := new(mockImporter)
	err := NewImportTaskHandler(imp).HandleImport(context.Background(), asynq.NewTask(TypeUserImport, []byte("{not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	imp.AssertNotCalled(t, "ImportRecords", mock.Anything, mock.Anything)
}
