package match

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/requests"
)

const TypeRequestExpire = "request:expire"

type expirePayload struct {
	RequestID string `json:"requestId"`
}

// Expirer is the part of Engine the expiry worker needs.
type Expirer interface {
	Expire(ctx context.Context, requestID string) (bool, error)
}

// enqueuer is the subset of asynq.Client used to schedule tasks.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ExpiryTasks schedules one delayed task per request, due at its deadline.
type ExpiryTasks struct {
	client enqueuer
	queue  string
	logger *log.Logger
}

var _ requests.ExpiryScheduler = (*ExpiryTasks)(nil)

func NewExpiryTasks(client *asynq.Client, queue string, logger *log.Logger) *ExpiryTasks {
	return newExpiryTasks(client, queue, logger)
}

func newExpiryTasks(client enqueuer, queue string, logger *log.Logger) *ExpiryTasks {
	if queue == "" {
		queue = "default"
	}
	return &ExpiryTasks{
		client: client,
		queue:  queue,
		logger: logger,
	}
}

func newExpireTask(requestID string) (*asynq.Task, error) {
	data, err := json.Marshal(expirePayload{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRequestExpire, data), nil
}

func (t *ExpiryTasks) ScheduleExpiry(ctx context.Context, req *requests.ConnectRequest) error {
	task, err := newExpireTask(req.ID)
	if err != nil {
		return fmt.Errorf("failed to build expiry task: %w", err)
	}

	_, err = t.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(req.ExpiresAt),
		asynq.Queue(t.queue),
		asynq.TaskID("expire:"+req.ID),
		asynq.MaxRetry(3),
		asynq.Retention(time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue expiry task: %w", err)
	}

	t.logger.Debug("Expiry scheduled",
		log.RequestID(req.ID),
		log.Time("at", req.ExpiresAt))
	return nil
}

// NewExpiryHandler processes request:expire tasks. A request that was
// matched or canceled in the meantime is left alone.
func NewExpiryHandler(expirer Expirer, logger *log.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p expirePayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil || p.RequestID == "" {
			logger.Error("Drop malformed expiry task", log.Any("payload", string(task.Payload())))
			return fmt.Errorf("malformed payload: %w", asynq.SkipRetry)
		}

		expiryTasks.Add(ctx, 1)
		changed, err := expirer.Expire(ctx, p.RequestID)
		if err != nil {
			return err
		}
		logger.Debug("Expiry task done",
			log.RequestID(p.RequestID),
			log.Bool("changed", changed))
		return nil
	}
}

// NewExpiryMux routes expiry tasks to expirer.
func NewExpiryMux(expirer Expirer, logger *log.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeRequestExpire, NewExpiryHandler(expirer, logger))
	return mux
}
