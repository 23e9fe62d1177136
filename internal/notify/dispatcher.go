package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ganamos/backend/pkg/logger"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeEmailDelivery = "email:deliver"
	QueueName         = "notifications"
	maxDeliveryRetry  = 5
)

// Dispatcher hands a message off for delivery without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueDispatcher enqueues messages as asynq tasks drained by Worker.
type QueueDispatcher struct {
	client enqueuer
}

func NewQueueDispatcher(client *asynq.Client) *QueueDispatcher {
	return &QueueDispatcher{client: client}
}

func NewEmailDeliveryTask(msg Message) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeEmailDelivery, payload,
		asynq.MaxRetry(maxDeliveryRetry),
		asynq.Timeout(time.Minute),
		asynq.Queue(QueueName),
	), nil
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, msg Message) error {
	task, err := NewEmailDeliveryTask(msg)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	logger.Debug("[EMAIL] queued", zap.String("task_id", info.ID), zap.String("to", msg.To))
	return nil
}

// AsyncDispatcher sends on a goroutine. Used when no task queue is
// available; delivery errors are logged.
type AsyncDispatcher struct {
	mailer  Mailer
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsyncDispatcher(mailer Mailer) *AsyncDispatcher {
	return &AsyncDispatcher{mailer: mailer, timeout: 30 * time.Second}
}

func (d *AsyncDispatcher) Dispatch(_ context.Context, msg Message) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Request context is cancelled once the response is written.
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.mailer.Send(ctx, msg); err != nil {
			logger.Error("[EMAIL] async delivery failed", zap.String("to", msg.To), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until in-flight sends finish.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}
