package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ganamos/backend/pkg/logger"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Worker drains the notifications queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(opt asynq.RedisClientOpt, mailer Mailer, concurrency int) *Worker {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueName: 1,
		},
		Logger: logger.NewAsynqLogger(),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeEmailDelivery, HandleEmailDelivery(mailer))

	return &Worker{server: srv, mux: mux}
}

// HandleEmailDelivery returns the task handler for email:deliver.
func HandleEmailDelivery(mailer Mailer) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg Message
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
		}
		if msg.To == "" {
			return fmt.Errorf("email task without recipient: %w", asynq.SkipRetry)
		}

		if err := mailer.Send(ctx, msg); err != nil {
			logger.Warn("[EMAIL] delivery failed, will retry", zap.String("to", msg.To), zap.Error(err))
			return err
		}

		logger.Info("[EMAIL] delivered", zap.String("to", msg.To), zap.String("subject", msg.Subject))
		return nil
	}
}

// Start runs the worker in the background.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

func (w *Worker) Stop() {
	w.server.Shutdown()
}
