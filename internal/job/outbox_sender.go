package job

import (
	"context"
	"time"

	"github.com/ganamos/backend/internal/events"
	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"go.uber.org/zap"
)

type MessagePublisher interface {
	Publish(topic, key, value string) error
}

// OutboxSender polls outbox_messages and publishes pending rows.
type OutboxSender struct {
	repo          *events.OutboxRepository
	publisher     MessagePublisher
	maxRetryCount int
	interval      time.Duration
	batchSize     int
	stopCh        chan struct{}
}

func NewOutboxSender(repo *events.OutboxRepository, publisher MessagePublisher, maxRetryCount int) *OutboxSender {
	if maxRetryCount <= 0 {
		maxRetryCount = 5
	}
	return &OutboxSender{
		repo:          repo,
		publisher:     publisher,
		maxRetryCount: maxRetryCount,
		interval:      500 * time.Millisecond,
		batchSize:     100,
		stopCh:        make(chan struct{}),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	logger.Info("[OUTBOX] sender started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[OUTBOX] context cancelled, sender exiting")
			return
		case <-s.stopCh:
			logger.Info("[OUTBOX] sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.repo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		logger.Error("[OUTBOX] failed to load pending messages", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *models.OutboxMessage) {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.repo.MarkSent(ctx, msg.ID); err != nil {
			logger.Error("[OUTBOX] failed to mark message sent", zap.Int64("id", msg.ID), zap.Error(err))
		}
		return
	}

	logger.Warn("[OUTBOX] publish failed", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))

	if msg.RetryCount+1 >= s.maxRetryCount {
		if err := s.repo.MarkFailed(ctx, msg.ID); err != nil {
			logger.Error("[OUTBOX] failed to mark message failed", zap.Int64("id", msg.ID), zap.Error(err))
			return
		}
		logger.Error("[OUTBOX] message exceeded max retries", zap.Int64("id", msg.ID), zap.Int("retries", msg.RetryCount+1))
		return
	}

	if err := s.repo.IncrementRetryCount(ctx, msg.ID); err != nil {
		logger.Error("[OUTBOX] failed to increment retry count", zap.Int64("id", msg.ID), zap.Error(err))
	}
}
