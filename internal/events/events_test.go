package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/ganamos/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOutbox(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_messages").
		WithArgs("tx-1", TopicWithdrawalCompleted, sqlmock.AnyArg(), models.OutboxStatusPending).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	err = WriteOutbox(context.Background(), tx, TopicWithdrawalCompleted, "tx-1", WithdrawalEvent{
		TransactionID: "tx-1",
		Amount:        1000,
		Status:        models.TransactionStatusCompleted,
		OccurredAt:    time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_GetPendingMessages(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM outbox_messages WHERE status = \\$1").
		WithArgs(models.OutboxStatusPending, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "message_key", "topic", "payload", "status", "retry_count", "created_at"}).
			AddRow(1, "tx-1", TopicWithdrawalCompleted, `{}`, "PENDING", 0, time.Now()))

	msgs, err := NewOutboxRepository(db).GetPendingMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "tx-1", msgs[0].MessageKey)
}

func TestPublisher_Publish(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true

	t.Run("success", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, cfg)
		producer.ExpectSendMessageAndSucceed()

		p := NewPublisher(producer)
		assert.NoError(t, p.Publish(TopicWithdrawalCompleted, "tx-1", `{"amount":1000}`))
		assert.NoError(t, p.Close())
	})

	t.Run("broker error", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, cfg)
		producer.ExpectSendMessageAndFail(errors.New("leader not available"))

		p := NewPublisher(producer)
		assert.Error(t, p.Publish(TopicWithdrawalFailed, "tx-2", `{}`))
		assert.NoError(t, p.Close())
	})
}

func TestKafkaConfig_Enabled(t *testing.T) {
	assert.False(t, KafkaConfig{}.Enabled())
	assert.True(t, KafkaConfig{Brokers: []string{"localhost:9092"}}.Enabled())
}
