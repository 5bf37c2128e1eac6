package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit_ledger/internal/models"
	"credit_ledger/internal/queue"
)

func sampleTransaction() *models.Transaction {
	ref := "pay_1"
	return &models.Transaction{
		TransactionID: uuid.New(),
		Seq:           7,
		AccountID:     "acct_1",
		Kind:          models.KindPurchase,
		Amount:        10,
		BalanceAfter:  10,
		ExternalRef:   &ref,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTransactionRecorded(t *testing.T) {
	tx := sampleTransaction()

	ev, err := TransactionRecorded(tx)
	require.NoError(t, err)
	assert.Equal(t, TypeTransactionRecorded, ev.Type)
	assert.Equal(t, "acct_1", ev.AccountID)
	assert.Equal(t, tx.CreatedAt, ev.OccurredAt)
	assert.NotEqual(t, uuid.Nil, ev.ID)

	decoded, err := ev.Transaction()
	require.NoError(t, err)
	assert.Equal(t, tx.TransactionID, decoded.TransactionID)
	assert.Equal(t, int64(10), decoded.BalanceAfter)
	assert.Equal(t, "pay_1", decoded.ExternalRefValue())
}

func TestEventTransactionWrongType(t *testing.T) {
	ev, err := New(TypeConsistencyViolation, "acct_1", map[string]string{"detail": "x"})
	require.NoError(t, err)

	_, err = ev.Transaction()
	assert.Error(t, err)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(ctx context.Context, ev Event) error { return f.err }

func TestMultiPublisher(t *testing.T) {
	ctx := context.Background()
	ev, err := TransactionRecorded(sampleTransaction())
	require.NoError(t, err)

	first, second := NewMemoryPublisher(), NewMemoryPublisher()
	boom := errors.New("broker down")
	multi := MultiPublisher{first, failingPublisher{err: boom}, second}

	err = multi.Publish(ctx, ev)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.Events(), 1, "a failing sink must not stop delivery to the others")

	assert.NoError(t, MultiPublisher{first}.Publish(ctx, ev))
	assert.NoError(t, NoopPublisher{}.Publish(ctx, ev))
}

func TestMemoryPublisherOfType(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPublisher()

	recorded, _ := TransactionRecorded(sampleTransaction())
	violation, _ := New(TypeConsistencyViolation, "acct_1", nil)
	require.NoError(t, p.Publish(ctx, recorded))
	require.NoError(t, p.Publish(ctx, violation))

	assert.Len(t, p.OfType(TypeConsistencyViolation), 1)
	assert.Len(t, p.OfType(TypeTransactionRecorded), 1)
}

func TestQueuePublisher(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.DefaultConfig("events"))
	defer q.Close()

	ev, err := TransactionRecorded(sampleTransaction())
	require.NoError(t, err)
	require.NoError(t, NewQueuePublisher(q).Publish(ctx, ev))

	items, err := q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ev.ID, items[0].(Event).ID)
}

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	ctx := context.Background()
	writer := &recordingWriter{}
	p := &KafkaPublisher{writer: writer}

	ev, err := TransactionRecorded(sampleTransaction())
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, ev))

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	assert.Equal(t, []byte("acct_1"), msg.Key)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "transaction.recorded", string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)

	writer.err = errors.New("leader not available")
	assert.Error(t, p.Publish(ctx, ev))

	require.NoError(t, p.Close())
	assert.True(t, writer.closed)
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "ledger.events")
	assert.Error(t, err)

	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "ledger.events")
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
