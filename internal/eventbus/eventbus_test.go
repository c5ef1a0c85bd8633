package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/tgcollector/internal/model"
)

var (
	_ Publisher = (*Kafka)(nil)
	_ Publisher = Nop{}
	_ writer    = (*kafka.Writer)(nil)
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestKafka_PublishEncodesEvent(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(w, zaptest.NewLogger(t))
	k.now = func() time.Time { return time.Unix(100, 0) }

	m := model.QueuedMessage{UserID: "u1", SessionID: "s1", CounterpartyID: 7, SenderID: 7, SentAt: time.Unix(50, 0).UTC(), Text: "hi"}
	require.NoError(t, k.Publish(context.Background(), m))
	require.Len(t, w.msgs, 1)
	require.Equal(t, "u1_s1", string(w.msgs[0].Key))

	var ev Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	require.Equal(t, EventMessageCaptured, ev.Type)
	require.False(t, ev.ID.IsNil())
	require.Equal(t, m, ev.Message)
	require.Equal(t, time.Unix(100, 0).UTC(), ev.OccurredAt)
}

func TestKafka_PublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	k := newKafka(&fakeWriter{err: boom}, zaptest.NewLogger(t))
	require.ErrorIs(t, k.Publish(context.Background(), model.QueuedMessage{}), boom)
}

func TestKafka_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newKafka(w, nil).Close())
	require.True(t, w.closed)
}

func TestNewKafka_Validates(t *testing.T) {
	_, err := NewKafka(Config{Topic: "t"}, nil)
	require.Error(t, err)
	k, err := NewKafka(Config{Brokers: []string{"localhost:9092"}, Topic: "messages", Async: true}, nil)
	require.NoError(t, err)
	require.NoError(t, k.Close())
}
