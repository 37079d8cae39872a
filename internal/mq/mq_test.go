package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go-dm/internal/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type indexStub struct {
	mu   sync.Mutex
	got  []models.Message
	fail error
}

func (s *indexStub) UpsertPair(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, *m)
	return nil
}

func sample() *models.Message {
	return &models.Message{
		ID: "m1", SenderID: "u2", ReceiverID: "u1", Text: "hi",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisherKeysByConversation(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, nil)
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "u1_u2" {
			return errors.New("unexpected key " + string(key))
		}
		val, _ := msg.Value.Encode()
		var evt MessageSent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.ConversationKey != "u1_u2" || evt.Message.Text != "hi" || msg.Topic != "dm-message-sent" {
			return errors.New("unexpected event")
		}
		return nil
	})

	p := NewKafkaProducerFrom(mp, "dm-message-sent", zerolog.Nop())
	require.NoError(t, NewKafkaPublisher(p).PublishMessageSent(context.Background(), sample()))
	require.NoError(t, p.Close())
}

func TestInlineIndexer(t *testing.T) {
	idx := &indexStub{}
	require.NoError(t, NewInlineIndexer(idx).PublishMessageSent(context.Background(), sample()))
	require.Len(t, idx.got, 1)
	assert.Equal(t, "m1", idx.got[0].ID)
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func claimOf(values ...[]byte) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Offset: int64(i), Value: v}
	}
	close(ch)
	return &fakeClaim{ch: ch}
}

func TestIndexHandlerConsumeClaim(t *testing.T) {
	good, err := json.Marshal(MessageSent{ConversationKey: "u1_u2", Message: *sample()})
	require.NoError(t, err)

	idx := &indexStub{}
	h := NewIndexHandler(idx, zerolog.Nop())
	sess := &fakeSession{ctx: context.Background()}

	require.NoError(t, h.ConsumeClaim(sess, claimOf([]byte("{garbage"), good)))
	assert.Equal(t, []int64{0, 1}, sess.marked)
	require.Len(t, idx.got, 1)
	assert.Equal(t, "u2", idx.got[0].SenderID)
}

func TestIndexHandlerStopsOnStoreError(t *testing.T) {
	good, err := json.Marshal(MessageSent{ConversationKey: "u1_u2", Message: *sample()})
	require.NoError(t, err)

	idx := &indexStub{fail: errors.New("mysql down")}
	sess := &fakeSession{ctx: context.Background()}
	err = NewIndexHandler(idx, zerolog.Nop()).ConsumeClaim(sess, claimOf(good, good))
	assert.Error(t, err)
	assert.Empty(t, sess.marked)
}
