package delivery

import (
	"context"
	"errors"

	"go-dm/internal/metrics"
	"go-dm/internal/models"
	"go-dm/internal/presence"

	"github.com/rs/zerolog"
)

// Outcome 单次投递结果。skipped 表示接收方不在线，不是错误。
type Outcome string

const (
	OutcomePushed  Outcome = "pushed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeRelayed Outcome = "relayed"
	OutcomeFailed  Outcome = "failed"
)

// Locator 查询用户当前连接。
type Locator interface {
	Lookup(userID string) (presence.Channel, bool)
}

// Relay 把事件转发到其他实例（接收方不在本实例时）。
type Relay interface {
	Publish(ctx context.Context, userID string, payload []byte) error
}

type Dispatcher struct {
	conns Locator
	relay Relay
	log   zerolog.Logger
}

// NewDispatcher relay 可为 nil（单实例部署）。
func NewDispatcher(conns Locator, relay Relay, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		conns: conns,
		relay: relay,
		log:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch 向 recipientID 推送 newMessage 事件。
func (d *Dispatcher) Dispatch(ctx context.Context, recipientID string, m *models.Message) Outcome {
	payload, err := Encode(ActionNewMessage, m)
	if err != nil {
		d.log.Error().Err(err).Str("message_id", m.ID).Msg("encode event")
		return d.record(OutcomeFailed)
	}
	if out := d.DeliverLocal(recipientID, payload); out != OutcomeSkipped || d.relay == nil {
		return out
	}
	if err := d.relay.Publish(ctx, recipientID, payload); err != nil {
		d.log.Warn().Err(err).Str("recipient", recipientID).Str("message_id", m.ID).Msg("relay publish failed")
		return d.record(OutcomeFailed)
	}
	return d.record(OutcomeRelayed)
}

// DeliverLocal 只查本实例连接；中继订阅端也走这里。
func (d *Dispatcher) DeliverLocal(userID string, payload []byte) Outcome {
	ch, ok := d.conns.Lookup(userID)
	if !ok {
		return d.record(OutcomeSkipped)
	}
	if err := ch.Push(payload); err != nil {
		lvl := d.log.Warn()
		if !errors.Is(err, presence.ErrChannelFull) && !errors.Is(err, presence.ErrChannelClosed) {
			lvl = d.log.Error()
		}
		lvl.Err(err).Str("recipient", userID).Msg("push failed")
		return d.record(OutcomeFailed)
	}
	return d.record(OutcomePushed)
}

func (d *Dispatcher) record(o Outcome) Outcome {
	metrics.DispatchTotal.WithLabelValues(string(o)).Inc()
	return o
}
