package rabbit

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

type recordingAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (r *recordingAck) Ack(uint64, bool) error { r.acked = true; return nil }

func (r *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	r.nacked, r.requeue = true, requeue
	return nil
}

func (r *recordingAck) Reject(_ uint64, requeue bool) error {
	r.nacked, r.requeue = true, requeue
	return nil
}

func TestDispatch_AckNackPolicy(t *testing.T) {
	c := &Consumer{logger: observability.NewNopLogger()}

	cases := []struct {
		name    string
		err     error
		acked   bool
		requeue bool
	}{
		{name: "success", acked: true},
		{name: "transient failure requeues", err: errors.Mark(errors.New("40001"), domain.ErrSerializationFailure), requeue: true},
		{name: "bad payload is dropped", err: errors.Wrap(domain.ErrInvalidInput, "not json")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack := &recordingAck{}
			d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{}`)}

			c.dispatch(context.Background(), d, func(context.Context, []byte) error { return tc.err })

			assert.Equal(t, tc.acked, ack.acked)
			assert.Equal(t, !tc.acked, ack.nacked)
			assert.Equal(t, tc.requeue, ack.requeue)
		})
	}
}
