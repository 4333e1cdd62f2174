package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/textify/dispatch-go/topology"
)

// declareTopology asserts every exchange, queue and binding. Declarations
// are idempotent on the broker side as long as the parameters match, so this
// runs on every (re)connect.
func declareTopology(ch *amqp.Channel, top topology.Topology) error {
	for _, ex := range top.Exchanges {
		err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, q := range top.Queues {
		_, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, amqp.Table(q.Arguments()))
		if err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, b := range top.Bindings {
		err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil)
		if err != nil {
			return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	return nil
}
