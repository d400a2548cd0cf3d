// Package queue_publisher publishes domain events to RabbitMQ.  Errors are
// logged and returned so callers can ignore failures without interrupting
// the request flow.
package queue_publisher

import (
    "context"
    "encoding/json"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
    "github.com/sirupsen/logrus"

    q "github.com/iliyamo/raffle-ticketing/internal/queue"
)

// Publisher dials the broker per publish.  Approved purchases are rare
// enough that a pooled connection is not worth its reconnect handling.
type Publisher struct {
    URL string
    Log logrus.FieldLogger
}

// New returns a Publisher for url.
func New(url string, log logrus.FieldLogger) *Publisher {
    return &Publisher{URL: url, Log: log}
}

// PublishPurchaseApproved publishes ev to the purchase.approved queue as
// a persistent message.
func (p *Publisher) PublishPurchaseApproved(ctx context.Context, ev q.PurchaseApprovedEvent) error {
    log := p.Log.WithField("purchase_id", ev.PurchaseID)
    conn, err := amqp.Dial(p.URL)
    if err != nil {
        log.WithError(err).Warn("rabbitmq: dial failed")
        return err
    }
    defer func() { _ = conn.Close() }()

    ch, err := conn.Channel()
    if err != nil {
        log.WithError(err).Warn("rabbitmq: channel open failed")
        return err
    }
    defer func() { _ = ch.Close() }()

    // Durable so messages survive broker restarts.
    if _, err := ch.QueueDeclare(
        q.PurchaseApprovedQueue, // name
        true,                    // durable
        false,                   // autoDelete
        false,                   // exclusive
        false,                   // noWait
        nil,                     // args
    ); err != nil {
        log.WithError(err).Warn("rabbitmq: queue declare failed")
        return err
    }

    body, err := json.Marshal(ev)
    if err != nil {
        return err
    }

    pub := amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent, // store on disk
        Timestamp:    time.Now().UTC(),
        MessageId:    ev.PaymentRef,
        Body:         body,
    }

    if err := ch.PublishWithContext(ctx,
        "",                      // default exchange
        q.PurchaseApprovedQueue, // routing key = queue name
        false,                   // mandatory
        false,                   // immediate
        pub,
    ); err != nil {
        log.WithError(err).Warn("rabbitmq: publish failed")
        return err
    }
    return nil
}
