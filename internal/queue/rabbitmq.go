package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abkawan/venue-payments/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const (
	// queue for deposits that need re-verification
	VerificationQueue = "deposit.verifications"
)

// handles RabbitMQ operations
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

func NewRabbitMQ(uri string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		VerificationQueue, // name
		true,              // durable
		false,             // delete when unused
		false,             // exclusive
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	// one unacked job per consumer, verifications hold locks
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		queue:   q,
	}, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}

// publishes a verification job to the queue
func (r *RabbitMQ) PublishVerification(ctx context.Context, job models.VerificationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal verification job: %w", err)
	}

	err = r.channel.Publish(
		"",                // exchange
		VerificationQueue, // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent, // make message persistent
			MessageId:    job.Reference,
		})
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}

	return nil
}

// consumes verification jobs from the queue
func (r *RabbitMQ) ConsumeVerifications(ctx context.Context) (<-chan models.VerificationJob, error) {
	msgs, err := r.channel.Consume(
		VerificationQueue, // queue
		"",                // consumer
		false,             // auto-ack
		false,             // exclusive
		false,             // no-local
		false,             // no-wait
		nil,               // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}

	jobs := make(chan models.VerificationJob)

	go func() {
		defer close(jobs)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				job, err := decodeJob(msg.Body)
				if err != nil {
					log.Error().Err(err).Str("message_id", msg.MessageId).Msg("dropping malformed verification job")
					msg.Reject(false) // Don't requeue
					continue
				}

				select {
				case jobs <- job:
					msg.Ack(false)
				case <-ctx.Done():
					msg.Nack(false, true)
					return
				}
			}
		}
	}()

	return jobs, nil
}

func decodeJob(body []byte) (models.VerificationJob, error) {
	var job models.VerificationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("failed to unmarshal verification job: %w", err)
	}
	if job.Reference == "" {
		return job, fmt.Errorf("verification job has no reference")
	}
	return job, nil
}
