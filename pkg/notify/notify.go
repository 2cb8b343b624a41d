package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/digidov/receiptd/pkg/receipt"
)

// Notification carries a persisted receipt with its joined parties to
// the configured outputs. PDF is rendered once by the Dispatcher and
// shared by outputs that attach it.
type Notification struct {
	Receipt *receipt.DonationReceipt `json:"receipt"`
	Donor   *receipt.Donor           `json:"donor"`
	Charity *receipt.Charity         `json:"charity"`
	PDF     []byte                   `json:"-"`
}

// Output defines the interface for receipt notification channels.
type Output interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
	Close() error
}

// Dispatcher fans a notification out to every output. Dispatch always
// runs after the receipt is committed; failures here are reported but
// must never fail the webhook delivery.
type Dispatcher struct {
	outputs []Output
}

func NewDispatcher(outputs ...Output) *Dispatcher {
	return &Dispatcher{outputs: outputs}
}

// Dispatch renders the receipt PDF and sends the notification to all
// outputs concurrently. The returned error joins all per-output
// failures; a render failure is reported but outputs still run
// (emails go out without the attachment).
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) error {
	var errs []error

	if n.PDF == nil {
		pdf, err := RenderPDF(n.Receipt, n.Donor, n.Charity)
		if err != nil {
			log.Error("Receipt PDF render failed", "receipt", n.Receipt.ReceiptNumber, "err", err)
			errs = append(errs, fmt.Errorf("render pdf: %w", err))
		} else {
			n.PDF = pdf
		}
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, out := range d.outputs {
		wg.Add(1)
		go func(o Output) {
			defer wg.Done()
			if err := o.Send(ctx, n); err != nil {
				log.Error("Notification output failed", "output", o.Name(), "receipt", n.Receipt.ReceiptNumber, "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))
				mu.Unlock()
			}
		}(out)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (d *Dispatcher) Close() error {
	var errs []error
	for _, o := range d.outputs {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- Console Output ---

// ConsoleOutput writes notifications as JSON lines to stdout. Used in
// local development when no mail provider is configured.
type ConsoleOutput struct {
	mu sync.Mutex
}

func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Send(ctx context.Context, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.NewEncoder(os.Stdout).Encode(n)
}

func (c *ConsoleOutput) Close() error { return nil }

// --- Kafka Output ---

// KafkaOutput publishes receipt events for downstream consumers
// (accounting exports, analytics). Messages are keyed by transaction
// hash so redeliveries of the same donation land in the same partition.
type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOutput(brokers []string, topic, user, password string) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	if user != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = user
		config.Net.SASL.Password = password
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return &KafkaOutput{producer: producer, topic: topic}, nil
}

func (k *KafkaOutput) Name() string { return "kafka" }

func (k *KafkaOutput) Send(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(n.Receipt.TxHash),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

func (k *KafkaOutput) Close() error { return k.producer.Close() }

// --- RabbitMQ Output ---

type RabbitMQOutput struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

func NewRabbitMQOutput(url, exchange, routingKey, queueName string, durable bool) (*RabbitMQOutput, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	if queueName != "" {
		q, _ := ch.QueueDeclare(queueName, durable, false, false, false, nil)
		ch.QueueBind(q.Name, routingKey, exchange, false, nil)
	}
	return &RabbitMQOutput{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

func (r *RabbitMQOutput) Name() string { return "rabbitmq" }

func (r *RabbitMQOutput) Send(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.ch.PublishWithContext(ctx, r.exchange, r.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.Receipt.ID,
		Timestamp:    time.Now(),
		Body:         data,
	})
}

func (r *RabbitMQOutput) Close() error {
	r.ch.Close()
	return r.conn.Close()
}
