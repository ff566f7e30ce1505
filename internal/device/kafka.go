package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/Iron-Ham/sluice/internal/errors"
)

// DefaultMaxBytes caps the file size the Kafka device will publish.
const DefaultMaxBytes = 1 << 20

// messageWriter is the part of *kafka.Writer the Kafka device uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each job as one message whose value is the file content.
// The key is the job ID; run, task, file name, and copy count travel as
// headers.
type Kafka struct {
	name     string
	topic    string
	maxBytes int
	writer   messageWriter
}

// NewKafka creates a Kafka device. Connections are made lazily by the
// writer.
func NewKafka(name string, cfg Config) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newKafka(name, cfg.Topic, cfg.MaxBytes, w)
}

func newKafka(name, topic string, maxBytes int, w messageWriter) *Kafka {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Kafka{name: name, topic: topic, maxBytes: maxBytes, writer: w}
}

// Name implements Device.
func (k *Kafka) Name() string { return k.name }

// Submit implements Device.
func (k *Kafka) Submit(ctx context.Context, job Job) (string, error) {
	info, err := os.Stat(job.Path)
	if err != nil {
		return "", errors.ClassifyIO(err, "stat job file", job.Path)
	}
	if info.Size() > int64(k.maxBytes) {
		return "", errors.NewPermanentStepError(
			fmt.Sprintf("file of %d bytes exceeds device %q limit of %d", info.Size(), k.name, k.maxBytes),
			errors.ErrInvalidInput)
	}
	data, err := os.ReadFile(job.Path)
	if err != nil {
		return "", errors.ClassifyIO(err, "read job file", job.Path)
	}

	msg := kafka.Message{
		Key:   []byte(job.ID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(job.RunID)},
			{Key: "task_id", Value: []byte(job.TaskID)},
			{Key: "file_name", Value: []byte(filepath.Base(job.Path))},
			{Key: "copies", Value: []byte(strconv.Itoa(copies(job.Copies)))},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, kafka.UnknownTopicOrPartition) || errors.Is(err, kafka.TopicAuthorizationFailed) {
			return "", unavailable(k.name, err)
		}
		return "", errors.NewTransientIOError(fmt.Sprintf("publish to %q", k.name), err).WithPath(job.Path)
	}
	return fmt.Sprintf("kafka://%s/%s", k.topic, job.ID), nil
}

// Close implements Device.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
