package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/metrics"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

// KafkaSink produces one message per window keyed by the window start, so a
// compacted topic keeps exactly one record per window no matter how often a
// range is reprocessed.
type KafkaSink struct {
	topic string
	sp    sarama.SyncProducer
}

func NewKafkaSink(brokersCSV, topic string) (*KafkaSink, error) {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("emitter: no kafka brokers")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_1_0_0

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{topic: topic, sp: sp}, nil
}

func (s *KafkaSink) Emit(ctx context.Context, snap model.RiskSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(snap.WindowStart(), 10)),
		Value: sarama.ByteEncoder(payload),
	}

	// SyncProducer doesn't accept a context; check before and after so a
	// canceled run stops promptly. The message is acked by the broker
	// before this returns nil, so it is safe to advance the cursor then.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, _, err := s.sp.SendMessage(msg); err != nil {
		return fmt.Errorf("emitter: kafka send window %d: %w", snap.WindowStart(), err)
	}
	metrics.SnapshotsEmitted.WithLabelValues("kafka").Inc()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.sp != nil {
		return s.sp.Close()
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, x := range parts {
		x = strings.TrimSpace(x)
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}
