package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainfunnel/internal/domain"
	"chainfunnel/internal/infrastructure/telemetry"
	"chainfunnel/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes the feed to one topic per chain. Every message of a
// chain, reorg markers included, carries the same key so the whole feed of a
// chain lands on one partition and keeps its order.
type Producer struct {
	writer messageWriter
	prefix string
}

type ProducerConfig struct {
	Brokers     []string
	TopicPrefix string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = "chainfunnel-feed"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 500 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return &Producer{writer: writer, prefix: cfg.TopicPrefix}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) PublishChainData(ctx context.Context, chainID uint64, blocks []domain.ChainData) error {
	if len(blocks) == 0 {
		return nil
	}
	tracer := otel.Tracer("chainfunnel/kafka")
	messages := make([]kafka.Message, 0, len(blocks))
	spans := make([]trace.Span, 0, len(blocks))
	for _, block := range blocks {
		traceCtx, traceIDHex := newTraceContext(ctx)
		traceCtx, span := tracer.Start(traceCtx, "funnel.publish_block", trace.WithSpanKind(trace.SpanKindProducer))
		span.SetAttributes(
			attribute.Int64("chain.id", int64(chainID)),
			attribute.Int64("block.number", int64(block.BlockNumber)),
			attribute.String("block.hash", block.BlockHash),
			attribute.Int("block.submissions", len(block.SubmittedData)),
		)

		msg := streaming.FromChainData(chainID, block)
		msg.TraceID = traceIDHex
		payload, err := streaming.Encode(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			endSpans(spans, err)
			return err
		}
		headers := telemetry.MessageHeaders(traceCtx)
		messages = append(messages, kafka.Message{
			Topic:   p.topicForChain(chainID),
			Key:     chainKey(chainID),
			Value:   payload,
			Headers: headers,
		})
		spans = append(spans, span)
	}
	err := p.writer.WriteMessages(ctx, messages...)
	endSpans(spans, err)
	return err
}

func (p *Producer) PublishReorg(ctx context.Context, chainID uint64, fromBlock uint64, reason string) error {
	payload, err := streaming.Encode(streaming.Message{
		Type:      streaming.MessageTypeReorg,
		ChainID:   chainID,
		FromBlock: fromBlock,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	headers := telemetry.MessageHeaders(ctx)
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topicForChain(chainID),
		Key:     chainKey(chainID),
		Value:   payload,
		Headers: headers,
	})
}

func (p *Producer) topicForChain(chainID uint64) string {
	return fmt.Sprintf("%s-%d", p.prefix, chainID)
}

func chainKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("chain:%d", chainID))
}

// newTraceContext starts a fresh trace per block unless ctx already carries one.
func newTraceContext(ctx context.Context) (context.Context, string) {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return ctx, sc.TraceID().String()
	}
	traceID, traceIDHex, ok := telemetry.NewTraceID()
	if !ok {
		return ctx, ""
	}
	spanCtx, ok := telemetry.NewSpanContext(traceID)
	if !ok {
		return ctx, ""
	}
	return trace.ContextWithSpanContext(ctx, spanCtx), traceIDHex
}

func endSpans(spans []trace.Span, err error) {
	for _, span := range spans {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
