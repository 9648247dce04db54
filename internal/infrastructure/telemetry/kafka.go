package telemetry

import (
	"context"
	"sort"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// MessageHeaders returns the trace context of ctx as kafka headers, sorted by
// key. It returns nil when ctx carries no trace.
func MessageHeaders(ctx context.Context) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	keys := carrier.Keys()
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys))
	for _, key := range keys {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(carrier.Get(key))})
	}
	return headers
}

// ContextFromMessage continues the trace a feed message was published under.
// Header keys are matched case-insensitively; the last duplicate wins.
func ContextFromMessage(ctx context.Context, msg kafka.Message) context.Context {
	carrier := make(propagation.MapCarrier, len(msg.Headers))
	for _, header := range msg.Headers {
		carrier[strings.ToLower(header.Key)] = string(header.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
