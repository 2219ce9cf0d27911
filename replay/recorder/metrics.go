package recorder

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/reallyoldfogie/replay-go/replay/recorder"

type metrics struct {
	started      metric.Int64Counter
	stopped      metric.Int64Counter
	segments     metric.Int64Counter
	compressed   metric.Int64Counter
	uncompressed metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	return &metrics{
		started:      counter(meter, "replay.recordings.started", "Replay recordings started", "{recording}"),
		stopped:      counter(meter, "replay.recordings.stopped", "Replay recordings ended, by reason", "{recording}"),
		segments:     counter(meter, "replay.segments.written", "Replay segment files written", "{segment}"),
		compressed:   counter(meter, "replay.bytes.compressed", "Compressed replay bytes written", "By"),
		uncompressed: counter(meter, "replay.bytes.uncompressed", "Replay bytes before compression", "By"),
	}
}

func counter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *metrics) recordingStarted() {
	m.started.Add(context.Background(), 1)
}

func (m *metrics) recordingStopped(reason string) {
	m.stopped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) segmentWritten(compressed, uncompressed int) {
	ctx := context.Background()
	m.segments.Add(ctx, 1)
	m.compressed.Add(ctx, int64(compressed))
	m.uncompressed.Add(ctx, int64(uncompressed))
}
