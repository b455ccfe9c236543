package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "yahtzee", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpansWithoutProvider(t *testing.T) {
	tests := []struct {
		name  string
		start func(ctx context.Context) (context.Context, trace.Span)
	}{
		{"plain", func(ctx context.Context) (context.Context, trace.Span) {
			return StartSpan(ctx, "session.create_room")
		}},
		{"signal", func(ctx context.Context) (context.Context, trace.Span) {
			return TraceSignal(ctx, "offer", "peer-a", "yahtzee-room-ABC234")
		}},
		{"negotiation", func(ctx context.Context) (context.Context, trace.Span) {
			return TraceNegotiation(ctx, "create_offer", "peer-a", "peer-b")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, span := tt.start(context.Background())
			require.NotNil(t, span)
			AddSpanAttributes(ctx, RoomIDKey.String("ABC234"), attribute.Int("players", 2))
			RecordError(ctx, errors.New("boom"))
			span.End()
		})
	}
}
