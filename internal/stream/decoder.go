package stream

import (
	"github.com/felipepmaragno/model-gateway/internal/domain"
)

// Event is what a Decoder extracts from one frame. A zero Event means the
// frame carried nothing of interest (keep-alives, pings, metadata).
type Event struct {
	Delta        domain.Delta
	FinishReason string
	Usage        *domain.Usage
	Model        string
	// Done marks the provider's explicit end-of-stream signal.
	Done bool
}

// Decoder maps provider frames to events. Decoders may keep per-stream state
// and are never shared between streams. Returning an error ends the stream;
// provider-reported failures should be returned as *domain.UpstreamError.
type Decoder interface {
	Decode(f Frame) (Event, error)
}

// DecoderFunc adapts a stateless function to Decoder.
type DecoderFunc func(f Frame) (Event, error)

func (fn DecoderFunc) Decode(f Frame) (Event, error) { return fn(f) }
