package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/tandem/internal/domain"
	"github.com/matheus3301/tandem/internal/metrics"
	"go.uber.org/zap"
)

// DecodeMessage parses a messages-topic body.
func DecodeMessage(body []byte) (domain.Message, error) {
	var p domain.MessagePayload
	if err := decode(body, &p); err != nil {
		return domain.Message{}, err
	}
	return p.ToMessage(), nil
}

// DecodeTyping parses a typing-topic body.
func DecodeTyping(body []byte) (domain.TypingEvent, error) {
	var p domain.TypingPayload
	if err := decode(body, &p); err != nil {
		return domain.TypingEvent{}, err
	}
	return domain.TypingEvent{SenderID: p.SenderID, ReceiverID: p.ReceiverID, IsTyping: p.IsTyping}, nil
}

// DecodeReadReceipt parses a read-receipts-topic body.
func DecodeReadReceipt(body []byte) (domain.ReadReceipt, error) {
	var p domain.ReadReceiptPayload
	if err := decode(body, &p); err != nil {
		return domain.ReadReceipt{}, err
	}
	return p.ToReceipt(), nil
}

// DecodePresence parses a presence-topic body.
func DecodePresence(body []byte) (domain.PresenceEvent, error) {
	var p domain.PresencePayload
	if err := decode(body, &p); err != nil {
		return domain.PresenceEvent{}, err
	}
	return domain.PresenceEvent{UserID: p.UserID, Online: p.Online}, nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalid, err)
	}
	return domain.Validate(v)
}

// Decoded wraps fn in a Handler that decodes each body first. Bodies that
// fail to decode are logged and dropped.
func Decoded[T any](topic Topic, decodeFn func([]byte) (T, error), logger *zap.Logger, fn func(T)) Handler {
	return func(body []byte) {
		v, err := decodeFn(body)
		if err != nil {
			metrics.IncRealtimeEvent(string(topic), "malformed")
			logger.Warn("dropping malformed realtime event",
				zap.String("topic", string(topic)), zap.ByteString("body", truncate(body)), zap.Error(err))
			return
		}
		metrics.IncRealtimeEvent(string(topic), "ok")
		fn(v)
	}
}

func truncate(b []byte) []byte {
	const limit = 256
	if len(b) > limit {
		return b[:limit]
	}
	return b
}
