package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid wraps every validation failure, whether it comes from local
// input or from a backend payload.
var ErrInvalid = errors.New("invalid")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks v against its struct tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// NewOutbound builds and validates a send request. Content is trimmed;
// an empty type defaults to TEXT.
func NewOutbound(self, peer int64, content string, typ MessageType) (OutboundMessage, error) {
	if typ == "" {
		typ = MessageText
	}
	out := OutboundMessage{
		SenderID:   self,
		ReceiverID: peer,
		Content:    strings.TrimSpace(content),
		Type:       typ,
	}
	if err := Validate(out); err != nil {
		return OutboundMessage{}, err
	}
	return out, nil
}

// SortMessages orders messages oldest-first, breaking ties by id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
