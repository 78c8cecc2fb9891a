package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampFormats(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339", `"2024-05-01T10:00:00Z"`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"offset", `"2024-05-01T12:00:00+02:00"`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"local date-time", `"2024-05-01T10:00:00.123"`, time.Date(2024, 5, 1, 10, 0, 0, 123000000, time.UTC)},
		{"epoch millis", `1714557600000`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"null", `null`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.input), &ts))
			assert.True(t, ts.Equal(tt.want), "got %v, want %v", ts.Time, tt.want)
		})
	}
}

func TestTimestampRejectsGarbage(t *testing.T) {
	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestMatchNormalizeFlatShape(t *testing.T) {
	var p MatchPayload
	require.NoError(t, json.Unmarshal([]byte(`{"matchedUserId": 9, "name": "Ana", "age": 29, "matchedAt": "2024-05-01T10:00:00"}`), &p))

	m, err := p.Normalize(1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), m.Peer.ID)
	assert.Equal(t, "Ana", m.Peer.Name)
}

func TestMatchNormalizePairShape(t *testing.T) {
	var p MatchPayload
	require.NoError(t, json.Unmarshal([]byte(`{"user1": {"id": 1, "name": "Me"}, "user2": {"id": 4, "name": "Bea"}, "matchedAt": "2024-05-01T10:00:00Z"}`), &p))

	m, err := p.Normalize(1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Peer.ID)

	m, err = p.Normalize(4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Peer.ID)

	_, err = p.Normalize(7)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestMatchNormalizeUnknownShape(t *testing.T) {
	_, err := MatchPayload{Name: "nobody"}.Normalize(1)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestConversationPayloadSortsRecentAndDerivesLast(t *testing.T) {
	p := ConversationPayload{
		PartnerID:   7,
		PartnerName: "Lia",
		RecentMessages: []MessagePayload{
			{ID: 2, SenderID: 7, ReceiverID: 1, Content: "second", CreatedAt: Timestamp{time.Unix(200, 0)}},
			{ID: 1, SenderID: 1, ReceiverID: 7, Content: "first", CreatedAt: Timestamp{time.Unix(100, 0)}},
		},
	}
	c := p.ToConversation()
	require.Len(t, c.Recent, 2)
	assert.Equal(t, "first", c.Recent[0].Content)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "second", c.LastMessage.Content)
	assert.True(t, c.LastMessageAt.Equal(time.Unix(200, 0)))
	assert.Equal(t, MessageText, c.Recent[0].Type)
}

func TestNewOutboundValidation(t *testing.T) {
	tests := []struct {
		name    string
		self    int64
		peer    int64
		content string
		typ     MessageType
		wantErr bool
	}{
		{"valid text", 1, 2, "hello", "", false},
		{"trimmed", 1, 2, "  hi  ", MessageText, false},
		{"blank", 1, 2, "   ", MessageText, true},
		{"self", 1, 1, "hello", MessageText, true},
		{"bad peer", 1, 0, "hello", MessageText, true},
		{"bad type", 1, 2, "hello", "VIDEO", true},
		{"too long", 1, 2, strings.Repeat("x", 4001), MessageText, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewOutbound(tt.self, tt.peer, tt.content, tt.typ)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, strings.TrimSpace(tt.content), out.Content)
			assert.Equal(t, MessageText, out.Type)
		})
	}
}

func TestMessagePeerOf(t *testing.T) {
	m := Message{SenderID: 1, ReceiverID: 9}
	assert.Equal(t, int64(9), m.PeerOf(1))
	assert.Equal(t, int64(1), m.PeerOf(9))
}
