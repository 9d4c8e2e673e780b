package repository

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"teki-go/internal/model"
)

func TestTrimHistory_KeepsMostRecent(t *testing.T) {
	var msgs []model.ChatMessage
	for i := 0; i < maxSessionMessages+5; i++ {
		msgs = append(msgs, model.ChatMessage{Role: "user", Content: strconv.Itoa(i)})
	}

	trimmed := trimHistory(msgs)
	assert.Len(t, trimmed, maxSessionMessages)
	assert.Equal(t, "5", trimmed[0].Content)
	assert.Equal(t, strconv.Itoa(maxSessionMessages+4), trimmed[len(trimmed)-1].Content)

	short := msgs[:3]
	assert.Equal(t, short, trimHistory(short))
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "chat:session:abc", sessionKey("abc"))
}
