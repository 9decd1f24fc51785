package telegram

import (
	"strconv"
	"testing"
)

func TestConversationKey_RoundTrip(t *testing.T) {
	for _, chatID := range []int64{1, -1001234567890, 42} {
		key := ConversationKey(chatID)
		back, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			t.Fatalf("key %q not parseable: %v", key, err)
		}
		if back != chatID {
			t.Errorf("round trip %d -> %q -> %d", chatID, key, back)
		}
	}
}

func TestNotify_BadKey(t *testing.T) {
	b := &Bot{}
	if err := b.Notify("not-a-chat-id", "hello"); err == nil {
		t.Error("expected error for non-numeric conversation key")
	}
}
