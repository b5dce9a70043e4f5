package audit

import (
	"context"
	"testing"

	"github.com/lumakb/luma/internal/log"
)

func TestNew_RequiresPool(t *testing.T) {
	if _, err := New(nil, log.NewNop()); err == nil {
		t.Error("New(nil) expected error")
	}
}

func TestLog_Validation(t *testing.T) {
	store := &Store{logger: log.NewNop()}

	if _, err := store.Log(context.Background(), Entry{}); err == nil {
		t.Error("Log() with empty conversation id expected error")
	}

	entry := Entry{ConversationID: "c1", LatencyMS: -1}
	if _, err := store.Log(context.Background(), entry); err == nil {
		t.Error("Log() with negative latency expected error")
	}
}
