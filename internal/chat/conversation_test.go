package chat

import (
	"testing"

	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/token"
)

func TestConversationAddUserMessage(t *testing.T) {
	t.Parallel()

	c := NewConversation()
	c.AddUserMessage("hello", nil)

	msgs := c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != ollama.RoleUser {
		t.Errorf("expected role %q, got %q", ollama.RoleUser, msgs[0].Role)
	}
	if msgs[0].Images != nil {
		t.Errorf("expected no images, got %v", msgs[0].Images)
	}
}

func TestConversationAddAssistantMessage(t *testing.T) {
	t.Parallel()

	c := NewConversation()
	c.AddAssistantMessage("I can help with that.")

	msgs := c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != ollama.RoleAssistant {
		t.Errorf("expected role %q, got %q", ollama.RoleAssistant, msgs[0].Role)
	}
}

func TestConversationTokenCount(t *testing.T) {
	t.Parallel()

	c := NewConversation()
	c.AddUserMessage("please help", []string{"aGVsbG8="})
	c.AddAssistantMessage("Sure.")

	want := token.CountMessages(c.Messages())
	if c.TokenCount() != want {
		t.Errorf("TokenCount() = %d, want %d", c.TokenCount(), want)
	}

	c.Reset()
	if c.TokenCount() != 0 || c.Len() != 0 {
		t.Errorf("after Reset: tokens=%d len=%d", c.TokenCount(), c.Len())
	}
}

func TestConversationMessagesIsCopy(t *testing.T) {
	t.Parallel()

	c := NewConversation()
	c.AddUserMessage("look", []string{"img"})

	msgs := c.Messages()
	msgs[0].Content = "changed"
	msgs[0].Images[0] = "changed"

	again := c.Messages()
	if again[0].Content != "look" || again[0].Images[0] != "img" {
		t.Errorf("history was mutated through Messages(): %+v", again[0])
	}
}

func TestConversationRequestMessages_ImagesOnLastOnly(t *testing.T) {
	t.Parallel()

	c := NewConversation()
	c.AddUserMessage("first", []string{"a"})
	c.AddAssistantMessage("ok")
	c.AddUserMessage("second", []string{"b", "c"})

	req := c.RequestMessages()
	if len(req) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req))
	}
	if req[0].Images != nil {
		t.Errorf("earlier turn should be sent without images, got %v", req[0].Images)
	}
	if len(req[2].Images) != 2 {
		t.Errorf("last turn should keep its images, got %v", req[2].Images)
	}
	if len(c.Messages()[0].Images) != 1 {
		t.Error("history should still hold the earlier images")
	}
}

func TestConversationSetMessages(t *testing.T) {
	t.Parallel()

	c := NewConversation()
	c.SetMessages([]ollama.Message{
		{Role: ollama.RoleUser, Content: "hi"},
		{Role: ollama.RoleAssistant, Content: "hello"},
	})
	if c.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", c.Len())
	}
	if c.TokenCount() == 0 {
		t.Error("restored conversation should have a token count")
	}
}
