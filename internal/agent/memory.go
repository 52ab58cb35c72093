package agent

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory"
)

const memoryKey = "chat_history"

// restoreHistory rebuilds a chat history from flattened turns: even indexes are
// human turns, odd indexes are assistant turns.
func restoreHistory(turns []string) *memory.ChatMessageHistory {
	msgs := make([]llms.ChatMessage, 0, len(turns))
	for i, t := range turns {
		if i%2 == 0 {
			msgs = append(msgs, llms.HumanChatMessage{Content: t})
		} else {
			msgs = append(msgs, llms.AIChatMessage{Content: t})
		}
	}
	return memory.NewChatMessageHistory(memory.WithPreviousMessages(msgs))
}

// window returns the last k turn pairs of history.
func window(ctx context.Context, history *memory.ChatMessageHistory, k int) ([]llms.ChatMessage, error) {
	buf := memory.NewConversationWindowBuffer(k,
		memory.WithChatHistory(history),
		memory.WithReturnMessages(true),
		memory.WithMemoryKey(memoryKey),
	)
	vars, err := buf.LoadMemoryVariables(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	msgs, ok := vars[memoryKey].([]llms.ChatMessage)
	if !ok {
		return nil, fmt.Errorf("load memory: unexpected %T", vars[memoryKey])
	}
	return msgs, nil
}

// flatten returns the text of every message in order.
func flatten(ctx context.Context, history *memory.ChatMessageHistory) ([]string, error) {
	msgs, err := history.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	turns := make([]string, len(msgs))
	for i, m := range msgs {
		turns[i] = m.GetContent()
	}
	return turns, nil
}

// toContent converts chat messages into model input.
func toContent(msgs []llms.ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llms.TextParts(m.GetType(), m.GetContent()))
	}
	return out
}
