// Package agent implements the tool-calling conversation loop: it
// feeds persisted history plus the incoming message to the model,
// executes requested tools, and keeps going until the model produces
// a final answer or the round limit is hit.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foyerlabs/concierge/internal/llm"
	"github.com/foyerlabs/concierge/internal/prompts"
	"github.com/foyerlabs/concierge/internal/store"
)

const (
	// historyTurns is how many persisted turns are loaded as context.
	historyTurns = 10
	// maxToolRounds bounds the number of inference rounds per message.
	maxToolRounds = 10
)

// roundLimitReply is returned when the model is still requesting tools
// after maxToolRounds rounds.
const roundLimitReply = "I wasn't able to finish that request within my tool-use limit. Please try again, or break the request into smaller steps."

// LLM is the inference client the agent drives.
type LLM interface {
	Chat(ctx context.Context, model, system string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error)
}

// ToolExecutor executes named tools on behalf of a conversation.
type ToolExecutor interface {
	Catalogue() []llm.Tool
	Execute(ctx context.Context, conversationKey, name string, args map[string]any) string
}

// Agent runs conversations. Safe for concurrent use; turns within one
// conversation are serialized, distinct conversations proceed in
// parallel.
type Agent struct {
	llm    LLM
	tools  ToolExecutor
	store  *store.Store
	model  string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(client LLM, tools ToolExecutor, st *store.Store, model string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		llm:    client,
		tools:  tools,
		store:  st,
		model:  model,
		logger: logger,
		now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

func (a *Agent) conversationLock(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}

// Chat processes one user message and returns the assistant's reply.
// All turns produced while handling the message are persisted together
// once the exchange succeeds; a failed exchange leaves history
// untouched.
func (a *Agent) Chat(ctx context.Context, conversationKey, text string) (string, error) {
	lock := a.conversationLock(conversationKey)
	lock.Lock()
	defer lock.Unlock()

	history, err := a.store.History(conversationKey, historyTurns)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	prefs, err := a.store.Preferences(conversationKey)
	if err != nil {
		return "", fmt.Errorf("load preferences: %w", err)
	}

	system := prompts.System(a.now(), prefs)
	catalogue := a.tools.Catalogue()

	userMsg := llm.Message{Role: "user", Content: text}
	messages := append(history, userMsg)
	pending := []llm.Message{userMsg}

	for round := 1; round <= maxToolRounds; round++ {
		resp, err := a.llm.Chat(ctx, a.model, system, messages, catalogue)
		if err != nil {
			return "", fmt.Errorf("inference round %d: %w", round, err)
		}
		a.logger.Debug("inference round",
			"conversation", conversationKey,
			"round", round,
			"stop_reason", resp.StopReason,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens)

		messages = append(messages, resp.Message)
		pending = append(pending, resp.Message)

		switch resp.StopReason {
		case llm.StopToolUse:
			results := make([]llm.ToolResult, 0, len(resp.Message.ToolCalls))
			for _, call := range resp.Message.ToolCalls {
				a.logger.Info("tool call",
					"conversation", conversationKey,
					"tool", call.Name)
				out := a.tools.Execute(ctx, conversationKey, call.Name, call.Arguments)
				results = append(results, llm.ToolResult{
					ToolCallID: call.ID,
					Content:    out,
				})
			}
			resultsMsg := llm.ToolResultsMessage(results)
			messages = append(messages, resultsMsg)
			pending = append(pending, resultsMsg)

		case llm.StopEndTurn:
			reply := resp.Message.Content
			if reply == "" {
				reply = "I don't have a response for that."
			}
			if err := a.store.AppendTurns(conversationKey, pending); err != nil {
				return "", fmt.Errorf("persist turns: %w", err)
			}
			return reply, nil

		default:
			return "", fmt.Errorf("conversation aborted: stop reason %q", resp.StopReason)
		}
	}

	a.logger.Warn("tool round limit reached", "conversation", conversationKey)
	pending = append(pending, llm.Message{Role: "assistant", Content: roundLimitReply})
	if err := a.store.AppendTurns(conversationKey, pending); err != nil {
		return "", fmt.Errorf("persist turns: %w", err)
	}
	return roundLimitReply, nil
}

// ClearHistory wipes the conversation's turns. Preferences, alerts and
// scheduled tasks survive a reset.
func (a *Agent) ClearHistory(conversationKey string) error {
	lock := a.conversationLock(conversationKey)
	lock.Lock()
	defer lock.Unlock()
	return a.store.ClearHistory(conversationKey)
}
