// Package tools defines the operations the model may invoke and the
// executor that dispatches them against the gateway and the store.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/foyerlabs/concierge/internal/homeassistant"
	"github.com/foyerlabs/concierge/internal/llm"
	"github.com/foyerlabs/concierge/internal/store"
)

// Gateway abstracts the Home Assistant REST client. An interface keeps
// the handlers testable without a live instance.
type Gateway interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	GetStates(ctx context.Context) ([]homeassistant.State, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	GetHistory(ctx context.Context, entityID string, hours int) ([]homeassistant.State, error)
}

// Handler executes one tool invocation for a conversation. Returned
// errors are converted to result text by Execute; they never reach the
// agent loop.
type Handler func(ctx context.Context, conversationKey string, args map[string]any) (string, error)

// Tool is one callable operation with its declared input schema.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Registry holds the fixed tool catalogue.
type Registry struct {
	tools  map[string]*Tool
	ha     Gateway
	store  *store.Store
	logger *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewRegistry creates the registry with all built-in tools registered.
func NewRegistry(ha Gateway, st *store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		ha:     ha,
		store:  st,
		logger: logger,
		now:    time.Now,
	}
	r.registerEntityTools()
	r.registerAlertTools()
	r.registerScheduleTools()
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Catalogue returns the tool definitions offered to the model, sorted
// by name for a stable prompt.
func (r *Registry) Catalogue() []llm.Tool {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return result
}

// Execute runs a tool by name and returns its result text. Failures of
// any kind (unknown tool, bad arguments, gateway errors) come back as
// text for the model to read, never as an error: one failed tool must
// not abort the conversation round.
func (r *Registry) Execute(ctx context.Context, conversationKey, name string, args map[string]any) string {
	tool := r.tools[name]
	if tool == nil {
		return fmt.Sprintf("Unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	result, err := tool.Handler(ctx, conversationKey, args)
	if err != nil {
		r.logger.Warn("tool failed",
			"tool", name,
			"conversation", conversationKey,
			"error", err,
		)
		return fmt.Sprintf("Error: %v", err)
	}

	r.logger.Debug("tool executed",
		"tool", name,
		"conversation", conversationKey,
		"duration", time.Since(start),
	)
	return result
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, name string) (string, error) {
	v, _ := args[name].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}
