package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"threadline/pkg/models"
)

// Fragment is one piece of generated output.
type Fragment struct {
	Text     string
	Thinking bool
}

// Result is reported once a generation finishes.
type Result struct {
	Tokens    int64
	ToolsUsed []string
}

// Request describes the reply to generate.
type Request struct {
	ConversationID string
	AgentID        string
	MessageID      string
	// History is the conversation up to, not including, the reply.
	History []models.Message
}

// Prompt is the most recent human message in the history.
func (r Request) Prompt() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == models.RoleHuman {
			return r.History[i].Content
		}
	}
	return ""
}

// Generator invokes the model. emit must be called in output order; an
// error from emit aborts the generation.
type Generator interface {
	Generate(ctx context.Context, req Request, emit func(Fragment) error) (Result, error)
}

// NewGenerator returns the generator registered under provider.
func NewGenerator(provider string, chunkDelay time.Duration) (Generator, error) {
	switch provider {
	case "", "echo":
		return &Echo{Delay: chunkDelay}, nil
	}
	return nil, fmt.Errorf("unknown generation provider %q", provider)
}

// Echo replies with the prompt, one word per fragment. It exists for local
// development and tests.
type Echo struct {
	Delay time.Duration
}

func (e *Echo) Generate(ctx context.Context, req Request, emit func(Fragment) error) (Result, error) {
	prompt := req.Prompt()
	if err := emit(Fragment{Text: "Repeating the last message.", Thinking: true}); err != nil {
		return Result{}, err
	}
	words := strings.Fields(prompt)
	if len(words) == 0 {
		words = []string{"(nothing", "to", "echo)"}
	}
	for i, w := range words {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(e.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if i > 0 {
			w = " " + w
		}
		if err := emit(Fragment{Text: w}); err != nil {
			return Result{}, err
		}
	}
	return Result{Tokens: int64(len(words))}, nil
}
