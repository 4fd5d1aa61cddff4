// Package completion streams assistant replies from a model backend into chat
// message rows.
package completion

import (
	"context"
	"strings"
	"time"
)

// Turn is one prior message handed to a generator as conversation history.
type Turn struct {
	Role    string
	Content string
}

// Generator produces reply chunks for a conversation. Implementations send on
// out until done and must give up when ctx ends; they never close out.
type Generator interface {
	Generate(ctx context.Context, history []Turn, out chan<- string) error
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, history []Turn, out chan<- string) error

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, history []Turn, out chan<- string) error {
	return f(ctx, history, out)
}

// EchoGenerator replies with the last user turn, one word per chunk.
type EchoGenerator struct {
	Delay time.Duration
}

func (g EchoGenerator) Generate(ctx context.Context, history []Turn, out chan<- string) error {
	reply := "..."
	for index := len(history) - 1; index >= 0; index-- {
		if history[index].Role == "user" {
			reply = history[index].Content
			break
		}
	}

	words := strings.Fields(reply)
	for index, word := range words {
		if index > 0 {
			word = " " + word
		}
		if g.Delay > 0 {
			timer := time.NewTimer(g.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- word:
		}
	}
	return nil
}
