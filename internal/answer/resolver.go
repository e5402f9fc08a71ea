// ABOUTME: Answer resolution pipeline choosing between weather, web search and the conversational model
// ABOUTME: Routes are an ordered (match, handle) table; non-terminal failures fall through to the next route

package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/2389/richatz/internal/llm"
	"github.com/2389/richatz/internal/weather"
	"github.com/2389/richatz/internal/websearch"
)

// MaxSearchSnippets caps how many search snippets are used as model context.
const MaxSearchSnippets = 3

// NotConfiguredText is the answer given when no model is configured.
const NotConfiguredText = "Sorry, the AI model is not configured."

// Source identifies which route produced an answer.
type Source string

const (
	SourceWeather      Source = "weather"
	SourceSearch       Source = "search"
	SourceChat         Source = "chat"
	SourceUnconfigured Source = "unconfigured"
)

var (
	// ErrAIProvider marks a conversational-model failure with no further fallback.
	ErrAIProvider = errors.New("AI provider failure")
	// ErrNotConfigured is returned when no conversational model is available.
	ErrNotConfigured = errors.New("AI model not configured")
)

// ProviderError wraps a capability failure.
type ProviderError struct {
	Capability string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Capability, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is makes every chat-capability failure match ErrAIProvider.
func (e *ProviderError) Is(target error) bool {
	return target == ErrAIProvider && e.Capability == string(SourceChat)
}

// Answer is a resolved reply and where it came from.
type Answer struct {
	Text   string
	Source Source
}

// HistoryFunc returns up to limit recent turns in chronological order.
// Errors it returns are propagated unchanged by Resolve.
type HistoryFunc func(ctx context.Context, limit int) ([]llm.Turn, error)

// Route is one entry of the resolution table. Handle reports ok=false (or an
// error) to let the next route try. Errors from a Terminal route are returned
// to the caller instead.
type Route struct {
	Name     Source
	Terminal bool
	Match    func(prompt string) bool
	Handle   func(ctx context.Context, prompt string, history HistoryFunc) (text string, ok bool, err error)
}

// Observer receives resolution events. metrics.Recorder implements it.
type Observer interface {
	AnswerResolved(source string, elapsed time.Duration)
	ProviderFailed(capability string)
}

type nopObserver struct{}

func (nopObserver) AnswerResolved(string, time.Duration) {}
func (nopObserver) ProviderFailed(string)                {}

// Config holds per-deployment constants.
type Config struct {
	HistoryWindow      int
	MemoryWindow       int
	DefaultLocation    string
	LocationExtraction string // "pattern" or "model"
	WeatherKeywords    []string
	SearchPrefixes     []string
	BriefingPrompt     string
	BriefingReply      string

	ModelTimeout   time.Duration
	WeatherTimeout time.Duration
	SearchTimeout  time.Duration
}

// Resolver turns a prompt into an Answer. It never persists anything.
type Resolver struct {
	cfg      Config
	model    llm.ChatModel
	weather  weather.Lookup
	search   websearch.Searcher
	routes   []Route
	observer Observer
	logger   *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithObserver reports resolution events to o.
func WithObserver(o Observer) Option {
	return func(r *Resolver) {
		if o != nil {
			r.observer = o
		}
	}
}

// New builds a resolver. Any capability may be nil: a nil weather or search
// provider disables that route, a nil model yields ErrNotConfigured.
func New(cfg Config, model llm.ChatModel, wx weather.Lookup, search websearch.Searcher, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		cfg:      cfg,
		model:    model,
		weather:  wx,
		search:   search,
		observer: nopObserver{},
		logger:   logger.With("component", "answer"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.routes = []Route{
		{Name: SourceWeather, Match: r.matchWeather, Handle: r.handleWeather},
		{Name: SourceSearch, Match: r.matchSearch, Handle: r.handleSearch},
		{Name: SourceChat, Terminal: true, Match: func(string) bool { return true }, Handle: r.handleChat},
	}
	return r
}

// Routes returns the resolution table in priority order.
func (r *Resolver) Routes() []Route {
	return r.routes
}

// Resolve runs the routes in order and returns the first answer produced.
func (r *Resolver) Resolve(ctx context.Context, prompt string, history HistoryFunc) (Answer, error) {
	if r.model == nil {
		return Answer{Text: NotConfiguredText, Source: SourceUnconfigured}, ErrNotConfigured
	}

	start := time.Now()
	for _, route := range r.routes {
		if !route.Match(prompt) {
			continue
		}

		text, ok, err := route.Handle(ctx, prompt, history)
		if err != nil {
			var perr *ProviderError
			if errors.As(err, &perr) {
				r.observer.ProviderFailed(perr.Capability)
			}
			if route.Terminal {
				return Answer{}, err
			}
			r.logger.Warn("route failed, falling through", "route", route.Name, "error", err)
			continue
		}
		if !ok {
			r.logger.Debug("route produced no answer", "route", route.Name)
			continue
		}

		r.observer.AnswerResolved(string(route.Name), time.Since(start))
		return Answer{Text: text, Source: route.Name}, nil
	}

	// Unreachable while the chat route matches every prompt.
	return Answer{}, &ProviderError{Capability: string(SourceChat), Err: errors.New("no route produced an answer")}
}

// briefing is the synthetic turn pair prepended to model context.
func (r *Resolver) briefing() []llm.Turn {
	return []llm.Turn{
		{Role: llm.RoleUser, Content: r.cfg.BriefingPrompt},
		{Role: llm.RoleAssistant, Content: r.cfg.BriefingReply},
	}
}

// chat calls the model under the configured timeout.
func (r *Resolver) chat(ctx context.Context, history []llm.Turn, prompt string) (string, error) {
	if r.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ModelTimeout)
		defer cancel()
	}
	return r.model.Chat(ctx, history, prompt)
}

func (r *Resolver) matchSearch(prompt string) bool {
	if r.search == nil {
		return false
	}
	p := strings.ToLower(strings.TrimSpace(prompt))
	for _, prefix := range r.cfg.SearchPrefixes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		// "who" must not match "whole".
		rest := p[len(prefix):]
		if rest == "" {
			return true
		}
		next := []rune(rest)[0]
		if !unicode.IsLetter(next) && !unicode.IsDigit(next) {
			return true
		}
	}
	return false
}

func (r *Resolver) handleSearch(ctx context.Context, prompt string, _ HistoryFunc) (string, bool, error) {
	sctx := ctx
	if r.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, r.cfg.SearchTimeout)
		defer cancel()
	}

	results, err := r.search.Search(sctx, prompt)
	if err != nil {
		return "", false, &ProviderError{Capability: string(SourceSearch), Err: err}
	}

	var snippets []string
	for _, res := range results {
		if res.Snippet == "" {
			continue
		}
		snippets = append(snippets, res.Snippet)
		if len(snippets) == MaxSearchSnippets {
			break
		}
	}
	if len(snippets) == 0 {
		return "", false, nil
	}

	augmented := fmt.Sprintf(
		"Answer the question using the following search results as context.\n\nContext:\n%s\n\nQuestion: %s",
		strings.Join(snippets, "\n"), prompt,
	)
	text, err := r.chat(ctx, r.briefing(), augmented)
	if err != nil {
		return "", false, &ProviderError{Capability: string(SourceSearch), Err: err}
	}
	return text, true, nil
}

func (r *Resolver) handleChat(ctx context.Context, prompt string, history HistoryFunc) (string, bool, error) {
	turns, err := history(ctx, r.cfg.HistoryWindow)
	if err != nil {
		return "", false, err
	}

	text, err := r.chat(ctx, append(r.briefing(), turns...), prompt)
	if err != nil {
		return "", false, &ProviderError{Capability: string(SourceChat), Err: err}
	}
	return text, true, nil
}
