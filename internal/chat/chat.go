// Package chat orchestrates retrieval-augmented conversations: it grounds
// each turn in retrieved chunks, streams the model's answer as typed events,
// and persists completed turns to session history.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/llm"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
	"github.com/mnemosyne-ai/mnemosyne/internal/retrieval"
)

// Event types emitted on the stream
const (
	EventSources = "sources"
	EventDelta   = "delta"
	EventDone    = "done"
	EventError   = "error"
)

// MaxMessageLength bounds a single user message
const MaxMessageLength = 8000

// historyWindow is how many prior messages ground the prompt
const historyWindow = 10

// Event is one frame of a streamed chat turn. Delta carries generated text
// under the wire name "content".
type Event struct {
	Type      string                 `json:"type"`
	Delta     string                 `json:"content,omitempty"`
	Sources   []repository.ChunkRef  `json:"sources,omitempty"`
	SessionID uuid.UUID              `json:"session_id,omitempty"`
	Message   *repository.ChatMessage `json:"-"`
	Err       error                  `json:"-"`
}

// Request is one chat turn
type Request struct {
	OwnerID      uuid.UUID
	SessionID    *uuid.UUID
	CollectionID *uuid.UUID
	Message      string
	Mode         string
	TopK         int
}

// Retriever grounds a turn in indexed content
type Retriever interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
}

// Service runs chat turns. Turns within one session are serialized; turns
// across sessions run concurrently.
type Service struct {
	chats     repository.ChatRepository
	retriever Retriever
	llm       llm.LLM
	model     string
	logger    *slog.Logger

	sessionLocks sync.Map // uuid.UUID -> *sync.Mutex
}

// NewService creates a chat service
func NewService(chats repository.ChatRepository, retriever Retriever, llmClient llm.LLM, model string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		chats:     chats,
		retriever: retriever,
		llm:       llmClient,
		model:     model,
		logger:    logger,
	}
}

func (s *Service) lockSession(id uuid.UUID) func() {
	mu, _ := s.sessionLocks.LoadOrStore(id, &sync.Mutex{})
	mutex := mu.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

// Stream runs one chat turn and returns a channel of events. Validation and
// session resolution happen before the channel is returned so request errors
// surface as plain errors, not stream frames. If the context is cancelled
// mid-stream the user message survives in history but no partial answer is
// persisted.
func (s *Service) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, apperr.Validation("invalid_message", "message must not be empty")
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		return nil, apperr.Validation("invalid_message",
			fmt.Sprintf("message exceeds %d characters", MaxMessageLength))
	}

	session, err := s.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		unlock := s.lockSession(session.ID)
		defer unlock()
		s.runTurn(ctx, req, session, events)
	}()

	return events, nil
}

// resolveSession loads the caller's session or creates a fresh one. Session
// ids are server-minted: an unknown or foreign id silently gets a new
// session instead of an error, so ids cannot be probed across owners.
func (s *Service) resolveSession(ctx context.Context, req Request) (*repository.ChatSession, error) {
	if req.SessionID != nil {
		session, err := s.chats.GetSession(ctx, *req.SessionID)
		if err == nil && session.OwnerID == req.OwnerID {
			return session, nil
		}
	}

	now := time.Now()
	session := &repository.ChatSession{
		ID:           uuid.New(),
		OwnerID:      req.OwnerID,
		CollectionID: req.CollectionID,
		Title:        deriveTitle(req.Message),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.chats.CreateSession(ctx, session); err != nil {
		return nil, apperr.Internal(fmt.Errorf("create session: %w", err))
	}
	return session, nil
}

func (s *Service) runTurn(ctx context.Context, req Request, session *repository.ChatSession, events chan<- Event) {
	emit := func(ev Event) bool {
		ev.SessionID = session.ID
		select {
		case <-ctx.Done():
			return false
		case events <- ev:
			return true
		}
	}

	history, err := s.chats.GetMessages(ctx, session.ID, historyWindow)
	if err != nil {
		emit(Event{Type: EventError, Err: apperr.Internal(fmt.Errorf("load history: %w", err))})
		return
	}

	// The user message is recorded before anything can fail, so the question
	// survives in history even when the turn itself does not produce an answer.
	userMsg := &repository.ChatMessage{
		ID:        uuid.New(),
		SessionID: session.ID,
		Role:      "user",
		Content:   req.Message,
		CreatedAt: time.Now(),
	}
	if err := s.chats.AppendMessage(ctx, userMsg); err != nil {
		emit(Event{Type: EventError, Err: apperr.Internal(fmt.Errorf("persist message: %w", err))})
		return
	}

	sources, contexts, err := s.retrieve(ctx, req, session)
	if err != nil {
		emit(Event{Type: EventError, Err: err})
		return
	}

	prompt := buildPrompt(req.Message, contexts, history)
	stream, err := s.llm.GenerateStream(ctx, prompt, llm.GenerateOptions{
		Model:        s.model,
		SystemPrompt: systemPrompt,
		Temperature:  llm.DefaultTemperature,
	})
	if err != nil {
		emit(Event{Type: EventError, Err: apperr.New(apperr.KindTransientUpstream,
			"generation_failed", "failed to start generation").WithCause(err)})
		return
	}

	var answer strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			if ctx.Err() != nil {
				// Client cancelled. Drop the partial turn entirely.
				return
			}
			emit(Event{Type: EventError, Err: apperr.New(apperr.KindTransientUpstream,
				"generation_failed", "generation failed mid-stream").WithCause(chunk.Error)})
			return
		}
		if chunk.Token != "" {
			answer.WriteString(chunk.Token)
			if !emit(Event{Type: EventDelta, Delta: chunk.Token}) {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}

	if !emit(Event{Type: EventSources, Sources: sources}) {
		return
	}

	assistant := &repository.ChatMessage{
		ID:        uuid.New(),
		SessionID: session.ID,
		Role:      "assistant",
		Content:   answer.String(),
		Sources:   sources,
		CreatedAt: time.Now(),
	}
	if err := s.chats.AppendMessage(ctx, assistant); err != nil {
		emit(Event{Type: EventError, Err: apperr.Internal(fmt.Errorf("persist turn: %w", err))})
		return
	}

	emit(Event{Type: EventDone, Message: assistant})
}

// retrieve grounds the turn in the session's collection. A session without a
// collection answers ungrounded; a collection whose retrieval fails fails the
// turn, since silently answering without the promised grounding would be
// worse than an error.
func (s *Service) retrieve(ctx context.Context, req Request, session *repository.ChatSession) ([]repository.ChunkRef, []string, error) {
	collectionID := session.CollectionID
	if req.CollectionID != nil {
		collectionID = req.CollectionID
	}
	if collectionID == nil {
		return nil, nil, nil
	}

	mode := req.Mode
	if mode == "" {
		mode = retrieval.ModeHybrid
	}

	resp, err := s.retriever.Search(ctx, retrieval.Request{
		OwnerID:      req.OwnerID,
		CollectionID: collectionID,
		Query:        req.Message,
		Mode:         mode,
		TopK:         req.TopK,
	})
	if err != nil {
		s.logger.Warn("chat retrieval failed", "session_id", session.ID, "error", err)
		return nil, nil, apperr.New(apperr.KindTransientUpstream,
			"retrieval_failed", "failed to retrieve context").WithCause(err)
	}

	refs := make([]repository.ChunkRef, len(resp.Results))
	contexts := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		refs[i] = repository.ChunkRef{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Score:      r.Score,
			Title:      r.Metadata["title"],
		}
		contexts[i] = r.Content
	}
	return refs, contexts, nil
}

const systemPrompt = `You are a helpful assistant that answers questions using the provided context.
Ground your answers in the context. If the context does not contain the answer, say so instead of guessing.`

// buildPrompt assembles context chunks, recent history, and the question
func buildPrompt(question string, contexts []string, history []*repository.ChatMessage) string {
	var sb strings.Builder

	if len(contexts) > 0 {
		sb.WriteString("Context:\n\n")
		for i, c := range contexts {
			sb.WriteString(fmt.Sprintf("[%d] %s\n\n", i+1, c))
		}
	}

	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, msg := range history {
			sb.WriteString(msg.Role)
			sb.WriteString(": ")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer:")

	return sb.String()
}

// deriveTitle produces a session title from the opening message
func deriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(title) > 60 {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:60])) + "…"
	}
	return title
}
