package collection

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"cratekeeper/internal/models"
)

// Sync stages. Any stage may transition directly to StageError, which is
// terminal for that invocation; a new Sync call starts over from idle.
const (
	StageIdle      = "idle"
	StageStarting  = "starting"
	StageFetching  = "fetching"
	StageSending   = "sending"
	StageCompleted = "completed"
	StageError     = "error"
)

// Status is the in-memory snapshot of one sync invocation. It is never
// persisted; callers poll it while Sync runs.
type Status struct {
	Stage     string `json:"stage"`
	IsLoading bool   `json:"is_loading"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message"`
}

// TransientSyncError is any failure during start/fetch/send. The sync flow
// has no durable partial state, so a full retry from idle is always safe.
type TransientSyncError struct {
	Stage   string
	Message string
}

func (e *TransientSyncError) Error() string {
	return fmt.Sprintf("sync failed during %s: %s", e.Stage, e.Message)
}

// TokenSource obtains a one-time access handle from the local backend
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Fetcher retrieves the user's remote collection
type Fetcher interface {
	FetchCollection(ctx context.Context, token string) ([]models.CollectionItem, error)
}

// Sink submits the fetched collection to the local backend for persistence,
// returning the number of items stored.
type Sink interface {
	SaveCollection(ctx context.Context, items []models.CollectionItem) (int, error)
}

// Callbacks fire exactly once per Sync invocation: OnComplete on the success
// path, OnError on any failure, never both.
type Callbacks struct {
	OnComplete func(count int)
	OnError    func(msg string)
}

// Syncer drives the start -> fetch -> send -> complete collection sync flow
type Syncer struct {
	tokens  TokenSource
	fetcher Fetcher
	sink    Sink
	logger  *log.Logger

	mu     sync.RWMutex
	status Status
}

// NewSyncer creates a collection syncer in the idle state
func NewSyncer(tokens TokenSource, fetcher Fetcher, sink Sink, logger *log.Logger) *Syncer {
	return &Syncer{
		tokens:  tokens,
		fetcher: fetcher,
		sink:    sink,
		logger:  logger,
		status:  Status{Stage: StageIdle, Message: "Ready to sync"},
	}
}

// Status returns a snapshot of the current sync state
func (s *Syncer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Start runs Sync in a background goroutine; the caller polls Status while
// the flow progresses.
func (s *Syncer) Start(ctx context.Context, cb Callbacks) {
	go s.Sync(ctx, cb)
}

// Sync executes one full collection sync. Each stage transition is visible
// through Status as it happens. Exactly one of the callbacks fires.
func (s *Syncer) Sync(ctx context.Context, cb Callbacks) (final Status) {
	fired := false

	fail := func(stage string, err error) Status {
		msg := err.Error()
		s.setStatus(Status{Stage: StageError, Error: msg, Message: fmt.Sprintf("Sync failed: %s", msg)})
		s.logger.Error("collection sync failed", "stage", stage, "err", err)
		if !fired {
			fired = true
			if cb.OnError != nil {
				cb.OnError(msg)
			}
		}
		return s.Status()
	}

	defer func() {
		if r := recover(); r != nil {
			final = fail(s.Status().Stage, fmt.Errorf("panic: %v", r))
		}
	}()

	// Reset to idle before each attempt
	s.setStatus(Status{Stage: StageIdle, Message: "Ready to sync"})

	s.setStatus(Status{Stage: StageStarting, IsLoading: true, Message: "Requesting access..."})
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return fail(StageStarting, &TransientSyncError{Stage: StageStarting, Message: err.Error()})
	}

	s.setStatus(Status{Stage: StageFetching, IsLoading: true, Message: "Fetching remote collection..."})
	items, err := s.fetcher.FetchCollection(ctx, token)
	if err != nil {
		return fail(StageFetching, &TransientSyncError{Stage: StageFetching, Message: err.Error()})
	}

	s.setStatus(Status{
		Stage:     StageSending,
		IsLoading: true,
		Message:   fmt.Sprintf("Saving %d items...", len(items)),
	})
	count, err := s.sink.SaveCollection(ctx, items)
	if err != nil {
		return fail(StageSending, &TransientSyncError{Stage: StageSending, Message: err.Error()})
	}

	s.setStatus(Status{
		Stage:   StageCompleted,
		Success: true,
		Message: fmt.Sprintf("Synced %d items", count),
	})
	s.logger.Info("collection sync completed", "count", count)

	fired = true
	if cb.OnComplete != nil {
		cb.OnComplete(count)
	}
	return s.Status()
}

func (s *Syncer) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}
