package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
)

type State int

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

var (
	ErrIdleTimeout     = errors.New("upstream idle timeout")
	ErrUpstreamClosed  = errors.New("upstream closed stream before completion")
	ErrStreamCancelled = errors.New("stream cancelled")
)

type Config struct {
	// ID is stamped on every chunk.
	ID       string
	Model    string
	Provider string
	// IdleTimeout bounds the gap between upstream frames, including the wait
	// for the first one. Zero disables it.
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Outcome summarises a finished stream.
type Outcome struct {
	State        State
	FinishReason string
	Usage        domain.Usage
	Model        string
	Content      string
	ToolCalls    []domain.ToolCall
	Err          error
	// Cancelled is set when the consumer went away rather than the upstream failing.
	Cancelled bool
	Duration  time.Duration
}

type Translator struct {
	cfg Config
}

func NewTranslator(cfg Config) *Translator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Translator{cfg: cfg}
}

// Stream is a running translation. C delivers chunks in order and is closed
// right after the terminal chunk.
type Stream struct {
	C <-chan domain.Chunk

	done    chan struct{}
	mu      sync.Mutex
	state   State
	outcome Outcome
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Wait blocks until the stream has terminated and returns its outcome.
func (s *Stream) Wait() Outcome {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Run starts the upstream call and returns immediately. Cancelling ctx aborts
// the upstream connection and terminates the stream with an error chunk that
// may never be read.
func (t *Translator) Run(ctx context.Context, open Opener, dec Decoder) *Stream {
	out := make(chan domain.Chunk, 1)
	s := &Stream{C: out, done: make(chan struct{}), state: StatePending}
	r := &run{
		cfg:     t.cfg,
		stream:  s,
		out:     out,
		dec:     dec,
		created: t.cfg.Now().Unix(),
		model:   t.cfg.Model,
		tools:   make(map[int]*domain.ToolCall),
		started: t.cfg.Now(),
	}
	go r.loop(ctx, open)
	return s
}

type frameResult struct {
	frame Frame
	err   error
}

type run struct {
	cfg     Config
	stream  *Stream
	out     chan domain.Chunk
	dec     Decoder
	created int64
	started time.Time

	model   string
	finish  string
	usage   domain.Usage
	content strings.Builder
	tools   map[int]*domain.ToolCall
}

func (r *run) loop(ctx context.Context, open Opener) {
	defer close(r.stream.done)
	defer close(r.out)

	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frameResult)
	go pump(upCtx, open, frames)

	var (
		timer *time.Timer
		idle  <-chan time.Time
	)
	if r.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(r.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			r.cancelled(ctx)
			return
		case <-idle:
			r.fail(ctx, domain.ErrorTypeTimeout, fmt.Errorf("%w after %s", ErrIdleTimeout, r.cfg.IdleTimeout))
			return
		case fr := <-frames:
			if fr.err != nil {
				r.upstreamEnded(ctx, fr.err)
				return
			}
			// Idle time counts only while waiting on upstream, not on the consumer.
			if timer != nil {
				timer.Stop()
			}
			r.stream.setState(StateStreaming)

			ev, err := r.dec.Decode(fr.frame)
			if err != nil {
				r.fail(ctx, domain.ErrorTypeUpstream, err)
				return
			}
			if !r.apply(ctx, ev) {
				r.cancelled(ctx)
				return
			}
			if timer != nil {
				timer.Reset(r.cfg.IdleTimeout)
			}
			if ev.Done {
				r.complete(ctx)
				return
			}
		}
	}
}

// pump owns the Source. It never outlives ctx: closing the source unblocks
// any pending read once the translator stops.
func pump(ctx context.Context, open Opener, frames chan<- frameResult) {
	src, err := open(ctx)
	if err != nil {
		select {
		case frames <- frameResult{err: err}:
		case <-ctx.Done():
		}
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer func() {
		stop()
		_ = src.Close()
	}()

	for {
		f, err := src.Next()
		select {
		case frames <- frameResult{frame: f, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// apply folds an event into the running state and forwards its delta.
// It reports false if the consumer went away while sending.
func (r *run) apply(ctx context.Context, ev Event) bool {
	if ev.Model != "" {
		r.model = ev.Model
	}
	if ev.FinishReason != "" {
		r.finish = ev.FinishReason
	}
	if ev.Usage != nil {
		mergeUsage(&r.usage, *ev.Usage)
	}
	if ev.Delta.Empty() {
		return true
	}

	r.content.WriteString(ev.Delta.Content)
	for _, tc := range ev.Delta.ToolCalls {
		acc, ok := r.tools[tc.Index]
		if !ok {
			acc = &domain.ToolCall{Type: domain.ToolTypeFunction}
			r.tools[tc.Index] = acc
		}
		if tc.ID != "" {
			acc.ID = tc.ID
		}
		if tc.Type != "" {
			acc.Type = tc.Type
		}
		if tc.Function.Name != "" {
			acc.Function.Name = tc.Function.Name
		}
		acc.Function.Arguments += tc.Function.Arguments
	}

	chunk := r.chunk()
	chunk.Choices = []domain.ChunkChoice{{Index: 0, Delta: ev.Delta}}
	select {
	case r.out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func mergeUsage(dst *domain.Usage, src domain.Usage) {
	if src.PromptTokens > 0 {
		dst.PromptTokens = src.PromptTokens
	}
	if src.CompletionTokens > 0 {
		dst.CompletionTokens = src.CompletionTokens
	}
	if src.TotalTokens > 0 {
		dst.TotalTokens = src.TotalTokens
	}
	if sum := dst.PromptTokens + dst.CompletionTokens; dst.TotalTokens < sum {
		dst.TotalTokens = sum
	}
}

func (r *run) upstreamEnded(ctx context.Context, err error) {
	if errors.Is(err, io.EOF) {
		if r.finish != "" {
			r.complete(ctx)
			return
		}
		r.fail(ctx, domain.ErrorTypeUpstream, ErrUpstreamClosed)
		return
	}
	r.fail(ctx, domain.ErrorTypeUpstream, err)
}

func (r *run) complete(ctx context.Context) {
	finish := r.finish
	if finish == "" {
		finish = domain.FinishStop
		if len(r.tools) > 0 {
			finish = domain.FinishToolCalls
		}
	}
	usage := r.usage

	chunk := r.chunk()
	chunk.Choices = []domain.ChunkChoice{{Index: 0, FinishReason: finish}}
	chunk.Usage = &usage

	r.finish = finish
	r.terminate(ctx, StateCompleted, chunk, nil, false)
}

func (r *run) fail(ctx context.Context, errType string, err error) {
	chunk := r.chunk()
	chunk.Choices = []domain.ChunkChoice{}
	chunk.Error = &domain.ChunkError{Message: err.Error(), Type: errType}
	r.terminate(ctx, StateErrored, chunk, err, false)
}

func (r *run) cancelled(ctx context.Context) {
	err := ErrStreamCancelled
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = fmt.Errorf("%w: %w", ErrStreamCancelled, cause)
	}
	chunk := r.chunk()
	chunk.Choices = []domain.ChunkChoice{}
	chunk.Error = &domain.ChunkError{Message: err.Error(), Type: domain.ErrorTypeCanceled}
	r.terminate(ctx, StateErrored, chunk, err, true)
}

// terminate records the outcome and emits the single terminal chunk. When the
// consumer has gone away the chunk is offered once and dropped if unread.
func (r *run) terminate(ctx context.Context, st State, chunk domain.Chunk, err error, cancelled bool) {
	r.stream.mu.Lock()
	r.stream.state = st
	r.stream.outcome = Outcome{
		State:        st,
		FinishReason: r.finish,
		Usage:        r.usage,
		Model:        r.model,
		Content:      r.content.String(),
		ToolCalls:    r.toolCalls(),
		Err:          err,
		Cancelled:    cancelled,
		Duration:     r.cfg.Now().Sub(r.started),
	}
	if st == StateErrored {
		r.stream.outcome.FinishReason = ""
	}
	r.stream.mu.Unlock()

	if ctx.Err() != nil {
		select {
		case r.out <- chunk:
		default:
		}
		return
	}
	select {
	case r.out <- chunk:
	case <-ctx.Done():
	}
}

func (r *run) toolCalls() []domain.ToolCall {
	if len(r.tools) == 0 {
		return nil
	}
	idx := make([]int, 0, len(r.tools))
	for i := range r.tools {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	calls := make([]domain.ToolCall, 0, len(idx))
	for _, i := range idx {
		calls = append(calls, *r.tools[i])
	}
	return calls
}

func (r *run) chunk() domain.Chunk {
	return domain.Chunk{
		ID:      r.cfg.ID,
		Object:  domain.ChunkObject,
		Created: r.created,
		Model:   r.model,
	}
}

// Drain consumes the stream to its end and returns the outcome. Used for
// non-streaming requests, which are served from the same translation.
func (s *Stream) Drain() Outcome {
	for range s.C {
	}
	return s.Wait()
}
