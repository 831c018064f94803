// Package servicestest provides a scripted Provider for tests.
package servicestest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway/models"
	"chat-gateway/services"
)

// Provider replays a fixed list of chunks. After the chunks it returns
// StreamErr, or io.EOF when StreamErr is nil.
type Provider struct {
	Chunks    []services.Chunk
	StreamErr error
	OpenErr   error
	// Delay is waited before every chunk.
	Delay time.Duration
	// Block makes Recv wait for context cancellation after the chunks.
	Block bool

	mu       sync.Mutex
	requests []services.ChatRequest
	closed   atomic.Int32
	received atomic.Int32
}

// TextChunks builds text chunks from fragments.
func TextChunks(fragments ...string) []services.Chunk {
	out := make([]services.Chunk, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, services.Chunk{Kind: models.ChunkText, Text: f})
	}
	return out
}

func (p *Provider) Name() string { return "scripted" }

func (p *Provider) Stream(ctx context.Context, req services.ChatRequest) (services.ChunkStream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &stream{ctx: ctx, p: p}, nil
}

// Requests returns the requests seen so far.
func (p *Provider) Requests() []services.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]services.ChatRequest(nil), p.requests...)
}

// Closed reports how many streams were closed.
func (p *Provider) Closed() int { return int(p.closed.Load()) }

// Received reports how many chunks were handed out.
func (p *Provider) Received() int { return int(p.received.Load()) }

type stream struct {
	ctx  context.Context
	p    *Provider
	next int
}

func (s *stream) Recv() (services.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return services.Chunk{}, err
	}
	if s.next < len(s.p.Chunks) {
		if s.p.Delay > 0 {
			select {
			case <-time.After(s.p.Delay):
			case <-s.ctx.Done():
				return services.Chunk{}, s.ctx.Err()
			}
		}
		c := s.p.Chunks[s.next]
		s.next++
		s.p.received.Add(1)
		return c, nil
	}
	if s.p.Block {
		<-s.ctx.Done()
		return services.Chunk{}, s.ctx.Err()
	}
	if s.p.StreamErr != nil {
		return services.Chunk{}, s.p.StreamErr
	}
	return services.Chunk{}, io.EOF
}

func (s *stream) Close() error {
	s.p.closed.Add(1)
	return nil
}
