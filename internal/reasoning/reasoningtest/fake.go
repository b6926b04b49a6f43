// Package reasoningtest provides scripted reasoning services for tests.
package reasoningtest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/basket/taskrisk/internal/reasoning"
)

// Service is a reasoning.Service whose behavior is supplied by fn fields.
type Service struct {
	RespondFn func(ctx context.Context, req reasoning.Request) (string, error)
	StreamFn  func(ctx context.Context, req reasoning.Request, onChunk func(string) error) error

	calls atomic.Int64
}

// Respond implements reasoning.Service.
func (s *Service) Respond(ctx context.Context, req reasoning.Request) (string, error) {
	s.calls.Add(1)
	if s.RespondFn != nil {
		return s.RespondFn(ctx, req)
	}
	return "", errors.New("reasoningtest: RespondFn not set")
}

// Stream implements reasoning.Service. Without StreamFn it delivers the
// RespondFn result as a single chunk.
func (s *Service) Stream(ctx context.Context, req reasoning.Request, onChunk func(string) error) error {
	if s.StreamFn != nil {
		s.calls.Add(1)
		return s.StreamFn(ctx, req, onChunk)
	}
	text, err := s.Respond(ctx, req)
	if err != nil {
		return err
	}
	return onChunk(text)
}

// Calls returns how many calls were made.
func (s *Service) Calls() int64 { return s.calls.Load() }

// Text answers every prompt with text.
func Text(text string) *Service {
	return &Service{RespondFn: func(context.Context, reasoning.Request) (string, error) {
		return text, nil
	}}
}

// Route answers with the first response whose marker appears in the system
// prompt or prompt. pairs alternate marker, response. Unmatched prompts get
// a 500 status error.
func Route(pairs ...string) *Service {
	return &Service{RespondFn: func(_ context.Context, req reasoning.Request) (string, error) {
		haystack := strings.ToLower(req.System + "\n" + req.Prompt)
		for i := 0; i+1 < len(pairs); i += 2 {
			if strings.Contains(haystack, strings.ToLower(pairs[i])) {
				return pairs[i+1], nil
			}
		}
		return "", &reasoning.StatusError{Code: 500, Message: "no scripted response"}
	}}
}

// Hang blocks until the context is done.
func Hang() *Service {
	return &Service{RespondFn: func(ctx context.Context, _ reasoning.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

// Status fails every call with a non-success status.
func Status(code int) *Service {
	return &Service{RespondFn: func(context.Context, reasoning.Request) (string, error) {
		return "", &reasoning.StatusError{Code: code, Message: "scripted failure"}
	}}
}

// Unavailable fails every call with a connection error.
func Unavailable() *Service {
	return &Service{RespondFn: func(context.Context, reasoning.Request) (string, error) {
		return "", errors.New("dial tcp 127.0.0.1:443: connect: connection refused")
	}}
}
