package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	otelPkg "github.com/basket/taskrisk/internal/otel"
	"github.com/basket/taskrisk/internal/safety"
	"github.com/basket/taskrisk/internal/shared"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultTimeout         = 20 * time.Second
	defaultMaxBytes        = 64 << 10
	defaultMaxPromptTokens = 16000
)

var (
	errResponseTooLarge = errors.New("reasoning: response exceeds size limit")
	errPromptTooLarge   = errors.New("reasoning: prompt exceeds token budget")
)

// Limits bound a single reasoning call.
type Limits struct {
	Timeout  time.Duration
	MaxBytes int
	// Stream consumes the response incrementally instead of in one piece.
	Stream bool
	// MaxPromptTokens refuses prompts whose estimated size exceeds it.
	MaxPromptTokens int
}

func (l Limits) normalized() Limits {
	if l.Timeout <= 0 {
		l.Timeout = defaultTimeout
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = defaultMaxBytes
	}
	if l.MaxPromptTokens <= 0 {
		l.MaxPromptTokens = defaultMaxPromptTokens
	}
	return l
}

// Collect runs one call to completion, bounded by the timeout and byte
// limits. The derived context is cancelled before returning so a timed-out
// call does not keep its connection.
func Collect(ctx context.Context, svc Service, req Request, limits Limits) (string, error) {
	if svc == nil {
		return "", &Failure{Kind: FailureDisabled, Err: ErrDisabled}
	}
	limits = limits.normalized()
	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		if !limits.Stream {
			text, err := svc.Respond(ctx, req)
			if err == nil && len(text) > limits.MaxBytes {
				err = errResponseTooLarge
			}
			done <- result{text: text, err: err}
			return
		}
		var sb strings.Builder
		err := svc.Stream(ctx, req, func(chunk string) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if sb.Len()+len(chunk) > limits.MaxBytes {
				return errResponseTooLarge
			}
			sb.WriteString(chunk)
			return nil
		})
		done <- result{text: sb.String(), err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", &Failure{Kind: FailureTimeout, Err: r.err}
			}
			return "", &Failure{Kind: classifyFailure(r.err), Err: r.err}
		}
		return r.text, nil
	case <-ctx.Done():
		return "", &Failure{Kind: FailureTimeout, Err: ctx.Err()}
	}
}

// Reply is the tagged outcome of Ask: either validated JSON or a Failure.
type Reply struct {
	Raw     string
	JSON    string
	Failure *Failure
	Elapsed time.Duration
	Usage   Usage
}

// OK reports whether the reply carries usable JSON.
func (r Reply) OK() bool { return r.Failure == nil }

// Decode unmarshals the validated JSON into v.
func (r Reply) Decode(v any) error {
	if r.Failure != nil {
		return r.Failure
	}
	return json.Unmarshal([]byte(r.JSON), v)
}

// ClientConfig wires a Client.
type ClientConfig struct {
	Limits   Limits
	Provider string
	// Model prices usage estimates.
	Model    string
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otelPkg.Metrics
}

// Client is what the analyzers hold: a Service plus the limits, logging and
// telemetry every call goes through.
type Client struct {
	svc      Service
	provider string
	model    string
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelPkg.Metrics

	mu     sync.RWMutex
	limits Limits
}

// NewClient returns a Client. svc may be nil, in which case every call
// fails with FailureDisabled.
func NewClient(svc Service, cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Client{
		svc:      svc,
		provider: cfg.Provider,
		model:    cfg.Model,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
		limits:   cfg.Limits.normalized(),
	}
}

// Limits returns the current per-call limits.
func (c *Client) Limits() Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limits
}

// SetLimits replaces the per-call limits, e.g. after a config reload.
func (c *Client) SetLimits(l Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = l.normalized()
}

// Ask sends req and validates the answer against v. It never returns an
// error; failures are carried in the Reply. Prompts are screened first:
// credentials are scrubbed, and text that tries to instruct the model, or
// that exceeds the token budget, is refused without a call.
func (c *Client) Ask(ctx context.Context, req Request, v *Validator) Reply {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "reasoning.generate",
		otelPkg.AttrProvider.String(c.provider),
		otelPkg.AttrModel.String(c.model),
	)
	defer span.End()

	limits := c.Limits()
	req, refused := c.screen(req, limits)
	if refused != nil {
		otelPkg.MarkFailed(span, string(refused.Kind), refused.Err)
		return Reply{Failure: refused}
	}

	start := time.Now()
	raw, err := Collect(ctx, c.svc, req, limits)
	elapsed := time.Since(start)
	c.metrics.RecordReasoning(ctx, c.provider, elapsed)

	reply := Reply{Raw: raw, Elapsed: elapsed}
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = &Failure{Kind: classifyFailure(err), Err: err}
		}
		reply.Failure = f
	} else {
		reply.Usage = estimateUsage(c.model, req, raw)
		c.metrics.RecordReasoningUsage(ctx, c.provider, reply.Usage.PromptTokens, reply.Usage.CompletionTokens, reply.Usage.CostUSD)
		if jsonStr, verr := v.Validate(raw); verr != nil {
			reply.Failure = &Failure{Kind: FailureMalformed, Err: verr}
		} else {
			reply.JSON = jsonStr
		}
	}

	if reply.Failure != nil {
		otelPkg.MarkFailed(span, string(reply.Failure.Kind), reply.Failure.Err)
		if reply.Failure.Kind != FailureDisabled {
			c.logger.Debug("reasoning call failed",
				"failure", string(reply.Failure.Kind),
				"elapsed_ms", elapsed.Milliseconds(),
				"error", reply.Failure.Err,
			)
		}
	}
	return reply
}

func (c *Client) screen(req Request, limits Limits) (Request, *Failure) {
	verdict := safety.Screen(req.Prompt)
	switch verdict.Action {
	case safety.ActionBlock:
		c.logger.Warn("reasoning call refused: task text tries to instruct the model",
			"reason", verdict.Reason, "excerpt", verdict.Excerpt)
		return req, &Failure{Kind: FailureRejected, Err: verdict.Err()}
	case safety.ActionWarn:
		c.logger.Info("suspicious task text sent to reasoning service",
			"reason", verdict.Reason, "excerpt", verdict.Excerpt)
	}

	if prompt, kinds := shared.RedactKinds(req.Prompt); len(kinds) > 0 {
		c.logger.Info("scrubbed credentials from prompt", "kinds", kinds)
		req.Prompt = prompt
	}

	if tokens := EstimateTokens(req.System) + EstimateTokens(req.Prompt); tokens > limits.MaxPromptTokens {
		return req, &Failure{Kind: FailureRejected, Err: fmt.Errorf("%w: ~%d tokens, budget %d", errPromptTooLarge, tokens, limits.MaxPromptTokens)}
	}
	return req, nil
}

// Service returns the underlying service.
func (c *Client) Service() Service { return c.svc }

// String describes the client for doctor output.
func (c *Client) String() string {
	l := c.Limits()
	return fmt.Sprintf("provider=%s model=%s timeout=%s max_bytes=%d max_prompt_tokens=%d stream=%t",
		c.provider, c.model, l.Timeout, l.MaxBytes, l.MaxPromptTokens, l.Stream)
}
