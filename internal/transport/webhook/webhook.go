// Package webhook delivers messages by POSTing them to an HTTP gateway.
//
// A circuit breaker wraps the call: after BreakerFailures consecutive failures the
// sender fails fast for BreakerTimeout instead of hammering a gateway that is down.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("webhook circuit open")

// StatusError is a non-2xx gateway answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook status %d: %s", e.Code, e.Body)
}

// recipientFault reports a 4xx caused by the request itself (bad number, bad
// payload). 408 and 429 are the gateway's condition, not the recipient's.
func recipientFault(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 &&
		se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests
}

type Config struct {
	URL             string
	Token           string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type Sender struct {
	cfg    Config
	log    logx.Logger
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

type payload struct {
	ClientID string `json:"client_id"`
	To       string `json:"to"`
	Message  string `json:"message"`
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	s := &Sender{cfg: cfg, log: log, client: &http.Client{Timeout: cfg.Timeout}}

	failures := cfg.BreakerFailures
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A rejected recipient says nothing about gateway health.
		IsSuccessful: func(err error) bool {
			return err == nil || recipientFault(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.log.Warn("circuit breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
	return s, nil
}

// State reports the breaker state ("closed", "open", "half-open").
func (s *Sender) State() string { return s.cb.State().String() }

func (s *Sender) Send(ctx context.Context, clientID, to, message string) (outbox.DeliveryMeta, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.post(ctx, payload{ClientID: clientID, To: to, Message: message})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	meta, _ := res.(outbox.DeliveryMeta)
	return meta, nil
}

func (s *Sender) post(ctx context.Context, p payload) (outbox.DeliveryMeta, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet}
	}

	meta := outbox.DeliveryMeta{}
	if len(bytes.TrimSpace(raw)) > 0 {
		// Gateways may answer with an arbitrary JSON object; anything else is ignored.
		_ = json.Unmarshal(raw, &meta)
	}
	meta["http_status"] = resp.StatusCode
	return meta, nil
}
