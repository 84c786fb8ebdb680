package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/store"
	"github.com/guardant/guardant/pkg/types"
)

const (
	webhookTimeout   = 10 * time.Second
	signatureHeader  = "X-GuardAnt-Signature"
	timestampHeader  = "X-GuardAnt-Timestamp"
	webhookUserAgent = "GuardAnt-Notifier/1.0"
)

// Signature computes the hex HMAC-SHA256 over "<timestamp>.<body>" with the
// nest's webhook secret. Receivers recompute it to authenticate deliveries.
func Signature(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSender delivers signed notification payloads over HTTP. Each
// destination URL gets its own circuit breaker so one dead endpoint cannot
// stall deliveries to the rest.
type WebhookSender struct {
	store  store.Store
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewWebhookSender creates a sender reading signing secrets from st.
func NewWebhookSender(st store.Store) *WebhookSender {
	return &WebhookSender{
		store:    st,
		client:   &http.Client{Timeout: webhookTimeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *WebhookSender) breaker(url string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[url]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        url,
			MaxRequests: 1,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger := log.WithComponent("notifier")
				logger.Warn().
					Str("url", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("webhook circuit state changed")
			},
		})
		s.breakers[url] = cb
	}
	return cb
}

// Send delivers event to url, signed with the owning nest's secret. A
// non-2xx response is an error so the caller's retry policy applies.
func (s *WebhookSender) Send(ctx context.Context, url string, event *types.NotificationEvent) error {
	secret, err := s.store.GetNestSecret(ctx, event.NestID)
	if err != nil {
		return fmt.Errorf("failed to load signing secret for nest %s: %w", event.NestID, err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = s.breaker(url).Execute(func() (any, error) {
		return nil, s.post(ctx, url, secret, body)
	})
	return err
}

func (s *WebhookSender) post(ctx context.Context, url, secret string, body []byte) error {
	ts := time.Now().UnixMilli()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	req.Header.Set(timestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(signatureHeader, Signature(secret, ts, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s answered %d", url, resp.StatusCode)
	}
	return nil
}
