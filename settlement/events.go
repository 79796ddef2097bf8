package settlement

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Event types emitted after a state transition commits.
const (
	EventEscrowReleased = "escrow.released"
	EventEscrowFunded   = "escrow.funded"
)

// Event is the post-commit notification payload. Emission is fire-and-forget:
// a delivery failure can never flip a committed release into a reported
// failure.
type Event struct {
	ID          uuid.UUID    `json:"id"`
	Type        string       `json:"type"`
	EscrowID    uuid.UUID    `json:"escrowId"`
	Status      EscrowStatus `json:"status"`
	TxReference string       `json:"txReference,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

// Notifier delivers settlement events to interested parties.
type Notifier interface {
	Emit(evt Event)
}

// NoopNotifier drops every event. Used when no webhook sink is configured.
type NoopNotifier struct{}

func (NoopNotifier) Emit(Event) {}

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Marketpay-Signature"

// WebhookNotifier posts events to a single HTTP sink with an HMAC signature.
type WebhookNotifier struct {
	url      string
	secret   []byte
	http     *http.Client
	log      *slog.Logger
	attempts int
	backoff  time.Duration
}

// NewWebhookNotifier builds a notifier for the given sink.
func NewWebhookNotifier(url, secret string, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		url:      url,
		secret:   []byte(secret),
		http:     &http.Client{Timeout: 5 * time.Second},
		log:      log,
		attempts: 3,
		backoff:  2 * time.Second,
	}
}

// Emit schedules delivery in the background and returns immediately.
func (n *WebhookNotifier) Emit(evt Event) {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	go n.deliver(evt)
}

func (n *WebhookNotifier) deliver(evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		n.log.Error("encode webhook event", "error", err, "event", evt.Type)
		return
	}
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	for attempt := 1; attempt <= n.attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(n.backoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			cancel()
			n.log.Error("build webhook request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, signature)
		resp, err := n.http.Do(req)
		cancel()
		if err != nil {
			n.log.Warn("webhook delivery failed", "attempt", attempt, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		n.log.Warn("webhook delivery rejected", "attempt", attempt, "status", resp.StatusCode)
	}
	n.log.Error("webhook delivery abandoned", "event", evt.Type, "escrow", evt.EscrowID)
}
