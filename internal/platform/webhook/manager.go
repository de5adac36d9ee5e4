// Package webhook delivers prior authorization events to tenant-registered
// HTTP endpoints. Payloads are signed with HMAC-SHA256 and failed deliveries
// are retried with exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/platform/events"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EndpointHeader  = "X-Webhook-ID"
	TimestampHeader = "X-Webhook-Timestamp"
	EventTypeHeader = "X-Webhook-Event"

	// TestEventType is sent by TestEndpoint.
	TestEventType = "webhook.test"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload.
// A "sha256=" prefix, as sent in SignatureHeader, is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a Manager.
type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithMaxRetries bounds the retries after the first attempt.
func WithMaxRetries(n uint64) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithInitialInterval sets the first backoff delay.
func WithInitialInterval(d time.Duration) Option {
	return func(m *Manager) { m.initialInterval = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager registers endpoints and delivers events to them. It implements
// events.Publisher; deliveries run in the background and never block the
// publisher.
type Manager struct {
	store           Store
	httpClient      *http.Client
	maxRetries      uint64
	initialInterval time.Duration
	logger          zerolog.Logger
	now             func() time.Time

	wg sync.WaitGroup
}

var _ events.Publisher = (*Manager)(nil)

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		maxRetries:      3,
		initialInterval: time.Second,
		logger:          zerolog.Nop(),
		now:             time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.store }

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

func validatePatterns(patterns []string) error {
	if len(patterns) == 0 {
		return fmt.Errorf("at least one event pattern is required")
	}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("event pattern must not be blank")
		}
	}
	return nil
}

// Registration is the input to Register.
type Registration struct {
	URL         string
	Secret      string
	Events      []string
	TenantID    string
	Description string
	CreatedBy   string
}

// Register validates and stores a new active endpoint. An empty secret is
// replaced with a random one.
func (m *Manager) Register(ctx context.Context, r Registration) (*Endpoint, error) {
	if err := validateURL(r.URL); err != nil {
		return nil, err
	}
	if err := validatePatterns(r.Events); err != nil {
		return nil, err
	}
	secret := r.Secret
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}

	ep := &Endpoint{
		ID:          uuid.NewString(),
		URL:         r.URL,
		Secret:      secret,
		Events:      r.Events,
		TenantID:    r.TenantID,
		Description: r.Description,
		Status:      StatusActive,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   m.now().UTC(),
		Metadata:    map[string]string{},
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("endpoint_id", ep.ID).
		Str("tenant_id", ep.TenantID).
		Strs("events", ep.Events).
		Msg("webhook endpoint registered")
	return ep, nil
}

// SetStatus pauses or resumes an endpoint.
func (m *Manager) SetStatus(ctx context.Context, id, status string) (*Endpoint, error) {
	if status != StatusActive && status != StatusPaused {
		return nil, fmt.Errorf("unknown endpoint status %q", status)
	}
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	ep.Status = status
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// eventMatches reports whether eventType satisfies a subscription pattern.
// Patterns are exact ("auth_reviewed"), "*", or a prefix or suffix wildcard
// ("auth_*", "*_scheduled").
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep *Endpoint) subscribes(eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Publish hands the event to every active, subscribed endpoint of the
// event's tenant. Deliveries continue after ctx is canceled.
func (m *Manager) Publish(ctx context.Context, event events.Event) {
	endpoints, err := m.matching(ctx, event)
	if err != nil {
		m.logger.Error().Err(err).Str("event_id", event.ID).Msg("list webhook endpoints")
		return
	}
	bg := context.WithoutCancel(ctx)
	for _, ep := range endpoints {
		m.wg.Add(1)
		go func(ep *Endpoint) {
			defer m.wg.Done()
			m.Deliver(bg, ep, event)
		}(ep)
	}
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) matching(ctx context.Context, event events.Event) ([]*Endpoint, error) {
	var out []*Endpoint
	const batch = 100
	for offset := 0; ; offset += batch {
		eps, total, err := m.store.ListEndpoints(ctx, event.TenantID, batch, offset)
		if err != nil {
			return nil, err
		}
		for _, ep := range eps {
			if ep.Status == StatusActive && ep.subscribes(event.Type) {
				out = append(out, ep)
			}
		}
		if offset+batch >= total {
			return out, nil
		}
	}
}

func (m *Manager) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialInterval
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, m.maxRetries), ctx)
}

// Deliver signs and POSTs the event to ep, retrying transport errors, 5xx
// and 429 responses. Other 4xx responses are final. The outcome is recorded
// as a single delivery.
func (m *Manager) Deliver(ctx context.Context, ep *Endpoint, event events.Event) *Delivery {
	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Error().Err(err).Str("event_id", event.ID).Msg("marshal webhook payload")
		return nil
	}
	d := &Delivery{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		EventType:  event.Type,
		EventID:    event.ID,
		Payload:    payload,
		Signature:  SignPayload(payload, ep.Secret),
		CreatedAt:  m.now().UTC(),
	}
	m.send(ctx, ep, d)
	return d
}

func (m *Manager) send(ctx context.Context, ep *Endpoint, d *Delivery) {
	d.Error = ""
	op := func() error {
		d.Attempts++
		return m.post(ctx, ep, d)
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn().Err(err).
			Str("endpoint_id", ep.ID).
			Str("event_id", d.EventID).
			Int("attempt", d.Attempts).
			Dur("retry_in", wait).
			Msg("webhook delivery failed, retrying")
	}

	if err := backoff.RetryNotify(op, m.backOff(ctx), notify); err != nil {
		d.Status = DeliveryFailed
		d.Error = err.Error()
		m.logger.Error().Err(err).
			Str("endpoint_id", ep.ID).
			Str("event_id", d.EventID).
			Str("event", d.EventType).
			Int("attempts", d.Attempts).
			Msg("webhook delivery abandoned")
	} else {
		d.Status = DeliverySucceeded
		m.logger.Debug().
			Str("endpoint_id", ep.ID).
			Str("event_id", d.EventID).
			Int("status", d.StatusCode).
			Msg("webhook delivered")
	}

	if err := m.store.RecordDelivery(ctx, d); err != nil {
		m.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("record webhook delivery")
	}
}

func (m *Manager) post(ctx context.Context, ep *Endpoint, d *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+d.Signature)
	req.Header.Set(EndpointHeader, ep.ID)
	req.Header.Set(EventTypeHeader, d.EventType)
	req.Header.Set(TimestampHeader, m.now().UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.StatusCode = 0
		return err
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("endpoint responded %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("endpoint responded %d", resp.StatusCode))
	}
}

// Redeliver sends a recorded delivery again, continuing its attempt count.
func (m *Manager) Redeliver(ctx context.Context, deliveryID string) (*Delivery, error) {
	d, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := m.store.GetEndpoint(ctx, d.EndpointID)
	if err != nil {
		return nil, err
	}
	d.Signature = SignPayload(d.Payload, ep.Secret)
	m.send(ctx, ep, d)
	return d, nil
}

// TestEndpoint sends a synthetic event to ep and waits for the outcome.
func (m *Manager) TestEndpoint(ctx context.Context, id string) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	event := events.Event{
		ID:           events.NewID(now),
		Type:         TestEventType,
		ResourceType: "WebhookEndpoint",
		ResourceID:   ep.ID,
		TenantID:     ep.TenantID,
		Attributes:   map[string]any{"test": true},
		Timestamp:    now.UTC(),
	}
	return m.Deliver(ctx, ep, event), nil
}

// Deliveries returns a page of the delivery log for an endpoint.
func (m *Manager) Deliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	return m.store.ListDeliveries(ctx, endpointID, limit, offset)
}
