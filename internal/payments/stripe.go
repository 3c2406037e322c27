package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"tidings/internal/logging"
)

// StripeConfig holds configuration for the Stripe client.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string // whsec_... from the webhook endpoint settings

	// URL and HTTPClient override the API endpoint; both are optional.
	URL        string
	HTTPClient *http.Client

	// Backend replaces the API backend entirely.
	Backend stripe.Backend
}

// StripeClient implements CheckoutBackend on Stripe Checkout and receives
// completed sessions through the Stripe webhook.
type StripeClient struct {
	api           *client.API
	webhookSecret string

	updates chan SessionUpdate
}

// NewStripeClient creates a Stripe client. Both keys are required.
func NewStripeClient(cfg StripeConfig) (*StripeClient, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: secret key is required", ErrNotConfigured)
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrNotConfigured)
	}

	backend := cfg.Backend
	if backend == nil {
		backend = newStripeBackend(cfg)
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &StripeClient{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		updates:       make(chan SessionUpdate, 1000),
	}, nil
}

// newStripeBackend builds an API backend without network retries; the
// Initiator's retry policy is the only retry budget for checkout creation.
func newStripeBackend(cfg StripeConfig) stripe.Backend {
	bc := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.URL != "" {
		bc.URL = stripe.String(cfg.URL)
	}
	return stripe.GetBackendWithConfig(stripe.APIBackend, bc)
}

func (c *StripeClient) CreateSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	logging.Stripe.Printf("creating checkout session for %d %s", req.AmountMinor, req.Currency)

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
				UnitAmount: stripe.Int64(req.AmountMinor),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	cs, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		logging.Stripe.Printf("create session failed: %v", err)
		return nil, classifyStripeError(err)
	}

	logging.Stripe.Printf("created checkout session %s", cs.ID)
	return fromStripeSession(cs), nil
}

func (c *StripeClient) GetSession(ctx context.Context, id string) (*Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("line_items")
	params.Context = ctx

	cs, err := c.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return fromStripeSession(cs), nil
}

func (c *StripeClient) SubscribeSessions(ctx context.Context) (<-chan SessionUpdate, error) {
	return c.updates, nil
}

func (c *StripeClient) Close() error {
	return nil
}

// HandleWebhook verifies a Stripe webhook delivery and queues completed,
// paid checkout sessions for the payment watcher.
func (c *StripeClient) HandleWebhook(body []byte, headers http.Header) error {
	event, err := webhook.ConstructEventWithOptions(body, headers.Get("Stripe-Signature"), c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
	default:
		logging.Stripe.Printf("webhook: ignoring event %s (%s)", event.ID, event.Type)
		return nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}
	sess := fromStripeSession(&cs)
	if !sess.Paid() {
		logging.Stripe.Printf("webhook: session %s completed with payment status %q, waiting", sess.ID, sess.PaymentStatus)
		return nil
	}

	select {
	case c.updates <- SessionUpdate{Session: sess}:
		logging.Stripe.Printf("webhook: queued session %s (buffer: %d/%d)", sess.ID, len(c.updates), cap(c.updates))
	default:
		// Stripe redelivers on non-2xx; a full buffer is reported so the event is retried.
		return fmt.Errorf("update channel full (%d/%d), session %s not queued", len(c.updates), cap(c.updates), sess.ID)
	}
	return nil
}

func fromStripeSession(cs *stripe.CheckoutSession) *Session {
	s := &Session{
		ID:            cs.ID,
		URL:           cs.URL,
		Mode:          string(cs.Mode),
		AmountTotal:   cs.AmountTotal,
		Currency:      string(cs.Currency),
		CustomerEmail: cs.CustomerEmail,
		PaymentStatus: string(cs.PaymentStatus),
		Status:        string(cs.Status),
		Metadata:      copyMetadata(cs.Metadata),
		Created:       time.Unix(cs.Created, 0).UTC(),
	}
	if s.CustomerEmail == "" && cs.CustomerDetails != nil {
		s.CustomerEmail = cs.CustomerDetails.Email
	}
	if cs.LineItems != nil {
		for _, li := range cs.LineItems.Data {
			s.LineItems = append(s.LineItems, LineItem{
				Description: li.Description,
				AmountTotal: li.AmountTotal,
				Quantity:    li.Quantity,
			})
		}
	}
	return s
}

// classifyStripeError maps Stripe failures onto the package error taxonomy.
func classifyStripeError(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case serr.HTTPStatusCode == http.StatusUnauthorized || serr.HTTPStatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrNotConfigured, serr.Msg)
	case serr.Code == stripe.ErrorCodeResourceMissing || serr.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, serr.Msg)
	case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500 || serr.HTTPStatusCode == 0:
		return fmt.Errorf("%w: %s", ErrUnavailable, serr.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, serr.Msg)
	}
}
