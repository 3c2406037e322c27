package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"tidings/internal/catalog"
	"tidings/internal/downloads"
	"tidings/internal/files"
	"tidings/internal/logging"
	"tidings/internal/payments"
	"tidings/internal/store"
)

// MaxAudioUploadSize is the largest accepted recording (500MB).
const MaxAudioUploadSize = 500 << 20

const maxJSONBody = 64 << 10

// WebhookHandler is an interface for handling webhook callbacks.
type WebhookHandler interface {
	HandleWebhook(body []byte, headers http.Header) error
}

// AdminStore is the persistence behind the admin dashboard.
type AdminStore interface {
	GetStats(ctx context.Context, now time.Time) (*store.Stats, error)
	ListTokens(ctx context.Context, limit int) ([]*store.Token, error)
	SetTokenActive(ctx context.Context, id string, active bool) (*store.Token, error)
	ListDonations(ctx context.Context, limit int) ([]*store.Donation, error)
}

// Services are the components the HTTP API fronts.
type Services struct {
	Catalog    *catalog.Catalog
	Files      *files.Service
	Payments   *payments.Service
	Initiator  *payments.Initiator
	Issuer     *downloads.Issuer
	Authorizer *downloads.Authorizer
	Store      AdminStore
	Admin      *AdminAuth
}

// Handler handles HTTP requests.
type Handler struct {
	Services
	apiKey         string
	publishableKey string
	webhookHandler WebhookHandler
	mux            *http.ServeMux
}

// NewHandler creates a new HTTP handler. apiKey is the bearer credential
// required on the purchase and download routes.
func NewHandler(svc Services, apiKey, publishableKey string) *Handler {
	h := &Handler{
		Services:       svc,
		apiKey:         apiKey,
		publishableKey: publishableKey,
		mux:            http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// SetWebhookHandler sets the webhook handler for payment notifications.
func (h *Handler) SetWebhookHandler(wh WebhookHandler) {
	h.webhookHandler = wh
}

func (h *Handler) registerRoutes() {
	keyed := func(fn http.HandlerFunc) http.HandlerFunc { return requireAPIKey(h.apiKey, fn) }
	admins := []string{RoleAdmin}
	editors := []string{RoleAdmin, RoleEditor}

	h.mux.HandleFunc("GET /api/config", h.handleConfig)
	h.mux.HandleFunc("GET /api/content", h.handleListContent)
	h.mux.HandleFunc("GET /api/content/{id}/stream", h.handleStream)
	h.mux.HandleFunc("HEAD /api/content/{id}/stream", h.handleStream)

	h.mux.HandleFunc("POST /api/checkout", keyed(h.handleCheckout))
	h.mux.HandleFunc("GET /api/checkout/session/{id}", keyed(h.handleVerifySession))
	h.mux.HandleFunc("POST /api/download-token", keyed(h.handleGetToken))
	h.mux.HandleFunc("POST /api/download-token/create", keyed(h.handleCreateToken))
	h.mux.HandleFunc("GET /api/download", keyed(h.handleDownload))
	h.mux.HandleFunc("POST /api/download/email", keyed(h.handleEmailBackup))

	h.mux.HandleFunc("POST /api/webhook/stripe", h.handleStripeWebhook)

	h.mux.HandleFunc("GET /api/admin/stats", h.Admin.Require(editors, h.handleAdminStats))
	h.mux.HandleFunc("GET /api/admin/tokens", h.Admin.Require(admins, h.handleAdminTokens))
	h.mux.HandleFunc("POST /api/admin/tokens/{id}/revoke", h.Admin.Require(admins, h.handleSetTokenActive(false)))
	h.mux.HandleFunc("POST /api/admin/tokens/{id}/reactivate", h.Admin.Require(admins, h.handleSetTokenActive(true)))
	h.mux.HandleFunc("GET /api/admin/donations", h.Admin.Require(admins, h.handleAdminDonations))
	h.mux.HandleFunc("PUT /api/admin/content/{id}/audio", h.Admin.Require(editors, h.handleUploadAudio))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, apiError{Error: "Invalid request body.", Category: categoryValidation})
		return false
	}
	return true
}

// ConfigResponse is the public client configuration.
type ConfigResponse struct {
	PublishableKey string  `json:"publishableKey"`
	Currency       string  `json:"currency"`
	MinAmount      float64 `json:"minAmount"`
	MaxAmount      float64 `json:"maxAmount"`
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	limits := h.Initiator.Limits()
	writeJSON(w, http.StatusOK, ConfigResponse{
		PublishableKey: h.publishableKey,
		Currency:       limits.Currency,
		MinAmount:      float64(limits.MinMinor) / 100,
		MaxAmount:      float64(limits.MaxMinor) / 100,
	})
}

// ContentResponse lists catalog items.
type ContentResponse struct {
	Items []catalog.Item `json:"items"`
}

func (h *Handler) handleListContent(w http.ResponseWriter, r *http.Request) {
	items := h.Catalog.List(r.URL.Query().Get("lang"))
	if items == nil {
		items = []catalog.Item{}
	}
	writeJSON(w, http.StatusOK, ContentResponse{Items: items})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	audio, err := h.Files.OpenFree(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer audio.Body.Close()

	// ServeContent handles Range requests, Content-Length, and HEAD automatically
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, "", time.Time{}, audio.Body)
}

// CheckoutRequest is the request body for starting a checkout.
type CheckoutRequest struct {
	Amount      *float64          `json:"amount"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentID   string            `json:"contentId,omitempty"`
	Email       string            `json:"email,omitempty"`
}

// CheckoutResponse is returned once a hosted checkout session exists.
type CheckoutResponse struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Mode string `json:"mode"`
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Amount == nil {
		writeJSONError(w, http.StatusBadRequest, apiError{Error: "amount is required", Category: categoryValidation})
		return
	}

	sess, err := h.Initiator.Start(r.Context(), &payments.CheckoutRequest{
		Amount:      *req.Amount,
		Description: req.Description,
		Metadata:    req.Metadata,
		ContentID:   req.ContentID,
		Email:       req.Email,
		ClientKey:   extractIP(r),
	})
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing to answer.
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	logging.Stripe.Printf("checkout %s started: %d %s", sess.ID, sess.AmountTotal, sess.Currency)
	writeJSON(w, http.StatusOK, CheckoutResponse{ID: sess.ID, URL: sess.URL, Mode: sess.Mode})
}

// SessionResponse is the verification payload of a checkout session.
type SessionResponse struct {
	ID            string              `json:"id"`
	AmountTotal   int64               `json:"amount_total"`
	Currency      string              `json:"currency"`
	CustomerEmail string              `json:"customer_email"`
	PaymentStatus string              `json:"payment_status"`
	Status        string              `json:"status"`
	Metadata      map[string]string   `json:"metadata"`
	Created       int64               `json:"created"`
	LineItems     []payments.LineItem `json:"line_items,omitempty"`
}

func (h *Handler) handleVerifySession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Payments.VerifySession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		ID:            sess.ID,
		AmountTotal:   sess.AmountTotal,
		Currency:      sess.Currency,
		CustomerEmail: sess.CustomerEmail,
		PaymentStatus: sess.PaymentStatus,
		Status:        sess.Status,
		Metadata:      sess.Metadata,
		Created:       sess.Created.Unix(),
		LineItems:     sess.LineItems,
	})
}

// TokenRequest identifies the session whose token is wanted.
type TokenRequest struct {
	SessionID string `json:"sessionId"`
}

// TokenResponse describes a download token.
type TokenResponse struct {
	ID            string    `json:"id"`
	ExpiresAt     time.Time `json:"expiresAt"`
	DownloadCount int       `json:"downloadCount"`
	MaxDownloads  int       `json:"maxDownloads"`
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, apiError{Error: "sessionId is required", Category: categoryValidation})
		return
	}

	t, err := h.Issuer.Lookup(r.Context(), req.SessionID)
	if err != nil {
		if status, _ := classify(err); status >= 500 {
			logging.Internal.Printf("token lookup for %s failed: %v", req.SessionID, err)
			writeJSONError(w, http.StatusServiceUnavailable, apiError{
				Error:    "Failed to verify your purchase. Please reload the page.",
				Category: categoryTransient,
			})
			return
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		ID:            t.ID,
		ExpiresAt:     t.ExpiresAt,
		DownloadCount: t.DownloadCount,
		MaxDownloads:  t.MaxDownloads,
	})
}

// CreateTokenRequest asks for a token for a purchased track.
type CreateTokenRequest struct {
	SessionID string `json:"sessionId"`
	TrackID   string `json:"trackId"`
	Email     string `json:"email"`
}

// CreateTokenResponse reports token creation.
type CreateTokenResponse struct {
	Success  bool   `json:"success"`
	TokenID  string `json:"tokenId,omitempty"`
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.TrackID == "" {
		writeJSON(w, http.StatusBadRequest, CreateTokenResponse{Error: "sessionId and trackId are required", Category: categoryValidation})
		return
	}

	t, created, err := h.Issuer.Issue(r.Context(), req.SessionID, req.TrackID, req.Email)
	if err != nil {
		status, body := classify(err)
		if status >= 500 {
			logging.Internal.Printf("token creation for %s failed: %v", req.SessionID, err)
		}
		writeJSON(w, status, CreateTokenResponse{Error: body.Error, Category: body.Category})
		return
	}
	if created {
		logging.Internal.Printf("download token created for session %s", req.SessionID)
	}
	writeJSON(w, http.StatusOK, CreateTokenResponse{Success: true, TokenID: t.ID})
}

// countingWriter tracks whether any byte reached the client.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	grant, err := h.Authorizer.Authorize(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if downloads.IsDenied(err) {
			logging.HTTP.Printf("download denied: %s", downloads.Reason(err))
		}
		writeError(w, r, err)
		return
	}
	defer grant.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", "audio/mpeg")
	hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": grant.Filename()}))
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("X-Downloads-Remaining", strconv.Itoa(grant.Token().Remaining()-1))
	if size := grant.Size(); size >= 0 {
		hdr.Set("Content-Length", strconv.FormatInt(size, 10))
	}

	cw := &countingWriter{ResponseWriter: w}
	if _, err := grant.StreamTo(r.Context(), cw); err != nil {
		if cw.n == 0 {
			// Nothing sent yet, so the client can still get a proper error.
			for _, k := range []string{"Content-Disposition", "Content-Length", "X-Downloads-Remaining"} {
				hdr.Del(k)
			}
			writeError(w, r, err)
		}
		return
	}
}

// EmailBackupRequest asks for the download link to be mailed.
type EmailBackupRequest struct {
	Email      string `json:"email"`
	TokenID    string `json:"tokenId"`
	TrackTitle string `json:"trackTitle"`
	Artist     string `json:"artist"`
}

// SuccessResponse is a bare acknowledgement.
type SuccessResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) handleEmailBackup(w http.ResponseWriter, r *http.Request) {
	var req EmailBackupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TokenID == "" {
		writeJSONError(w, http.StatusBadRequest, apiError{Error: "tokenId is required", Category: categoryValidation})
		return
	}

	err := h.Issuer.SendBackup(r.Context(), downloads.BackupLink{
		Email:   req.Email,
		TokenID: req.TokenID,
		Title:   req.TrackTitle,
		Artist:  req.Artist,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookHandler == nil {
		http.Error(w, "webhook handler not configured", http.StatusServiceUnavailable)
		return
	}

	// Read raw body for signature verification
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		logging.Stripe.Printf("webhook: failed to read body: %v", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.webhookHandler.HandleWebhook(body, r.Header); err != nil {
		logging.Stripe.Printf("webhook: failed to process: %v", err)
		http.Error(w, "webhook processing failed", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}
