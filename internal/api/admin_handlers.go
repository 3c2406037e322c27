package api

import (
	"net/http"
	"strconv"
	"time"

	"tidings/internal/logging"
	"tidings/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func parseLimit(r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}

// StatsResponse is the admin dashboard summary.
type StatsResponse struct {
	TotalDonations   int              `json:"totalDonations"`
	AmountByCurrency map[string]int64 `json:"amountByCurrency"`
	OldestDonation   *time.Time       `json:"oldestDonation,omitempty"`
	NewestDonation   *time.Time       `json:"newestDonation,omitempty"`
	Daily            []DailyResponse  `json:"daily"`

	Tokens struct {
		Total     int `json:"total"`
		Active    int `json:"active"`
		Expired   int `json:"expired"`
		Exhausted int `json:"exhausted"`
		Revoked   int `json:"revoked"`
	} `json:"tokens"`
	TotalDownloads int `json:"totalDownloads"`
}

// DailyResponse is one day of donations.
type DailyResponse struct {
	Date        string `json:"date"`
	Donations   int    `json:"donations"`
	AmountMinor int64  `json:"amountMinor"`
}

func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.GetStats(r.Context(), time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := StatsResponse{
		TotalDonations:   stats.TotalDonations,
		AmountByCurrency: stats.AmountByCurrency,
		Daily:            make([]DailyResponse, 0, len(stats.DailyStats)),
		TotalDownloads:   stats.TotalDownloads,
	}
	if resp.AmountByCurrency == nil {
		resp.AmountByCurrency = map[string]int64{}
	}
	if !stats.OldestDonation.IsZero() {
		resp.OldestDonation, resp.NewestDonation = &stats.OldestDonation, &stats.NewestDonation
	}
	for _, d := range stats.DailyStats {
		resp.Daily = append(resp.Daily, DailyResponse{Date: d.Date, Donations: d.Donations, AmountMinor: d.AmountMinor})
	}
	resp.Tokens.Total = stats.TotalTokens
	resp.Tokens.Active = stats.ActiveTokens
	resp.Tokens.Expired = stats.ExpiredTokens
	resp.Tokens.Exhausted = stats.ExhaustedTokens
	resp.Tokens.Revoked = stats.RevokedTokens

	writeJSON(w, http.StatusOK, resp)
}

// AdminTokenResponse is a token as shown to admins.
type AdminTokenResponse struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	ContentID     string    `json:"contentId"`
	BuyerEmail    string    `json:"buyerEmail"`
	ExpiresAt     time.Time `json:"expiresAt"`
	DownloadCount int       `json:"downloadCount"`
	MaxDownloads  int       `json:"maxDownloads"`
	IsActive      bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
}

func adminToken(t *store.Token) AdminTokenResponse {
	return AdminTokenResponse{
		ID:            t.ID,
		SessionID:     t.SessionID,
		ContentID:     t.ContentID,
		BuyerEmail:    t.BuyerEmail,
		ExpiresAt:     t.ExpiresAt,
		DownloadCount: t.DownloadCount,
		MaxDownloads:  t.MaxDownloads,
		IsActive:      t.IsActive,
		CreatedAt:     t.CreatedAt,
	}
}

func (h *Handler) handleAdminTokens(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, apiError{Error: "limit must be a positive number", Category: categoryValidation})
		return
	}
	tokens, err := h.Store.ListTokens(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]AdminTokenResponse, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, adminToken(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSetTokenActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		t, err := h.Store.SetTokenActive(r.Context(), id, active)
		if err != nil {
			writeError(w, r, err)
			return
		}

		action := "revoked"
		if active {
			action = "reactivated"
		}
		logging.Internal.Printf("token %s %s by %s", id, action, RoleFrom(r.Context()))
		writeJSON(w, http.StatusOK, adminToken(t))
	}
}

// AdminDonationResponse is a recorded donation as shown to admins.
type AdminDonationResponse struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	AmountMinor int64     `json:"amountMinor"`
	Currency    string    `json:"currency"`
	Email       string    `json:"email"`
	Type        string    `json:"type"`
	ContentID   string    `json:"contentId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (h *Handler) handleAdminDonations(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, apiError{Error: "limit must be a positive number", Category: categoryValidation})
		return
	}
	donations, err := h.Store.ListDonations(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]AdminDonationResponse, 0, len(donations))
	for _, d := range donations {
		resp = append(resp, AdminDonationResponse{
			ID:          d.ID,
			SessionID:   d.SessionID,
			AmountMinor: d.AmountMinor,
			Currency:    d.Currency,
			Email:       d.Email,
			Type:        d.Type,
			ContentID:   d.ContentID,
			CreatedAt:   d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// UploadResponse reports stored audio.
type UploadResponse struct {
	ContentID string `json:"contentId"`
	Size      int64  `json:"size"`
}

func (h *Handler) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	contentLength := r.ContentLength
	if contentLength <= 0 {
		writeJSONError(w, http.StatusBadRequest, apiError{Error: "Content-Length header required", Category: categoryValidation})
		return
	}
	if contentLength > MaxAudioUploadSize {
		writeJSONError(w, http.StatusRequestEntityTooLarge, apiError{Error: "file too large (max 500MB)", Category: categoryValidation})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxAudioUploadSize)

	result, err := h.Files.Upload(r.Context(), id, r.Body, contentLength)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logging.Internal.Printf("audio for %s uploaded by %s (%d bytes)", id, RoleFrom(r.Context()), result.Size)
	writeJSON(w, http.StatusOK, UploadResponse{ContentID: result.ContentID, Size: result.Size})
}
