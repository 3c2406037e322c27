// Package downloads issues download tokens for paid sessions and authorizes
// bounded, expiring downloads against them.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"tidings/internal/files"
	"tidings/internal/logging"
	"tidings/internal/store"
)

// Denial reasons, checked in this order.
var (
	ErrUnknownToken = errors.New("unknown token")
	ErrRevoked      = errors.New("token revoked")
	ErrExpired      = errors.New("token expired")
	ErrLimitReached = errors.New("download limit reached")
)

// ErrTransfer wraps an I/O failure while streaming. The download is not
// counted and may be retried.
var ErrTransfer = errors.New("transfer failed")

// Reason returns the short denial reason for err, or "" if err is not a denial.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownToken):
		return "unknown token"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrLimitReached):
		return "limit reached"
	}
	return ""
}

// IsDenied reports whether err is an authorization denial.
func IsDenied(err error) bool {
	return Reason(err) != ""
}

// State is a step of an authorized download. A Grant exists only once
// authorization succeeded; denials are returned as errors instead.
type State int

const (
	Authorized State = iota + 1
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Authorized:
		return "authorized"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DownloadStore is the token persistence the authorizer needs.
type DownloadStore interface {
	GetToken(ctx context.Context, id string) (*store.Token, error)
	ReserveDownload(ctx context.Context, id string, now time.Time) error
	CompleteDownload(ctx context.Context, id string) (*store.Token, error)
	ReleaseDownload(ctx context.Context, id string) error
}

// AudioSource opens the recording behind a content id.
type AudioSource interface {
	OpenAudio(ctx context.Context, contentID string) (*files.Audio, error)
}

// Authorizer validates download tokens and meters the downloads made with them.
type Authorizer struct {
	store DownloadStore
	audio AudioSource
	now   func() time.Time
}

// NewAuthorizer creates an Authorizer using the wall clock.
func NewAuthorizer(st DownloadStore, audio AudioSource) *Authorizer {
	return &Authorizer{store: st, audio: audio, now: time.Now}
}

// WithClock replaces the clock used for expiry checks.
func (a *Authorizer) WithClock(now func() time.Time) *Authorizer {
	a.now = now
	return a
}

// Check evaluates a token against now without side effects.
func Check(t *store.Token, now time.Time) error {
	switch {
	case !t.IsActive:
		return ErrRevoked
	case !now.Before(t.ExpiresAt):
		return ErrExpired
	case t.DownloadCount >= t.MaxDownloads:
		return ErrLimitReached
	}
	return nil
}

// Verify looks a token up and evaluates it without reserving a download.
func (a *Authorizer) Verify(ctx context.Context, tokenID string) (*store.Token, error) {
	if tokenID == "" {
		return nil, ErrUnknownToken
	}
	t, err := a.store.GetToken(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, err
	}
	return t, Check(t, a.now())
}

// Authorize verifies a token, reserves one of its remaining downloads and
// opens the audio. Denials leave the token untouched and never reach storage.
// The caller must StreamTo or Close the returned grant.
func (a *Authorizer) Authorize(ctx context.Context, tokenID string) (*Grant, error) {
	t, err := a.Verify(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	now := a.now()
	if err := a.store.ReserveDownload(ctx, t.ID, now); err != nil {
		if !errors.Is(err, store.ErrNoDownloadsLeft) {
			return nil, err
		}
		// Lost a race; report why the token is no longer usable.
		if t, rerr := a.store.GetToken(ctx, tokenID); rerr == nil {
			if cerr := Check(t, now); cerr != nil {
				return nil, cerr
			}
		}
		return nil, ErrLimitReached
	}

	g := &Grant{store: a.store, token: t, state: Authorized}
	audio, err := a.audio.OpenAudio(ctx, t.ContentID)
	if err != nil {
		g.release(ctx)
		return nil, fmt.Errorf("open audio for %s: %w", t.ContentID, err)
	}
	g.audio = audio
	return g, nil
}

// Grant is one authorized download holding a reserved slot on its token.
type Grant struct {
	store DownloadStore
	token *store.Token
	audio *files.Audio

	mu    sync.Mutex
	state State
}

// Token returns the token as it was when the grant was made.
func (g *Grant) Token() *store.Token { return g.token }

// Filename is the attachment name for the download.
func (g *Grant) Filename() string { return g.audio.Item.Filename() }

// Size is the audio length in bytes, or -1 if unknown.
func (g *Grant) Size() int64 { return g.audio.Size }

// State returns the current state of the grant.
func (g *Grant) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// StreamTo copies the audio to w. Only after every byte is written is the
// download counted; on failure the reserved slot is released and the error
// wraps ErrTransfer. The updated token is returned on success.
func (g *Grant) StreamTo(ctx context.Context, w io.Writer) (*store.Token, error) {
	g.mu.Lock()
	if g.state != Authorized {
		st := g.state
		g.mu.Unlock()
		return nil, fmt.Errorf("grant is %s", st)
	}
	g.state = Streaming
	g.mu.Unlock()

	defer g.audio.Body.Close()

	n, err := io.Copy(w, g.audio.Body)
	if err == nil && g.audio.Size >= 0 && n != g.audio.Size {
		err = fmt.Errorf("short transfer: %d of %d bytes", n, g.audio.Size)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		g.setState(Failed)
		g.release(ctx)
		logging.Internal.Printf("download %s failed after %d bytes: %v", g.token.ID, n, err)
		return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
	}

	t, err := g.store.CompleteDownload(context.WithoutCancel(ctx), g.token.ID)
	if err != nil {
		g.setState(Failed)
		logging.Internal.Printf("CRITICAL: download %s delivered but not counted: %v", g.token.ID, err)
		return nil, err
	}
	g.setState(Completed)
	logging.Internal.Printf("download %s completed (%d/%d)", t.ID, t.DownloadCount, t.MaxDownloads)
	return t, nil
}

// Close releases the grant if it was never streamed.
func (g *Grant) Close() error {
	g.mu.Lock()
	st := g.state
	if st == Authorized {
		g.state = Failed
	}
	g.mu.Unlock()

	if st != Authorized {
		return nil
	}
	g.release(context.Background())
	if g.audio != nil {
		return g.audio.Body.Close()
	}
	return nil
}

func (g *Grant) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// release returns the reserved slot even if the request context is gone.
func (g *Grant) release(ctx context.Context) {
	if err := g.store.ReleaseDownload(context.WithoutCancel(ctx), g.token.ID); err != nil {
		logging.Internal.Printf("failed to release download slot on %s: %v", g.token.ID, err)
	}
}
