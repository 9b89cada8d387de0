// Package deliver routes a local artifact to the destination chat across
// ordered upload tiers: relay via a secondary account for oversized files,
// direct typed upload, then a generic-document fallback.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tgrelay/internal/logger"
	"tgrelay/internal/mediakind"
	"tgrelay/internal/model"
	"tgrelay/internal/progress"
	"tgrelay/internal/util/format"
)

// Messenger abstracts the chat transport. SendFile returns the sent message
// ID so relayed uploads can be copied into the destination chat.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendFile(ctx context.Context, chatID int64, kind mediakind.Kind, art model.Artifact, caption string, sink progress.Sink) (int, error)
	CopyMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) error
}

// Tier identifies which upload strategy carried the artifact.
type Tier int

const (
	TierDirect Tier = iota
	TierRelay
	TierDocumentFallback
)

func (t Tier) String() string {
	switch t {
	case TierRelay:
		return "relay"
	case TierDocumentFallback:
		return "document-fallback"
	default:
		return "direct"
	}
}

// ErrRelayForbidden indicates the relay account lacks access to the relay
// chat or cannot copy into the destination. This needs operator action, so
// it aborts the delivery instead of falling through.
var ErrRelayForbidden = errors.New("relay account lacks access to the relay or destination chat")

// PayloadTooLargeError is the terminal error after every tier rejected the
// artifact for size. LocalServer records whether a self-hosted API server
// was already in use, which changes the remediation advice.
type PayloadTooLargeError struct {
	Bytes       int64
	LocalServer bool
}

func (e *PayloadTooLargeError) Error() string {
	if e.LocalServer {
		return fmt.Sprintf("file of %s exceeds even the self-hosted server limit", format.HumanizeBytes(e.Bytes))
	}
	return fmt.Sprintf("file of %s exceeds the upload limit; a self-hosted API server raises it to ~2GB", format.HumanizeBytes(e.Bytes))
}

const uploadProgressInterval = time.Second

// Options configure a Router.
type Options struct {
	Primary     Messenger
	Relay       Messenger // nil when no secondary account is configured
	RelayChatID int64     // staging chat the relay account uploads into
	SizeCeiling int64     // primary channel payload ceiling in bytes
	LocalServer bool      // primary talks to a self-hosted API server
}

// Router picks delivery tiers for artifacts.
type Router struct {
	opts Options
}

// NewRouter returns a Router with the given transports and limits.
func NewRouter(opts Options) *Router {
	return &Router{opts: opts}
}

// Deliver uploads the artifact to chatID, trying tiers in order. At most one
// tier delivers; the returned Tier is the one that succeeded, or the last
// one attempted on error. Upload progress is forwarded to sink at most once
// per second.
func (r *Router) Deliver(ctx context.Context, chatID int64, art model.Artifact, sink progress.Sink) (Tier, error) {
	th := progress.NewThrottle(sink, uploadProgressInterval)
	wrapped := progress.SinkFunc(func(s progress.Sample) {
		th.Tick(s.Done, s.Total)
	})

	if r.relayEligible(art) {
		err := r.deliverViaRelay(ctx, chatID, art, wrapped)
		if err == nil {
			return TierRelay, nil
		}
		if isPermissionError(err) {
			return TierRelay, fmt.Errorf("%w: %v", ErrRelayForbidden, err)
		}
		// Generic relay trouble is not fatal; tell the requester and try the
		// primary channel anyway.
		logger.Warn("relay delivery failed, falling back to direct upload",
			"chat_id", chatID, "bytes", art.Bytes, "error", err)
		if _, nerr := r.opts.Primary.SendText(ctx, chatID, "Relay upload failed, trying direct upload..."); nerr != nil {
			logger.Debug("relay fallback notice not sent", "error", nerr)
		}
	}

	kind := mediakind.Classify(art.Filename)
	_, err := r.opts.Primary.SendFile(ctx, chatID, kind, art, caption(art, TierDirect), wrapped)
	if err == nil {
		return TierDirect, nil
	}
	if !isTooLargeError(err) {
		return TierDirect, fmt.Errorf("send %s: %w", kind, err)
	}

	if kind != mediakind.Document {
		logger.Info("typed upload rejected for size, retrying as document",
			"chat_id", chatID, "kind", kind.String(), "bytes", art.Bytes)
		_, err = r.opts.Primary.SendFile(ctx, chatID, mediakind.Document, art, caption(art, TierDocumentFallback), wrapped)
		if err == nil {
			return TierDocumentFallback, nil
		}
		if !isTooLargeError(err) {
			return TierDocumentFallback, fmt.Errorf("send document: %w", err)
		}
	}

	return TierDocumentFallback, &PayloadTooLargeError{
		Bytes:       art.Bytes,
		LocalServer: r.opts.LocalServer,
	}
}

// relayEligible reports whether the relay tier applies: a relay transport is
// configured and the artifact exceeds the primary channel's ceiling.
func (r *Router) relayEligible(art model.Artifact) bool {
	return r.opts.Relay != nil &&
		r.opts.RelayChatID != 0 &&
		r.opts.SizeCeiling > 0 &&
		art.Bytes > r.opts.SizeCeiling
}

// deliverViaRelay uploads through the secondary account into the staging
// chat, then copies the resulting message into the destination.
func (r *Router) deliverViaRelay(ctx context.Context, chatID int64, art model.Artifact, sink progress.Sink) error {
	kind := mediakind.Classify(art.Filename)
	msgID, err := r.opts.Relay.SendFile(ctx, r.opts.RelayChatID, kind, art, caption(art, TierRelay), sink)
	if err != nil {
		return fmt.Errorf("relay upload: %w", err)
	}
	if err := r.opts.Relay.CopyMessage(ctx, chatID, r.opts.RelayChatID, msgID); err != nil {
		return fmt.Errorf("copy from relay chat: %w", err)
	}
	return nil
}

// caption tells the requester which path carried the file.
func caption(art model.Artifact, t Tier) string {
	size := format.HumanizeBytes(art.Bytes)
	switch t {
	case TierRelay:
		return fmt.Sprintf("%s (%s, via relay)", art.Filename, size)
	case TierDocumentFallback:
		return fmt.Sprintf("%s (%s, sent as file due to size limits)", art.Filename, size)
	default:
		return fmt.Sprintf("%s (%s)", art.Filename, size)
	}
}

// isTooLargeError matches the API's payload-size rejections.
func isTooLargeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"request entity too large",
		"file is too big",
		"too large",
		"413",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isPermissionError matches access failures that no retry can fix.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"forbidden",
		"not enough rights",
		"have no rights",
		"chat not found",
		"bot was kicked",
		"bot was blocked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
