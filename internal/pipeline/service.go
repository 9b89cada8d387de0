// Package pipeline orchestrates one relay request end to end: validate,
// fetch or probe, offer choices, transform, deliver, clean up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tgrelay/internal/broker"
	"tgrelay/internal/cleanup"
	"tgrelay/internal/deliver"
	"tgrelay/internal/fetch"
	"tgrelay/internal/logger"
	"tgrelay/internal/mediakind"
	"tgrelay/internal/model"
	"tgrelay/internal/probe"
	"tgrelay/internal/progress"
	"tgrelay/internal/util/format"
)

// callbackNamespace prefixes every button payload this service issues.
const callbackNamespace = "relay"

// maxHeightChoices caps how many resolution buttons a platform offer shows.
const maxHeightChoices = 6

// Fetcher downloads a direct URL to local storage.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, sink progress.Sink) (model.Artifact, error)
}

// Prober lists and downloads video-platform resolutions.
type Prober interface {
	Heights(ctx context.Context, rawURL string) ([]int, error)
	Download(ctx context.Context, rawURL string, height int, sink progress.Sink) (model.Artifact, error)
}

// Transcoder converts a video artifact to the delivery profile.
type Transcoder interface {
	To720p(ctx context.Context, in model.Artifact) (model.Artifact, error)
}

// Deliverer routes an artifact to the destination chat.
type Deliverer interface {
	Deliver(ctx context.Context, chatID int64, art model.Artifact, sink progress.Sink) (deliver.Tier, error)
}

// UI is the subset of the transport used for status and choice messages.
type UI interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	EditButtons(ctx context.Context, chatID int64, messageID int, text string, rows [][]model.Button) error
}

// Service handles inbound messages and button callbacks.
type Service struct {
	ui         UI
	fetcher    Fetcher
	prober     Prober
	transcoder Transcoder
	router     Deliverer
	choices    *broker.Broker
	janitor    *cleanup.Janitor

	allowAll bool
	allowed  map[int64]bool

	// spawn runs a claimed choice handler off the callback path so the
	// button answer is not held up by the transfer. Tests override it.
	spawn func(fn func())
}

// Option configures a Service.
type Option func(*Service)

// WithUI sets the status/choice message transport.
func WithUI(ui UI) Option {
	return func(s *Service) { s.ui = ui }
}

// WithFetcher sets the direct-URL fetcher.
func WithFetcher(f Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithProber sets the video-platform prober.
func WithProber(p Prober) Option {
	return func(s *Service) { s.prober = p }
}

// WithTranscoder sets the 720p transcoder.
func WithTranscoder(t Transcoder) Option {
	return func(s *Service) { s.transcoder = t }
}

// WithDeliverer sets the delivery router.
func WithDeliverer(d Deliverer) Option {
	return func(s *Service) { s.router = d }
}

// WithChoices sets the pending-choice broker.
func WithChoices(b *broker.Broker) Option {
	return func(s *Service) { s.choices = b }
}

// WithJanitor sets the artifact cleanup scheduler.
func WithJanitor(j *cleanup.Janitor) Option {
	return func(s *Service) { s.janitor = j }
}

// WithAuthorization sets the access policy: allowAll admits everyone,
// otherwise only the listed user IDs are served.
func WithAuthorization(allowAll bool, userIDs []int64) Option {
	return func(s *Service) {
		s.allowAll = allowAll
		s.allowed = make(map[int64]bool, len(userIDs))
		for _, id := range userIDs {
			s.allowed[id] = true
		}
	}
}

// NewService constructs a Service with the provided options.
func NewService(opts ...Option) *Service {
	s := &Service{
		spawn: func(fn func()) { go fn() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) authorized(userID int64) bool {
	return s.allowAll || s.allowed[userID]
}

// OnMessage handles one inbound text message. Messages from unauthorized
// users are ignored without a reply.
func (s *Service) OnMessage(ctx context.Context, userID, chatID int64, messageID int, text string) {
	if !s.authorized(userID) {
		logger.Info("ignoring message from unauthorized user", "user_id", userID)
		return
	}

	text = strings.TrimSpace(text)
	switch {
	case text == "/start":
		s.sendText(ctx, chatID, startText)
	case text == "/help":
		s.sendText(ctx, chatID, helpText)
	case text == "" || strings.HasPrefix(text, "/"):
		s.sendText(ctx, chatID, "Unknown command. Send a URL or /help.")
	default:
		s.handleRequest(ctx, model.TransferRequest{
			URL:       text,
			UserID:    userID,
			ChatID:    chatID,
			MessageID: messageID,
		})
	}
}

// OnCallback handles one button press. The returned string is shown to the
// pressing user as a toast; empty means no toast. The claimed handler runs on
// its own goroutine so the answer reaches the user before the transfer starts.
func (s *Service) OnCallback(ctx context.Context, userID, chatID int64, messageID int, data string) string {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackNamespace {
		return ""
	}
	action, token := parts[1], parts[2]

	o, err := s.choices.Claim(token, userID)
	switch {
	case err == nil:
		s.spawn(func() { o.Handle(ctx, action, o) })
		return ""
	case errors.Is(err, broker.ErrExpired):
		return "This choice has expired."
	case errors.Is(err, broker.ErrForbidden):
		return "This choice belongs to another user."
	default:
		logger.Error("callback resolution failed", "error", err)
		return "Something went wrong."
	}
}

// handleRequest runs the pipeline for one URL.
func (s *Service) handleRequest(ctx context.Context, req model.TransferRequest) {
	u, err := fetch.ValidateURL(req.URL)
	if err != nil {
		s.sendText(ctx, req.ChatID, userMessage(err))
		return
	}

	statusID, err := s.ui.SendText(ctx, req.ChatID, "Processing your request...")
	if err != nil {
		logger.Error("status message failed", "chat_id", req.ChatID, "error", err)
		return
	}

	if s.prober != nil && probe.IsPlatformURL(u) {
		s.handlePlatform(ctx, req, statusID)
		return
	}
	s.handleDirect(ctx, req, statusID)
}

// handleDirect fetches a direct URL. Video artifacts get an interactive
// transcode choice; everything else is delivered as-is.
func (s *Service) handleDirect(ctx context.Context, req model.TransferRequest, statusID int) {
	s.editText(ctx, req.ChatID, statusID, "Downloading file...")

	art, err := s.fetcher.Fetch(ctx, req.URL, s.renderSink(ctx, req.ChatID, statusID, "Downloading"))
	if err != nil {
		s.fail(ctx, req, statusID, err)
		return
	}
	logger.Info("fetch complete", "user_id", req.UserID, "filename", art.Filename, "bytes", art.Bytes)

	if s.transcoder == nil || !mediakind.IsVideo(art.Filename) {
		s.deliverAndCleanup(ctx, req, statusID, art)
		return
	}

	token := s.choices.Add(broker.Offer{
		OwnerID:       req.UserID,
		ChatID:        req.ChatID,
		MessageID:     statusID,
		Payload:       req.URL,
		DefaultAction: "keep",
		Handle: func(hctx context.Context, action string, o broker.Offer) {
			switch action {
			case "cancel":
				s.janitor.Now(art.Path)
				s.editText(hctx, o.ChatID, o.MessageID, "Cancelled.")
			case "720p":
				s.transcodeAndDeliver(hctx, req, o.MessageID, art)
			default:
				s.deliverAndCleanup(hctx, req, o.MessageID, art)
			}
		},
	})

	prompt := fmt.Sprintf("Downloaded %s (%s). Convert to 720p before sending?",
		art.Filename, format.HumanizeBytes(art.Bytes))
	rows := [][]model.Button{
		{
			{Label: "Send as is", Data: s.callbackData("keep", token)},
			{Label: "Convert to 720p", Data: s.callbackData("720p", token)},
		},
		{
			{Label: "Cancel", Data: s.callbackData("cancel", token)},
		},
	}
	if err := s.ui.EditButtons(ctx, req.ChatID, statusID, prompt, rows); err != nil {
		// No usable controls; withdraw the offer so the timeout cannot
		// run a second time, then apply the default action right away.
		logger.Warn("choice controls failed, delivering unmodified", "error", err)
		s.choices.Cancel(token)
		s.deliverAndCleanup(ctx, req, statusID, art)
	}
}

// handlePlatform probes available resolutions and offers a pick. An empty
// probe result skips the choice and downloads the best format.
func (s *Service) handlePlatform(ctx context.Context, req model.TransferRequest, statusID int) {
	s.editText(ctx, req.ChatID, statusID, "Checking available qualities...")

	heights, err := s.prober.Heights(ctx, req.URL)
	if err != nil {
		s.fail(ctx, req, statusID, err)
		return
	}
	if len(heights) == 0 {
		s.downloadAndDeliver(ctx, req, statusID, probe.BestHeight)
		return
	}
	if len(heights) > maxHeightChoices {
		heights = heights[:maxHeightChoices]
	}

	token := s.choices.Add(broker.Offer{
		OwnerID:       req.UserID,
		ChatID:        req.ChatID,
		MessageID:     statusID,
		Payload:       req.URL,
		DefaultAction: "best",
		Handle: func(hctx context.Context, action string, o broker.Offer) {
			switch action {
			case "cancel":
				s.editText(hctx, o.ChatID, o.MessageID, "Cancelled.")
			case "best":
				s.downloadAndDeliver(hctx, req, o.MessageID, probe.BestHeight)
			default:
				h, convErr := strconv.Atoi(action)
				if convErr != nil {
					logger.Error("unexpected choice action", "action", action)
					h = probe.BestHeight
				}
				s.downloadAndDeliver(hctx, req, o.MessageID, h)
			}
		},
	})

	var row []model.Button
	var rows [][]model.Button
	for _, h := range heights {
		row = append(row, model.Button{
			Label: fmt.Sprintf("%dp", h),
			Data:  s.callbackData(strconv.Itoa(h), token),
		})
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []model.Button{
		{Label: "Best", Data: s.callbackData("best", token)},
		{Label: "Cancel", Data: s.callbackData("cancel", token)},
	})

	if err := s.ui.EditButtons(ctx, req.ChatID, statusID, "Pick a quality:", rows); err != nil {
		logger.Warn("choice controls failed, downloading best", "error", err)
		s.choices.Cancel(token)
		s.downloadAndDeliver(ctx, req, statusID, probe.BestHeight)
	}
}

// downloadAndDeliver fetches the platform media at the chosen height and
// delivers it unmodified.
func (s *Service) downloadAndDeliver(ctx context.Context, req model.TransferRequest, statusID, height int) {
	label := "best"
	if height > 0 {
		label = fmt.Sprintf("%dp", height)
	}
	s.editText(ctx, req.ChatID, statusID, fmt.Sprintf("Downloading %s...", label))

	art, err := s.prober.Download(ctx, req.URL, height, s.renderSink(ctx, req.ChatID, statusID, "Downloading"))
	if err != nil {
		s.fail(ctx, req, statusID, err)
		return
	}
	logger.Info("platform download complete", "user_id", req.UserID, "filename", art.Filename, "bytes", art.Bytes)
	s.deliverAndCleanup(ctx, req, statusID, art)
}

// transcodeAndDeliver converts the artifact to 720p and delivers the
// original followed by the converted file. Both are scheduled for cleanup.
func (s *Service) transcodeAndDeliver(ctx context.Context, req model.TransferRequest, statusID int, in model.Artifact) {
	s.editText(ctx, req.ChatID, statusID, "Converting to 720p...")

	out, err := s.transcoder.To720p(ctx, in)
	if err != nil {
		s.janitor.Schedule(in.Path)
		s.fail(ctx, req, statusID, err)
		return
	}

	s.editText(ctx, req.ChatID, statusID, "Uploading original...")
	_, derr := s.router.Deliver(ctx, req.ChatID, in, s.renderSink(ctx, req.ChatID, statusID, "Uploading"))
	s.janitor.Schedule(in.Path)
	if derr != nil {
		s.janitor.Schedule(out.Path)
		s.fail(ctx, req, statusID, derr)
		return
	}
	s.deliverAndCleanup(ctx, req, statusID, out)
}

// deliverAndCleanup routes the artifact, removes the status message on
// success, and schedules the file's deletion either way.
func (s *Service) deliverAndCleanup(ctx context.Context, req model.TransferRequest, statusID int, art model.Artifact) {
	s.editText(ctx, req.ChatID, statusID, fmt.Sprintf("Uploading %s...", mediakind.Classify(art.Filename)))

	tier, err := s.router.Deliver(ctx, req.ChatID, art, s.renderSink(ctx, req.ChatID, statusID, "Uploading"))
	s.janitor.Schedule(art.Path)
	if err != nil {
		s.fail(ctx, req, statusID, err)
		return
	}

	logger.Info("delivered", "user_id", req.UserID, "chat_id", req.ChatID,
		"filename", art.Filename, "bytes", art.Bytes, "tier", tier.String())
	if derr := s.ui.DeleteMessage(ctx, req.ChatID, statusID); derr != nil {
		logger.Debug("status message cleanup failed", "error", derr)
	}
}

// fail renders one terminal status update for the request.
func (s *Service) fail(ctx context.Context, req model.TransferRequest, statusID int, err error) {
	logger.Error("request failed", "user_id", req.UserID, "url", req.URL, "error", err)
	s.editText(ctx, req.ChatID, statusID, userMessage(err))
}

// renderSink returns a progress sink that rewrites the status message.
// Rendering failures are swallowed; progress is cosmetic.
func (s *Service) renderSink(ctx context.Context, chatID int64, statusID int, verb string) progress.Sink {
	return progress.SinkFunc(func(sm progress.Sample) {
		var text string
		if pct := sm.Percent(); pct >= 0 {
			text = fmt.Sprintf("%s... %.0f%% (%s of %s, %s)", verb, pct,
				format.HumanizeBytes(sm.Done), format.HumanizeBytes(sm.Total),
				format.HumanizeRate(sm.Done, sm.Elapsed))
		} else {
			text = fmt.Sprintf("%s... %s (%s)", verb,
				format.HumanizeBytes(sm.Done), format.HumanizeRate(sm.Done, sm.Elapsed))
		}
		if err := s.ui.EditText(ctx, chatID, statusID, text); err != nil {
			logger.Debug("progress render failed", "error", err)
		}
	})
}

func (s *Service) callbackData(action, token string) string {
	return callbackNamespace + ":" + action + ":" + token
}

func (s *Service) sendText(ctx context.Context, chatID int64, text string) {
	if _, err := s.ui.SendText(ctx, chatID, text); err != nil {
		logger.Error("send failed", "chat_id", chatID, "error", err)
	}
}

func (s *Service) editText(ctx context.Context, chatID int64, messageID int, text string) {
	if err := s.ui.EditText(ctx, chatID, messageID, text); err != nil {
		logger.Debug("edit failed", "chat_id", chatID, "message_id", messageID, "error", err)
	}
}
