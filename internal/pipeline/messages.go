package pipeline

import (
	"errors"
	"fmt"

	"tgrelay/internal/deliver"
	"tgrelay/internal/fetch"
	"tgrelay/internal/probe"
	"tgrelay/internal/transcode"
)

const startText = `Hi! Send me a direct file link or a video URL and I'll fetch it and send it back to you here.

Use /help for details.`

const helpText = `Send a URL and I'll download it for you.

Direct links (https://.../file.ext) are fetched as-is. Video files can optionally be converted to 720p before sending.

Video platform links get a quality menu first; pick a resolution, Best, or Cancel.

Large files are relayed through a secondary account when one is configured.`

// userMessage translates a pipeline error into the single status line shown
// to the requester. Internal detail stays in the logs.
func userMessage(err error) string {
	var statusErr *fetch.StatusError
	var probeErr *probe.ProbeError
	var transcodeErr *transcode.TranscodeError
	var tooLarge *deliver.PayloadTooLargeError

	switch {
	case errors.Is(err, fetch.ErrInvalidInput):
		return "That doesn't look like a valid URL. Send a direct http(s) link."
	case errors.Is(err, fetch.ErrNotDirectLink):
		return "That link returns a web page, not a file. Send a direct download link."
	case errors.Is(err, fetch.ErrSuspiciouslySmall):
		return "The downloaded file is too small to be a real video. The link may be wrong or expired."
	case errors.As(err, &statusErr):
		return fmt.Sprintf("The server refused the download (HTTP %d).", statusErr.Code)
	case errors.As(err, &probeErr):
		if probeErr.LoginRequired {
			return "The platform wants a login or bot check. Ask the operator to configure a cookie file."
		}
		return "Couldn't read video info from the platform. The link may be unsupported."
	case errors.As(err, &transcodeErr):
		return "Converting the video failed. Try sending it without conversion."
	case errors.Is(err, deliver.ErrRelayForbidden):
		return "The relay account can't post in the configured relay chat. Ask the operator to check its permissions."
	case errors.As(err, &tooLarge):
		if tooLarge.LocalServer {
			return "The file is too large even for the self-hosted server limit."
		}
		return "The file exceeds the standard upload limit. A self-hosted Bot API server raises it to ~2GB."
	default:
		return "Something went wrong while processing your request."
	}
}
