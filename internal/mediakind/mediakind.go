// Package mediakind classifies filenames into the closed set of media kinds
// the messaging transport distinguishes for uploads.
package mediakind

import (
	"path/filepath"
	"strings"
)

// Kind is the media kind used to pick the upload method.
type Kind int

const (
	// Document is the generic-file kind; unmatched extensions land here.
	Document Kind = iota
	Video
	Audio
	Image
)

func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Image:
		return "image"
	default:
		return "document"
	}
}

var kindByExt = map[string]Kind{
	".mp4":  Video,
	".mkv":  Video,
	".webm": Video,
	".mov":  Video,
	".avi":  Video,
	".flv":  Video,
	".m4v":  Video,
	".mpg":  Video,
	".mpeg": Video,
	".ts":   Video,

	".mp3":  Audio,
	".m4a":  Audio,
	".aac":  Audio,
	".ogg":  Audio,
	".opus": Audio,
	".flac": Audio,
	".wav":  Audio,

	".jpg":  Image,
	".jpeg": Image,
	".png":  Image,
	".gif":  Image,
	".webp": Image,
	".bmp":  Image,
}

// Classify maps a filename to its media kind by extension.
// Unknown or missing extensions default to Document.
func Classify(filename string) Kind {
	ext := strings.ToLower(filepath.Ext(filename))
	if k, ok := kindByExt[ext]; ok {
		return k
	}
	return Document
}

// IsVideo reports whether the filename carries a video extension. The fetch
// sanity checks (direct-link and minimum-size) apply only to these.
func IsVideo(filename string) bool {
	return Classify(filename) == Video
}
