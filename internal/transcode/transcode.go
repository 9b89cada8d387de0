// Package transcode drives ffmpeg to normalize videos to a 720p H.264/AAC
// MP4 profile that mobile clients play inline.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tgrelay/internal/model"
	"tgrelay/internal/util"
)

// Policy selects how source frames are mapped onto the 1280x720 canvas.
type Policy string

const (
	// PolicyPad preserves the aspect ratio and letterboxes the remainder.
	PolicyPad Policy = "pad"
	// PolicyStretch distorts the frame to fill the canvas exactly.
	PolicyStretch Policy = "stretch"
)

// TranscodeError reports an ffmpeg failure with a bounded stderr excerpt.
type TranscodeError struct {
	ExitCode int
	Tail     string
}

func (e *TranscodeError) Error() string {
	if e.Tail != "" {
		return fmt.Sprintf("ffmpeg failed (exit %d): %s", e.ExitCode, e.Tail)
	}
	return fmt.Sprintf("ffmpeg failed (exit %d)", e.ExitCode)
}

// Options control ffmpeg execution.
type Options struct {
	FFmpegPath string
	Policy     Policy
	Runner     util.CmdRunner
}

// Transcoder converts artifacts to the delivery profile.
type Transcoder struct {
	opts Options
}

// New constructs a Transcoder, defaulting the runner to os/exec and the
// policy to padding.
func New(opts Options) *Transcoder {
	if opts.Runner == nil {
		opts.Runner = util.NewDefaultRunner()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyPad
	}
	return &Transcoder{opts: opts}
}

// To720p re-encodes the artifact to 1280x720 H.264/AAC MP4 next to the
// input, named "<base>_720p.mp4". The input file is left untouched.
func (t *Transcoder) To720p(ctx context.Context, in model.Artifact) (model.Artifact, error) {
	if t.opts.FFmpegPath == "" {
		return model.Artifact{}, errors.New("ffmpeg path is required")
	}
	if in.Path == "" {
		return model.Artifact{}, errors.New("input path is required")
	}

	out := outputPath(in.Path)
	args := buildArgs(in.Path, out, t.opts.Policy)

	res, runErr := t.opts.Runner.Run(ctx, util.CmdSpec{
		Path: t.opts.FFmpegPath,
		Args: args,
	})
	if runErr != nil {
		// Delete incomplete file
		_ = util.RemoveIfExists(out)
		return model.Artifact{}, &TranscodeError{
			ExitCode: res.Code,
			Tail:     util.TailString(res.Stderr, 400),
		}
	}

	fi, err := os.Stat(out)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("stat output: %w", err)
	}
	return model.Artifact{
		Path:          out,
		Filename:      filepath.Base(out),
		Bytes:         fi.Size(),
		DeclaredBytes: fi.Size(),
	}, nil
}

// outputPath derives the transcode target next to the input file.
func outputPath(in string) string {
	base := strings.TrimSuffix(in, filepath.Ext(in))
	return base + "_720p.mp4"
}

// buildArgs constructs the ffmpeg invocation for the 720p delivery profile.
func buildArgs(in, out string, policy Policy) []string {
	return []string{
		"-y",
		"-i", in,
		"-vf", scaleFilter(policy),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		out,
	}
}

// scaleFilter maps the policy to an ffmpeg video filter expression.
func scaleFilter(policy Policy) string {
	if policy == PolicyStretch {
		return "scale=1280:720"
	}
	return "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2"
}
