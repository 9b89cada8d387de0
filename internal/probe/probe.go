// Package probe talks to the external yt-dlp tool: it lists the encodings
// available for a video-platform URL without downloading, and fetches the
// media for a chosen vertical resolution.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tgrelay/internal/model"
	"tgrelay/internal/progress"
	"tgrelay/internal/util"
)

// BestHeight is the sentinel passed to Download to request the best
// available format instead of a specific resolution tier.
const BestHeight = 0

const (
	progressInterval = 2 * time.Second
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	referer          = "https://www.youtube.com/"
)

// ProbeError reports a tool failure. LoginRequired distinguishes anti-bot or
// login challenges so callers can show a targeted remediation message.
type ProbeError struct {
	LoginRequired bool
	Tail          string
}

func (e *ProbeError) Error() string {
	if e.LoginRequired {
		return "remote requires login or anti-bot verification"
	}
	if e.Tail != "" {
		return "probe failed: " + e.Tail
	}
	return "probe failed"
}

var platformHosts = map[string]bool{
	"youtube.com":       true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// IsPlatformURL reports whether the URL targets the supported video platform.
func IsPlatformURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	return platformHosts[host]
}

// Options configures a Prober.
type Options struct {
	ToolPath   string // Path to yt-dlp or youtube-dl
	CookieFile string // Optional cookies.txt for authenticated extraction
	ProxyURL   string // Optional proxy for the tool
	Dir        string // Base directory for per-download workdirs
	Runner     util.CmdRunner
}

// Prober wraps the external metadata/download tool.
type Prober struct {
	opts Options
}

// New constructs a Prober, defaulting the runner to os/exec.
func New(opts Options) *Prober {
	if opts.Runner == nil {
		opts.Runner = util.NewDefaultRunner()
	}
	return &Prober{opts: opts}
}

// toolInfo mirrors the fields of the tool's --dump-json output we care about.
type toolInfo struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Formats []struct {
		Height int `json:"height"`
	} `json:"formats"`
}

// Heights returns the distinct vertical resolutions available for the URL,
// deduplicated and sorted descending. No media is downloaded.
func (p *Prober) Heights(ctx context.Context, rawURL string) ([]int, error) {
	if p.opts.ToolPath == "" {
		return nil, errors.New("downloader tool path is required")
	}
	args := append(p.headerArgs(), "--dump-json", "--no-playlist", rawURL)

	res, runErr := p.opts.Runner.Run(ctx, util.CmdSpec{
		Path:          p.opts.ToolPath,
		Args:          args,
		CaptureStdout: true,
	})
	if runErr != nil && len(res.Stdout) == 0 {
		return nil, classifyToolError(res.Stderr)
	}

	info, err := parseToolJSON(res.Stdout)
	if err != nil {
		return nil, classifyToolError(res.Stderr)
	}

	seen := map[int]bool{}
	var heights []int
	for _, f := range info.Formats {
		if f.Height <= 0 || seen[f.Height] {
			continue
		}
		seen[f.Height] = true
		heights = append(heights, f.Height)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(heights)))
	return heights, nil
}

// Download fetches the media at the given vertical resolution (BestHeight for
// the best available), preferring combined video+audio streams at or below
// the requested height with graceful fallbacks. Progress parsed from the
// tool's output is published to sink at a bounded rate.
func (p *Prober) Download(ctx context.Context, rawURL string, height int, sink progress.Sink) (model.Artifact, error) {
	if p.opts.ToolPath == "" {
		return model.Artifact{}, errors.New("downloader tool path is required")
	}
	workdir, err := util.MakeTempWorkdir(p.opts.Dir, "ytdlp")
	if err != nil {
		return model.Artifact{}, fmt.Errorf("create workdir: %w", err)
	}

	outTemplate := filepath.Join(workdir, "%(title).80s.%(ext)s")
	args := append(p.headerArgs(),
		"-f", formatExpr(height),
		"-o", outTemplate,
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		rawURL,
	)

	throttle := progress.NewThrottle(sink, progressInterval)
	res, runErr := p.opts.Runner.Run(ctx, util.CmdSpec{
		Path: p.opts.ToolPath,
		Args: args,
		Dir:  workdir,
		StdoutLine: func(line string) {
			if done, total, ok := parseDownloadLine(line); ok {
				throttle.Tick(done, total)
			}
		},
	})
	if runErr != nil {
		return model.Artifact{}, classifyToolError(res.Stderr)
	}

	path, err := selectDownloaded(workdir)
	if err != nil {
		return model.Artifact{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("stat download: %w", err)
	}
	return model.Artifact{
		Path:          path,
		Filename:      filepath.Base(path),
		Bytes:         fi.Size(),
		DeclaredBytes: fi.Size(),
	}, nil
}

// headerArgs is the fixed request-header profile plus optional cookie/proxy
// configuration.
func (p *Prober) headerArgs() []string {
	args := []string{
		"--user-agent", userAgent,
		"--referer", referer,
		"--no-warnings",
	}
	if p.opts.CookieFile != "" {
		args = append(args, "--cookies", p.opts.CookieFile)
	}
	if p.opts.ProxyURL != "" {
		args = append(args, "--proxy", p.opts.ProxyURL)
	}
	return args
}

// formatExpr builds the tool's format selector: a combined stream at or below
// the requested height first, then separate streams merged, then whatever the
// tool considers best.
func formatExpr(height int) string {
	if height <= BestHeight {
		return "b/bv*+ba/best"
	}
	return fmt.Sprintf("b[height<=%d]/bv*[height<=%d]+ba/b/best", height, height)
}

// parseToolJSON decodes the last JSON object from the tool's stdout. The tool
// sometimes interleaves informational lines, so scan backwards for a
// decodable object.
func parseToolJSON(out []byte) (toolInfo, error) {
	data := strings.TrimSpace(string(out))
	var info toolInfo
	if err := json.NewDecoder(strings.NewReader(data)).Decode(&info); err == nil && info.ID != "" {
		return info, nil
	}
	lines := strings.Split(data, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var tmp toolInfo
		if json.Unmarshal([]byte(line), &tmp) == nil && tmp.ID != "" {
			return tmp, nil
		}
	}
	return toolInfo{}, errors.New("no metadata JSON in tool output")
}

// selectDownloaded picks the downloaded file in workdir, preferring common
// playable containers when the tool leaves more than one behind.
func selectDownloaded(workdir string) (string, error) {
	all, err := filepath.Glob(filepath.Join(workdir, "*"))
	if err != nil {
		return "", err
	}
	var files []string
	for _, p := range all {
		if fi, serr := os.Stat(p); serr == nil && !fi.IsDir() {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return "", errors.New("download succeeded but no output file found")
	}
	sort.SliceStable(files, func(i, j int) bool {
		pri := extPriority(filepath.Ext(files[i]))
		prj := extPriority(filepath.Ext(files[j]))
		if pri == prj {
			return files[i] < files[j]
		}
		return pri < prj
	})
	return files[0], nil
}

// extPriority returns a priority score for file extensions (lower = better).
func extPriority(ext string) int {
	switch strings.ToLower(ext) {
	case ".mp4":
		return 0
	case ".mkv":
		return 1
	case ".webm":
		return 2
	case ".mov":
		return 3
	default:
		return 100
	}
}

// classifyToolError inspects captured stderr for anti-bot/login challenge
// markers and wraps everything else with a bounded diagnostic tail.
func classifyToolError(stderr []byte) error {
	low := strings.ToLower(string(stderr))
	for _, marker := range []string{
		"sign in to confirm",
		"confirm you're not a bot",
		"login required",
		"use --cookies",
		"captcha",
	} {
		if strings.Contains(low, marker) {
			return &ProbeError{LoginRequired: true, Tail: util.TailString(stderr, 400)}
		}
	}
	return &ProbeError{Tail: util.TailString(stderr, 400)}
}
