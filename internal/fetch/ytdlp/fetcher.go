// Package ytdlp implements tracks.FetchProvider by driving the yt-dlp binary.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

const (
	// DefaultBinary is looked up on PATH.
	DefaultBinary = "yt-dlp"
	// DefaultSearchPrefix makes yt-dlp consider the top five music results.
	DefaultSearchPrefix = "ytmusicsearch5"
	// exitMaxDownloads is yt-dlp's exit status once --max-downloads is reached.
	exitMaxDownloads = 101

	defaultOutputName = "%(artist,uploader)s - %(title)s"
)

// Music videos and live streams are never wanted as audio sources.
const baseMatchFilter = `!is_live & title !~= '(?i)(official (music )?video|music video)'`

// CommandRunner executes an external command and returns its output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner. A non-zero exit is reported through exitCode
// with a nil error; err is set only when the process could not run.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, fmt.Errorf("run %s: %w", name, err)
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

// Config controls the yt-dlp invocation.
type Config struct {
	Binary string
	// OutputDir is the library root; locators are returned relative to it.
	OutputDir    string
	AudioFormat  string
	AudioQuality string
	// MaxFilesizeMB and MaxDurationSeconds decline larger candidates; zero disables.
	MaxFilesizeMB      int
	MaxDurationSeconds int
	SearchPrefix       string
	// EmbedThumbnail stores the source thumbnail as cover art.
	EmbedThumbnail bool
	Timeout        time.Duration
	Logger         *zap.Logger
}

// Fetcher implements tracks.FetchProvider.
type Fetcher struct {
	cfg    Config
	runner CommandRunner
	logger *zap.Logger
}

// New builds a Fetcher. A nil runner uses ExecRunner.
func New(cfg Config, runner CommandRunner) (*Fetcher, error) {
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("fetch output dir is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "mp3"
	}
	if cfg.AudioQuality == "" {
		cfg.AudioQuality = "192"
	}
	if cfg.SearchPrefix == "" {
		cfg.SearchPrefix = DefaultSearchPrefix
	}
	if cfg.MaxFilesizeMB < 0 || cfg.MaxDurationSeconds < 0 {
		return nil, errors.New("fetch size and duration caps must be >= 0")
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, runner: runner, logger: logger.Named("ytdlp")}, nil
}

// Fetch downloads the target and returns the written artifacts.
func (f *Fetcher) Fetch(ctx context.Context, req tracks.FetchRequest) (tracks.FetchResult, error) {
	source, err := f.source(req.Target)
	if err != nil {
		return tracks.FetchResult{}, err
	}
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	args := f.Args(source, req.Name)
	stdout, stderr, code, err := f.runner.Run(ctx, f.cfg.Binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return tracks.FetchResult{}, fmt.Errorf("%w: %s: %w", tracks.ErrFetchFailed, source, ctx.Err())
		}
		return tracks.FetchResult{}, fmt.Errorf("%w: %w", tracks.ErrFetchFailed, err)
	}

	locators := f.locators(stdout)
	f.logger.Debug("yt-dlp finished",
		zap.String("source", source),
		zap.Int("exit_code", code),
		zap.Strings("locators", locators),
	)
	if len(locators) == 0 {
		if declined(stderr) {
			return tracks.FetchResult{}, fmt.Errorf("%w: %s", tracks.ErrSizeExceeded, source)
		}
		return tracks.FetchResult{}, fmt.Errorf("%w: %s: exit %d: %s", tracks.ErrFetchFailed, source, code, lastLine(stderr))
	}
	if code != 0 && code != exitMaxDownloads {
		f.logger.Warn("yt-dlp exited non-zero after writing artifacts",
			zap.Int("exit_code", code), zap.String("stderr", lastLine(stderr)))
	}
	return tracks.FetchResult{Locators: locators, Duration: time.Since(start)}, nil
}

func (f *Fetcher) source(target tracks.Target) (string, error) {
	switch {
	case target.URL != "":
		return target.URL, nil
	case strings.TrimSpace(target.Query) != "":
		return f.cfg.SearchPrefix + ":" + target.Query, nil
	default:
		return "", fmt.Errorf("%w: empty target", tracks.ErrFetchFailed)
	}
}

// Args builds the yt-dlp command line for source. A search or single-video
// source yields at most one artifact. A collection URL (a playlist or album
// page) downloads every entry, each under its own title.
func (f *Fetcher) Args(source, name string) []string {
	collection := isCollection(source)
	if name == "" || collection {
		name = defaultOutputName
	}
	args := []string{
		"--no-simulate",
		"--no-progress",
	}
	if !collection {
		args = append(args, "--no-playlist", "--max-downloads", "1")
	}
	args = append(args,
		"--format", "bestaudio/best",
		"--embed-metadata",
		"--match-filter", f.matchFilter(),
		"--output", filepath.Join(f.cfg.OutputDir, name+".%(ext)s"),
		"--print", "after_move:filepath",
	)
	if f.cfg.EmbedThumbnail {
		args = append(args, "--embed-thumbnail", "--convert-thumbnails", "jpg")
	}
	if f.cfg.AudioFormat != "best" {
		args = append(args, "--extract-audio",
			"--audio-format", f.cfg.AudioFormat,
			"--audio-quality", f.cfg.AudioQuality)
	}
	if f.cfg.MaxFilesizeMB > 0 {
		args = append(args, "--max-filesize", strconv.Itoa(f.cfg.MaxFilesizeMB)+"M")
	}
	return append(args, "--", source)
}

// isCollection reports whether source is a URL naming a list of videos rather
// than one video.
func isCollection(source string) bool {
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return false
	}
	q := u.Query()
	if q.Get("v") != "" {
		return false
	}
	return q.Get("list") != "" ||
		strings.HasPrefix(u.Path, "/playlist") ||
		strings.HasPrefix(u.Path, "/browse/")
}

func (f *Fetcher) matchFilter() string {
	if f.cfg.MaxDurationSeconds <= 0 {
		return baseMatchFilter
	}
	return baseMatchFilter + " & duration <=? " + strconv.Itoa(f.cfg.MaxDurationSeconds)
}

// locators turns printed file paths into library-relative locators.
func (f *Fetcher) locators(stdout []byte) []string {
	var out []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line == "NA" {
			continue
		}
		if rel, err := filepath.Rel(f.cfg.OutputDir, line); err == nil && !strings.HasPrefix(rel, "..") {
			line = filepath.ToSlash(rel)
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out
}

func declined(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "larger than max-filesize") ||
		strings.Contains(s, "does not pass filter")
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
