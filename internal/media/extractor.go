package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"media-pipeline/internal/upstream"
)

// Service labels download and extraction failures.
const Service = "audio-extraction"

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Extractor downloads a source video, extracts mono 16 kHz audio with ffmpeg and stores it.
type Extractor struct {
	http            *http.Client
	store           ArtifactStore
	ffmpeg          string
	run             Runner
	maxBytes        int64
	downloadTimeout time.Duration
	log             zerolog.Logger
}

// ExtractorOptions configures an Extractor.
type ExtractorOptions struct {
	FFmpegPath      string
	MaxBytes        int64
	DownloadTimeout time.Duration
	Runner          Runner
}

func NewExtractor(client *http.Client, store ArtifactStore, opts ExtractorOptions, log zerolog.Logger) *Extractor {
	if client == nil {
		client = &http.Client{}
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 2 << 30
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 2 * time.Minute
	}
	if opts.Runner == nil {
		opts.Runner = execRunner
	}
	return &Extractor{
		http:            client,
		store:           store,
		ffmpeg:          opts.FFmpegPath,
		run:             opts.Runner,
		maxBytes:        opts.MaxBytes,
		downloadTimeout: opts.DownloadTimeout,
		log:             log,
	}
}

// Extract returns a fetchable URL of the audio track of sourceURL.
func (e *Extractor) Extract(ctx context.Context, attachmentID int64, sourceURL string) (string, error) {
	dir, err := os.MkdirTemp("", "extract-*")
	if err != nil {
		return "", upstream.NewTransient(Service, fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "source")
	if err := e.download(ctx, sourceURL, src); err != nil {
		return "", err
	}

	out := filepath.Join(dir, "audio.mp3")
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", src, "-vn", "-ac", "1", "-ar", "16000", "-b:a", "64k", out}
	if output, err := e.run(ctx, e.ffmpeg, args...); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", upstream.NewFatal(Service, fmt.Errorf("ffmpeg unavailable: %w", err))
		}
		return "", upstream.NewFatal(Service, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(output))))
	}

	audio, err := os.ReadFile(out)
	if err != nil {
		return "", upstream.NewFatal(Service, fmt.Errorf("read extracted audio: %w", err))
	}
	if len(audio) == 0 {
		return "", upstream.NewFatal(Service, errors.New("extracted audio is empty"))
	}

	key := fmt.Sprintf("audio/%d/%d.mp3", attachmentID, time.Now().UnixNano())
	audioURL, err := e.store.Put(ctx, key, audio, "audio/mpeg")
	if err != nil {
		return "", upstream.NewTransient(Service, fmt.Errorf("store audio: %w", err))
	}
	e.log.Info().Int64("attachment_id", attachmentID).Int("bytes", len(audio)).Msg("audio extracted")
	return audioURL, nil
}

func (e *Extractor) download(ctx context.Context, sourceURL, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, e.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return upstream.NewFatal(Service, fmt.Errorf("build request: %w", err))
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return upstream.FromTransport(Service, fmt.Errorf("download source: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return upstream.FromStatus(Service, resp.StatusCode, "download source")
	}

	f, err := os.Create(dest)
	if err != nil {
		return upstream.NewTransient(Service, fmt.Errorf("create source file: %w", err))
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return upstream.FromTransport(Service, fmt.Errorf("read source: %w", err))
	}
	if n > e.maxBytes {
		return upstream.NewFatal(Service, fmt.Errorf("source too large (>%d bytes)", e.maxBytes))
	}
	if n == 0 {
		return upstream.NewFatal(Service, errors.New("source is empty"))
	}
	return nil
}
