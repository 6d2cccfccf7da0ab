package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MimePreference is tried in order when picking a recording format.
var MimePreference = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/mp4",
	"audio/aac",
}

const (
	DefaultMime       = "audio/webm"
	DefaultMaxSeconds = 10
)

// ErrMicrophoneUnavailable is returned when the microphone cannot be opened,
// either because access was denied or because no recorder is installed.
var ErrMicrophoneUnavailable = errors.New("microphone access denied or unsupported")

// Audio is one finished recording.
type Audio struct {
	Data     []byte
	MimeType string
}

// Filename is the multipart name the ASR endpoint expects, e.g. rec.webm.
func (a Audio) Filename() string {
	return "rec." + ExtFromMime(a.MimeType)
}

// PickMime returns the first preferred format the device supports.
func PickMime(supported func(string) bool) string {
	if supported == nil {
		return DefaultMime
	}
	for _, m := range MimePreference {
		if supported(m) {
			return m
		}
	}
	return DefaultMime
}

func ExtFromMime(mime string) string {
	switch {
	case mime == "":
		return "webm"
	case strings.Contains(mime, "webm"):
		return "webm"
	case strings.Contains(mime, "mp4"):
		return "m4a"
	case strings.Contains(mime, "aac"):
		return "aac"
	case strings.Contains(mime, "ogg"):
		return "ogg"
	case strings.Contains(mime, "wav"):
		return "wav"
	}
	return "webm"
}

// Microphone opens an encoded audio stream. The stream ends once ctx is
// cancelled and the device has flushed its container.
type Microphone interface {
	Supports(mime string) bool
	Open(ctx context.Context, mime string) (io.ReadCloser, error)
}

// Recorder drives one microphone capture at a time.
type Recorder struct {
	Mic        Microphone
	MaxSeconds int
	// BeforeStart runs before the device is opened; the dialogue uses it to
	// silence narration, since listening and speaking exclude each other.
	BeforeStart func()
	Logger      *zap.Logger
}

// Recording is a live capture. Ticks carries elapsed whole seconds; Done
// yields exactly one Audio (or an error) and is then closed.
type Recording struct {
	Ticks <-chan int
	Done  <-chan Result

	stop     context.CancelFunc
	stopOnce sync.Once
}

type Result struct {
	Audio Audio
	Err   error
}

// Stop ends the recording early. Safe to call more than once.
func (r *Recording) Stop() {
	r.stopOnce.Do(r.stop)
}

func (rec *Recorder) logger() *zap.Logger {
	if rec.Logger == nil {
		return zap.NewNop()
	}
	return rec.Logger
}

// Start opens the microphone and begins recording until Stop or the ceiling.
// On failure nothing is left running.
func (rec *Recorder) Start(ctx context.Context) (*Recording, error) {
	if rec.BeforeStart != nil {
		rec.BeforeStart()
	}
	if rec.Mic == nil {
		return nil, ErrMicrophoneUnavailable
	}

	maxSeconds := rec.MaxSeconds
	if maxSeconds <= 0 {
		maxSeconds = DefaultMaxSeconds
	}

	mime := PickMime(rec.Mic.Supports)
	recCtx, cancel := context.WithTimeout(ctx, time.Duration(maxSeconds)*time.Second)

	stream, err := rec.Mic.Open(recCtx, mime)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	ticks := make(chan int, maxSeconds+1)
	done := make(chan Result, 1)
	r := &Recording{Ticks: ticks, Done: done, stop: cancel}

	rec.logger().Debug("recording started", zap.String("mime", mime), zap.Int("max_seconds", maxSeconds))

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		defer close(ticks)
		elapsed := 0
		for {
			select {
			case <-recCtx.Done():
				return
			case <-ticker.C:
				elapsed++
				select {
				case ticks <- elapsed:
				default:
				}
			}
		}
	}()

	go func() {
		defer close(done)
		defer cancel()

		var buf bytes.Buffer
		_, copyErr := io.Copy(&buf, stream)
		closeErr := stream.Close()

		if copyErr != nil && recCtx.Err() == nil {
			done <- Result{Err: fmt.Errorf("record audio: %w", copyErr)}
			return
		}
		if closeErr != nil {
			rec.logger().Debug("microphone close", zap.Error(closeErr))
		}
		if buf.Len() == 0 {
			// the recorder died before producing a container, typically a denied device
			done <- Result{Err: ErrMicrophoneUnavailable}
			return
		}

		rec.logger().Debug("recording finished", zap.Int("bytes", buf.Len()))
		done <- Result{Audio: Audio{Data: buf.Bytes(), MimeType: mime}}
	}()

	return r, nil
}
