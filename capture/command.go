package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultMicrophoneCommand records from the default PulseAudio source and
// writes the encoded container to stdout.
var DefaultMicrophoneCommand = []string{
	"ffmpeg", "-hide_banner", "-loglevel", "error",
	"-f", "pulse", "-i", "default",
	"-ac", "1", "-c:a", "{codec}", "-f", "{container}", "pipe:1",
}

type encoding struct {
	codec     string
	container string
}

var encodings = map[string]encoding{
	"audio/webm;codecs=opus": {codec: "libopus", container: "webm"},
	"audio/webm":             {codec: "libvorbis", container: "webm"},
	"audio/mp4":              {codec: "aac", container: "ipod"},
	"audio/aac":              {codec: "aac", container: "adts"},
}

// CommandMicrophone runs an external recorder. Argv may use the {codec} and
// {container} placeholders; Formats limits which mime types are offered.
type CommandMicrophone struct {
	Argv    []string
	Formats []string
}

func (m CommandMicrophone) argv() []string {
	if len(m.Argv) == 0 {
		return DefaultMicrophoneCommand
	}
	return m.Argv
}

// Available reports whether the recorder binary can be found.
func (m CommandMicrophone) Available() bool {
	_, err := exec.LookPath(m.argv()[0])
	return err == nil
}

func (m CommandMicrophone) Supports(mime string) bool {
	if _, ok := encodings[mime]; !ok {
		return false
	}
	if len(m.Formats) == 0 {
		return strings.HasPrefix(mime, "audio/webm")
	}
	for _, f := range m.Formats {
		if f == mime {
			return true
		}
	}
	return false
}

func (m CommandMicrophone) Open(ctx context.Context, mime string) (io.ReadCloser, error) {
	argv := m.argv()
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("recorder %q not found: %w", argv[0], err)
	}

	enc, ok := encodings[mime]
	if !ok {
		enc = encodings[DefaultMime]
	}

	args := make([]string, 0, len(argv)-1)
	for _, a := range argv[1:] {
		a = strings.ReplaceAll(a, "{codec}", enc.codec)
		a = strings.ReplaceAll(a, "{container}", enc.container)
		args = append(args, a)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	// SIGINT lets the recorder finalize the container instead of truncating it.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &commandStream{ReadCloser: stdout, cmd: cmd, ctx: ctx}, nil
}

type commandStream struct {
	io.ReadCloser
	cmd *exec.Cmd
	ctx context.Context
}

func (s *commandStream) Close() error {
	err := s.cmd.Wait()
	if err != nil && s.ctx.Err() != nil {
		// interrupted on purpose; the exit status is noise
		return nil
	}
	return err
}
