package speech

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultCommand speaks through espeak-ng. Amplitude is 0..200 there.
var DefaultCommand = []string{"espeak-ng", "-v", "{voice}", "-a", "{amplitude}", "--", "{text}"}

var DefaultVoices = []Voice{
	{Name: "en-us", Lang: "en-US"},
	{Name: "cmn", Lang: "zh-CN"},
}

// CommandSynth speaks by running an external program once per utterance.
type CommandSynth struct {
	Argv       []string
	VoiceList  []Voice
	lookPath   func(string) (string, error)
	runCommand func(ctx context.Context, name string, args ...string) error
}

func (s *CommandSynth) argv() []string {
	if len(s.Argv) == 0 {
		return DefaultCommand
	}
	return s.Argv
}

func (s *CommandSynth) look(name string) (string, error) {
	if s.lookPath != nil {
		return s.lookPath(name)
	}
	return exec.LookPath(name)
}

func (s *CommandSynth) Available() bool {
	_, err := s.look(s.argv()[0])
	return err == nil
}

func (s *CommandSynth) Voices(ctx context.Context) ([]Voice, error) {
	if len(s.VoiceList) == 0 {
		return DefaultVoices, nil
	}
	return s.VoiceList, nil
}

func (s *CommandSynth) Speak(ctx context.Context, u Utterance) error {
	argv := s.argv()
	bin, err := s.look(argv[0])
	if err != nil {
		return fmt.Errorf("speech command %q: %w", argv[0], err)
	}

	amplitude := strconv.Itoa(int(u.Volume * 100))
	voice := u.Voice.Name
	if voice == "" {
		voice = DefaultVoices[0].Name
	}

	args := make([]string, 0, len(argv)-1)
	for _, a := range argv[1:] {
		a = strings.ReplaceAll(a, "{voice}", voice)
		a = strings.ReplaceAll(a, "{amplitude}", amplitude)
		a = strings.ReplaceAll(a, "{text}", u.Text)
		args = append(args, a)
	}

	if s.runCommand != nil {
		return s.runCommand(ctx, bin, args...)
	}
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
