// Package speech narrates replies. At most one utterance is audible at a time.
package speech

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Voice struct {
	Name string `yaml:"name"`
	Lang string `yaml:"lang"`
}

type Utterance struct {
	Text   string
	Voice  Voice
	Volume float64
}

// Synthesizer is a platform text-to-speech engine. Speak blocks until the
// utterance has been played; cancelling ctx stops playback.
type Synthesizer interface {
	Available() bool
	Voices(ctx context.Context) ([]Voice, error)
	Speak(ctx context.Context, u Utterance) error
}

type Options struct {
	Delay time.Duration
}

// Narrator serializes speech for the dialogue. A new Speak cancels whatever
// is playing or still waiting out its delay.
type Narrator struct {
	synth    Synthesizer
	lang     string
	enabled  bool
	logger   *zap.Logger
	after    func(time.Duration) <-chan time.Time
	unlockMu sync.Mutex
	unlocked bool
	// play is held while the synthesizer is producing sound
	play sync.Mutex

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type NarratorOption func(*Narrator)

func WithLogger(l *zap.Logger) NarratorOption {
	return func(n *Narrator) { n.logger = l }
}

// WithLang sets the language used to pick a voice (en, zh).
func WithLang(lang string) NarratorOption {
	return func(n *Narrator) { n.lang = lang }
}

// WithEnabled turns narration on or off; a disabled narrator stays silent.
func WithEnabled(on bool) NarratorOption {
	return func(n *Narrator) { n.enabled = on }
}

func withTimer(after func(time.Duration) <-chan time.Time) NarratorOption {
	return func(n *Narrator) { n.after = after }
}

func NewNarrator(synth Synthesizer, opts ...NarratorOption) *Narrator {
	n := &Narrator{
		synth:   synth,
		lang:    "en",
		enabled: true,
		logger:  zap.NewNop(),
		after:   time.After,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Narrator) active() bool {
	return n != nil && n.enabled && n.synth != nil && n.synth.Available()
}

// SetLang switches the voice language for later utterances.
func (n *Narrator) SetLang(lang string) {
	n.mu.Lock()
	n.lang = lang
	n.mu.Unlock()
}

// Unlock primes the audio path with a silent utterance. Only the first call
// does anything.
func (n *Narrator) Unlock(ctx context.Context) {
	if !n.active() {
		return
	}
	n.unlockMu.Lock()
	defer n.unlockMu.Unlock()
	if n.unlocked {
		return
	}
	n.unlocked = true
	n.play.Lock()
	defer n.play.Unlock()
	if err := n.synth.Speak(ctx, Utterance{Text: " ", Volume: 0}); err != nil {
		n.logger.Debug("speech unlock", zap.Error(err))
	}
}

// Speak narrates text after opts.Delay. It returns immediately; failures are
// logged.
func (n *Narrator) Speak(ctx context.Context, text string, opts Options) {
	if strings.TrimSpace(text) == "" || !n.active() {
		return
	}

	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.gen++
	gen := n.gen
	sctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	lang := n.lang
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.finish(gen, cancel)

		n.Unlock(sctx)

		if opts.Delay > 0 {
			select {
			case <-sctx.Done():
				return
			case <-n.after(opts.Delay):
			}
		}
		if sctx.Err() != nil {
			return
		}

		voice := n.pickVoice(sctx, lang)
		n.play.Lock()
		defer n.play.Unlock()
		if sctx.Err() != nil {
			return
		}
		err := n.synth.Speak(sctx, Utterance{Text: text, Voice: voice, Volume: 1})
		if err != nil && sctx.Err() == nil {
			n.logger.Warn("speech failed", zap.Error(err))
		}
	}()
}

func (n *Narrator) finish(gen uint64, cancel context.CancelFunc) {
	cancel()
	n.mu.Lock()
	if n.gen == gen {
		n.cancel = nil
	}
	n.mu.Unlock()
}

// Cancel silences the current utterance and drops any pending one.
func (n *Narrator) Cancel() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.gen++
	n.mu.Unlock()
}

// Wait blocks until every started utterance has ended.
func (n *Narrator) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *Narrator) pickVoice(ctx context.Context, lang string) Voice {
	voices, err := n.synth.Voices(ctx)
	if err != nil || len(voices) == 0 {
		return Voice{}
	}
	prefix := "en"
	if strings.HasPrefix(lang, "zh") {
		prefix = "zh"
	}
	for _, v := range voices {
		if strings.HasPrefix(strings.ToLower(v.Lang), prefix) {
			return v
		}
	}
	return voices[0]
}
