package dialogue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kir-gadjello/navassist/capture"
	"github.com/kir-gadjello/navassist/gateway"
	"github.com/kir-gadjello/navassist/speech"
)

// Backend is the part of the gateway client the dialogue drives.
type Backend interface {
	Start(ctx context.Context, req gateway.StartRequest) (*gateway.StartResponse, error)
	Locate(ctx context.Context, id gateway.Identity, name string, image []byte) (*gateway.LocateResponse, error)
	Ask(ctx context.Context, id gateway.Identity, text string) (*gateway.QAResponse, error)
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
	SessionLocation(ctx context.Context, sessionID string) (*gateway.SessionLocation, error)
	VerifyLocation(ctx context.Context, sessionID, destination string) (*gateway.Verification, error)
	NavigationInstructions(ctx context.Context, sessionID, destination string) (*gateway.Navigation, error)
	SetLogging(ctx context.Context, req gateway.LoggingRequest) (*gateway.LoggingResponse, error)
	LoggingStatus(ctx context.Context, sessionID, provider string) (*gateway.LoggingResponse, error)
	StartErrorRecovery(ctx context.Context, req gateway.RecoveryStart) (*gateway.RecoveryStarted, error)
	EndErrorRecovery(ctx context.Context, req gateway.RecoveryEnd) (*gateway.RecoveryEnded, error)
	RecordClarificationRound(ctx context.Context, r gateway.ClarificationRound)
	EndClarification(ctx context.Context, r gateway.ClarificationEnd)
}

type Speaker interface {
	Unlock(ctx context.Context)
	Speak(ctx context.Context, text string, opts speech.Options)
	Cancel()
	SetLang(lang string)
}

type Recorder interface {
	Start(ctx context.Context) (*capture.Recording, error)
}

// Store persists preferences, inquiry counters and the conversation archive.
type Store interface {
	InquiryCount(sessionID string) (int, error)
	SetInquiryCount(sessionID string, n int) error
	ClearInquiryCount(sessionID string) error
	SavePreferences(sessionID, siteID, provider, lang string) error
	StartSession(sessionID, siteID, provider, lang string) error
	AppendMessage(sessionID, role, text string) error
}

type Deps struct {
	Backend  Backend
	Speaker  Speaker
	Recorder Recorder
	Store    Store
	Logger   *zap.Logger

	PhotoMaxSide int
	PhotoQuality int

	// OnState receives every new state; OnAlert every blocking notice.
	// Both are called from the Run goroutine.
	OnState func(State)
	OnAlert func(string)
}

// Runner owns the dialogue state. Events are applied one at a time in the
// order they were dispatched.
type Runner struct {
	machine *Machine
	deps    Deps
	logger  *zap.Logger

	events  chan Event
	stopped chan struct{}
	once    sync.Once

	mu    sync.RWMutex
	state State

	recMu     sync.Mutex
	recording *capture.Recording

	wg sync.WaitGroup
}

func NewRunner(m *Machine, initial State, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		machine: m,
		deps:    deps,
		logger:  logger,
		events:  make(chan Event, 64),
		stopped: make(chan struct{}),
		state:   initial,
	}
}

// State returns the latest snapshot.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Dispatch queues ev. After Run has returned it is dropped.
func (r *Runner) Dispatch(ev Event) {
	select {
	case r.events <- ev:
	case <-r.stopped:
	}
}

// Run applies events until ctx is cancelled, then waits for in-flight
// commands to finish.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		r.once.Do(func() { close(r.stopped) })
		r.stopRecording()
		r.wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			r.step(ctx, ev)
		}
	}
}

func (r *Runner) step(ctx context.Context, ev Event) {
	r.mu.Lock()
	prev := r.state
	next, cmds := r.machine.Reduce(prev, ev)
	r.state = next
	r.mu.Unlock()

	r.archive(prev, next)

	if r.deps.OnState != nil {
		r.deps.OnState(next)
	}
	for _, cmd := range cmds {
		r.execute(ctx, cmd)
	}
}

func (r *Runner) archive(prev, next State) {
	st := r.deps.Store
	if st == nil {
		return
	}
	sess := next.Session
	if prev.Phase == PhaseStarting && next.Phase == PhaseActive {
		if err := st.StartSession(sess.SessionID, sess.SiteID, sess.Provider, sess.Lang); err != nil {
			r.logger.Warn("archive session", zap.Error(err))
		}
		return
	}
	if next.Phase != PhaseActive || len(next.Messages) <= len(prev.Messages) {
		return
	}
	for _, m := range next.Messages[len(prev.Messages):] {
		if err := st.AppendMessage(sess.SessionID, string(m.Role), m.Text); err != nil {
			r.logger.Warn("archive message", zap.Error(err))
			return
		}
	}
}

// spawn runs fn in the background and posts its event, if any.
func (r *Runner) spawn(fn func() Event) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if ev := fn(); ev != nil {
			r.Dispatch(ev)
		}
	}()
}

func (r *Runner) execute(ctx context.Context, cmd Command) {
	b := r.deps.Backend
	sp := r.deps.Speaker

	switch c := cmd.(type) {
	case UnlockAudio:
		if sp != nil {
			r.spawn(func() Event { sp.Unlock(ctx); return nil })
		}

	case CancelSpeech:
		if sp != nil {
			sp.Cancel()
		}

	case Speak:
		if sp != nil {
			sp.Speak(ctx, c.Text, speech.Options{Delay: c.Delay})
		}

	case SetSpeechLang:
		if sp != nil {
			sp.SetLang(c.Lang)
		}

	case StartSession:
		r.spawn(func() Event {
			resp, err := b.Start(ctx, c.Req)
			if err != nil {
				return StartFailed{Err: err}
			}
			return StartSucceeded{Resp: resp}
		})

	case Locate:
		r.spawn(func() Event {
			photo, err := c.Photo.Prepare(r.deps.PhotoMaxSide, r.deps.PhotoQuality)
			if err != nil {
				return LocateFailed{Err: err, Epoch: c.Epoch}
			}
			resp, err := b.Locate(ctx, c.ID, photo.Name, photo.Data)
			if err != nil {
				return LocateFailed{Err: err, Epoch: c.Epoch}
			}
			if c.Bootstrap && resp.Caption == "" {
				r.logger.Warn("first photo response missing caption", zap.Bool("retry", c.Retry))
			}
			return LocateSucceeded{Resp: resp, Photo: photo, Bootstrap: c.Bootstrap, Retried: c.Retry, Epoch: c.Epoch}
		})

	case FetchLocation:
		r.spawn(func() Event {
			if c.After > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(c.After):
				}
			}
			loc, err := b.SessionLocation(ctx, c.SessionID)
			if err != nil {
				r.logger.Warn("session location", zap.Error(err))
				return nil
			}
			return LocationFetched{Loc: loc, Epoch: c.Epoch}
		})

	case Ask:
		r.spawn(func() Event {
			resp, err := b.Ask(ctx, c.ID, c.Text)
			if err != nil {
				return QAFailed{Err: err}
			}
			return QAAnswered{Question: c.Text, Resp: resp}
		})

	case Transcribe:
		r.spawn(func() Event {
			text, err := b.Transcribe(ctx, c.Audio.Filename(), c.Audio.Data)
			if err != nil {
				return TranscribeFailed{Err: err}
			}
			return TranscriptReady{Text: text}
		})

	case StartRecording:
		r.startRecording(ctx)

	case StopRecording:
		r.stopRecording()

	case SetLogging:
		r.spawn(func() Event {
			resp, err := b.SetLogging(ctx, c.Req)
			if err != nil {
				r.logger.Warn("set logging", zap.Bool("enabled", c.Req.Enabled), zap.Error(err))
				return LoggingFailed{Enabled: c.Req.Enabled, Auto: c.Auto, Err: err}
			}
			r.logger.Info("logging changed", zap.Bool("enabled", c.Req.Enabled), zap.String("run_id", c.Req.RunID))
			return LoggingChanged{Enabled: c.Req.Enabled, RunID: c.Req.RunID, OK: resp.OK, Auto: c.Auto}
		})

	case QueryLoggingStatus:
		r.spawn(func() Event {
			resp, err := b.LoggingStatus(ctx, c.SessionID, c.Provider)
			if err != nil {
				r.logger.Warn("logging status", zap.Error(err))
				return nil
			}
			return LoggingStatusReceived{Resp: resp}
		})

	case RecordClarificationRound:
		r.spawn(func() Event { b.RecordClarificationRound(ctx, c.Round); return nil })

	case EndClarification:
		r.spawn(func() Event { b.EndClarification(ctx, c.End); return nil })

	case StartRecovery:
		r.spawn(func() Event {
			resp, err := b.StartErrorRecovery(ctx, c.Req)
			if err != nil {
				r.logger.Warn("start error recovery", zap.Error(err))
				return RecoveryStarted{}
			}
			return RecoveryStarted{ID: resp.RecoveryID}
		})

	case EndRecovery:
		r.spawn(func() Event {
			resp, err := b.EndErrorRecovery(ctx, c.Req)
			if err != nil {
				r.logger.Warn("end error recovery", zap.Error(err))
				return nil
			}
			return RecoveryEnded{Duration: time.Duration(resp.RecoveryDurationMS) * time.Millisecond}
		})

	case Verify:
		r.spawn(func() Event {
			v, err := b.VerifyLocation(ctx, c.SessionID, c.Destination)
			if err != nil {
				return RequestFailed{Op: "Verify", Err: err}
			}
			return Verified{Result: v}
		})

	case Navigate:
		r.spawn(func() Event {
			n, err := b.NavigationInstructions(ctx, c.SessionID, c.Destination)
			if err != nil {
				return RequestFailed{Op: "Navigate", Err: err}
			}
			return Navigated{Result: n}
		})

	case Alert:
		r.logger.Info("alert", zap.String("text", c.Text))
		if r.deps.OnAlert != nil {
			r.deps.OnAlert(c.Text)
		}

	case PersistInquiryCount:
		if st := r.deps.Store; st != nil {
			if err := st.SetInquiryCount(c.SessionID, c.Count); err != nil {
				r.logger.Warn("persist inquiry count", zap.Error(err))
			}
		}

	case ClearInquiryCount:
		if st := r.deps.Store; st != nil {
			if err := st.ClearInquiryCount(c.SessionID); err != nil {
				r.logger.Warn("clear inquiry count", zap.Error(err))
			}
		}

	case LoadInquiryCount:
		if st := r.deps.Store; st != nil {
			n, err := st.InquiryCount(c.SessionID)
			if err != nil {
				r.logger.Warn("load inquiry count", zap.Error(err))
				return
			}
			r.spawn(func() Event { return InquiryCountLoaded{SessionID: c.SessionID, Count: n} })
		}

	case PersistPrefs:
		if st := r.deps.Store; st != nil {
			s := c.Session
			if err := st.SavePreferences(s.SessionID, s.SiteID, s.Provider, s.Lang); err != nil {
				r.logger.Warn("save preferences", zap.Error(err))
			}
		}

	default:
		r.logger.Error("unknown command", zap.Any("command", cmd))
	}
}

func (r *Runner) startRecording(ctx context.Context) {
	if r.deps.Recorder == nil {
		r.spawn(func() Event { return RecordFailed{Err: capture.ErrMicrophoneUnavailable} })
		return
	}

	rec, err := r.deps.Recorder.Start(ctx)
	if err != nil {
		r.logger.Warn("microphone", zap.Error(err))
		r.spawn(func() Event { return RecordFailed{Err: err} })
		return
	}

	r.recMu.Lock()
	r.recording = rec
	r.recMu.Unlock()

	r.spawn(func() Event {
		r.Dispatch(RecordingStarted{})
		for sec := range rec.Ticks {
			r.Dispatch(RecordTick{Seconds: sec})
		}
		res, ok := <-rec.Done

		r.recMu.Lock()
		if r.recording == rec {
			r.recording = nil
		}
		r.recMu.Unlock()

		switch {
		case !ok:
			return RecordFailed{Err: capture.ErrMicrophoneUnavailable}
		case errors.Is(res.Err, capture.ErrMicrophoneUnavailable):
			return RecordFailed{Err: res.Err}
		case res.Err != nil:
			r.logger.Warn("recording", zap.Error(res.Err))
			return TranscribeFailed{Err: res.Err}
		}
		return RecordingFinished{Audio: res.Audio}
	})
}

func (r *Runner) stopRecording() {
	r.recMu.Lock()
	rec := r.recording
	r.recMu.Unlock()
	if rec != nil {
		rec.Stop()
	}
}
