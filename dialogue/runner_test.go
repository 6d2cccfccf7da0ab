package dialogue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/navassist/capture"
	"github.com/kir-gadjello/navassist/gateway"
	"github.com/kir-gadjello/navassist/speech"
)

type fakeBackend struct {
	mu         sync.Mutex
	startErr   error
	locates    int
	logging    []gateway.LoggingRequest
	rounds     []gateway.ClarificationRound
	transcript string
}

func (f *fakeBackend) Start(ctx context.Context, req gateway.StartRequest) (*gateway.StartResponse, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &gateway.StartResponse{Mode: "opening"}, nil
}

func (f *fakeBackend) Locate(ctx context.Context, id gateway.Identity, name string, image []byte) (*gateway.LocateResponse, error) {
	f.mu.Lock()
	f.locates++
	f.mu.Unlock()
	c := 0.92
	return &gateway.LocateResponse{Caption: "A workbench", NodeID: "N2", Confidence: &c}, nil
}

func (f *fakeBackend) Ask(ctx context.Context, id gateway.Identity, text string) (*gateway.QAResponse, error) {
	return &gateway.QAResponse{Say: []string{"It is a drill."}}, nil
}

func (f *fakeBackend) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	return f.transcript, nil
}

func (f *fakeBackend) SessionLocation(ctx context.Context, sessionID string) (*gateway.SessionLocation, error) {
	return &gateway.SessionLocation{CurrentLocation: "Workbench", ConfidenceHistory: []float64{0.92}}, nil
}

func (f *fakeBackend) VerifyLocation(ctx context.Context, sessionID, destination string) (*gateway.Verification, error) {
	return &gateway.Verification{Message: "verified"}, nil
}

func (f *fakeBackend) NavigationInstructions(ctx context.Context, sessionID, destination string) (*gateway.Navigation, error) {
	return nil, errors.New("navigate 404")
}

func (f *fakeBackend) SetLogging(ctx context.Context, req gateway.LoggingRequest) (*gateway.LoggingResponse, error) {
	f.mu.Lock()
	f.logging = append(f.logging, req)
	f.mu.Unlock()
	return &gateway.LoggingResponse{OK: true, State: gateway.LoggingState{Enabled: req.Enabled, RunID: req.RunID}}, nil
}

func (f *fakeBackend) LoggingStatus(ctx context.Context, sessionID, provider string) (*gateway.LoggingResponse, error) {
	return &gateway.LoggingResponse{OK: true}, nil
}

func (f *fakeBackend) StartErrorRecovery(ctx context.Context, req gateway.RecoveryStart) (*gateway.RecoveryStarted, error) {
	return &gateway.RecoveryStarted{RecoveryID: "R9"}, nil
}

func (f *fakeBackend) EndErrorRecovery(ctx context.Context, req gateway.RecoveryEnd) (*gateway.RecoveryEnded, error) {
	return &gateway.RecoveryEnded{RecoveryDurationMS: 1500}, nil
}

func (f *fakeBackend) RecordClarificationRound(ctx context.Context, r gateway.ClarificationRound) {
	f.mu.Lock()
	f.rounds = append(f.rounds, r)
	f.mu.Unlock()
}

func (f *fakeBackend) EndClarification(ctx context.Context, r gateway.ClarificationEnd) {}

type fakeSpeaker struct {
	mu      sync.Mutex
	spoken  []string
	unlocks int
	cancels int
}

func (f *fakeSpeaker) Unlock(ctx context.Context) {
	f.mu.Lock()
	f.unlocks++
	f.mu.Unlock()
}

func (f *fakeSpeaker) Speak(ctx context.Context, text string, opts speech.Options) {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
}

func (f *fakeSpeaker) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeSpeaker) SetLang(string) {}

type memStore struct {
	mu       sync.Mutex
	counts   map[string]int
	sessions []string
	messages []string
}

func (m *memStore) InquiryCount(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[id], nil
}

func (m *memStore) SetInquiryCount(id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[id] = n
	return nil
}

func (m *memStore) ClearInquiryCount(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, id)
	return nil
}

func (m *memStore) SavePreferences(sessionID, siteID, provider, lang string) error { return nil }

func (m *memStore) StartSession(sessionID, siteID, provider, lang string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, sessionID)
	return nil
}

func (m *memStore) AppendMessage(sessionID, role, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, role+": "+text)
	return nil
}

func (m *memStore) archived() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

type harness struct {
	runner  *Runner
	backend *fakeBackend
	speaker *fakeSpeaker
	store   *memStore
	alerts  chan string
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, b *fakeBackend, rec Recorder) *harness {
	t.Helper()
	m := NewMachine(Timing{})
	h := &harness{backend: b, speaker: &fakeSpeaker{}, store: &memStore{}, alerts: make(chan string, 8), done: make(chan error, 1)}
	initial := State{Session: Session{SessionID: "T5", SiteID: "SCENE_A_MS", Provider: "ft", Lang: "en"}}
	h.runner = NewRunner(m, initial, Deps{
		Backend:  b,
		Speaker:  h.speaker,
		Recorder: rec,
		Store:    h.store,
		OnAlert:  func(s string) { h.alerts <- s },
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.runner.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) waitFor(t *testing.T, cond func(State) bool) State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.runner.State()) }, 2*time.Second, 5*time.Millisecond)
	return h.runner.State()
}

func TestRunnerSessionAndPhotos(t *testing.T) {
	b := &fakeBackend{}
	h := newHarness(t, b, nil)

	h.runner.Dispatch(StartRequested{})
	h.waitFor(t, func(s State) bool { return s.Active() })

	h.runner.Dispatch(PhotoPicked{Photo: capture.PhotoFromBlob([]byte("jpeg"), "")})
	s := h.waitFor(t, func(s State) bool { return s.Session.FirstPhotoTaken && s.Logging.Enabled })
	assert.Equal(t, "A workbench", s.Messages[0].Text)

	s = h.waitFor(t, func(s State) bool { return s.Location.Current == "Workbench" })
	assert.True(t, s.NavigationAvailable())

	b.mu.Lock()
	require.Len(t, b.logging, 1)
	assert.True(t, b.logging[0].Enabled)
	b.mu.Unlock()

	h.runner.Dispatch(UtteranceTyped{Text: "what is this tool"})
	h.waitFor(t, func(s State) bool { return s.LastReply() == "It is a drill." })

	h.runner.Dispatch(NavigateRequested{Destination: "Atrium"})
	h.waitFor(t, func(s State) bool { return s.LastReply() == "Navigate failed: navigate 404" })

	h.store.mu.Lock()
	assert.Equal(t, []string{"T5"}, h.store.sessions)
	h.store.mu.Unlock()
	assert.Contains(t, h.store.archived(), "you: what is this tool")
	assert.Contains(t, h.store.archived(), "assistant: A workbench")

	h.speaker.mu.Lock()
	assert.Equal(t, 1, h.speaker.unlocks)
	assert.Contains(t, h.speaker.spoken, "It is a drill.")
	h.speaker.mu.Unlock()
}

func TestRunnerPersistsInquiryCount(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)
	h.runner.Dispatch(StartRequested{})
	h.waitFor(t, func(s State) bool { return s.Active() })

	h.runner.Dispatch(UtteranceTyped{Text: "where am i"})
	h.waitFor(t, func(s State) bool { return s.InquiryCount == 1 })

	n, _ := h.store.InquiryCount("T5")
	assert.Equal(t, 1, n)
}

func TestRunnerStartFailureAlerts(t *testing.T) {
	h := newHarness(t, &fakeBackend{startErr: errors.New("start 503")}, nil)
	h.runner.Dispatch(StartRequested{})

	select {
	case a := <-h.alerts:
		assert.Equal(t, "Failed to start session: start 503", a)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert")
	}
	assert.Equal(t, PhaseIdle, h.runner.State().Phase)
}

type fakeRecorder struct {
	err error
}

func (f fakeRecorder) Start(ctx context.Context) (*capture.Recording, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec := &capture.Recorder{Mic: stubMic{}, MaxSeconds: 1}
	return rec.Start(ctx)
}

type stubMic struct{}

func (stubMic) Supports(string) bool { return true }

func (stubMic) Open(ctx context.Context, mime string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("OggS"))
		<-ctx.Done()
		pw.Close()
	}()
	return pr, nil
}

func TestRunnerVoiceQuestion(t *testing.T) {
	b := &fakeBackend{transcript: "where am i"}
	h := newHarness(t, b, fakeRecorder{})
	h.runner.Dispatch(StartRequested{})
	h.waitFor(t, func(s State) bool { return s.Active() })

	h.runner.Dispatch(RecordRequested{})
	h.waitFor(t, func(s State) bool { return s.Recording.Active })
	h.runner.Dispatch(RecordStopRequested{})
	s := h.waitFor(t, func(s State) bool { return s.InquiryCount == 1 })
	assert.False(t, s.Recording.Active)
	assert.Equal(t, "where am i", s.Messages[0].Text)

	h.speaker.mu.Lock()
	assert.GreaterOrEqual(t, h.speaker.cancels, 1)
	h.speaker.mu.Unlock()
}

func TestRunnerMicrophoneDenied(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, fakeRecorder{err: capture.ErrMicrophoneUnavailable})
	h.runner.Dispatch(StartRequested{})
	h.waitFor(t, func(s State) bool { return s.Active() })

	h.runner.Dispatch(RecordRequested{})
	select {
	case a := <-h.alerts:
		assert.Equal(t, "Microphone access denied or unsupported.", a)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert")
	}
}
