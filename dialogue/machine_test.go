package dialogue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/navassist/capture"
	"github.com/kir-gadjello/navassist/gateway"
	"github.com/kir-gadjello/navassist/intent"
)

func ptr(f float64) *float64 { return &f }

func testMachine() *Machine {
	m := NewMachine(DefaultTiming())
	m.Jitter = func(n time.Duration) time.Duration { return n / 2 }
	m.Now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }
	return m
}

func activeState() State {
	return State{
		Phase:   PhaseActive,
		Session: Session{SessionID: "T7", SiteID: intent.SiteMakerSpace, Provider: "ft", Lang: "en"},
	}
}

func texts(s State) []string {
	out := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		out = append(out, m.Text)
	}
	return out
}

func findCmd[T Command](cmds []Command) (T, bool) {
	for _, c := range cmds {
		if v, ok := c.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func TestStartFlow(t *testing.T) {
	m := testMachine()
	s := State{Session: Session{SessionID: "T7", SiteID: intent.SiteStudio, Provider: "base", Lang: "en"}}
	s.Messages = []Message{{Role: RoleYou, Text: "stale"}}
	s.Location = Location{Current: "Old", Confidence: 0.9}

	s, cmds := m.Reduce(s, StartRequested{})
	assert.Equal(t, PhaseStarting, s.Phase)
	require.Len(t, cmds, 2)
	assert.IsType(t, UnlockAudio{}, cmds[0])
	start := cmds[1].(StartSession)
	assert.Equal(t, gateway.StartRequest{SessionID: "T7", SiteID: intent.SiteStudio, OpeningProvider: "base", Lang: "en"}, start.Req)

	// a second tap while connecting does nothing
	again, cmds := m.Reduce(s, StartRequested{})
	assert.Empty(t, cmds)
	assert.Equal(t, PhaseStarting, again.Phase)

	s, cmds = m.Reduce(s, StartSucceeded{Resp: &gateway.StartResponse{Say: []string{"hi"}}})
	assert.Empty(t, cmds)
	assert.Equal(t, PhaseActive, s.Phase)
	assert.Empty(t, s.Messages)
	assert.Equal(t, Location{}, s.Location)
	assert.False(t, s.Session.FirstPhotoTaken)
}

func TestStartFailureReturnsToIdle(t *testing.T) {
	m := testMachine()
	s, _ := m.Reduce(State{}, StartRequested{})
	s, cmds := m.Reduce(s, StartFailed{Err: errors.New("start 500")})

	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Equal(t, "start 500", s.Err)
	require.Len(t, cmds, 1)
	assert.Equal(t, Alert{Text: "Failed to start session: start 500"}, cmds[0])
}

func TestCloseResets(t *testing.T) {
	m := testMachine()
	s := activeState()
	s.Session.FirstPhotoTaken = true
	s.Messages = []Message{{Role: RoleAssistant, Text: "x"}}
	s.Location = Location{Current: "Atrium", Confidence: 0.9}
	s.Recording = Recording{Active: true, Seconds: 3}
	s.Logging = Logging{Enabled: true, RunID: "r", AutoStarted: true}

	s, cmds := m.Reduce(s, CloseRequested{})
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Empty(t, s.Messages)
	assert.False(t, s.Session.FirstPhotoTaken)
	assert.Equal(t, Location{}, s.Location)
	assert.True(t, s.Logging.AutoStarted)
	assert.Equal(t, []Command{CancelSpeech{}, StopRecording{}}, cmds)
}

func firstPhotoResp() *gateway.LocateResponse {
	return &gateway.LocateResponse{
		Caption:    "A bright room with printers",
		NodeID:     "N12",
		Confidence: ptr(0.62),
		Margin:     ptr(0.04),
		LowConf:    true,
		Candidates: []gateway.Candidate{{ID: "N12", Score: 0.62}},
		ReqID:      "r1",
	}
}

func TestFirstPhotoBootstrapsOnce(t *testing.T) {
	m := testMachine()
	s := activeState()
	photo := capture.PhotoFromBlob([]byte("jpeg"), "")

	s, cmds := m.Reduce(s, PhotoPicked{Photo: photo})
	assert.True(t, s.Busy)
	loc := cmds[0].(Locate)
	assert.True(t, loc.Bootstrap)

	// busy guard
	_, dup := m.Reduce(s, PhotoPicked{Photo: photo})
	assert.Empty(t, dup)

	s, cmds = m.Reduce(s, LocateSucceeded{Resp: firstPhotoResp(), Photo: photo, Bootstrap: true})
	assert.False(t, s.Busy)
	assert.True(t, s.Session.FirstPhotoTaken)
	assert.Equal(t, []string{
		"A bright room with printers",
		"Top1: N12, Confidence: 62.0%",
		"Margin: 4.0% (Low confidence)",
		"Low confidence detected. Please continue taking photos to confirm your location.",
	}, texts(s))

	setLog, ok := findCmd[SetLogging](cmds)
	require.True(t, ok)
	assert.True(t, setLog.Auto)
	assert.True(t, setLog.Req.Enabled)
	assert.Equal(t, "FT-SCENE_A_MS-1700000000123", setLog.Req.RunID)
	assert.True(t, s.Logging.AutoStarted)

	fetch, ok := findCmd[FetchLocation](cmds)
	require.True(t, ok)
	assert.Equal(t, time.Second, fetch.After)

	speak, ok := findCmd[Speak](cmds)
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, speak.Delay)

	// later photos take the subsequent path and never restart logging
	s, cmds = m.Reduce(s, PhotoPicked{Photo: photo})
	assert.False(t, cmds[0].(Locate).Bootstrap)
	s, cmds = m.Reduce(s, LocateSucceeded{Resp: firstPhotoResp(), Photo: photo, Bootstrap: false})
	_, restarted := findCmd[SetLogging](cmds)
	assert.False(t, restarted)
	assert.True(t, s.Session.FirstPhotoTaken)
	assert.Equal(t, "Top candidates: N12(0.620)", s.Messages[len(s.Messages)-1].Text)

	// a fresh session keeps the process-wide latch
	s, _ = m.Reduce(s, CloseRequested{})
	s, _ = m.Reduce(s, StartRequested{})
	s, _ = m.Reduce(s, StartSucceeded{})
	s, cmds = m.Reduce(s, PhotoPicked{Photo: photo})
	loc = cmds[0].(Locate)
	s, cmds = m.Reduce(s, LocateSucceeded{Resp: firstPhotoResp(), Photo: photo, Bootstrap: true, Epoch: loc.Epoch})
	assert.True(t, s.Session.FirstPhotoTaken)
	_, restarted = findCmd[SetLogging](cmds)
	assert.False(t, restarted)
}

func TestPhotoResultFromClosedSessionIsDropped(t *testing.T) {
	m := testMachine()
	s := activeState()
	photo := capture.PhotoFromBlob([]byte("jpeg"), "")

	s, cmds := m.Reduce(s, PhotoPicked{Photo: photo})
	old := cmds[0].(Locate)

	s, _ = m.Reduce(s, CloseRequested{})
	s, _ = m.Reduce(s, StartRequested{})
	s, _ = m.Reduce(s, StartSucceeded{})
	require.True(t, s.Active())
	assert.NotEqual(t, old.Epoch, s.Epoch)

	// the new session may send its own photo meanwhile
	s, cmds = m.Reduce(s, PhotoPicked{Photo: photo})
	current := cmds[0].(Locate)
	assert.Equal(t, s.Epoch, current.Epoch)

	stale := &gateway.LocateResponse{Caption: "old session caption", NodeID: "N1", Confidence: ptr(0.9)}
	s, cmds = m.Reduce(s, LocateSucceeded{Resp: stale, Photo: photo, Bootstrap: true, Epoch: old.Epoch})
	assert.Empty(t, cmds)
	assert.False(t, s.Session.FirstPhotoTaken)
	assert.False(t, s.Logging.AutoStarted)
	assert.Empty(t, s.Messages)
	assert.True(t, s.Busy)

	s, _ = m.Reduce(s, LocateFailed{Err: errors.New("late"), Epoch: old.Epoch})
	assert.True(t, s.Busy)
	assert.Empty(t, s.Messages)

	s, _ = m.Reduce(s, LocationFetched{Loc: &gateway.SessionLocation{CurrentLocation: "N1", ConfidenceHistory: []float64{0.9}}, Epoch: old.Epoch})
	assert.Equal(t, Location{}, s.Location)

	s, cmds = m.Reduce(s, LocateSucceeded{Resp: firstPhotoResp(), Photo: photo, Bootstrap: true, Epoch: current.Epoch})
	assert.True(t, s.Session.FirstPhotoTaken)
	assert.Equal(t, "A bright room with printers", s.Messages[0].Text)
	fetch, ok := findCmd[FetchLocation](cmds)
	require.True(t, ok)
	assert.Equal(t, current.Epoch, fetch.Epoch)
}

func TestFirstPhotoMissingCaptionRetriesOnce(t *testing.T) {
	m := testMachine()
	s := activeState()
	photo := capture.PhotoFromBlob([]byte("jpeg"), "")
	s, _ = m.Reduce(s, PhotoPicked{Photo: photo})

	s, cmds := m.Reduce(s, LocateSucceeded{Resp: &gateway.LocateResponse{NodeID: "N1"}, Photo: photo, Bootstrap: true})
	require.Len(t, cmds, 1)
	retry := cmds[0].(Locate)
	assert.True(t, retry.Retry)
	assert.True(t, retry.Bootstrap)
	assert.True(t, s.Busy)

	s, cmds = m.Reduce(s, LocateSucceeded{Resp: &gateway.LocateResponse{}, Photo: photo, Bootstrap: true, Retried: true})
	assert.Empty(t, cmds)
	assert.False(t, s.Busy)
	assert.False(t, s.Session.FirstPhotoTaken)
	assert.Empty(t, s.Messages)
}

func TestSubsequentPhotoWithoutCaption(t *testing.T) {
	m := testMachine()
	s := activeState()
	s.Session.FirstPhotoTaken = true
	s.Busy = true

	s, cmds := m.Reduce(s, LocateSucceeded{Resp: &gateway.LocateResponse{NodeID: "N3"}})
	assert.Equal(t, []string{"Location described."}, texts(s))
	assert.Empty(t, cmds)
	assert.Equal(t, "N3", s.LastPredictedNode)
	assert.False(t, s.Busy)
}

func TestLocateFailureIsDiagnostic(t *testing.T) {
	m := testMachine()
	s := activeState()
	s.Busy = true
	s, _ = m.Reduce(s, LocateFailed{Err: errors.New("locate 502")})
	assert.Equal(t, []string{"Locate failed: locate 502"}, texts(s))
	assert.Equal(t, PhaseActive, s.Phase)
	assert.False(t, s.Busy)
}

func TestClarificationRoundTrip(t *testing.T) {
	m := testMachine()
	s := activeState()
	s.Session.FirstPhotoTaken = true

	s, _ = m.Reduce(s, LocateSucceeded{Resp: &gateway.LocateResponse{Caption: "c", NodeID: "N4", ClarificationID: "X"}})
	assert.Equal(t, Clarification{ID: "X", Rounds: 1}, s.Clarification)

	// another id while one is open is ignored
	s, _ = m.Reduce(s, LocateSucceeded{Resp: &gateway.LocateResponse{Caption: "c", NodeID: "N5", ClarificationID: "Y"}})
	assert.Equal(t, "X", s.Clarification.ID)

	s, cmds := m.Reduce(s, QAAnswered{Question: "is it near the door?", Resp: &gateway.QAResponse{Say: []string{"Yes."}}})
	assert.Equal(t, 2, s.Clarification.Rounds)
	round, ok := findCmd[RecordClarificationRound](cmds)
	require.True(t, ok)
	assert.Equal(t, 2, round.Round.RoundCount)
	assert.Equal(t, "N5", round.Round.PredictedNode)
	assert.Equal(t, "Yes.", round.Round.SystemAnswer)
	speak, _ := findCmd[Speak](cmds)
	assert.Equal(t, 350*time.Millisecond, speak.Delay)

	s, cmds = m.Reduce(s, ClarificationEndRequested{})
	assert.Equal(t, Clarification{}, s.Clarification)
	end := cmds[0].(EndClarification)
	assert.Equal(t, 2, end.End.TotalRounds)
	assert.Equal(t, "N5", end.End.FinalPredictedNode)

	_, cmds = m.Reduce(s, ClarificationEndRequested{})
	assert.Empty(t, cmds)
}

func TestHeardRoutesThroughIntent(t *testing.T) {
	m := testMachine()
	s := activeState()

	s, cmds := m.Reduce(s, TranscriptReady{Text: "Where am I?"})
	assert.Equal(t, 1, s.InquiryCount)
	assert.Equal(t, PersistInquiryCount{SessionID: "T7", Count: 1}, cmds[0])
	assert.Equal(t, intent.Welcome(intent.SiteMakerSpace), s.LastReply())
	speak := cmds[1].(Speak)
	assert.Equal(t, 100*time.Millisecond, speak.Delay)

	s.Location = Location{Current: "Room 3", Confidence: 0.8}
	s, _ = m.Reduce(s, UtteranceTyped{Text: "where am I"})
	assert.Equal(t, "Based on your photos, you are currently at: Room 3. Confidence: 80.0%.", s.LastReply())
	assert.Equal(t, 2, s.InquiryCount)

	s.Location.Confidence = 0.5
	s, cmds = m.Reduce(s, UtteranceTyped{Text: "how do I go to the atrium"})
	assert.Equal(t, "Low confidence (50.0%). Please take photos to confirm your location first.", s.LastReply())
	_, asked := findCmd[Ask](cmds)
	assert.False(t, asked)

	s.Location.Confidence = 0.9
	_, cmds = m.Reduce(s, UtteranceTyped{Text: "what is on the table"})
	ask, ok := findCmd[Ask](cmds)
	require.True(t, ok)
	assert.Equal(t, "what is on the table", ask.Text)
	assert.Equal(t, "T7", ask.ID.SessionID)

	before := len(s.Messages)
	s, cmds = m.Reduce(s, TranscriptReady{Text: "   "})
	assert.Empty(t, cmds)
	assert.Len(t, s.Messages, before)
}

func TestRecordingLifecycle(t *testing.T) {
	m := testMachine()
	s := activeState()

	s, cmds := m.Reduce(s, RecordRequested{})
	assert.Equal(t, []Command{CancelSpeech{}, StartRecording{}}, cmds)
	assert.True(t, s.Recording.Starting)

	s, _ = m.Reduce(s, RecordingStarted{})
	s, _ = m.Reduce(s, RecordTick{Seconds: 4})
	assert.Equal(t, Recording{Active: true, Seconds: 4}, s.Recording)

	_, cmds = m.Reduce(s, RecordRequested{})
	assert.Empty(t, cmds)

	_, cmds = m.Reduce(s, RecordStopRequested{})
	assert.Equal(t, []Command{StopRecording{}}, cmds)

	audio := capture.Audio{Data: []byte("a"), MimeType: "audio/webm"}
	s, cmds = m.Reduce(s, RecordingFinished{Audio: audio})
	assert.False(t, s.Recording.Active)
	assert.Equal(t, []Command{Transcribe{Audio: audio}}, cmds)

	s, cmds = m.Reduce(s, RecordFailed{Err: capture.ErrMicrophoneUnavailable})
	assert.Equal(t, []Command{Alert{Text: "Microphone access denied or unsupported."}}, cmds)
	assert.Equal(t, PhaseActive, s.Phase)
}

func TestRecordRequestedTwiceStartsOnce(t *testing.T) {
	m := testMachine()
	s := activeState()

	s, first := m.Reduce(s, RecordRequested{})
	s, second := m.Reduce(s, RecordRequested{})
	starts := 0
	for _, c := range append(first, second...) {
		if _, ok := c.(StartRecording); ok {
			starts++
		}
	}
	assert.Equal(t, 1, starts)

	// stopping before the microphone opens still reaches the recorder
	_, cmds := m.Reduce(s, RecordStopRequested{})
	assert.Equal(t, []Command{StopRecording{}}, cmds)

	// a failed open allows a new attempt
	s, _ = m.Reduce(s, RecordFailed{Err: capture.ErrMicrophoneUnavailable})
	assert.False(t, s.Recording.Busy())
	_, cmds = m.Reduce(s, RecordRequested{})
	assert.Equal(t, []Command{CancelSpeech{}, StartRecording{}}, cmds)

	// a microphone that opens after the session closed is ignored
	s.Recording = Recording{Starting: true}
	s, cmds = m.Reduce(s, CloseRequested{})
	assert.Contains(t, cmds, Command(StopRecording{}))
	s, _ = m.Reduce(s, RecordingStarted{})
	assert.False(t, s.Recording.Active)
}

func TestLoggingStop(t *testing.T) {
	m := testMachine()
	s := activeState()

	_, cmds := m.Reduce(s, LoggingStopRequested{})
	assert.Empty(t, cmds)

	s.Logging = Logging{Enabled: true, RunID: "FT-SCENE_A_MS-1", AutoStarted: true}
	_, cmds = m.Reduce(s, LoggingStopRequested{})
	set := cmds[0].(SetLogging)
	assert.False(t, set.Req.Enabled)
	assert.Equal(t, "FT-SCENE_A_MS-1", set.Req.RunID)

	stopped, cmds := m.Reduce(s, LoggingChanged{Enabled: false, OK: true})
	assert.False(t, stopped.Logging.Enabled)
	assert.Equal(t, []Command{Alert{Text: "Logging stopped. Data has been written to CSV files."}}, cmds)

	_, cmds = m.Reduce(s, LoggingFailed{Enabled: false, Err: errors.New("x")})
	assert.Equal(t, []Command{Alert{Text: "Failed to stop logging."}}, cmds)

	_, cmds = m.Reduce(s, LoggingFailed{Enabled: true, Auto: true, Err: errors.New("x")})
	assert.Empty(t, cmds)

	s, _ = m.Reduce(s, LoggingStatusReceived{Resp: &gateway.LoggingResponse{OK: true, State: gateway.LoggingState{Enabled: false, RunID: ""}}})
	assert.False(t, s.Logging.Enabled)
}

func TestSettingsOnlyWhileIdle(t *testing.T) {
	m := testMachine()
	s := State{Session: Session{SessionID: "T1", SiteID: intent.SiteMakerSpace, Provider: "ft", Lang: "en"}, InquiryCount: 3}

	s, cmds := m.Reduce(s, SettingsChanged{SessionID: "T2", Lang: "zh"})
	assert.Equal(t, "T2", s.Session.SessionID)
	assert.Equal(t, "zh", s.Session.Lang)
	assert.Equal(t, intent.SiteMakerSpace, s.Session.SiteID)
	assert.Equal(t, 0, s.InquiryCount)
	assert.Equal(t, []Command{
		PersistPrefs{Session: s.Session},
		ClearInquiryCount{SessionID: "T1"},
		LoadInquiryCount{SessionID: "T2"},
		SetSpeechLang{Lang: "zh"},
	}, cmds)

	s, _ = m.Reduce(s, InquiryCountLoaded{SessionID: "T2", Count: 5})
	assert.Equal(t, 5, s.InquiryCount)

	_, cmds = m.Reduce(s, SettingsChanged{Lang: "zh"})
	assert.Empty(t, cmds)

	s.Phase = PhaseActive
	s, cmds = m.Reduce(s, SettingsChanged{SessionID: "T9"})
	assert.Empty(t, cmds)
	assert.Equal(t, "T2", s.Session.SessionID)
}

func TestRecoveryBookkeeping(t *testing.T) {
	m := testMachine()
	s := activeState()

	s, cmds := m.Reduce(s, RecoveryStartRequested{ErrorNode: "N3"})
	req := cmds[0].(StartRecovery).Req
	assert.Equal(t, "unknown", req.CorrectNode)
	assert.Equal(t, "N3", req.ErrorNode)

	_, cmds = m.Reduce(s, RecoveryEndRequested{CorrectNode: "N4"})
	assert.Empty(t, cmds, "no recovery id yet")

	s, _ = m.Reduce(s, RecoveryStarted{ID: "R1"})
	s, cmds = m.Reduce(s, RecoveryEndRequested{CorrectNode: "N4", Path: "N3>N4"})
	end := cmds[0].(EndRecovery).Req
	assert.Equal(t, "R1", end.RecoveryID)
	assert.Equal(t, "N3>N4", end.RecoveryPath)

	s, _ = m.Reduce(s, RecoveryEnded{Duration: 4200 * time.Millisecond})
	assert.Equal(t, Recovery{}, s.Recovery)
	assert.Equal(t, 4200*time.Millisecond, s.LastRecovery)
}

func TestNavigationGating(t *testing.T) {
	m := testMachine()
	s := activeState()

	s2, cmds := m.Reduce(s, VerifyRequested{})
	_, verified := findCmd[Verify](cmds)
	assert.False(t, verified)
	assert.Contains(t, s2.LastReply(), "take some photos first")

	s.Location = Location{Current: "Atrium", Confidence: 0.65}
	s2, _ = m.Reduce(s, NavigateRequested{Destination: "Printers"})
	assert.Equal(t, "Low confidence (65.0%). Please take photos to confirm your location first.", s2.LastReply())

	s.Location.Confidence = 0.85
	assert.True(t, s.NavigationAvailable())
	_, cmds = m.Reduce(s, NavigateRequested{Destination: "Printers"})
	assert.Equal(t, []Command{Navigate{SessionID: "T7", Destination: "Printers"}}, cmds)

	s, cmds = m.Reduce(s, Navigated{Result: &gateway.Navigation{Instructions: "Walk 5 steps.", Suggestion: "Then turn right."}})
	assert.Equal(t, "Walk 5 steps. Then turn right.", s.LastReply())
	assert.Len(t, cmds, 1)

	s, _ = m.Reduce(s, Verified{Result: &gateway.Verification{LocationVerified: true, CurrentLocation: "Atrium"}})
	assert.Equal(t, "Location verified: Atrium.", s.LastReply())

	s, _ = m.Reduce(s, RequestFailed{Op: "Verify", Err: errors.New("verify location 404")})
	assert.Equal(t, "Verify failed: verify location 404", s.LastReply())
}

func TestLocationFetchedUsesLatestConfidence(t *testing.T) {
	m := testMachine()
	s := activeState()
	s, _ = m.Reduce(s, LocationFetched{Loc: &gateway.SessionLocation{
		CurrentLocation:   "Atrium",
		LocationHistory:   []gateway.HistoryEntry{"Entrance", "Atrium"},
		ConfidenceHistory: []float64{0.3, 0.75},
	}})
	assert.Equal(t, Location{Current: "Atrium", History: []string{"Entrance", "Atrium"}, Confidence: 0.75}, s.Location)
}

func TestReduceDoesNotAliasMessages(t *testing.T) {
	m := testMachine()
	s := activeState()
	s.Messages = make([]Message, 1, 8)
	s.Messages[0] = Message{Role: RoleYou, Text: "a"}

	a, _ := m.Reduce(s, LocateFailed{Err: errors.New("one")})
	b, _ := m.Reduce(s, LocateFailed{Err: errors.New("two")})
	assert.Equal(t, "Locate failed: one", a.Messages[1].Text)
	assert.Equal(t, "Locate failed: two", b.Messages[1].Text)
}
