package dialogue

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/kir-gadjello/navassist/gateway"
	"github.com/kir-gadjello/navassist/intent"
)

// Timing holds the narration delays. They exist so speech never starts
// right as the microphone or camera lets go of the audio device.
type Timing struct {
	LocationReply  time.Duration `yaml:"location_reply"`
	QAReply        time.Duration `yaml:"qa_reply"`
	PromptMin      time.Duration `yaml:"prompt_min"`
	PromptMax      time.Duration `yaml:"prompt_max"`
	LocationSettle time.Duration `yaml:"location_settle"`
}

func DefaultTiming() Timing {
	return Timing{
		LocationReply:  100 * time.Millisecond,
		QAReply:        350 * time.Millisecond,
		PromptMin:      3 * time.Second,
		PromptMax:      5 * time.Second,
		LocationSettle: time.Second,
	}
}

const (
	lowConfidencePrompt = "Low confidence detected. Please continue taking photos to confirm your location."
	noCaption           = "Location described."
	unknownNode         = "unknown"
)

type Machine struct {
	Timing Timing
	// Jitter returns a duration in [0, n].
	Jitter func(n time.Duration) time.Duration
	Now    func() time.Time
}

func NewMachine(t Timing) *Machine {
	return &Machine{
		Timing: t,
		Jitter: func(n time.Duration) time.Duration {
			if n <= 0 {
				return 0
			}
			return rand.N(n + 1)
		},
		Now: time.Now,
	}
}

func (m *Machine) promptDelay() time.Duration {
	lo, hi := m.Timing.PromptMin, m.Timing.PromptMax
	if hi < lo {
		hi = lo
	}
	return lo + m.Jitter(hi-lo)
}

// RunID names a logging run: PROVIDER-SITE-unixmillis.
func RunID(provider, siteID string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", strings.ToUpper(provider), siteID, at.UnixMilli())
}

// Reduce applies ev to s. It never performs I/O; everything else is
// returned as commands for the Runner.
func (m *Machine) Reduce(s State, ev Event) (State, []Command) {
	switch ev := ev.(type) {
	case SettingsChanged:
		return m.settings(s, ev)

	case InquiryCountLoaded:
		if ev.SessionID == s.Session.SessionID {
			s.InquiryCount = ev.Count
		}
		return s, nil

	case StartRequested:
		if s.Phase != PhaseIdle {
			return s, nil
		}
		s.Phase = PhaseStarting
		s.Err = ""
		return s, []Command{
			UnlockAudio{},
			StartSession{Req: gateway.StartRequest{
				SessionID:       s.Session.SessionID,
				SiteID:          s.Session.SiteID,
				OpeningProvider: s.Session.Provider,
				Lang:            s.Session.Lang,
			}},
		}

	case StartSucceeded:
		if s.Phase != PhaseStarting {
			return s, nil
		}
		s = resetConversation(s)
		s.Phase = PhaseActive
		return s, nil

	case StartFailed:
		if s.Phase != PhaseStarting {
			return s, nil
		}
		s.Phase = PhaseIdle
		s.Err = ev.Err.Error()
		return s, []Command{Alert{Text: fmt.Sprintf("Failed to start session: %v", ev.Err)}}

	case CloseRequested:
		if s.Phase != PhaseActive {
			return s, nil
		}
		cmds := []Command{CancelSpeech{}}
		if s.Recording.Busy() {
			cmds = append(cmds, StopRecording{})
		}
		s = resetConversation(s)
		s.Phase = PhaseIdle
		return s, cmds

	case PhotoPicked:
		if !s.Active() || s.Busy {
			return s, nil
		}
		s.Busy = true
		return s, []Command{Locate{
			ID:        s.Session.Identity(),
			Photo:     ev.Photo,
			Bootstrap: !s.Session.FirstPhotoTaken,
			Epoch:     s.Epoch,
		}}

	case LocateSucceeded:
		return m.located(s, ev)

	case LocateFailed:
		if ev.Epoch != s.Epoch {
			return s, nil
		}
		s.Busy = false
		if !s.Active() {
			return s, nil
		}
		return s.withMessages(RoleAssistant, fmt.Sprintf("Locate failed: %v", ev.Err)), nil

	case LocationFetched:
		if !s.Active() || ev.Loc == nil || ev.Epoch != s.Epoch {
			return s, nil
		}
		s.Location = Location{
			Current:    ev.Loc.CurrentLocation,
			History:    ev.Loc.History(),
			Confidence: ev.Loc.LatestConfidence(),
		}
		return s, nil

	case RecordRequested:
		if !s.Active() || s.Recording.Busy() {
			return s, nil
		}
		s.Recording = Recording{Starting: true}
		// listening and speaking exclude each other
		return s, []Command{CancelSpeech{}, StartRecording{}}

	case RecordingStarted:
		if !s.Recording.Starting {
			return s, nil
		}
		s.Recording = Recording{Active: true}
		return s, nil

	case RecordTick:
		if s.Recording.Active {
			s.Recording.Seconds = ev.Seconds
		}
		return s, nil

	case RecordStopRequested:
		if !s.Recording.Busy() {
			return s, nil
		}
		return s, []Command{StopRecording{}}

	case RecordFailed:
		s.Recording = Recording{}
		return s, []Command{Alert{Text: "Microphone access denied or unsupported."}}

	case RecordingFinished:
		s.Recording = Recording{}
		if !s.Active() {
			return s, nil
		}
		return s, []Command{Transcribe{Audio: ev.Audio}}

	case TranscriptReady:
		return m.heard(s, ev.Text)

	case UtteranceTyped:
		return m.heard(s, ev.Text)

	case TranscribeFailed:
		if !s.Active() {
			return s, nil
		}
		return s.withMessages(RoleAssistant, fmt.Sprintf("ASR/QA failed: %v", ev.Err)), nil

	case QAAnswered:
		return m.answered(s, ev)

	case QAFailed:
		if !s.Active() {
			return s, nil
		}
		return s.withMessages(RoleAssistant, fmt.Sprintf("ASR/QA failed: %v", ev.Err)), nil

	case LoggingStopRequested:
		if !s.Logging.Enabled {
			return s, nil
		}
		return s, []Command{SetLogging{Req: gateway.LoggingRequest{
			SessionID: s.Session.SessionID,
			Provider:  s.Session.Provider,
			Enabled:   false,
			RunID:     s.Logging.RunID,
		}}}

	case LoggingChanged:
		if ev.Auto {
			s.Logging.Enabled = true
			s.Logging.RunID = ev.RunID
			return s, nil
		}
		if !ev.Enabled && ev.OK {
			s.Logging.Enabled = false
			return s, []Command{Alert{Text: "Logging stopped. Data has been written to CSV files."}}
		}
		return s, nil

	case LoggingFailed:
		if ev.Auto || ev.Enabled {
			return s, nil
		}
		return s, []Command{Alert{Text: "Failed to stop logging."}}

	case LoggingStatusRequested:
		return s, []Command{QueryLoggingStatus{SessionID: s.Session.SessionID, Provider: s.Session.Provider}}

	case LoggingStatusReceived:
		if ev.Resp != nil && ev.Resp.OK {
			s.Logging.Enabled = ev.Resp.State.Enabled
			s.Logging.RunID = ev.Resp.State.RunID
		}
		return s, nil

	case ClarificationEndRequested:
		if s.Clarification.ID == "" {
			return s, nil
		}
		end := gateway.ClarificationEnd{
			ClarificationID:    s.Clarification.ID,
			SessionID:          s.Session.SessionID,
			SiteID:             s.Session.SiteID,
			Provider:           s.Session.Provider,
			TotalRounds:        s.Clarification.Rounds,
			FinalPredictedNode: s.LastPredictedNode,
		}
		s.Clarification = Clarification{}
		return s, []Command{EndClarification{End: end}}

	case RecoveryStartRequested:
		if !s.Active() || s.Recovery.ID != "" {
			return s, nil
		}
		correct := ev.CorrectNode
		if correct == "" {
			correct = unknownNode
		}
		s.Recovery = Recovery{ErrorNode: ev.ErrorNode, CorrectNode: correct}
		return s, []Command{StartRecovery{Req: gateway.RecoveryStart{
			SessionID:   s.Session.SessionID,
			SiteID:      s.Session.SiteID,
			Provider:    s.Session.Provider,
			ErrorNode:   ev.ErrorNode,
			CorrectNode: correct,
		}}}

	case RecoveryStarted:
		if ev.ID == "" {
			s.Recovery = Recovery{}
			return s, nil
		}
		s.Recovery.ID = ev.ID
		return s, nil

	case RecoveryEndRequested:
		if s.Recovery.ID == "" {
			return s, nil
		}
		return s, []Command{EndRecovery{Req: gateway.RecoveryEnd{
			RecoveryID:   s.Recovery.ID,
			SessionID:    s.Session.SessionID,
			SiteID:       s.Session.SiteID,
			Provider:     s.Session.Provider,
			CorrectNode:  ev.CorrectNode,
			RecoveryPath: ev.Path,
		}}}

	case RecoveryEnded:
		s.Recovery = Recovery{}
		s.LastRecovery = ev.Duration
		return s, nil

	case VerifyRequested:
		if !s.Active() {
			return s, nil
		}
		if !s.NavigationAvailable() {
			return m.notLocated(s)
		}
		return s, []Command{Verify{SessionID: s.Session.SessionID, Destination: ev.Destination}}

	case NavigateRequested:
		if !s.Active() {
			return s, nil
		}
		if !s.NavigationAvailable() {
			return m.notLocated(s)
		}
		return s, []Command{Navigate{SessionID: s.Session.SessionID, Destination: ev.Destination}}

	case Verified:
		if !s.Active() || ev.Result == nil {
			return s, nil
		}
		return m.say(s, verificationText(ev.Result), m.Timing.LocationReply)

	case Navigated:
		if !s.Active() || ev.Result == nil {
			return s, nil
		}
		return m.say(s, navigationText(ev.Result), m.Timing.LocationReply)

	case RequestFailed:
		if !s.Active() {
			return s, nil
		}
		return s.withMessages(RoleAssistant, fmt.Sprintf("%s failed: %v", ev.Op, ev.Err)), nil
	}

	return s, nil
}

func resetConversation(s State) State {
	s.Messages = nil
	s.Session.FirstPhotoTaken = false
	s.Location = Location{}
	s.Clarification = Clarification{}
	s.LastPredictedNode = ""
	s.Busy = false
	s.Recording = Recording{}
	s.Epoch++
	return s
}

func (m *Machine) settings(s State, ev SettingsChanged) (State, []Command) {
	if s.Phase != PhaseIdle {
		return s, nil
	}
	old := s.Session
	if ev.SessionID != "" {
		s.Session.SessionID = ev.SessionID
	}
	if ev.SiteID != "" {
		s.Session.SiteID = ev.SiteID
	}
	if ev.Provider != "" {
		s.Session.Provider = ev.Provider
	}
	if ev.Lang != "" {
		s.Session.Lang = ev.Lang
	}
	if s.Session == old {
		return s, nil
	}

	cmds := []Command{PersistPrefs{Session: s.Session}}
	if s.Session.SessionID != old.SessionID {
		s.InquiryCount = 0
		cmds = append(cmds,
			ClearInquiryCount{SessionID: old.SessionID},
			LoadInquiryCount{SessionID: s.Session.SessionID},
		)
	}
	if s.Session.Lang != old.Lang {
		cmds = append(cmds, SetSpeechLang{Lang: s.Session.Lang})
	}
	return s, cmds
}

func (m *Machine) located(s State, ev LocateSucceeded) (State, []Command) {
	if ev.Epoch != s.Epoch {
		return s, nil
	}
	if !s.Active() {
		s.Busy = false
		return s, nil
	}
	resp := ev.Resp
	if resp == nil {
		resp = &gateway.LocateResponse{}
	}

	if ev.Bootstrap && !s.Session.FirstPhotoTaken {
		return m.firstPhoto(s, ev, resp)
	}

	s.Busy = false
	s.LastPredictedNode = resp.NodeID
	if resp.ClarificationID != "" && s.Clarification.ID == "" {
		s.Clarification = Clarification{ID: resp.ClarificationID, Rounds: 1}
	}

	caption := resp.Caption
	if caption == "" {
		caption = noCaption
	}
	s = s.withMessages(RoleAssistant, caption)

	var cmds []Command
	if resp.Confidence == nil {
		return s, nil
	}
	s = s.withMessages(RoleAssistant, top1Text(resp))
	if resp.NodeID != "" {
		cmds = append(cmds, FetchLocation{SessionID: s.Session.SessionID, After: m.Timing.LocationSettle, Epoch: s.Epoch})
	}
	s, cmds = m.margin(s, resp, cmds)
	if len(resp.Candidates) > 0 {
		s = s.withMessages(RoleAssistant, candidatesText(resp.Candidates))
	}
	return s, cmds
}

func (m *Machine) firstPhoto(s State, ev LocateSucceeded, resp *gateway.LocateResponse) (State, []Command) {
	if resp.Caption == "" {
		if !ev.Retried {
			return s, []Command{Locate{ID: s.Session.Identity(), Photo: ev.Photo, Bootstrap: true, Retry: true, Epoch: s.Epoch}}
		}
		s.Busy = false
		return s, nil
	}

	s.Busy = false
	s.Session.FirstPhotoTaken = true
	s = s.withMessages(RoleAssistant, resp.Caption)

	var cmds []Command
	if !s.Logging.AutoStarted {
		s.Logging.AutoStarted = true
		cmds = append(cmds, SetLogging{Auto: true, Req: gateway.LoggingRequest{
			SessionID: s.Session.SessionID,
			Provider:  s.Session.Provider,
			Enabled:   true,
			RunID:     RunID(s.Session.Provider, s.Session.SiteID, m.Now()),
		}})
	}
	if resp.NodeID != "" {
		cmds = append(cmds, FetchLocation{SessionID: s.Session.SessionID, After: m.Timing.LocationSettle, Epoch: s.Epoch})
	}
	if resp.Confidence != nil {
		s = s.withMessages(RoleAssistant, top1Text(resp))
		s, cmds = m.margin(s, resp, cmds)
	}
	return s, cmds
}

func (m *Machine) margin(s State, resp *gateway.LocateResponse, cmds []Command) (State, []Command) {
	if resp.Margin == nil {
		return s, cmds
	}
	level := "High"
	if resp.LowConf {
		level = "Low"
	}
	s = s.withMessages(RoleAssistant, fmt.Sprintf("Margin: %.1f%% (%s confidence)", *resp.Margin*100, level))
	if resp.LowConf {
		s = s.withMessages(RoleAssistant, lowConfidencePrompt)
		cmds = append(cmds, Speak{Text: lowConfidencePrompt, Delay: m.promptDelay()})
	}
	return s, cmds
}

func top1Text(resp *gateway.LocateResponse) string {
	node := resp.NodeID
	if node == "" {
		node = "None"
	}
	return fmt.Sprintf("Top1: %s, Confidence: %.1f%%", node, *resp.Confidence*100)
}

func candidatesText(cands []gateway.Candidate) string {
	if len(cands) > 3 {
		cands = cands[:3]
	}
	parts := make([]string, 0, len(cands))
	for _, c := range cands {
		parts = append(parts, fmt.Sprintf("%s(%.3f)", c.ID, c.Score))
	}
	return "Top candidates: " + strings.Join(parts, ", ")
}

func (m *Machine) heard(s State, text string) (State, []Command) {
	text = strings.TrimSpace(text)
	if text == "" || !s.Active() {
		return s, nil
	}
	s = s.withMessages(RoleYou, text)

	reply := intent.Route(intent.Input{
		Text:         text,
		Location:     intent.Location{Current: s.Location.Current, Confidence: s.Location.Confidence},
		SiteID:       s.Session.SiteID,
		FirstInquiry: s.InquiryCount == 0,
	})

	var cmds []Command
	if reply.CountsInquiry() {
		s.InquiryCount++
		cmds = append(cmds, PersistInquiryCount{SessionID: s.Session.SessionID, Count: s.InquiryCount})
	}
	if reply.AskBackend {
		return s, append(cmds, Ask{ID: s.Session.Identity(), Text: text})
	}

	s, said := m.say(s, reply.Text, m.Timing.LocationReply)
	return s, append(cmds, said...)
}

func (m *Machine) answered(s State, ev QAAnswered) (State, []Command) {
	if !s.Active() {
		return s, nil
	}
	answer := ev.Resp.Reply()
	if answer == "" {
		return s, nil
	}
	s = s.withMessages(RoleAssistant, answer)

	var cmds []Command
	if s.Clarification.ID != "" && ev.Question != "" {
		cmds = append(cmds, RecordClarificationRound{Round: gateway.ClarificationRound{
			ClarificationID: s.Clarification.ID,
			SessionID:       s.Session.SessionID,
			SiteID:          s.Session.SiteID,
			Provider:        s.Session.Provider,
			RoundCount:      s.Clarification.Rounds + 1,
			UserQuestion:    ev.Question,
			SystemAnswer:    answer,
			PredictedNode:   s.LastPredictedNode,
		}})
		s.Clarification.Rounds++
	}
	return s, append(cmds, Speak{Text: answer, Delay: m.Timing.QAReply})
}

func (m *Machine) say(s State, text string, delay time.Duration) (State, []Command) {
	if text == "" {
		return s, nil
	}
	return s.withMessages(RoleAssistant, text), []Command{Speak{Text: text, Delay: delay}}
}

// notLocated answers a verify or navigate request made before the location
// is confident enough.
func (m *Machine) notLocated(s State) (State, []Command) {
	if s.Location.Confidence > 0 {
		return m.say(s, intent.LowConfidenceGate(s.Location.Confidence), m.Timing.LocationReply)
	}
	return m.say(s, intent.TakePhotosFirst, m.Timing.LocationReply)
}

func verificationText(v *gateway.Verification) string {
	var parts []string
	switch {
	case v.Message != "":
		parts = append(parts, v.Message)
	case v.LocationVerified:
		parts = append(parts, fmt.Sprintf("Location verified: %s.", v.CurrentLocation))
	default:
		parts = append(parts, "Location could not be verified.")
	}
	if v.Suggestion != "" {
		parts = append(parts, v.Suggestion)
	}
	return strings.Join(parts, " ")
}

func navigationText(n *gateway.Navigation) string {
	var parts []string
	switch {
	case n.Instructions != "":
		parts = append(parts, n.Instructions)
	case n.Message != "":
		parts = append(parts, n.Message)
	case n.Error != "":
		parts = append(parts, n.Error)
	}
	if n.Suggestion != "" {
		parts = append(parts, n.Suggestion)
	}
	return strings.Join(parts, " ")
}
