package dialogue

import (
	"time"

	"github.com/kir-gadjello/navassist/capture"
	"github.com/kir-gadjello/navassist/gateway"
)

// Event is anything the reducer reacts to: user gestures and the outcome of
// commands.
type Event interface {
	event()
}

// SettingsChanged replaces the non-empty fields of the session settings.
// Only honoured while idle.
type SettingsChanged struct {
	SessionID string
	SiteID    string
	Provider  string
	Lang      string
}

type InquiryCountLoaded struct {
	SessionID string
	Count     int
}

type StartRequested struct{}

type StartSucceeded struct {
	Resp *gateway.StartResponse
}

type StartFailed struct {
	Err error
}

type CloseRequested struct{}

type PhotoPicked struct {
	Photo capture.Photo
}

// LocateSucceeded carries the path the request was sent on, so a response
// is handled the way its request was made.
type LocateSucceeded struct {
	Resp      *gateway.LocateResponse
	Photo     capture.Photo
	Bootstrap bool
	Retried   bool
	Epoch     int
}

type LocateFailed struct {
	Err   error
	Epoch int
}

type LocationFetched struct {
	Loc   *gateway.SessionLocation
	Epoch int
}

type RecordRequested struct{}

type RecordStopRequested struct{}

type RecordingStarted struct{}

type RecordTick struct {
	Seconds int
}

type RecordFailed struct {
	Err error
}

type RecordingFinished struct {
	Audio capture.Audio
}

type TranscriptReady struct {
	Text string
}

type TranscribeFailed struct {
	Err error
}

// UtteranceTyped is keyboard input standing in for a voice question.
type UtteranceTyped struct {
	Text string
}

type QAAnswered struct {
	Question string
	Resp     *gateway.QAResponse
}

type QAFailed struct {
	Err error
}

type LoggingStopRequested struct{}

type LoggingChanged struct {
	Enabled bool
	RunID   string
	OK      bool
	Auto    bool
}

type LoggingFailed struct {
	Enabled bool
	Auto    bool
	Err     error
}

type LoggingStatusRequested struct{}

type LoggingStatusReceived struct {
	Resp *gateway.LoggingResponse
}

type ClarificationEndRequested struct{}

type RecoveryStartRequested struct {
	ErrorNode   string
	CorrectNode string
}

type RecoveryStarted struct {
	ID string
}

type RecoveryEndRequested struct {
	CorrectNode string
	Path        string
}

type RecoveryEnded struct {
	Duration time.Duration
}

type VerifyRequested struct {
	Destination string
}

type Verified struct {
	Result *gateway.Verification
}

type NavigateRequested struct {
	Destination string
}

type Navigated struct {
	Result *gateway.Navigation
}

// RequestFailed reports a failed verify or navigate call.
type RequestFailed struct {
	Op  string
	Err error
}

func (SettingsChanged) event()           {}
func (InquiryCountLoaded) event()        {}
func (StartRequested) event()            {}
func (StartSucceeded) event()            {}
func (StartFailed) event()               {}
func (CloseRequested) event()            {}
func (PhotoPicked) event()               {}
func (LocateSucceeded) event()           {}
func (LocateFailed) event()              {}
func (LocationFetched) event()           {}
func (RecordRequested) event()           {}
func (RecordStopRequested) event()       {}
func (RecordingStarted) event()          {}
func (RecordTick) event()                {}
func (RecordFailed) event()              {}
func (RecordingFinished) event()         {}
func (TranscriptReady) event()           {}
func (TranscribeFailed) event()          {}
func (UtteranceTyped) event()            {}
func (QAAnswered) event()                {}
func (QAFailed) event()                  {}
func (LoggingStopRequested) event()      {}
func (LoggingChanged) event()            {}
func (LoggingFailed) event()             {}
func (LoggingStatusRequested) event()    {}
func (LoggingStatusReceived) event()     {}
func (ClarificationEndRequested) event() {}
func (RecoveryStartRequested) event()    {}
func (RecoveryStarted) event()           {}
func (RecoveryEndRequested) event()      {}
func (RecoveryEnded) event()             {}
func (VerifyRequested) event()           {}
func (Verified) event()                  {}
func (NavigateRequested) event()         {}
func (Navigated) event()                 {}
func (RequestFailed) event()             {}
