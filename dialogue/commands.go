package dialogue

import (
	"time"

	"github.com/kir-gadjello/navassist/capture"
	"github.com/kir-gadjello/navassist/gateway"
)

// Command is a side effect requested by the reducer.
type Command interface {
	command()
}

type UnlockAudio struct{}

type CancelSpeech struct{}

type Speak struct {
	Text  string
	Delay time.Duration
}

type SetSpeechLang struct {
	Lang string
}

type StartSession struct {
	Req gateway.StartRequest
}

type Locate struct {
	ID        gateway.Identity
	Photo     capture.Photo
	Bootstrap bool
	Retry     bool
	Epoch     int
}

type FetchLocation struct {
	SessionID string
	After     time.Duration
	Epoch     int
}

type Ask struct {
	ID   gateway.Identity
	Text string
}

type Transcribe struct {
	Audio capture.Audio
}

type StartRecording struct{}

type StopRecording struct{}

type SetLogging struct {
	Req  gateway.LoggingRequest
	Auto bool
}

type QueryLoggingStatus struct {
	SessionID string
	Provider  string
}

type RecordClarificationRound struct {
	Round gateway.ClarificationRound
}

type EndClarification struct {
	End gateway.ClarificationEnd
}

type StartRecovery struct {
	Req gateway.RecoveryStart
}

type EndRecovery struct {
	Req gateway.RecoveryEnd
}

type Verify struct {
	SessionID   string
	Destination string
}

type Navigate struct {
	SessionID   string
	Destination string
}

// Alert is a blocking notice for the user, outside the conversation.
type Alert struct {
	Text string
}

type PersistInquiryCount struct {
	SessionID string
	Count     int
}

type ClearInquiryCount struct {
	SessionID string
}

type LoadInquiryCount struct {
	SessionID string
}

type PersistPrefs struct {
	Session Session
}

func (UnlockAudio) command()              {}
func (CancelSpeech) command()             {}
func (Speak) command()                    {}
func (SetSpeechLang) command()            {}
func (StartSession) command()             {}
func (Locate) command()                   {}
func (FetchLocation) command()            {}
func (Ask) command()                      {}
func (Transcribe) command()               {}
func (StartRecording) command()           {}
func (StopRecording) command()            {}
func (SetLogging) command()               {}
func (QueryLoggingStatus) command()       {}
func (RecordClarificationRound) command() {}
func (EndClarification) command()         {}
func (StartRecovery) command()            {}
func (EndRecovery) command()              {}
func (Verify) command()                   {}
func (Navigate) command()                 {}
func (Alert) command()                    {}
func (PersistInquiryCount) command()      {}
func (ClearInquiryCount) command()        {}
func (LoadInquiryCount) command()         {}
func (PersistPrefs) command()             {}
