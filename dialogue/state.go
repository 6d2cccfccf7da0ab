// Package dialogue holds the session state machine. Transitions are a pure
// reducer; a Runner performs the side effects it asks for.
package dialogue

import (
	"time"

	"github.com/kir-gadjello/navassist/gateway"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	}
	return "unknown"
}

type Role string

const (
	RoleYou       Role = "you"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role Role
	Text string
}

type Session struct {
	SessionID       string
	SiteID          string
	Provider        string
	Lang            string
	FirstPhotoTaken bool
}

func (s Session) Identity() gateway.Identity {
	return gateway.Identity{SessionID: s.SessionID, SiteID: s.SiteID, Provider: s.Provider, Lang: s.Lang}
}

// Location is only ever replaced by backend answers.
type Location struct {
	Current    string
	History    []string
	Confidence float64
}

type Clarification struct {
	ID     string
	Rounds int
}

type Recovery struct {
	ID          string
	ErrorNode   string
	CorrectNode string
}

type Logging struct {
	Enabled bool
	RunID   string
	// AutoStarted latches after the first photo turns logging on.
	AutoStarted bool
}

// Recording is Starting from the request until the microphone is open,
// then Active until the clip is delivered.
type Recording struct {
	Starting bool
	Active   bool
	Seconds  int
}

func (r Recording) Busy() bool {
	return r.Starting || r.Active
}

// State is a value; the reducer never mutates slices it was handed.
type State struct {
	Phase             Phase
	Session           Session
	Location          Location
	Messages          []Message
	Clarification     Clarification
	Recovery          Recovery
	Logging           Logging
	Recording         Recording
	InquiryCount      int
	LastPredictedNode string
	Busy              bool
	Err               string
	LastRecovery      time.Duration
	// Epoch changes whenever a session starts or closes. Photo results
	// from another epoch are dropped.
	Epoch int
}

// NavigationThreshold is the confidence above which navigation features open.
const NavigationThreshold = 0.7

func (s State) Active() bool {
	return s.Phase == PhaseActive
}

func (s State) NavigationAvailable() bool {
	return s.Location.Current != "" && s.Location.Confidence > NavigationThreshold
}

// LastReply is the newest assistant message, if any.
func (s State) LastReply() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Text
		}
	}
	return ""
}

func (s State) withMessages(role Role, texts ...string) State {
	out := make([]Message, len(s.Messages), len(s.Messages)+len(texts))
	copy(out, s.Messages)
	for _, t := range texts {
		out = append(out, Message{Role: role, Text: t})
	}
	s.Messages = out
	return s
}
