package gateway

import (
	"encoding/json"
	"fmt"
)

// Identity is the session/provider metadata every research call is tagged with.
type Identity struct {
	SessionID string
	SiteID    string
	Provider  string
	Lang      string
}

type StartRequest struct {
	SessionID       string `json:"session_id"`
	SiteID          string `json:"site_id"`
	OpeningProvider string `json:"opening_provider"`
	Lang            string `json:"lang"`
}

type StartResponse struct {
	Mode            string   `json:"mode"`
	Say             []string `json:"say"`
	SiteID          string   `json:"site_id"`
	OpeningProvider string   `json:"opening_provider"`
	Lang            string   `json:"lang"`
}

// Candidate is one ranked node of a locate response.
type Candidate struct {
	ID       string   `json:"id"`
	Score    float64  `json:"score"`
	SNL      *float64 `json:"s_nl,omitempty"`
	SStruct  *float64 `json:"s_struct,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// LocateResponse is the backend's answer to an uploaded photo. Confidence and
// Margin are pointers because their absence changes what gets displayed.
type LocateResponse struct {
	Caption         string      `json:"caption"`
	NodeID          string      `json:"node_id"`
	Confidence      *float64    `json:"confidence,omitempty"`
	Margin          *float64    `json:"margin,omitempty"`
	LowConf         bool        `json:"low_conf"`
	Candidates      []Candidate `json:"candidates,omitempty"`
	ClarificationID string      `json:"clarification_id,omitempty"`
	ReqID           string      `json:"req_id"`
}

type QARequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Lang      string `json:"lang"`
}

type QAResponse struct {
	Say    []string `json:"say"`
	Answer string   `json:"answer,omitempty"`
}

// Reply picks the text to show: the first "say" line, else "answer".
func (r *QAResponse) Reply() string {
	if r == nil {
		return ""
	}
	if len(r.Say) > 0 && r.Say[0] != "" {
		return r.Say[0]
	}
	return r.Answer
}

type ASRResponse struct {
	Text string `json:"text"`
}

type TTSStart struct {
	ReqID            string `json:"req_id"`
	SessionID        string `json:"session_id"`
	SiteID           string `json:"site_id"`
	Provider         string `json:"provider"`
	ClientStartMS    int64  `json:"client_start_ms"`
	ClientTTSStartMS int64  `json:"client_tts_start_ms"`
}

// HistoryEntry is one location of the session history. The backend sends
// objects ({"location": ..., "confidence": ...}); older builds sent strings.
type HistoryEntry string

func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*h = HistoryEntry(s)
		return nil
	}

	var obj struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("location history entry: %w", err)
	}
	*h = HistoryEntry(obj.Location)
	return nil
}

type SessionLocation struct {
	SessionID         string         `json:"session_id"`
	CurrentLocation   string         `json:"current_location"`
	SiteID            string         `json:"site_id"`
	Provider          string         `json:"provider"`
	PhotoCount        int            `json:"photo_count"`
	LocationHistory   []HistoryEntry `json:"location_history"`
	ConfidenceHistory []float64      `json:"confidence_history"`
}

// LatestConfidence is the last entry of the confidence history, or 0.
func (l *SessionLocation) LatestConfidence() float64 {
	if l == nil || len(l.ConfidenceHistory) == 0 {
		return 0
	}
	return l.ConfidenceHistory[len(l.ConfidenceHistory)-1]
}

// History flattens the location history to names.
func (l *SessionLocation) History() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.LocationHistory))
	for _, h := range l.LocationHistory {
		out = append(out, string(h))
	}
	return out
}

type SessionStatus struct {
	SessionID              string `json:"session_id"`
	SiteID                 string `json:"site_id"`
	Provider               string `json:"provider"`
	CurrentLocation        string `json:"current_location"`
	PhotoCount             int    `json:"photo_count"`
	LastUpdate             string `json:"last_update"`
	ConfidenceTrend        string `json:"confidence_trend"`
	LocationStability      int    `json:"location_stability"`
	OrientationConsistency bool   `json:"orientation_consistency"`
}

type Verification struct {
	SessionID           string         `json:"session_id"`
	CurrentLocation     string         `json:"current_location"`
	LocationVerified    bool           `json:"location_verified"`
	LocationConsistency string         `json:"location_consistency,omitempty"`
	RecentLocations     []string       `json:"recent_locations,omitempty"`
	Confidence          float64        `json:"confidence,omitempty"`
	Message             string         `json:"message,omitempty"`
	Suggestion          string         `json:"suggestion,omitempty"`
	Destination         string         `json:"destination,omitempty"`
	Distance            map[string]any `json:"distance,omitempty"`
	NavigationReady     bool           `json:"navigation_ready,omitempty"`
}

type Navigation struct {
	SessionID       string         `json:"session_id"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Distance        map[string]any `json:"distance,omitempty"`
	Instructions    string         `json:"instructions,omitempty"`
	Error           string         `json:"error,omitempty"`
	Message         string         `json:"message,omitempty"`
	Suggestion      string         `json:"suggestion,omitempty"`
	NavigationReady bool           `json:"navigation_ready,omitempty"`
}

type ClarificationRound struct {
	ClarificationID string `json:"clarification_id"`
	SessionID       string `json:"session_id"`
	SiteID          string `json:"site_id"`
	Provider        string `json:"provider"`
	RoundCount      int    `json:"round_count"`
	UserQuestion    string `json:"user_question"`
	SystemAnswer    string `json:"system_answer"`
	PredictedNode   string `json:"predicted_node"`
	GTNodeID        string `json:"gt_node_id"`
}

type ClarificationEnd struct {
	ClarificationID    string `json:"clarification_id"`
	SessionID          string `json:"session_id"`
	SiteID             string `json:"site_id"`
	Provider           string `json:"provider"`
	TotalRounds        int    `json:"total_rounds"`
	FinalPredictedNode string `json:"final_predicted_node"`
	GTNodeID           string `json:"gt_node_id"`
}

type RecoveryStart struct {
	SessionID   string `json:"session_id"`
	SiteID      string `json:"site_id"`
	Provider    string `json:"provider"`
	ErrorNode   string `json:"error_node"`
	CorrectNode string `json:"correct_node"`
}

type RecoveryEnd struct {
	RecoveryID   string `json:"recovery_id"`
	SessionID    string `json:"session_id"`
	SiteID       string `json:"site_id"`
	Provider     string `json:"provider"`
	CorrectNode  string `json:"correct_node"`
	RecoveryPath string `json:"recovery_path"`
}

type LoggingRequest struct {
	SessionID string `json:"session_id"`
	Provider  string `json:"provider"`
	Enabled   bool   `json:"enabled"`
	RunID     string `json:"run_id"`
}

type LoggingState struct {
	Enabled bool   `json:"enabled"`
	RunID   string `json:"run_id"`
}

type LoggingResponse struct {
	OK    bool         `json:"ok"`
	State LoggingState `json:"state"`
}

type RecoveryStarted struct {
	RecoveryID string `json:"recovery_id"`
}

type RecoveryEnded struct {
	RecoveryDurationMS int64 `json:"recovery_duration_ms"`
}
