package store

import "time"

// RunStartEvent is the JSONL record written when a session is started.
// One session id can be started many times; each start is a run.
type RunStartEvent struct {
	RunID     string `json:"run"`
	SessionID string `json:"session_id"`
	TS        int64  `json:"ts"`
	SiteID    string `json:"site_id"`
	Provider  string `json:"provider"`
	Lang      string `json:"lang"`
}

// MessageEvent is the JSONL record for one conversation line.
type MessageEvent struct {
	ID        string `json:"id"`
	RunID     string `json:"run"`
	SessionID string `json:"session_id"`
	TS        int64  `json:"ts"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

type Preferences struct {
	SessionID string
	SiteID    string
	Provider  string
	Lang      string
}

type Message struct {
	ID   string
	Role string
	Text string
}

// SearchResult represents a hit from the FTS index
type SearchResult struct {
	RunID     string
	SessionID string
	Timestamp time.Time
	Role      string
	Preview   string
}

// RunSummary describes one archived conversation.
type RunSummary struct {
	RunID     string
	SessionID string
	Timestamp time.Time
	SiteID    string
	Provider  string
	Summary   string
}
