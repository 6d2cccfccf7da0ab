// Package store keeps client state between runs: preferences, per-session
// location inquiry counters and an archive of every conversation (JSONL plus
// a searchable SQLite index).
package store

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const summaryLen = 100

// ErrNotFound is returned when no archived run matches an id.
var ErrNotFound = errors.New("run not found")

// Manager handles dual-write history (JSONL + SQLite)
type Manager struct {
	db          *sql.DB
	jsonlPath   string
	searchAvail bool
	mu          sync.Mutex

	runsMu sync.Mutex
	runs   map[string]string // session id -> current run
	now    func() time.Time
}

func New(dbPath, jsonlPath string) (*Manager, error) {
	db, ftsEnabled, err := initDB(dbPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		db:          db,
		jsonlPath:   jsonlPath,
		searchAvail: ftsEnabled,
		runs:        make(map[string]string),
		now:         time.Now,
	}

	go m.EnsureMigrated()

	return m, nil
}

func (m *Manager) Close() {
	if m.db != nil {
		m.db.Close()
	}
}

// SearchAvailable reports whether the FTS index exists.
func (m *Manager) SearchAvailable() bool {
	return m.searchAvail
}

// EnsureMigrated rebuilds the index from JSONL when the database is empty.
func (m *Manager) EnsureMigrated() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	err := m.db.QueryRow("SELECT count(*) FROM runs").Scan(&count)
	if err == nil && count > 0 {
		return
	}
	if _, err := os.Stat(m.jsonlPath); err != nil {
		return
	}
	m.migrate()
}

func (m *Manager) migrate() {
	f, err := os.Open(m.jsonlPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	tx, err := m.db.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()

	for scanner.Scan() {
		line := scanner.Bytes()
		var base map[string]any
		if err := json.Unmarshal(line, &base); err != nil {
			continue
		}

		if _, ok := base["role"]; ok {
			var msg MessageEvent
			if json.Unmarshal(line, &msg) == nil {
				insertMessage(tx, msg)
			}
		} else if _, ok := base["site_id"]; ok {
			var r RunStartEvent
			if json.Unmarshal(line, &r) == nil {
				insertRun(tx, r)
			}
		}
	}

	tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertRun(db execer, r RunStartEvent) error {
	_, err := db.Exec("INSERT OR IGNORE INTO runs(uuid, session_id, created_at, site_id, provider, lang) VALUES(?, ?, ?, ?, ?, ?)",
		r.RunID, r.SessionID, r.TS, r.SiteID, r.Provider, r.Lang)
	return err
}

func insertMessage(db execer, msg MessageEvent) error {
	_, err := db.Exec("INSERT INTO messages(msg_id, run_uuid, role, content, created_at) VALUES(?, ?, ?, ?, ?)",
		msg.ID, msg.RunID, msg.Role, msg.Text, msg.TS)
	if err != nil {
		return err
	}
	summary := msg.Text
	if len(summary) > summaryLen {
		summary = summary[:summaryLen] + "..."
	}
	_, err = db.Exec("UPDATE runs SET summary = ? WHERE uuid = ? AND summary = ''", summary, msg.RunID)
	return err
}

// === Write Methods ===

// StartSession records a new run for sessionID; later messages for that
// session belong to it.
func (m *Manager) StartSession(sessionID, siteID, provider, lang string) error {
	ev := RunStartEvent{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		TS:        m.now().Unix(),
		SiteID:    siteID,
		Provider:  provider,
		Lang:      lang,
	}

	m.runsMu.Lock()
	m.runs[sessionID] = ev.RunID
	m.runsMu.Unlock()

	return m.write(ev, func() error { return insertRun(m.db, ev) })
}

func (m *Manager) AppendMessage(sessionID, role, text string) error {
	m.runsMu.Lock()
	runID, ok := m.runs[sessionID]
	m.runsMu.Unlock()
	if !ok {
		return fmt.Errorf("no run started for session %s", sessionID)
	}

	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	ev := MessageEvent{
		ID:        id,
		RunID:     runID,
		SessionID: sessionID,
		TS:        m.now().Unix(),
		Role:      role,
		Text:      text,
	}
	return m.write(ev, func() error { return insertMessage(m.db, ev) })
}

// write appends to the log and indexes under one lock so a concurrent
// migration never sees a line without its row.
func (m *Manager) write(data any, index func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendJSONL(data); err != nil {
		return err
	}
	return index()
}

func (m *Manager) appendJSONL(data any) error {
	f, err := os.OpenFile(m.jsonlPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = f.Write(append(bytes, '\n'))
	return err
}

// === Preferences ===

var prefKeys = []string{"session_id", "site_id", "provider", "lang"}

func (m *Manager) SavePreferences(sessionID, siteID, provider, lang string) error {
	values := []string{sessionID, siteID, provider, lang}
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i, k := range prefKeys {
		if values[i] == "" {
			continue
		}
		if _, err := tx.Exec("INSERT INTO prefs(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", k, values[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadPreferences returns the saved settings; missing keys stay empty.
func (m *Manager) LoadPreferences() (Preferences, error) {
	var p Preferences
	rows, err := m.db.Query("SELECT key, value FROM prefs")
	if err != nil {
		return p, err
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return p, err
		}
		switch k {
		case "session_id":
			p.SessionID = v
		case "site_id":
			p.SiteID = v
		case "provider":
			p.Provider = v
		case "lang":
			p.Lang = v
		}
	}
	return p, rows.Err()
}

// === Inquiry counters ===

func (m *Manager) InquiryCount(sessionID string) (int, error) {
	var n int
	err := m.db.QueryRow("SELECT count FROM inquiries WHERE session_id = ?", sessionID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (m *Manager) SetInquiryCount(sessionID string, n int) error {
	_, err := m.db.Exec("INSERT INTO inquiries(session_id, count) VALUES(?, ?) ON CONFLICT(session_id) DO UPDATE SET count = excluded.count", sessionID, n)
	return err
}

func (m *Manager) ClearInquiryCount(sessionID string) error {
	_, err := m.db.Exec("DELETE FROM inquiries WHERE session_id = ?", sessionID)
	return err
}

// === Read Methods ===

func (m *Manager) Search(query string) ([]SearchResult, error) {
	if !m.searchAvail {
		return nil, fmt.Errorf("search is unavailable (binary compiled without FTS5 support)")
	}

	m.EnsureMigrated()

	ftsQuery := ParseQuery(query)
	if ftsQuery == "" {
		return nil, fmt.Errorf("empty query")
	}

	rows, err := m.db.Query(`
		SELECT messages_fts.run_uuid, messages_fts.role, highlight(messages_fts, 0, '[', ']'), r.session_id, r.created_at
		FROM messages_fts
		LEFT JOIN runs r ON r.uuid = messages_fts.run_uuid
		WHERE messages_fts MATCH ?
		ORDER BY rank
		LIMIT 50`, ftsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var sessionID sql.NullString
		var ts sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.Role, &r.Preview, &sessionID, &ts); err != nil {
			continue
		}
		r.SessionID = sessionID.String
		r.Timestamp = time.Unix(ts.Int64, 0)
		results = append(results, r)
	}
	return results, rows.Err()
}

// ResolveRun finds the full run id given a prefix or full string
func (m *Manager) ResolveRun(partial string) (string, error) {
	var full string
	err := m.db.QueryRow("SELECT uuid FROM runs WHERE uuid = ?", partial).Scan(&full)
	if err == nil {
		return full, nil
	}

	rows, err := m.db.Query("SELECT uuid FROM runs WHERE uuid LIKE ? LIMIT 2", partial+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err == nil {
			matches = append(matches, u)
		}
	}

	if len(matches) == 0 {
		return "", ErrNotFound
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("ambiguous run id: %s...", partial)
	}
	return matches[0], nil
}

func (m *Manager) RunMessages(runID string) ([]Message, error) {
	rows, err := m.db.Query("SELECT msg_id, role, content FROM messages WHERE run_uuid = ? ORDER BY id ASC", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var id sql.NullString
		if err := rows.Scan(&id, &msg.Role, &msg.Text); err != nil {
			continue
		}
		msg.ID = id.String
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (m *Manager) ListRecentRuns(limit int) ([]RunSummary, error) {
	m.EnsureMigrated()

	rows, err := m.db.Query("SELECT uuid, session_id, created_at, site_id, provider, summary FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var ts int64
		if err := rows.Scan(&r.RunID, &r.SessionID, &ts, &r.SiteID, &r.Provider, &r.Summary); err != nil {
			continue
		}
		r.Timestamp = time.Unix(ts, 0)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Transcript renders a run as plain "role: text" lines.
func (m *Manager) Transcript(runID string) (string, error) {
	msgs, err := m.RunMessages(runID)
	if err != nil {
		return "", err
	}
	var out []byte
	for _, msg := range msgs {
		out = append(out, msg.Role...)
		out = append(out, ": "...)
		out = append(out, msg.Text...)
		out = append(out, '\n')
	}
	return string(out), nil
}

// Stats is the number of archived runs and messages.
func (m *Manager) Stats() (runs, messages int, err error) {
	if err = m.db.QueryRow("SELECT count(*) FROM runs").Scan(&runs); err != nil {
		return
	}
	err = m.db.QueryRow("SELECT count(*) FROM messages").Scan(&messages)
	return
}
