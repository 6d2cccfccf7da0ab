package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	markdown "github.com/vlanse/go-term-markdown"
	"go.uber.org/zap"

	"github.com/kir-gadjello/navassist/capture"
	"github.com/kir-gadjello/navassist/dialogue"
)

const (
	textPlaceholder  = "Ask a question, or /help for commands..."
	photoPlaceholder = "Path to a photo (Esc to cancel)..."
	emptyLog         = "<press ctrl+o or type /start to begin a session>"
)

const helpText = `ctrl+o start · ctrl+p photo · ctrl+r record · ctrl+s copy transcript · ctrl+e copy reply · esc quit
/start /close /photo PATH /verify [DEST] /navigate DEST /logging /stop-logging /clarify-end
/recover-start ERR [CORRECT] /recover-end CORRECT [PATH] /session ID /site ID /provider ft|base /lang en|zh`

type stateMsg dialogue.State

type alertMsg string

type chatView struct {
	runner *dialogue.Runner
	logger *zap.Logger

	state     dialogue.State
	alert     string
	photoMode bool
	spinning  bool

	spinner        spinner.Model
	viewport       viewport.Model
	textarea       textarea.Model
	renderMarkdown bool
	viewportWidth  int
	mdPaddingWidth int
}

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Background(lipgloss.Color("236")).Padding(0, 1)
	phaseStyles = map[dialogue.Phase]lipgloss.Style{
		dialogue.PhaseIdle:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		dialogue.PhaseStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		dialogue.PhaseActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
	alertStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	recStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func newChatView(runner *dialogue.Runner, logger *zap.Logger) chatView {
	ta := textarea.New()
	ta.Placeholder = textPlaceholder
	ta.Focus()

	ta.Prompt = "┃ "
	ta.CharLimit = 2000
	ta.SetHeight(2)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	vp := viewport.New(80, 12)
	vp.SetContent(emptyLog)
	vp.MouseWheelEnabled = true

	sp := spinner.New()
	sp.Spinner = spinner.Pulse
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("171"))

	return chatView{
		runner:         runner,
		logger:         logger,
		state:          runner.State(),
		spinner:        sp,
		viewport:       vp,
		textarea:       ta,
		renderMarkdown: true,
		viewportWidth:  80,
	}
}

func (m chatView) Init() tea.Cmd {
	return textarea.Blink
}

var markdownCache = struct {
	sync.Mutex
	cache map[string]string
}{cache: make(map[string]string)}

// formatMessageLog renders a conversation, optionally as terminal markdown.
func formatMessageLog(msgs []dialogue.Message, renderMarkdown bool, lineWidth int, mdPadding int, suffix string) string {
	var ret strings.Builder

	for i, msg := range msgs {
		content := strings.TrimRight(msg.Text, " \t\r\n")

		if renderMarkdown {
			key := fmt.Sprintf("%s__%d__%d", content, lineWidth, mdPadding)
			markdownCache.Lock()
			if cached, ok := markdownCache.cache[key]; ok {
				content = cached
			} else {
				rendered := string(markdown.Render(content, lineWidth, mdPadding))
				markdownCache.cache[key] = rendered
				content = rendered
			}
			markdownCache.Unlock()
		}

		content = strings.TrimRight(content, " \t\r\n")

		sfx := ""
		if i == len(msgs)-1 && suffix != "" {
			sfx = " " + suffix
		}

		fmt.Fprintf(&ret, "### %s:\n%s%s\n\n", strings.ToUpper(string(msg.Role)), content, sfx)
	}

	return ret.String()
}

func (m *chatView) refresh() {
	if len(m.state.Messages) == 0 {
		m.viewport.SetContent(emptyLog)
		return
	}
	suffix := ""
	if m.spinning {
		suffix = m.spinner.View()
	}
	m.viewport.SetContent(formatMessageLog(m.state.Messages, m.renderMarkdown, m.viewportWidth, m.mdPaddingWidth, suffix))
	m.viewport.GotoBottom()
}

func (m chatView) wantsSpinner() bool {
	s := m.state
	return s.Busy || s.Phase == dialogue.PhaseStarting || s.Recording.Busy()
}

func (m chatView) dispatch(ev dialogue.Event) {
	m.runner.Dispatch(ev)
}

func (m chatView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	switch msg := msg.(type) {

	case stateMsg:
		m.state = dialogue.State(msg)
		var spCmd tea.Cmd
		if m.wantsSpinner() && !m.spinning {
			m.spinning = true
			spCmd = m.spinner.Tick
		} else if !m.wantsSpinner() {
			m.spinning = false
		}
		m.refresh()
		return m, tea.Batch(tiCmd, vpCmd, spCmd)

	case alertMsg:
		m.alert = string(msg)
		return m, tea.Batch(tiCmd, vpCmd)

	case spinner.TickMsg:
		if !m.spinning {
			return m, tea.Batch(tiCmd, vpCmd)
		}
		var spCmd tea.Cmd
		m.spinner, spCmd = m.spinner.Update(msg)
		m.refresh()
		return m, tea.Batch(tiCmd, vpCmd, spCmd)

	case tea.KeyMsg:
		switch msg.Type {

		case tea.KeyCtrlC:
			return m, tea.Quit

		case tea.KeyEsc:
			if m.photoMode {
				m.setPhotoMode(false)
				return m, nil
			}
			return m, tea.Quit

		case tea.KeyCtrlO:
			m.alert = ""
			m.dispatch(dialogue.StartRequested{})
			return m, nil

		case tea.KeyCtrlP:
			m.setPhotoMode(!m.photoMode)
			return m, nil

		case tea.KeyCtrlR:
			m.alert = ""
			if m.state.Recording.Busy() {
				m.dispatch(dialogue.RecordStopRequested{})
			} else {
				m.dispatch(dialogue.RecordRequested{})
			}
			return m, nil

		case tea.KeyCtrlS:
			if len(m.state.Messages) > 0 {
				putTextIntoClipboard(formatMessageLog(m.state.Messages, false, 0, 0, ""))
			}
			return m, nil

		case tea.KeyCtrlE:
			if reply := m.state.LastReply(); reply != "" {
				putTextIntoClipboard(reply)
			}
			return m, nil

		case tea.KeyEnter:
			input := strings.TrimSpace(m.textarea.Value())
			m.textarea.Reset()
			if input == "" {
				return m, nil
			}
			m.alert = ""
			if m.photoMode {
				m.setPhotoMode(false)
				m.submitPhoto(input)
				return m, nil
			}
			if strings.HasPrefix(input, "/") {
				return m.slash(input)
			}
			m.dispatch(dialogue.UtteranceTyped{Text: input})
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.textarea.SetWidth(msg.Width - 2)
		m.viewport.Width = msg.Width - 2
		m.viewportWidth = msg.Width - 2
		// two status lines below the log
		m.viewport.Height = msg.Height - 3 - m.textarea.Height()
		m.refresh()
	}

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *chatView) setPhotoMode(on bool) {
	m.photoMode = on
	m.textarea.Reset()
	if on {
		m.textarea.Placeholder = photoPlaceholder
	} else {
		m.textarea.Placeholder = textPlaceholder
	}
}

func (m *chatView) submitPhoto(path string) {
	path = expandPath(strings.Trim(path, `"'`))
	photo, err := capture.PhotoFromFile(path)
	if err != nil {
		m.alert = err.Error()
		return
	}
	m.logger.Debug("photo picked", zap.String("path", path), zap.Int("bytes", len(photo.Data)))
	m.dispatch(dialogue.PhotoPicked{Photo: photo})
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func (m chatView) slash(input string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(input)
	name, args := fields[0], fields[1:]
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	rest := strings.Join(args, " ")

	switch name {
	case "/help":
		m.alert = helpText
	case "/start":
		m.dispatch(dialogue.StartRequested{})
	case "/close":
		m.dispatch(dialogue.CloseRequested{})
	case "/photo":
		if rest == "" {
			m.setPhotoMode(true)
		} else {
			m.submitPhoto(rest)
		}
	case "/verify":
		m.dispatch(dialogue.VerifyRequested{Destination: rest})
	case "/navigate":
		if rest == "" {
			m.alert = "usage: /navigate DEST"
			break
		}
		m.dispatch(dialogue.NavigateRequested{Destination: rest})
	case "/logging":
		m.dispatch(dialogue.LoggingStatusRequested{})
	case "/stop-logging":
		m.dispatch(dialogue.LoggingStopRequested{})
	case "/clarify-end":
		m.dispatch(dialogue.ClarificationEndRequested{})
	case "/recover-start":
		if arg(0) == "" {
			m.alert = "usage: /recover-start ERR [CORRECT]"
			break
		}
		m.dispatch(dialogue.RecoveryStartRequested{ErrorNode: arg(0), CorrectNode: arg(1)})
	case "/recover-end":
		if arg(0) == "" {
			m.alert = "usage: /recover-end CORRECT [PATH]"
			break
		}
		m.dispatch(dialogue.RecoveryEndRequested{CorrectNode: arg(0), Path: strings.Join(args[1:], " ")})
	case "/session", "/site", "/provider", "/lang":
		if m.state.Phase != dialogue.PhaseIdle {
			m.alert = "close the session before changing settings"
			break
		}
		if rest == "" {
			m.alert = "usage: " + name + " VALUE"
			break
		}
		var ev dialogue.SettingsChanged
		switch name {
		case "/session":
			ev.SessionID = rest
		case "/site":
			ev.SiteID = rest
		case "/provider":
			ev.Provider = rest
		case "/lang":
			ev.Lang = rest
		}
		if err := validSettings(ev); err != nil {
			m.alert = err.Error()
			break
		}
		m.dispatch(ev)
	default:
		m.alert = "unknown command " + name + " (try /help)"
	}
	return m, nil
}

// validSettings checks an edit against the same rules as the config file.
func validSettings(ev dialogue.SettingsChanged) error {
	checks := []struct {
		value, tag string
	}{
		{ev.SessionID, "omitempty,max=64"},
		{ev.SiteID, "omitempty,oneof=SCENE_A_MS SCENE_B_STUDIO"},
		{ev.Provider, "omitempty,oneof=ft base"},
		{ev.Lang, "omitempty,oneof=en zh"},
	}
	for _, c := range checks {
		if err := validate.Var(c.value, c.tag); err != nil {
			return fmt.Errorf("invalid value %q", c.value)
		}
	}
	return nil
}

func (m chatView) statusLine() string {
	s := m.state
	phase := phaseStyles[s.Phase].Render("● " + s.Phase.String())
	parts := []string{
		phase,
		fmt.Sprintf("%s %s/%s/%s", s.Session.SessionID, s.Session.SiteID, s.Session.Provider, s.Session.Lang),
	}
	if s.Location.Current != "" {
		parts = append(parts, fmt.Sprintf("at %s (%.1f%%) · %d seen", s.Location.Current, s.Location.Confidence*100, len(s.Location.History)))
	}
	if s.Logging.Enabled {
		parts = append(parts, "log "+s.Logging.RunID)
	}
	if s.Clarification.ID != "" {
		parts = append(parts, fmt.Sprintf("clarify round %d", s.Clarification.Rounds))
	}
	if s.Recovery.ID != "" {
		parts = append(parts, "recovering from "+s.Recovery.ErrorNode)
	} else if s.LastRecovery > 0 {
		parts = append(parts, "last recovery "+s.LastRecovery.Round(time.Millisecond).String())
	}
	if s.Recording.Active {
		parts = append(parts, recStyle.Render(fmt.Sprintf("● REC %ds", s.Recording.Seconds)))
	}
	if m.photoMode {
		parts = append(parts, "photo")
	}
	return statusStyle.Width(m.viewportWidth + 2).Render(strings.Join(parts, " │ "))
}

func (m chatView) View() string {
	alert := ""
	if m.alert != "" {
		alert = alertStyle.Render(m.alert)
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s", m.viewport.View(), m.statusLine(), alert, m.textarea.View()) + "\n"
}

func putTextIntoClipboard(text string) error {
	return clipboard.WriteAll(text)
}

// initialState seeds the chat view from the resolved config and records
// the settings as the preferences for the next run.
func initialState(a *app) dialogue.State {
	initial := dialogue.State{Session: dialogue.Session{
		SessionID: a.cfg.SessionID,
		SiteID:    a.cfg.SiteID,
		Provider:  a.cfg.Provider,
		Lang:      a.cfg.Lang,
	}}
	if a.store == nil {
		return initial
	}
	if n, err := a.store.InquiryCount(a.cfg.SessionID); err == nil {
		initial.InquiryCount = n
	} else {
		a.logger.Warn("load inquiry count", zap.Error(err))
	}
	if err := a.store.SavePreferences(a.cfg.SessionID, a.cfg.SiteID, a.cfg.Provider, a.cfg.Lang); err != nil {
		a.logger.Warn("save preferences", zap.Error(err))
	}
	return initial
}

// runInteractive opens the chat view over a dialogue runner.
func runInteractive(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.close()

	initial := initialState(a)

	var program *tea.Program
	deps := dialogue.Deps{
		Backend:      a.client,
		Speaker:      a.narrator,
		Recorder:     a.recorder(),
		Logger:       a.logger.Named("dialogue"),
		PhotoMaxSide: a.cfg.PhotoMaxSide,
		PhotoQuality: a.cfg.PhotoQuality,
		OnState:      func(s dialogue.State) { program.Send(stateMsg(s)) },
		OnAlert:      func(text string) { program.Send(alertMsg(text)) },
	}
	if a.store != nil {
		deps.Store = a.store
	}

	runner := dialogue.NewRunner(dialogue.NewMachine(a.cfg.Timing), initial, deps)
	program = tea.NewProgram(newChatView(runner, a.logger), tea.WithAltScreen(), tea.WithMouseCellMotion())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Run(ctx)
	}()

	if a.cfg.WatchDir != "" {
		err := capture.WatchPhotos(ctx, a.cfg.WatchDir, a.logger.Named("watch"), func(path string) {
			photo, err := capture.PhotoFromFile(path)
			if err != nil {
				a.logger.Warn("dropped photo unreadable", zap.String("path", path), zap.Error(err))
				return
			}
			runner.Dispatch(dialogue.PhotoPicked{Photo: photo})
		})
		if err != nil {
			cancel()
			<-done
			return err
		}
	}

	if start, _ := cmd.Flags().GetBool("start"); start {
		runner.Dispatch(dialogue.StartRequested{})
	}

	_, err = program.Run()
	cancel()
	<-done
	return err
}
