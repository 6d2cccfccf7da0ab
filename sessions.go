package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kir-gadjello/navassist/store"
)

type runItem struct {
	run store.RunSummary
}

func (r runItem) Title() string {
	return fmt.Sprintf("%s  %s  %s/%s", r.run.Timestamp.Format("01/02 15:04"), r.run.SessionID, r.run.SiteID, r.run.Provider)
}
func (r runItem) Description() string { return r.run.Summary }
func (r runItem) FilterValue() string {
	return r.run.SessionID + " " + r.run.SiteID + " " + r.run.Summary
}

// sessionsModel picks one archived run.
type sessionsModel struct {
	list     list.Model
	selected *store.RunSummary
	quitting bool
}

var pickerFrame = lipgloss.NewStyle().Margin(1, 2)

func newSessionsModel(runs []store.RunSummary) sessionsModel {
	items := make([]list.Item, len(runs))
	for i, r := range runs {
		items[i] = runItem{run: r}
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Archived Sessions"
	l.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFF")).
		Background(lipgloss.Color("#2A7F62")).
		Padding(0, 1)

	return sessionsModel{list: l}
}

func (m sessionsModel) Init() tea.Cmd {
	return nil
}

func (m sessionsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// while filtering, q and enter belong to the filter input
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if i, ok := m.list.SelectedItem().(runItem); ok {
				m.selected = &i.run
				return m, tea.Quit
			}
		}
	case tea.WindowSizeMsg:
		h, v := pickerFrame.GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m sessionsModel) View() string {
	if m.quitting || m.selected != nil {
		return ""
	}
	return pickerFrame.Render(m.list.View())
}
