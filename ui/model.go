// Package ui is the interactive terminal front end. The bubbletea Update loop is the only
// place UI state changes; the conversion itself runs on the controller's worker goroutine.
package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"folder_to_pdf/internal/controller"
	"folder_to_pdf/internal/converter"
)

type field int

const (
	fieldTitle field = iota
	fieldFolder
)

// waitForEvent blocks on the controller queue and hands the next event to Update.
func waitForEvent(events <-chan controller.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return ev
	}
}

// Model is the tea.Model for the converter screen.
type Model struct {
	ctrl  *controller.Controller
	state *controller.State

	title   textinput.Model
	folder  textinput.Model
	focused field

	bar      progress.Model
	progress converter.Progress
	running  bool

	status      string
	statusStyle lipgloss.Style

	width    int
	quitting bool
	Version  string
}

// NewModel creates the screen for ctrl, prefilled from its state.
func NewModel(ctrl *controller.Controller, version string) Model {
	state := ctrl.State()

	title := textinput.New()
	title.Placeholder = "PDF title"
	title.Prompt = ""
	title.SetValue(state.Title())
	title.Focus()

	folder := textinput.New()
	folder.Placeholder = "/path/to/images"
	folder.Prompt = ""
	folder.SetValue(state.Folder())

	return Model{
		ctrl:        ctrl,
		state:       state,
		title:       title,
		folder:      folder,
		bar:         progress.New(progress.WithDefaultGradient()),
		statusStyle: InfoStyle,
		Version:     version,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.ctrl.Events()))
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.ctrl.Close()
			m.quitting = true
			return m, tea.Quit
		case "esc":
			if m.running && m.ctrl.Cancel() {
				m.setStatus("Cancelling..", WarningStyle)
			}
			return m, nil
		case "tab", "shift+tab", "up", "down":
			cmd := m.switchFocus()
			return m, cmd
		case "enter":
			return m.startRun(), nil
		}
		return m.updateInputs(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-16, 10), 60)
		return m, nil

	case controller.ProgressEvent:
		if m.running {
			m.progress = msg.Progress
			m.setStatus(msg.Message, ProcessingStyle)
		}
		return m, waitForEvent(m.ctrl.Events())

	case controller.OutcomeEvent:
		m.running = false
		style := ErrorStyle
		switch {
		case msg.Status == controller.Succeeded:
			style = SuccessStyle
		case msg.Status == controller.Cancelled:
			style = WarningStyle
		case errors.Is(msg.Err, converter.ErrNoImagesFound):
			style = WarningStyle
		}
		m.setStatus(controller.Describe(msg.Outcome), style)
		return m, waitForEvent(m.ctrl.Events())
	}

	return m.updateInputs(msg)
}

func (m *Model) setStatus(text string, style lipgloss.Style) {
	m.status = text
	m.statusStyle = style
}

func (m *Model) switchFocus() tea.Cmd {
	if m.focused == fieldTitle {
		m.focused = fieldFolder
		m.title.Blur()
		return m.folder.Focus()
	}
	m.focused = fieldTitle
	m.folder.Blur()
	return m.title.Focus()
}

// updateInputs forwards msg to the inputs and mirrors their values into the shared state.
// Editing either field clears the last status line.
func (m Model) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.running {
		return m, nil
	}
	var titleCmd, folderCmd tea.Cmd
	m.title, titleCmd = m.title.Update(msg)
	m.folder, folderCmd = m.folder.Update(msg)

	title, folder := m.title.Value(), m.folder.Value()
	if title != m.state.Title() || folder != m.state.Folder() {
		m.state.SetTitle(title)
		m.state.SetFolder(folder)
		m.status = ""
		m.progress = converter.Progress{}
	}
	return m, tea.Batch(titleCmd, folderCmd)
}

// startRun triggers a conversion unless one is running or the input is incomplete.
func (m Model) startRun() Model {
	if m.running || !m.state.Enabled() {
		return m
	}
	if _, _, err := m.ctrl.Start(); err != nil {
		m.setStatus(fmt.Sprintf("%s %v", controller.MessageFailed, err), ErrorStyle)
		return m
	}
	m.running = true
	m.progress = converter.Progress{}
	m.setStatus(controller.MessageProcessing, ProcessingStyle)
	return m
}

// Running reports whether the screen considers a run active.
func (m Model) Running() bool { return m.running }

// Status returns the current status line.
func (m Model) Status() string { return m.status }

// View implements tea.Model
func (m Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("Folder to PDF %s", m.Version)))
	b.WriteString("\n")
	b.WriteString(LabelStyle.Render("Title") + m.title.View() + "\n")
	b.WriteString(LabelStyle.Render("Folder") + m.folder.View() + "\n\n")

	if preview := m.state.OutputPreview(); preview != "" {
		b.WriteString(InfoStyle.Render("PDF to be created: "+preview) + "\n")
	}

	if m.running || m.progress.Total > 0 {
		percent := 0.0
		if m.progress.Total > 0 {
			percent = float64(m.progress.Current) / float64(m.progress.Total)
		}
		b.WriteString(fmt.Sprintf("%s (%d/%d)\n", m.bar.ViewAs(percent), m.progress.Current, m.progress.Total))
	}

	if m.status != "" {
		b.WriteString(m.statusStyle.Render(m.status) + "\n")
	}

	help := "[enter] create PDF  [tab] switch field  [ctrl+c] quit"
	if m.running {
		help = "[esc] cancel  [ctrl+c] quit"
	}
	b.WriteString("\n" + HelpStyle.Render(help) + "\n")
	return b.String()
}
