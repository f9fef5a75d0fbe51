// Package tui renders the session for the terminal. It is a pure
// consumer: every document it draws is an immutable snapshot handed over
// by the session, and user input goes back through the session's gate.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"ten-dreams/client/internal/session"
	"ten-dreams/client/internal/state"
	"ten-dreams/client/internal/transport"
)

type stateUpdateMsg struct{ doc state.Document }

type rollMsg struct{ event state.RollEvent }

type noticeMsg struct{ text string }

type connStateMsg struct{ state transport.State }

// Submitter is the slice of the session the model drives.
type Submitter interface {
	Submit(command string)
}

type SubmitterFunc func(command string)

func (f SubmitterFunc) Submit(command string) {
	if f != nil {
		f(command)
	}
}

type Model struct {
	submitter Submitter
	events    chan tea.Msg

	viewport viewport.Model
	input    textinput.Model

	doc       state.Document
	haveDoc   bool
	notice    string
	rollFlash string
	conn      transport.State
	width     int
	height    int
	ready     bool
}

// New builds the model and the session hooks that feed it. The hooks
// push typed messages onto a channel the bubbletea loop drains, so all
// rendering happens on the program goroutine.
func New(submitter Submitter) (*Model, session.Hooks) {
	events := make(chan tea.Msg, 64)

	input := textinput.New()
	input.Placeholder = "输入行动……"
	input.CharLimit = 500
	input.Focus()

	m := &Model{
		submitter: submitter,
		events:    events,
		input:     input,
		conn:      transport.StateDisconnected,
	}

	hooks := session.Hooks{
		OnUpdate:    func(doc state.Document) { events <- stateUpdateMsg{doc: doc} },
		OnRoll:      func(event state.RollEvent) { events <- rollMsg{event: event} },
		OnNotice:    func(text string) { events <- noticeMsg{text: text} },
		OnConnState: func(s transport.State) { events <- connStateMsg{state: s} },
	}
	return m, hooks
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listen())
}

func (m *Model) listen() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			command := m.input.Value()
			m.input.Reset()
			m.notice = ""
			if m.submitter != nil {
				m.submitter.Submit(command)
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case stateUpdateMsg:
		m.doc = msg.doc
		m.haveDoc = true
		m.viewport.SetContent(historyStyle.Render(strings.Join(msg.doc.DisplayHistory, "\n\n")))
		m.viewport.GotoBottom()
		return m, m.listen()

	case rollMsg:
		m.rollFlash = msg.event.ResultText
		return m, m.listen()

	case noticeMsg:
		m.notice = msg.text
		return m, m.listen()

	case connStateMsg:
		m.conn = msg.state
		return m, m.listen()
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) View() string {
	if !m.ready {
		return "连接司命星君中……"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("浮生十梦"))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.rollFlash != "" {
		b.WriteString(rollStyle.Render(m.rollFlash))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(inputStyle.Width(maxInt(m.width-1, 0)).Render(m.input.View()))
	return b.String()
}

func (m *Model) statusLine() string {
	parts := []string{connLabel(m.conn)}
	if m.haveDoc {
		parts = append(parts, fmt.Sprintf("机缘 %d", m.doc.OpportunitiesRemaining))
		if m.doc.IsInTrial {
			parts = append(parts, "试炼中")
		}
		if m.doc.DailySuccessAchieved {
			parts = append(parts, statusDoneStyle.Render("今日功成"))
		}
		if m.doc.IsProcessing {
			parts = append(parts, statusBusyStyle.Render("星君推演中……"))
		}
	}
	return statusStyle.Render(strings.Join(parts, " · "))
}

func connLabel(s transport.State) string {
	switch s {
	case transport.StateOpen:
		return "已连接"
	case transport.StateConnecting:
		return "连接中"
	case transport.StateReconnecting:
		return "重连中"
	default:
		return "未连接"
	}
}

func (m *Model) resize() {
	headerHeight := 1
	footerHeight := 4
	height := m.height - headerHeight - footerHeight
	if height < 1 {
		height = 1
	}
	if !m.ready {
		m.viewport = viewport.New(m.width, height)
		if m.haveDoc {
			m.viewport.SetContent(historyStyle.Render(strings.Join(m.doc.DisplayHistory, "\n\n")))
			m.viewport.GotoBottom()
		}
		m.ready = true
		return
	}
	m.viewport.Width = m.width
	m.viewport.Height = height
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
