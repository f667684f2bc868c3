package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/wwwzy/ShopAgent/internal/stream"
	"github.com/wwwzy/ShopAgent/internal/ui"
)

type ChatUI struct{}

func (u *ChatUI) Run(ctx context.Context, backend ui.ChatBackend, opts ui.ChatOptions) error {
	m := newChatModel(ctx, backend, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type entryKind int

const (
	entryUser entryKind = iota
	entryProgress
	entryAssistant
	entryError
)

type entry struct {
	kind    entryKind
	content string
}

// frameMsg 为后台请求送来的一帧；doneMsg 表示本轮请求结束。
type frameMsg struct{ frame stream.Frame }
type doneMsg struct {
	final string
	err   error
}

type streamTickMsg struct{}
type cancelMsg struct{}

type chatModel struct {
	ctx     context.Context
	backend ui.ChatBackend
	opts    ui.ChatOptions
	session *ui.Session

	entries []entry
	events  chan tea.Msg

	width  int
	height int

	viewport   viewport.Model
	input      textinput.Model
	spinner    spinner.Model
	thinking   bool
	followTail bool

	// 最终回答以打字机效果逐步展开
	streaming  bool
	streamIdx  int
	streamPos  int
	streamFull string

	renderer *glamour.TermRenderer
}

func newChatModel(ctx context.Context, backend ui.ChatBackend, opts ui.ChatOptions) chatModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot

	ti := textinput.New()
	ti.Placeholder = "输入消息，回车发送"
	ti.Prompt = ""
	ti.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	return chatModel{
		ctx:        ctx,
		backend:    backend,
		opts:       opts,
		session:    &ui.Session{},
		viewport:   vp,
		input:      ti,
		spinner:    s,
		followTail: true,
		streamIdx:  -1,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitCancel(m.ctx))
}

func waitCancel(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return cancelMsg{}
	}
}

// ask 在后台发起一轮请求，帧与结束信号都经由 events 送回 Update。
func ask(ctx context.Context, backend ui.ChatBackend, session *ui.Session, question string, events chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		go func() {
			final, err := session.Ask(ctx, backend, question, func(f stream.Frame) {
				events <- frameMsg{frame: f}
			})
			events <- doneMsg{final: final, err: err}
		}()
		return <-events
	}
}

func waitEvent(events chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case cancelMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		inputHeight := 3
		footerHeight := 1
		headerHeight := 1
		chatHeight := m.height - inputHeight - footerHeight - headerHeight
		if chatHeight < 1 {
			chatHeight = 1
		}

		m.viewport.Width = m.width
		m.viewport.Height = chatHeight

		m.input.Width = max(10, m.width-4)

		m.resetMarkdownRenderer()
		m.updateViewportContent(m.renderChat())
		return m, nil

	case spinner.TickMsg:
		if m.thinking {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case frameMsg:
		if msg.frame.Kind == stream.KindStream && m.opts.ShowProgress && strings.TrimSpace(msg.frame.Data) != "" {
			m.entries = append(m.entries, entry{kind: entryProgress, content: msg.frame.Data})
			m.updateViewportContent(m.renderChat())
		}
		return m, waitEvent(m.events)

	case doneMsg:
		m.thinking = false
		m.followTail = true
		if msg.err != nil {
			var fe *ui.FrameError
			text := fmt.Sprintf("发生错误：%v", msg.err)
			if errors.As(msg.err, &fe) {
				text = "发生错误：" + fe.Message
			}
			m.entries = append(m.entries, entry{kind: entryError, content: text})
			m.updateViewportContent(m.renderChat())
			return m, nil
		}
		m.entries = append(m.entries, entry{kind: entryAssistant, content: msg.final})
		m.startStreaming(len(m.entries) - 1)
		m.updateViewportContent(m.renderChat())
		if m.streaming {
			return m, streamTick()
		}
		return m, nil

	case streamTickMsg:
		if !m.streaming {
			return m, nil
		}
		m.streamPos = nextRuneBoundary(m.streamFull, m.streamPos+32)
		m.updateViewportContent(m.renderChat())
		if m.streamPos >= len(m.streamFull) {
			m.streaming = false
			m.updateViewportContent(m.renderChat())
			return m, nil
		}
		return m, streamTick()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "pgup", "pageup":
			m.viewport.PageUp()
			m.followTail = false
			return m, nil
		case "pgdown", "pagedown":
			m.viewport.PageDown()
			if m.viewport.AtBottom() {
				m.followTail = true
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)

		if msg.String() == "enter" {
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.thinking {
				return m, cmd
			}
			switch strings.ToLower(text) {
			case "exit", "quit":
				return m, tea.Quit
			}

			m.entries = append(m.entries, entry{kind: entryUser, content: text})
			m.followTail = true
			m.streaming = false
			m.updateViewportContent(m.renderChat())

			m.input.SetValue("")
			m.thinking = true
			m.events = make(chan tea.Msg, 16)
			return m, tea.Batch(cmd, m.spinner.Tick, ask(m.ctx, m.backend, m.session, text, m.events))
		}

		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("ShopAgent Chat")
	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), m.inputView(), m.footerView())
}

func (m chatModel) footerView() string {
	left := "Enter 发送 | PgUp/PgDn 滚动 | Ctrl+C 退出"
	right := ""
	if m.thinking {
		right = m.spinner.View() + " Thinking..."
	}
	style := lipgloss.NewStyle().Width(m.width).Padding(0, 1)
	return style.Render(lipgloss.JoinHorizontal(lipgloss.Left, left, lipgloss.NewStyle().Width(max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)-2)).Render(""), right))
}

func (m chatModel) inputView() string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Width(max(1, m.input.Width+2)).
		Render(m.input.View())
}

func (m *chatModel) updateViewportContent(content string) {
	oldYOffset := m.viewport.YOffset
	m.viewport.SetContent(content)
	if m.followTail {
		m.viewport.GotoBottom()
		return
	}
	m.viewport.SetYOffset(oldYOffset)
}

func streamTick() tea.Cmd {
	return tea.Tick(45*time.Millisecond, func(time.Time) tea.Msg { return streamTickMsg{} })
}

func (m *chatModel) startStreaming(idx int) {
	m.streaming = false
	m.streamIdx = idx
	m.streamFull = m.entries[idx].content
	m.streamPos = 0
	if strings.TrimSpace(m.streamFull) == "" {
		return
	}
	m.streaming = true
	m.streamPos = nextRuneBoundary(m.streamFull, 32)
}

// nextRuneBoundary 把字节位置推进到下一个 UTF-8 字符边界。
func nextRuneBoundary(s string, pos int) int {
	if pos >= len(s) {
		return len(s)
	}
	for pos < len(s) && !isRuneStart(s[pos]) {
		pos++
	}
	return pos
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func (m *chatModel) resetMarkdownRenderer() {
	if m.width <= 0 {
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(m.bubbleMaxContentWidth()),
	)
	if err == nil {
		m.renderer = r
	}
}

func (m chatModel) renderChat() string {
	if m.width <= 0 {
		m.width = 80
	}

	var b strings.Builder
	for i, e := range m.entries {
		content := e.content
		typing := false
		if m.streaming && i == m.streamIdx {
			content = content[:m.streamPos]
			typing = true
		}
		content = strings.TrimRight(content, "\n")

		var line string
		switch e.kind {
		case entryUser:
			line = m.renderUser(content)
		case entryProgress:
			line = m.renderNote("PROGRESS", content, "240")
		case entryAssistant:
			line = m.renderAssistant(content, typing)
		case entryError:
			line = m.renderNote("ERROR", content, "160")
		}
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m chatModel) bubbleMaxContentWidth() int {
	if m.width <= 0 {
		return 72
	}
	return max(20, m.width-8)
}

func (m chatModel) desiredContentWidth(s string) int {
	w := max(10, maxLineWidth(s))
	return min(m.bubbleMaxContentWidth(), w)
}

func (m chatModel) wrapToWidth(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func maxLineWidth(s string) int {
	s = strings.TrimRight(s, "\n")
	if strings.TrimSpace(s) == "" {
		return 0
	}
	maxW := 0
	for _, line := range strings.Split(s, "\n") {
		if w := lipgloss.Width(strings.TrimRight(line, " ")); w > maxW {
			maxW = w
		}
	}
	return maxW
}

// renderAssistant 在打字过程中显示原文，展开完毕后再按 Markdown 渲染。
func (m chatModel) renderAssistant(content string, typing bool) string {
	md := content
	if strings.TrimSpace(md) == "" {
		md = "(无文本输出)"
	} else if !typing && m.renderer != nil {
		if rendered, err := m.renderer.Render(md); err == nil {
			md = strings.TrimRight(rendered, "\n")
		}
	}
	md = m.wrapToWidth(md, m.desiredContentWidth(md))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(md)
}

func (m chatModel) renderUser(content string) string {
	content = m.wrapToWidth(content, m.desiredContentWidth(content))
	bubble := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(content)
	return lipgloss.NewStyle().Width(m.width).Align(lipgloss.Right).Render(bubble)
}

func (m chatModel) renderNote(label, content, color string) string {
	body := content
	if strings.TrimSpace(body) == "" {
		body = "(无输出)"
	}
	body = m.wrapToWidth(body, m.desiredContentWidth(body))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(color)).
		Foreground(lipgloss.Color("245")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(label + "\n" + body)
}
