package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-compiler/compile"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	tierStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateCompiling modelState = iota
	stateBrowse
	stateFailed
)

type interactiveModel struct {
	filename string
	opts     compile.Options
	chunk    int

	compiler *compile.Compiler
	module   *compile.Module
	err      error

	msgs     chan tea.Msg
	progress progress.Model
	fed      int
	total    int
	events   []string
	selected int
	offset   int
	state    modelState
}

type chunkFedMsg struct {
	fed   int
	total int
}

type eventMsg compile.Event

type doneMsg struct {
	module *compile.Module
	err    error
}

func newInteractiveModel(filename string, opts compile.Options, chunk int) *interactiveModel {
	if chunk <= 0 {
		chunk = 4096
	}
	return &interactiveModel{
		filename: filename,
		opts:     opts,
		chunk:    chunk,
		msgs:     make(chan tea.Msg, 64),
		progress: progress.New(progress.WithDefaultGradient()),
		state:    stateCompiling,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(m.startCompile, m.listen)
}

// startCompile feeds the module through the streaming compiler chunk
// by chunk on a separate goroutine, reporting progress and lifecycle
// events through the message channel.
func (m *interactiveModel) startCompile() tea.Msg {
	wire, err := os.ReadFile(m.filename)
	if err != nil {
		return doneMsg{err: err}
	}

	opts := m.opts
	opts.Events = func(e compile.Event) {
		select {
		case m.msgs <- eventMsg(e):
		default:
		}
	}
	m.compiler = compile.New(opts)

	sink, future := m.compiler.CompileStreaming()
	go func() {
		for off := 0; off < len(wire); off += m.chunk {
			end := off + m.chunk
			if end > len(wire) {
				end = len(wire)
			}
			sink.Write(wire[off:end])
			m.msgs <- chunkFedMsg{fed: end, total: len(wire)}
			time.Sleep(10 * time.Millisecond)
		}
		sink.Finish()
		mod, err := future.Wait(context.Background())
		m.msgs <- doneMsg{module: mod, err: err}
	}()
	return chunkFedMsg{fed: 0, total: len(wire)}
}

func (m *interactiveModel) listen() tea.Msg {
	return <-m.msgs
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.module != nil {
				m.module.Close()
			}
			if m.compiler != nil {
				m.compiler.Close()
			}
			return m, tea.Quit

		case "up", "k":
			if m.state == stateBrowse && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateBrowse && m.selected < m.numFuncs()-1 {
				m.selected++
			}
		}

	case chunkFedMsg:
		m.fed = msg.fed
		m.total = msg.total
		return m, m.listen

	case eventMsg:
		m.events = append(m.events, compile.Event(msg).String())
		return m, m.listen

	case doneMsg:
		if msg.err != nil {
			m.err = msg.err
			m.state = stateFailed
			return m, m.listen
		}
		m.module = msg.module
		m.state = stateBrowse
		return m, m.listen

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) numFuncs() int {
	if m.module == nil {
		return 0
	}
	desc := m.module.Descriptor()
	return int(desc.NumDeclaredFuncs())
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Compiler"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	switch m.state {
	case stateCompiling:
		ratio := 0.0
		if m.total > 0 {
			ratio = float64(m.fed) / float64(m.total)
		}
		b.WriteString(fmt.Sprintf("Streaming %d / %d bytes\n\n", m.fed, m.total))
		b.WriteString(m.progress.ViewAs(ratio))
		b.WriteString("\n\n")
		m.renderEvents(&b)
		b.WriteString(helpStyle.Render("q quit"))

	case stateFailed:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Compilation failed: %v", m.err)))
		b.WriteString("\n\n")
		m.renderEvents(&b)
		b.WriteString(helpStyle.Render("q quit"))

	case stateBrowse:
		desc := m.module.Descriptor()
		b.WriteString(fmt.Sprintf("Compiled %d functions\n\n", desc.NumDeclaredFuncs()))
		const window = 15
		if m.selected < m.offset {
			m.offset = m.selected
		}
		if m.selected >= m.offset+window {
			m.offset = m.selected - window + 1
		}
		for row := 0; row < window; row++ {
			i := m.offset + row
			if i >= m.numFuncs() {
				break
			}
			index := desc.NumImportedFuncs + uint32(i)
			name := desc.FunctionName(index)
			if name == "" {
				name = fmt.Sprintf("func[%d]", index)
			}
			line := funcStyle.Render(name) + " " + desc.Signature(index).String()
			if a := m.module.Code(index); a != nil {
				line += "  " + tierStyle.Render(fmt.Sprintf("%s, %d bytes", a.Tier, a.Size()))
			}
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> ") + line)
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		m.renderEvents(&b)
		b.WriteString(helpStyle.Render("↑/↓ select • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) renderEvents(b *strings.Builder) {
	if len(m.events) == 0 {
		return
	}
	b.WriteString("Events: ")
	b.WriteString(eventStyle.Render(strings.Join(m.events, " → ")))
	b.WriteString("\n\n")
}

func runInteractive(filename string, opts compile.Options, chunk int) error {
	p := tea.NewProgram(newInteractiveModel(filename, opts, chunk), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
