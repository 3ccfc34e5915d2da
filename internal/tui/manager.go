// Package tui renders registry progress in the terminal for the get command.
package tui

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	progressbar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lvcoi/tubefetch/internal/progress"
)

// Manager follows registry snapshots of tracked jobs and renders them with
// Bubble Tea, or as plain lines when the output is not a terminal.
type Manager struct {
	// Interrupt is called when the user presses ctrl+c in the progress view.
	Interrupt func()

	mu       sync.Mutex
	registry *progress.Registry
	out      io.Writer
	plain    bool
	ctx      context.Context
	cancel   context.CancelFunc
	program  *tea.Program
	started  bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// New returns a Manager writing to out.
func New(registry *progress.Registry, out *os.File) *Manager {
	return &Manager{
		registry: registry,
		out:      out,
		plain:    !isTerminal(out),
	}
}

// NewPlain returns a Manager that always writes plain lines to w.
func NewPlain(registry *progress.Registry, w io.Writer) *Manager {
	return &Manager{registry: registry, out: w, plain: true}
}

// Start begins rendering in a separate goroutine.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.done = make(chan struct{})

	if m.plain {
		go func() {
			<-m.ctx.Done()
			close(m.done)
		}()
		return
	}

	program := tea.NewProgram(newModel(m.interrupt),
		tea.WithOutput(m.out),
		tea.WithoutSignalHandler(),
	)
	m.program = program
	go func() {
		defer close(m.done)
		_, _ = program.Run()
		m.cancel()
	}()
	go func() {
		<-m.ctx.Done()
		program.Send(stopMsg{})
	}()
}

// Track subscribes to id and renders it under label until it finishes.
func (m *Manager) Track(id, label string) {
	if m == nil || m.registry == nil || id == "" {
		return
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return
	}

	m.send(registerMsg{id: id, label: label, start: time.Now()})
	updates, cancel := m.registry.Subscribe(id)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		last := -1
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-updates:
				if m.plain {
					last = m.printPlain(label, snap, last)
				} else {
					m.send(snapshotMsg{id: id, snap: snap})
				}
				if snap.Status.IsTerminal() {
					return
				}
			}
		}
	}()
}

// Wait blocks until every tracked job reached a terminal state or the
// manager was stopped.
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

// Stop stops rendering and waits briefly for the view to restore the terminal.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

func (m *Manager) interrupt() {
	if m.Interrupt != nil {
		m.Interrupt()
	}
}

func (m *Manager) send(msg tea.Msg) {
	m.mu.Lock()
	program := m.program
	m.mu.Unlock()
	if program != nil {
		program.Send(msg)
	}
}

// printPlain writes a line whenever the whole percentage changes, and once
// for the terminal state. It returns the last printed percentage.
func (m *Manager) printPlain(label string, snap progress.Snapshot, last int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch snap.Status {
	case progress.StatusDone:
		fmt.Fprintf(m.out, "%s: done %s\n", label, snap.File)
		return 100
	case progress.StatusError:
		fmt.Fprintf(m.out, "%s: error: %s\n", label, snap.Error)
		return last
	}
	pct := int(snap.Percent)
	if pct == last {
		return last
	}
	fmt.Fprintf(m.out, "%s: %s %5.1f%%%s\n", label, snap.Status, snap.Percent, etaSuffix(snap))
	return pct
}

func etaSuffix(snap progress.Snapshot) string {
	if snap.ETASeconds == nil {
		return ""
	}
	return " eta " + formatDurationShort(time.Duration(*snap.ETASeconds)*time.Second)
}

type registerMsg struct {
	id    string
	label string
	start time.Time
}

type snapshotMsg struct {
	id   string
	snap progress.Snapshot
}

type stopMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#0B0B0B")).
			Background(lipgloss.Color("#FFE66D")).
			Bold(true).
			Padding(0, 1)

	percentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00F5D4")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8F8F2")).
			Bold(true)

	etaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6ADC8")).
			Faint(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7FDBFF"))
)

type model struct {
	tasks     map[string]*task
	order     []string
	width     int
	quit      bool
	interrupt func()
}

type task struct {
	label   string
	snap    progress.Snapshot
	started time.Time
	ended   time.Time
	bar     progressbar.Model
	spin    spinner.Model
}

func newModel(interrupt func()) *model {
	return &model{
		tasks:     make(map[string]*task),
		width:     80,
		interrupt: interrupt,
	}
}

func barWidth(total int) int {
	width := total - 10
	if width < 10 {
		return 10
	}
	return width
}

func truncateLine(text string, width int) string {
	if width <= 0 || len(text) <= width {
		return text
	}
	if width <= 3 {
		return text[:width]
	}
	return text[:width-3] + "..."
}

func (m *model) Init() tea.Cmd {
	return nil
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		for _, t := range m.tasks {
			t.bar.Width = barWidth(m.width)
		}
	case registerMsg:
		if _, exists := m.tasks[msg.id]; exists {
			return m, nil
		}
		m.order = append(m.order, msg.id)
		spin := spinner.New()
		spin.Spinner = spinner.MiniDot
		spin.Style = spinnerStyle
		t := &task{
			label:   msg.label,
			snap:    progress.Snapshot{Status: progress.StatusStarting},
			started: msg.start,
			bar: progressbar.New(
				progressbar.WithGradient("#FF006E", "#00F5FF"),
				progressbar.WithWidth(barWidth(m.width)),
				progressbar.WithoutPercentage(),
			),
			spin: spin,
		}
		m.tasks[msg.id] = t
		return m, tea.Batch(t.bar.SetPercent(0), t.spin.Tick)
	case snapshotMsg:
		t, ok := m.tasks[msg.id]
		if !ok {
			return m, nil
		}
		t.snap = msg.snap
		if msg.snap.Status.IsTerminal() && t.ended.IsZero() {
			t.ended = time.Now()
		}
		return m, t.bar.SetPercent(math.Min(1, math.Max(0, msg.snap.Percent/100)))
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			if m.interrupt != nil {
				m.interrupt()
			}
			m.quit = true
			return m, tea.Quit
		}
	case progressbar.FrameMsg:
		cmds := make([]tea.Cmd, 0, len(m.tasks))
		for _, t := range m.tasks {
			updated, cmd := t.bar.Update(msg)
			if bar, ok := updated.(progressbar.Model); ok {
				t.bar = bar
			}
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
		return m, tea.Batch(cmds...)
	case spinner.TickMsg:
		cmds := make([]tea.Cmd, 0, len(m.tasks))
		for _, t := range m.tasks {
			if t.snap.Status.IsTerminal() {
				continue
			}
			updated, cmd := t.spin.Update(msg)
			t.spin = updated
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
		return m, tea.Batch(cmds...)
	case stopMsg:
		m.quit = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) View() string {
	if len(m.order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(" Downloads"))
	b.WriteString("\n")
	for _, id := range m.order {
		t := m.tasks[id]
		spin := ""
		if !t.snap.Status.IsTerminal() {
			spin = t.spin.View()
		}
		fmt.Fprintf(&b, "%s %s %s\n",
			spin,
			percentStyle.Render(fmt.Sprintf("%5.1f%%", t.snap.Percent)),
			labelStyle.Render(truncateLine(t.label, m.width-10)),
		)
		b.WriteString(t.bar.View())
		b.WriteString("\n")
		fmt.Fprintf(&b, "        %s\n", statusLine(t))
	}
	return b.String()
}

func statusLine(t *task) string {
	switch t.snap.Status {
	case progress.StatusDone:
		return etaStyle.Render(fmt.Sprintf("saved %s in %s", t.snap.File, formatDurationShort(t.ended.Sub(t.started))))
	case progress.StatusError:
		return errorStyle.Render(truncateLine(t.snap.Error, 200))
	}
	line := fmt.Sprintf("%s · elapsed %s", t.snap.Status, formatDurationShort(time.Since(t.started)))
	return etaStyle.Render(line + etaSuffix(t.snap))
}

func formatDurationShort(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%.0fm%.0fs", math.Floor(d.Minutes()), math.Mod(d.Seconds(), 60))
	}
	return fmt.Sprintf("%.0fh%.0fm", math.Floor(d.Hours()), math.Mod(d.Minutes(), 60))
}

func isTerminal(file *os.File) bool {
	if file == nil {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
