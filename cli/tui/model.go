package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"imageConverter/api/batch"
)

// Model renders batch progress from the item transitions sent on updates.
// Closing updates ends the program.
type Model struct {
	updates     <-chan batch.ItemState
	spinner     spinner.Model
	format      string
	started     time.Time
	width       int
	total       int
	running     int
	succeeded   int
	failed      int
	last        string
	quitting    bool
	interrupted bool
}

type doneMsg struct{}

type updateMsg batch.ItemState

func NewModel(updates <-chan batch.ItemState, total int, format string) Model {
	return Model{
		updates: updates,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(barStyle)),
		total:   total,
		format:  format,
		started: time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, listenForUpdates(m.updates))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case updateMsg:
		switch msg.Status {
		case batch.StatusConverting:
			m.running++
		case batch.StatusSuccess:
			m.running--
			m.succeeded++
			m.last = msg.OutputName
		case batch.StatusError:
			m.running--
			m.failed++
			m.last = msg.Name
		}
		return m, listenForUpdates(m.updates)
	case doneMsg:
		m.quitting = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.quitting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			m.interrupted = true
			return m, tea.Quit
		}
		return m, nil
	default:
		return m, nil
	}
}

// Interrupted reports whether the user quit before the batch finished.
func (m Model) Interrupted() bool {
	return m.interrupted
}

func (m Model) done() int {
	return m.succeeded + m.failed
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	barWidth := 40
	if m.width > 0 {
		barWidth = int(math.Min(60, float64(m.width-10)))
		if barWidth < 20 {
			barWidth = 20
		}
	}

	ratio := 0.0
	if m.total > 0 {
		ratio = math.Min(1, float64(m.done())/float64(m.total))
	}

	lines := []string{
		m.spinner.View() + " " + titleStyle.Render("imgconv → "+m.format),
		labelStyle.Render(fmt.Sprintf("Items: %d/%d", m.done(), m.total)) +
			dimStyle.Render(fmt.Sprintf("  converting:%d ", m.running)) +
			successStyle.Render(fmt.Sprintf("ok:%d ", m.succeeded)) +
			errorStyle.Render(fmt.Sprintf("failed:%d", m.failed)),
		dimStyle.Render(fmt.Sprintf("Elapsed: %s", time.Since(m.started).Round(time.Millisecond))),
		barStyle.Render(renderBar(barWidth, ratio)),
	}
	if m.last != "" {
		lines = append(lines, dimStyle.Render("Last: "+m.last))
	}

	return strings.Join(lines, "\n")
}

func listenForUpdates(updates <-chan batch.ItemState) tea.Cmd {
	return func() tea.Msg {
		update, ok := <-updates
		if !ok {
			return doneMsg{}
		}
		return updateMsg(update)
	}
}

func renderBar(width int, ratio float64) string {
	filled := int(math.Round(ratio * float64(width)))
	filled = max(0, min(filled, width))
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}
