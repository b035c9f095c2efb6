// Package tui is a terminal interface for setting waveplate angles by hand
// before a stabilization run.
package tui

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"polstab/optimizer"
)

// Increments selectable with [ and ], in degrees.
var Increments = []float64{0.1, 0.5, 1, 5, 10, 45}

// Homer is implemented by stages that can run their homing cycle.
type Homer interface {
	Home(direction int) error
}

// moveDoneMsg reports the end of a move issued by the model.
type moveDoneMsg struct {
	stage int
	what  string
	err   error
}

// Tuner is the bubbletea model. Moves run as commands, one at a time.
type Tuner struct {
	stages []optimizer.Actuator

	cursor    int
	increment int
	input     string
	busy      bool
	status    string
	quitting  bool
}

// NewTuner returns a model controlling stages.
func NewTuner(stages []optimizer.Actuator) Tuner {
	return Tuner{stages: stages, increment: 2}
}

// Init implements tea.Model interface.
func (m Tuner) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model interface.
func (m Tuner) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case moveDoneMsg:
		m.busy = false
		name := m.stages[msg.stage].Name()
		if msg.err != nil {
			m.status = fmt.Sprintf("%s: %s failed: %v", name, msg.what, msg.err)
		} else {
			m.status = fmt.Sprintf("%s: %s done", name, msg.what)
		}
	case tea.KeyMsg:
		return m.key(msg)
	}
	return m, nil
}

func (m Tuner) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyUp, tea.KeyShiftTab:
		m.cursor = (m.cursor + len(m.stages) - 1) % len(m.stages)
	case tea.KeyDown, tea.KeyTab:
		m.cursor = (m.cursor + 1) % len(m.stages)
	case tea.KeyLeft:
		return m.move(-Increments[m.increment], true)
	case tea.KeyRight:
		return m.move(Increments[m.increment], true)
	case tea.KeyEnter:
		if m.input == "" {
			return m, nil
		}
		deg, err := strconv.ParseFloat(m.input, 64)
		m.input = ""
		if err != nil {
			m.status = fmt.Sprintf("not an angle: %v", err)
			return m, nil
		}
		return m.move(deg, false)
	case tea.KeyEsc:
		m.input = ""
	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
	case tea.KeyRunes:
		return m.runes(string(msg.Runes))
	}
	return m, nil
}

func (m Tuner) runes(s string) (tea.Model, tea.Cmd) {
	switch s {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "[":
		if m.increment > 0 {
			m.increment--
		}
		return m, nil
	case "]":
		if m.increment < len(Increments)-1 {
			m.increment++
		}
		return m, nil
	case "h":
		return m.home()
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' {
			return m, nil
		}
	}
	m.input += s
	return m, nil
}

func (m Tuner) move(deg float64, relative bool) (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	m.busy = true
	idx, st := m.cursor, m.stages[m.cursor]
	if relative {
		what := fmt.Sprintf("move by %+.2f°", deg)
		return m, func() tea.Msg {
			return moveDoneMsg{stage: idx, what: what, err: st.MoveRelativeDeg(deg)}
		}
	}
	what := fmt.Sprintf("move to %.2f°", deg)
	return m, func() tea.Msg {
		return moveDoneMsg{stage: idx, what: what, err: st.MoveAbsoluteDeg(deg)}
	}
}

func (m Tuner) home() (tea.Model, tea.Cmd) {
	h, ok := m.stages[m.cursor].(Homer)
	if !ok || m.busy {
		return m, nil
	}
	m.busy = true
	idx := m.cursor
	return m, func() tea.Msg {
		return moveDoneMsg{stage: idx, what: "home", err: h.Home(0)}
	}
}

// View implements tea.Model interface.
func (m Tuner) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString("Waveplate tuning\n\n")
	for i, st := range m.stages {
		cursor := " "
		if i == m.cursor {
			cursor = ">"
		}
		fmt.Fprintf(&b, "%s %-8s %9.3f°\n", cursor, st.Name(), st.PositionDeg())
	}
	fmt.Fprintf(&b, "\nIncrement: %g°\n", Increments[m.increment])
	fmt.Fprintf(&b, "Angle: %s\n", m.input)
	if m.busy {
		b.WriteString("moving...\n")
	} else if m.status != "" {
		b.WriteString(m.status + "\n")
	}
	b.WriteString("\n(↑/↓ select, ←/→ nudge, [/] increment, type an angle and Enter, h home, q quit)")
	return b.String()
}

// Cursor returns the index of the selected stage.
func (m Tuner) Cursor() int { return m.cursor }

// Increment returns the nudge size in degrees.
func (m Tuner) Increment() float64 { return Increments[m.increment] }

// Input returns the angle being typed.
func (m Tuner) Input() string { return m.input }

// Busy reports whether a move is in flight.
func (m Tuner) Busy() bool { return m.busy }

// Status returns the outcome of the last move.
func (m Tuner) Status() string { return m.status }

// Run starts the interface on the terminal and returns when the user quits.
func Run(stages []optimizer.Actuator, opts ...tea.ProgramOption) error {
	if len(stages) == 0 {
		return fmt.Errorf("tui: no stages")
	}
	_, err := tea.NewProgram(NewTuner(stages), opts...).Run()
	return err
}
