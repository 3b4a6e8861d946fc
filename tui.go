package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"scribe/audio"
	"scribe/beep"
	"scribe/channel"
	"scribe/clipboard"
	"scribe/config"
	"scribe/log"
	"scribe/patient"
	"scribe/result"
	"scribe/session"
)

// Messages from the session observer and the recorder.
type (
	stateMsg   struct{ state session.State }
	partialMsg struct {
		text  string
		final bool
	}
	ackMsg     struct{ bytes int64 }
	statusMsg  struct{ text string }
	silenceMsg struct{ warn bool }
	errMsg     struct{ err error }
	resultMsg  struct{ out result.Outcome }
	stoppedMsg struct{}
	editedMsg  struct {
		note string
		err  error
	}
	tickMsg time.Time
)

// emit never blocks the caller. When the queue is full the message is
// handed to a goroutine so terminal events are not lost.
func emit(ch chan<- tea.Msg, m tea.Msg) {
	select {
	case ch <- m:
	default:
		go func() { ch <- m }()
	}
}

// teaObserver turns session callbacks into program messages. Levels are
// sampled from the recorder on each frame instead.
type teaObserver struct{ events chan<- tea.Msg }

func (o teaObserver) OnState(s session.State)           { emit(o.events, stateMsg{s}) }
func (o teaObserver) OnPartial(text string, final bool) { emit(o.events, partialMsg{text, final}) }
func (o teaObserver) OnProgress(n int64)                { emit(o.events, ackMsg{n}) }
func (o teaObserver) OnStatus(msg string)               { emit(o.events, statusMsg{msg}) }
func (o teaObserver) OnLevel(float64)                   {}
func (o teaObserver) OnError(err error)                 { emit(o.events, errMsg{err}) }
func (o teaObserver) OnResult(out result.Outcome)       { emit(o.events, resultMsg{out}) }
func (o teaObserver) OnStopped()                        { emit(o.events, stoppedMsg{}) }

type phase int

const (
	phaseIdle phase = iota
	phaseStarting
	phaseRecording
	phaseProcessing
	phaseReview
)

type visitRecorder interface {
	Start(ctx context.Context) error
	Stop() error
	Close()
	Level() float64
}

type tuiModel struct {
	rec    visitRecorder
	roster *patient.Roster
	now    func() time.Time
	copy   func(string) error
	editor string

	phase         phase
	frame         int
	width, height int
	level         float64
	startedAt     time.Time
	elapsed       time.Duration

	partial string
	acked   int64
	silent  bool
	status  string
	errText string

	draft      *result.Draft
	transcript string // set when only a transcript came back
	filed      bool

	modeLine   string
	deviceLine string
}

func newModel(rec visitRecorder, roster *patient.Roster, cfg *config.Config, dev *audio.DeviceInfo) tuiModel {
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}
	return tuiModel{
		rec:        rec,
		roster:     roster,
		now:        time.Now,
		copy:       clipboard.Copy,
		editor:     editor,
		modeLine:   modeLineText(cfg),
		deviceLine: deviceLineText(dev),
	}
}

func modeLineText(cfg *config.Config) string {
	if cfg.ChannelMode == "batch" {
		return fmt.Sprintf("[batch %s → %s]", strings.ToUpper(cfg.BatchFormat), cfg.BatchURL())
	}
	return fmt.Sprintf("[stream PCM16 → %s]", cfg.StreamURL())
}

func deviceLineText(dev *audio.DeviceInfo) string {
	if dev == nil {
		return "mic: system default"
	}
	if audio.IsBluetooth(dev.Name) {
		return "mic: " + dev.Name + " (BT!)"
	}
	return "mic: " + dev.Name
}

func frameTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m tuiModel) Init() tea.Cmd {
	return frameTick()
}

func (m tuiModel) startCmd() tea.Cmd {
	rec := m.rec
	return func() tea.Msg {
		// failures also reach the observer, which reports them
		rec.Start(context.Background())
		return nil
	}
}

func (m tuiModel) stopCmd() tea.Cmd {
	rec := m.rec
	return func() tea.Msg {
		rec.Stop()
		return nil
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tickMsg:
		m.frame++
		if m.phase == phaseRecording {
			m.level = m.level*0.6 + m.rec.Level()*0.4
			m.elapsed = m.now().Sub(m.startedAt)
		} else {
			m.level = 0
		}
		return m, frameTick()

	case tea.KeyMsg:
		return m.handleKey(msg)

	case stateMsg:
		switch msg.state {
		case session.Recording:
			m.phase = phaseRecording
			m.startedAt = m.now()
			m.status = ""
			beep.Play(beep.Start)
		case session.Processing:
			m.phase = phaseProcessing
			m.status = "Processing visit..."
			beep.Play(beep.Stop)
		case session.Idle:
			if m.phase != phaseReview && m.phase != phaseIdle {
				m.phase = phaseIdle
				m.status = ""
			}
		}

	case stoppedMsg:
		m.phase = phaseIdle
		m.status = "The server stopped without a note; no speech was detected."

	case partialMsg:
		m.partial = msg.text

	case ackMsg:
		m.acked = msg.bytes

	case statusMsg:
		m.status = msg.text

	case silenceMsg:
		m.silent = msg.warn

	case errMsg:
		m.phase = phaseIdle
		m.status = ""
		m.errText = describeError(msg.err)
		beep.Play(beep.Error)

	case resultMsg:
		result.Switch(msg.out,
			func(c result.Complete) {
				m.phase = phaseReview
				m.draft = result.NewDraft(c.Bundle)
				m.transcript = ""
				m.status = ""
			},
			func(p result.Partial) {
				m.phase = phaseReview
				m.draft = nil
				m.transcript = p.Transcription
				m.status = "Only a transcript came back; no note was generated."
			},
			func(f result.Failed) {
				m.phase = phaseIdle
				m.errText = f.Message
			},
		)

	case editedMsg:
		switch {
		case msg.err != nil:
			m.errText = "Editor: " + msg.err.Error()
		case m.draft != nil && strings.TrimSpace(msg.note) != strings.TrimSpace(m.draft.Current().SOAPNote):
			m.draft.Edit(func(b *result.Bundle) { b.SOAPNote = strings.TrimSpace(msg.note) })
			m.status = "Note edited."
		}
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.phase != phaseIdle && m.phase != phaseReview {
			m.rec.Close()
		}
		return m, tea.Quit

	case " ", "enter":
		switch m.phase {
		case phaseIdle:
			m.phase = phaseStarting
			m.partial, m.acked, m.silent = "", 0, false
			m.errText = ""
			m.status = "Connecting..."
			return m, m.startCmd()
		case phaseRecording:
			return m, m.stopCmd()
		}

	case "n":
		if m.phase == phaseReview || m.phase == phaseIdle {
			m.phase = phaseIdle
			m.draft, m.transcript, m.filed = nil, "", false
			m.partial, m.acked, m.status, m.errText = "", 0, "", ""
		}

	case "e":
		if m.phase == phaseReview && m.draft != nil && !m.draft.IsApproved() {
			return m, m.editCmd()
		}

	case "r":
		if m.phase == phaseReview && m.draft != nil && m.draft.Dirty() && !m.draft.IsApproved() {
			m.draft.Revert()
			m.status = "Edits reverted."
		}

	case "a":
		if m.phase == phaseReview && m.draft != nil && !m.filed {
			m.approve()
		}

	case "c":
		if m.phase == phaseReview {
			m.copyNote()
		}
	}
	return m, nil
}

// approve freezes the draft and files it under the active patient.
func (m *tuiModel) approve() {
	a := m.draft.Approve(m.now())
	m.filed = true
	beep.Play(beep.Approved)

	var p patient.Patient
	ok := false
	if m.roster != nil {
		p, ok = m.roster.Active()
	}
	if !ok {
		log.VisitNote("", a.Bundle.SOAPNote)
		m.status = "Approved. No active patient; pass --patient <mrn> to file visits."
		return
	}
	if err := m.roster.AddMedicalRecord(p.ID, patient.NewRecord(a)); err != nil {
		m.errText = "Filing the note: " + err.Error()
		return
	}
	log.VisitNote(p.MRN, a.Bundle.SOAPNote)
	m.status = fmt.Sprintf("Approved and filed under %s (MRN %s).", p.FullName(), p.MRN)
}

func (m *tuiModel) copyNote() {
	text := m.transcript
	if m.draft != nil {
		text = noteText(m.draft.Current())
	}
	if err := m.copy(text); err != nil {
		m.errText = "Copy failed: " + err.Error()
		return
	}
	m.status = "Note copied to clipboard."
}

// noteText is what gets pasted into the chart.
func noteText(b result.Bundle) string {
	note := b.SOAPNote
	if s, ok := result.Split(note); ok {
		note = s.Format()
	}
	var sb strings.Builder
	sb.WriteString(note)
	fmt.Fprintf(&sb, "\n\nDiagnosis: %s\nICD-10: %s %s", b.Diagnosis, b.BillingCode.Code, b.BillingCode.Description)
	for _, p := range b.Prescriptions {
		sb.WriteString("\nRx: " + prescriptionLine(p))
	}
	for _, l := range b.LabOrders {
		sb.WriteString("\nLab: " + l)
	}
	return sb.String()
}

func (m tuiModel) editCmd() tea.Cmd {
	f, err := os.CreateTemp("", "scribe-note-*.txt")
	if err != nil {
		return func() tea.Msg { return editedMsg{err: err} }
	}
	path := f.Name()
	_, err = f.WriteString(m.draft.Current().SOAPNote + "\n")
	f.Close()
	if err != nil {
		os.Remove(path)
		return func() tea.Msg { return editedMsg{err: err} }
	}

	args := strings.Fields(m.editor)
	cmd := exec.Command(args[0], append(args[1:], path)...)
	return tea.ExecProcess(cmd, func(err error) tea.Msg {
		defer os.Remove(path)
		if err != nil {
			return editedMsg{err: err}
		}
		b, err := os.ReadFile(path)
		return editedMsg{note: string(b), err: err}
	})
}

func describeError(err error) string {
	var de *audio.DeviceUnavailableError
	var be *channel.BackendError
	var sf *channel.SendFailure
	switch {
	case errors.As(err, &de):
		return de.Error()
	case errors.Is(err, session.ErrResultTimeout):
		return "No result arrived in time. The recording was not processed."
	case errors.As(err, &sf):
		return sf.Error()
	case errors.As(err, &be):
		return "Server error: " + be.Error()
	}
	return err.Error()
}

var (
	styleRec     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleBusy    = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true)
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleFaint   = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleErr     = lipgloss.NewStyle().Foreground(lipgloss.Color("160")).Bold(true)
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleText    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	styleHeading = lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Bold(true)
)

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	const eyeWidth = eyeCols + 1

	var left strings.Builder
	left.WriteString(renderEye(m.frame, m.level, m.phase))
	for _, l := range m.statusLines() {
		left.WriteString(l + "\n")
	}

	rightWidth := max(m.width-eyeWidth-1, 20)
	right := m.resultPanel(max(rightWidth-2, 10))

	leftPanel := lipgloss.NewStyle().Width(eyeWidth).Height(m.height).Render(left.String())
	rightPanel := lipgloss.NewStyle().Width(rightWidth).Height(m.height).PaddingLeft(1).Render(right)
	return lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, rightPanel)
}

func (m tuiModel) statusLines() []string {
	var lines []string
	switch m.phase {
	case phaseRecording:
		lines = append(lines, styleRec.Render(fmt.Sprintf("● REC %.1fs", m.elapsed.Seconds())))
		if m.silent {
			lines = append(lines, styleWarn.Render("  ⚠ no voice detected"))
		}
	case phaseStarting:
		lines = append(lines, styleBusy.Render("◌ CONNECTING"))
	case phaseProcessing:
		lines = append(lines, styleBusy.Render("◌ PROCESSING"))
	case phaseReview:
		lines = append(lines, styleOK.Render("✓ REVIEW"))
	default:
		lines = append(lines, styleDim.Render("○ STANDBY"))
	}
	if m.acked > 0 && (m.phase == phaseRecording || m.phase == phaseProcessing) {
		lines = append(lines, styleDim.Render(fmt.Sprintf("server has %.1fs of audio", float64(m.acked)/32000)))
	}

	lines = append(lines, styleDim.Render(m.modeLine), styleDim.Render(m.deviceLine))
	if m.roster != nil {
		if p, ok := m.roster.Active(); ok {
			lines = append(lines, styleDim.Render(fmt.Sprintf("patient: %s (MRN %s)", p.FullName(), p.MRN)))
		} else {
			lines = append(lines, styleWarn.Render("patient: none selected"))
		}
	}
	lines = append(lines, "")

	for _, l := range wrapText(m.status, eyeCols) {
		if l != "" {
			lines = append(lines, styleDim.Render(l))
		}
	}
	for _, l := range wrapText(m.errText, eyeCols) {
		if l != "" {
			lines = append(lines, styleErr.Render(l))
		}
	}
	lines = append(lines, "", styleFaint.Render(m.helpLine()), styleFaint.Render("scribe "+version))
	return lines
}

func (m tuiModel) helpLine() string {
	switch m.phase {
	case phaseRecording:
		return "space stop · q quit"
	case phaseReview:
		if m.filed {
			return "c copy · n new visit · q quit"
		}
		return "a approve · e edit · r revert · c copy · n new · q quit"
	case phaseIdle:
		return "space record · q quit"
	}
	return "q quit"
}

func (m tuiModel) resultPanel(width int) string {
	var b strings.Builder
	writeWrapped := func(style lipgloss.Style, text string) {
		for _, l := range wrapText(text, width) {
			b.WriteString(style.Render(l) + "\n")
		}
	}

	switch {
	case m.phase == phaseReview && m.draft != nil:
		bundle := m.draft.Current()
		title := "Visit note"
		if m.draft.Dirty() {
			title += " (edited)"
		}
		if m.filed {
			title += " ✓ approved"
		}
		b.WriteString(styleHeading.Render(title) + "\n\n")
		if s, ok := result.Split(bundle.SOAPNote); ok {
			for _, sec := range []struct{ name, text string }{
				{"Subjective", s.Subjective}, {"Objective", s.Objective},
				{"Assessment", s.Assessment}, {"Plan", s.Plan},
			} {
				b.WriteString(styleHeading.Render(sec.name) + "\n")
				writeWrapped(styleText, orNotSpecified(sec.text))
				b.WriteString("\n")
			}
		} else {
			writeWrapped(styleText, bundle.SOAPNote)
			b.WriteString("\n")
		}
		writeWrapped(styleDim, "Diagnosis: "+bundle.Diagnosis)
		writeWrapped(styleDim, fmt.Sprintf("ICD-10: %s %s", bundle.BillingCode.Code, bundle.BillingCode.Description))
		for _, p := range bundle.Prescriptions {
			writeWrapped(styleDim, "Rx: "+prescriptionLine(p))
		}
		for _, l := range bundle.LabOrders {
			writeWrapped(styleDim, "Lab: "+l)
		}

	case m.phase == phaseReview:
		b.WriteString(styleHeading.Render("Transcript") + "\n\n")
		writeWrapped(styleText, m.transcript)

	case m.partial != "":
		b.WriteString(styleHeading.Render("Live transcript") + "\n\n")
		writeWrapped(styleText, m.partial)

	default:
		b.WriteString(styleDim.Render("Press space to start recording the visit."))
	}
	return b.String()
}

func orNotSpecified(s string) string {
	if strings.TrimSpace(s) == "" {
		return result.NotSpecified
	}
	return s
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		width = 1
	}
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line := words[0]
		for _, w := range words[1:] {
			if len([]rune(line))+1+len([]rune(w)) > width {
				lines = append(lines, line)
				line = w
				continue
			}
			line += " " + w
		}
		lines = append(lines, line)
	}
	return lines
}
