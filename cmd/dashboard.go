package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/filter"
	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/player"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

const (
	dashboardRecent   = 12
	dashboardSeekStep = 5 * time.Second
	progressWidth     = 60
)

var dashboardRefreshInterval time.Duration

// dashboardCmd shows an interactive player
var dashboardCmd = &cobra.Command{
	Use:   "dashboard [recording]",
	Short: "Interactive terminal player",
	Long: `Launch an interactive terminal UI that plays a recording and shows the
playhead, the read-ahead buffer, per-topic counts and the latest messages.

Keyboard shortcuts:
  space     - Play / pause
  ←/→       - Seek 5s back / forward
  home      - Seek to the start
  +/-       - Double / halve the speed
  q         - Quit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
	addSourceFlags(dashboardCmd)
	addPlaybackFlags(dashboardCmd)
	dashboardCmd.Flags().Bool("paused", false, "start paused")
	dashboardCmd.Flags().DurationVar(&dashboardRefreshInterval, "refresh-interval", 100*time.Millisecond, "Screen refresh interval")
}

func runDashboard(cmd *cobra.Command, args []string) error {
	bindFlags(cmd)
	cfg, err := loadConfig(commandArg(args))
	if err != nil {
		return err
	}
	flt, err := filter.Compile(cfg.Playback.Filter)
	if err != nil {
		return err
	}
	// The terminal belongs to the UI.
	if err := logger.InitWithOptions("error", logger.Options{OutputPaths: []string{os.DevNull}}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("Failed to close session", zap.Error(err))
		}
	}()

	opts, err := playerOptions(cfg, sess.readAhead)
	if err != nil {
		return err
	}
	p := player.New(sess.provider, opts)
	feed := newDashboardFeed(flt)
	p.SetListener(feed.update)
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Close()

	prog := tea.NewProgram(dashboardModel{
		player:          p,
		feed:            feed,
		name:            cfg.SourceArgs().String(),
		refreshInterval: dashboardRefreshInterval,
	}, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := prog.Run(); err != nil {
		return fmt.Errorf("error running dashboard: %w", err)
	}
	return nil
}

// dashboardFeed collects player states between screen refreshes.
type dashboardFeed struct {
	filter *filter.Filter

	mu     sync.Mutex
	state  player.State
	recent []model.MessageEvent
	counts map[string]int
}

func newDashboardFeed(flt *filter.Filter) *dashboardFeed {
	return &dashboardFeed{filter: flt, counts: map[string]int{}}
}

// update runs on the player goroutine.
func (f *dashboardFeed) update(st player.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st.ActiveData != nil && f.state.ActiveData != nil && st.ActiveData.LastSeekTime != f.state.ActiveData.LastSeekTime {
		f.recent = f.recent[:0]
		clear(f.counts)
	}
	f.state = st
	if st.ActiveData == nil {
		return
	}
	for _, ev := range st.ActiveData.Messages {
		f.counts[ev.Topic]++
		if !f.filter.Match(ev) {
			continue
		}
		f.recent = append(f.recent, ev)
	}
	if n := len(f.recent); n > dashboardRecent {
		f.recent = append(f.recent[:0], f.recent[n-dashboardRecent:]...)
	}
}

type dashboardSnapshot struct {
	state  player.State
	recent []model.MessageEvent
	counts map[string]int
}

func (f *dashboardFeed) snapshot() dashboardSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int, len(f.counts))
	for k, v := range f.counts {
		counts[k] = v
	}
	return dashboardSnapshot{
		state:  f.state,
		recent: append([]model.MessageEvent(nil), f.recent...),
		counts: counts,
	}
}

// Model for the dashboard
type dashboardModel struct {
	player          *player.Player
	feed            *dashboardFeed
	name            string
	refreshInterval time.Duration
	snap            dashboardSnapshot
	err             error
	quitting        bool
}

// Messages
type tickMsg time.Time
type commandErrMsg struct{ err error }

func (m dashboardModel) Init() tea.Cmd {
	return tickCmd(m.refreshInterval)
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		ad := m.snap.state.ActiveData
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case " ":
			if ad != nil && ad.IsPlaying {
				return m, playerCmd(m.player.Pause)
			}
			return m, playerCmd(m.player.Play)
		case "right", "l":
			if ad != nil {
				return m, playerCmd(func() error { return m.player.Seek(ad.CurrentTime.Add(dashboardSeekStep)) })
			}
		case "left", "h":
			if ad != nil {
				return m, playerCmd(func() error { return m.player.Seek(ad.CurrentTime.Add(-dashboardSeekStep)) })
			}
		case "home":
			if ad != nil {
				return m, playerCmd(func() error { return m.player.Seek(ad.StartTime) })
			}
		case "+", "=":
			if ad != nil {
				return m, playerCmd(func() error { return m.player.SetSpeed(ad.Speed * 2) })
			}
		case "-":
			if ad != nil {
				return m, playerCmd(func() error { return m.player.SetSpeed(ad.Speed / 2) })
			}
		}

	case tickMsg:
		m.snap = m.feed.snapshot()
		return m, tickCmd(m.refreshInterval)

	case commandErrMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

func (m dashboardModel) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	var s strings.Builder
	st := m.snap.state

	// Header
	s.WriteString(headerStyle.Render("FLOWSCOPE"))
	s.WriteString(dimStyle.Render("  " + m.name))
	s.WriteString("\n\n")

	ad := st.ActiveData
	if ad == nil {
		s.WriteString(dimStyle.Render(fmt.Sprintf("%s...", st.Phase)))
		s.WriteString("\n")
		s.WriteString(renderProblems(st.Problems))
		s.WriteString(helpStyle.Render("Press 'q' to quit"))
		return s.String()
	}

	// Playback Section
	s.WriteString(sectionTitleStyle.Render("PLAYBACK"))
	s.WriteString(fmt.Sprintf(" (%s, %s)", st.Phase, st.Presence))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(renderPlayback(ad, st.Progress)))
	s.WriteString("\n\n")

	// Topics Section
	s.WriteString(sectionTitleStyle.Render("TOPICS"))
	s.WriteString(fmt.Sprintf(" (%d subscribed)", len(ad.Topics)))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(renderTopics(ad, m.snap.counts)))
	s.WriteString("\n\n")

	// Messages Section
	s.WriteString(sectionTitleStyle.Render("LATEST MESSAGES"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(renderRecent(m.snap.recent)))
	s.WriteString("\n\n")

	s.WriteString(renderProblems(st.Problems))
	if m.err != nil {
		s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %s", m.err)))
		s.WriteString("\n")
	}

	s.WriteString(helpStyle.Render("[space] play/pause  [←/→] seek  [home] start  [+/-] speed  [q]uit"))
	return s.String()
}

// Commands

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func playerCmd(fn func() error) tea.Cmd {
	return func() tea.Msg {
		return commandErrMsg{err: fn()}
	}
}

func renderPlayback(ad *player.ActiveData, progress player.Progress) string {
	var s strings.Builder
	icon := pausedStyle.Render("❚❚")
	if ad.IsPlaying {
		icon = activeStyle.Render("▶")
	}
	elapsed := model.Sub(ad.CurrentTime, ad.StartTime)
	total := model.Sub(ad.EndTime, ad.StartTime)
	s.WriteString(fmt.Sprintf("%s %s / %s   speed %gx\n\n", icon, elapsed.Round(time.Millisecond), total.Round(time.Millisecond), ad.Speed))
	s.WriteString(renderProgress(ad, progress.LoadedUntil))
	s.WriteString("\n")
	s.WriteString(dimStyle.Render(fmt.Sprintf("buffered %s  •  loaded until %s", progress.Buffered.Round(time.Millisecond), progress.LoadedUntil)))
	return s.String()
}

// renderProgress draws the playhead and the loaded range on one bar.
func renderProgress(ad *player.ActiveData, loaded model.Time) string {
	total := model.Sub(ad.EndTime, ad.StartTime)
	pos := func(t model.Time) int {
		if total <= 0 {
			return progressWidth
		}
		n := int(float64(model.Sub(t, ad.StartTime)) / float64(total) * progressWidth)
		return max(0, min(progressWidth, n))
	}
	played, buffered := pos(ad.CurrentTime), pos(loaded)
	buffered = max(buffered, played)
	return activeStyle.Render(strings.Repeat("█", played)) +
		bufferStyle.Render(strings.Repeat("▓", buffered-played)) +
		dimStyle.Render(strings.Repeat("░", progressWidth-buffered))
}

func renderTopics(ad *player.ActiveData, counts map[string]int) string {
	if len(ad.Topics) == 0 {
		return dimStyle.Render("No topics")
	}
	topics := append([]model.Topic(nil), ad.Topics...)
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })

	var s strings.Builder
	for i, t := range topics {
		if i > 0 {
			s.WriteString("\n")
		}
		stats := ad.TopicStats[t.Name]
		s.WriteString(boldStyle.Render(fmt.Sprintf("%-28s", t.Name)))
		s.WriteString(fmt.Sprintf(" %6d / %-6d", counts[t.Name], stats.NumMessages))
		s.WriteString(dimStyle.Render(" " + t.SchemaName))
	}
	return s.String()
}

func renderRecent(recent []model.MessageEvent) string {
	if len(recent) == 0 {
		return dimStyle.Render("No messages yet")
	}
	var s strings.Builder
	for i, ev := range recent {
		if i > 0 {
			s.WriteString("\n")
		}
		s.WriteString(dimStyle.Render(ev.ReceiveTime.String()))
		s.WriteString(" ")
		s.WriteString(boldStyle.Render(fmt.Sprintf("%-20s", ev.Topic)))
		s.WriteString(" ")
		s.WriteString(preview(ev.Message))
	}
	return s.String()
}

func renderProblems(problems []model.Problem) string {
	if len(problems) == 0 {
		return ""
	}
	var s strings.Builder
	for _, p := range problems {
		style := warnStyle
		if p.Severity == model.SeverityError {
			style = errorStyle
		}
		line := p.Message
		if p.Err != "" {
			line += ": " + p.Err
		}
		s.WriteString(style.Render(fmt.Sprintf("%s %s", p.Severity, line)))
		s.WriteString("\n")
	}
	s.WriteString("\n")
	return s.String()
}

// Styles

var (
	// Colors
	primaryColor = lipgloss.Color("#7D56F4")
	successColor = lipgloss.Color("#04B575")
	bufferColor  = lipgloss.Color("#3C7EBF")
	warnColor    = lipgloss.Color("#E5C07B")
	errorColor   = lipgloss.Color("#FF0000")
	dimColor     = lipgloss.Color("#666666")

	// Text styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			PaddingLeft(2)

	sectionTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(primaryColor)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			Width(80)

	boldStyle = lipgloss.NewStyle().
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	activeStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	pausedStyle = lipgloss.NewStyle().
			Foreground(warnColor).
			Bold(true)

	bufferStyle = lipgloss.NewStyle().
			Foreground(bufferColor)

	warnStyle = lipgloss.NewStyle().
			Foreground(warnColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Italic(true)
)
