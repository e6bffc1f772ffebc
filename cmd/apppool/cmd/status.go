package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/andrei-cloud/apppool/internal/config"
	"github.com/andrei-cloud/apppool/internal/pool"
	"github.com/andrei-cloud/apppool/pkg/client"
)

var (
	statusAddr  string
	statusWatch bool
)

const statusTimeout = 2 * time.Second

// statusCmd represents the status command.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool statistics",
	Long:  `Query the running daemon for pool statistics: instance counts, idle registry size, per-application domains and lifetime counters.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		if statusAddr == "" {
			cfg := config.Get()
			statusAddr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		}

		if !statusWatch {
			stats, err := client.Stats(statusAddr, statusTimeout)
			if err != nil {
				return fmt.Errorf("failed to query daemon: %w", err)
			}
			fmt.Print(renderStats(stats))

			return nil
		}

		p := tea.NewProgram(newStatusModel(statusAddr))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("status view failed: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusAddr, "addr", "a", "", "Daemon address (host:port)")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Refresh continuously")
}

type statsMsg struct {
	stats pool.Stats
	err   error
}

type tickMsg time.Time

type statusModel struct {
	addr  string
	stats pool.Stats
	err   error
	ready bool
}

func newStatusModel(addr string) statusModel {
	return statusModel{addr: addr}
}

func (m statusModel) Init() tea.Cmd {
	return fetchStats(m.addr)
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case statsMsg:
		m.stats = msg.stats
		m.err = msg.err
		m.ready = true

		return m, tick()
	case tickMsg:
		return m, fetchStats(m.addr)
	}

	return m, nil
}

func (m statusModel) View() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("apppool status — %s\n\n", m.addr))

	switch {
	case m.err != nil:
		b.WriteString(fmt.Sprintf("error: %v\n", m.err))
	case !m.ready:
		b.WriteString("connecting...\n")
	default:
		b.WriteString(renderStats(m.stats))
	}

	b.WriteString("\nPress q to quit.\n")

	return b.String()
}

func fetchStats(addr string) tea.Cmd {
	return func() tea.Msg {
		stats, err := client.Stats(addr, statusTimeout)

		return statsMsg{stats: stats, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// renderStats formats a stats snapshot as aligned plain text.
func renderStats(s pool.Stats) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf(
		"instances: %d/%d  active: %d  idle: %d  queued: %d\n",
		s.Count, s.Max, s.Active, s.Idle, s.GlobalQueueWaiting,
	))
	b.WriteString(fmt.Sprintf(
		"lifetime:  spawned %d  evicted %d  retired %d  expired %d\n",
		s.Spawns, s.Evictions, s.Retired, s.Expired,
	))

	if len(s.Domains) == 0 {
		b.WriteString("\nno application domains\n")

		return b.String()
	}

	domains := make([]pool.DomainStats, len(s.Domains))
	copy(domains, s.Domains)
	sort.Slice(domains, func(i, j int) bool { return domains[i].AppRoot < domains[j].AppRoot })

	b.WriteString("\nAPP ROOT                                  SIZE  ACTIVE  MAX REQ\n")
	for _, d := range domains {
		b.WriteString(fmt.Sprintf("%-40s  %4d  %6d  %7d\n", d.AppRoot, d.Size, d.Active, d.MaxRequests))
	}

	return b.String()
}
