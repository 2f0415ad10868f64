// Package tui renders a live terminal view of task progress. Styling and
// the redraw-on-ticker structure follow the engine's older output manager;
// the per-task state it tracks arrives as TaskSnapshot values, either from
// a live event bus subscription or from repeated Update calls driven by a
// remote poll.
package tui

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/kestrel-dl/kestrel/internal/events"
	"github.com/kestrel-dl/kestrel/internal/model"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
)

// Reporter renders a redrawing table of every known task's state to an
// output stream, updated on a fixed tick from whatever the event bus has
// delivered since the last frame.
type Reporter struct {
	mu       sync.Mutex
	rows     map[string]row
	order    []string
	out      *os.File
	tick     time.Duration
	doneCh   chan struct{}
	wg       sync.WaitGroup
	numLines int
}

type row struct {
	snapshot model.TaskSnapshot
}

// NewReporter builds a Reporter writing to out. Feed it either by calling
// SubscribeTo with a live event bus, or by calling Update with snapshots
// obtained some other way (e.g. polling a remote queue over a socket).
func NewReporter(out *os.File) *Reporter {
	return &Reporter{
		rows:   make(map[string]row),
		out:    out,
		tick:   300 * time.Millisecond,
		doneCh: make(chan struct{}),
	}
}

// SubscribeTo wires the reporter to a live bus in the same process.
func (r *Reporter) SubscribeTo(bus *events.Bus) {
	bus.Subscribe(events.TopicTaskAdded, r.onTask)
	bus.Subscribe(events.TopicTaskUpdated, r.onTask)
}

func (r *Reporter) onTask(e events.TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[e.Snapshot.TaskID]; !exists {
		r.order = append(r.order, e.Snapshot.TaskID)
	}
	r.rows[e.Snapshot.TaskID] = row{snapshot: e.Snapshot}
}

// Update replaces the reporter's known task set with snapshots pulled from
// an external source, such as a repeated status poll against a running
// queue's control socket. Tasks absent from a later call are dropped.
func (r *Reporter) Update(snapshots []model.TaskSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = make(map[string]row, len(snapshots))
	r.order = r.order[:0]
	for _, s := range snapshots {
		r.order = append(r.order, s.TaskID)
		r.rows[s.TaskID] = row{snapshot: s}
	}
}

// Start begins the redraw loop in a background goroutine.
func (r *Reporter) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		for {
			select {
			case <-r.doneCh:
				r.render()
				return
			case <-ticker.C:
				r.render()
			}
		}
	}()
}

// Stop ends the redraw loop after one final render.
func (r *Reporter) Stop() {
	close(r.doneCh)
	r.wg.Wait()
}

func (r *Reporter) render() {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	snapshots := make([]model.TaskSnapshot, 0, len(ids))
	for _, id := range ids {
		snapshots = append(snapshots, r.rows[id].snapshot)
	}
	r.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return statusRank(snapshots[i].State) < statusRank(snapshots[j].State)
	})

	width, _, _ := term.GetSize(int(r.out.Fd()))
	if width <= 0 {
		width = 100
	}

	r.clearPreviousFrame()
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-12s %-8s %8s %8s %10s %s", "TASK", "STATE", "PCT", "ATTEMPT", "THROUGHPUT", "HOST")))
	b.WriteString("\n")
	for _, s := range snapshots {
		b.WriteString(renderRow(s, width))
		b.WriteString("\n")
	}
	out := b.String()
	r.numLines = strings.Count(out, "\n")
	fmt.Fprint(r.out, out)
}

func (r *Reporter) clearPreviousFrame() {
	for i := 0; i < r.numLines; i++ {
		fmt.Fprint(r.out, "\033[1A\033[2K")
	}
}

func renderRow(s model.TaskSnapshot, width int) string {
	pct := "-"
	if s.BytesTotal > 0 {
		pct = fmt.Sprintf("%5.1f%%", 100*float64(s.BytesDownloaded)/float64(s.BytesTotal))
	}
	throughput := "-"
	if s.ThroughputBps > 0 {
		throughput = formatBps(s.ThroughputBps)
	}
	line := fmt.Sprintf("%-12s %-8s %8s %8d %10s %s",
		truncate(s.TaskID, 12), s.State, pct, s.Attempt, throughput, s.Host)
	if width > 0 && len(line) > width {
		line = line[:width]
	}
	return styleForState(s.State).Render(line)
}

func styleForState(state model.TaskState) lipgloss.Style {
	switch state {
	case model.StateCompleted:
		return successStyle
	case model.StateFailed:
		return errorStyle
	case model.StateRetryWait:
		return warningStyle
	case model.StatePending, model.StatePaused:
		return pendingStyle
	default:
		return infoStyle
	}
}

func statusRank(state model.TaskState) int {
	switch state {
	case model.StateDownloading, model.StateStarting:
		return 0
	case model.StateRetryWait:
		return 1
	case model.StatePending:
		return 2
	case model.StatePaused:
		return 3
	case model.StateFailed:
		return 4
	case model.StateCancelled:
		return 5
	case model.StateCompleted:
		return 6
	default:
		return 7
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatBps(bps float64) string {
	units := []string{"B/s", "KB/s", "MB/s", "GB/s"}
	v := bps
	for _, u := range units {
		if v < 1024 {
			return fmt.Sprintf("%.1f%s", v, u)
		}
		v /= 1024
	}
	return fmt.Sprintf("%.1fTB/s", v)
}
