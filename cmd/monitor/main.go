// monitor 终端看板：轮询 sigrouter 的 /api/status、/api/adapters/health 与 /debug/vars。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2")) // 绿色

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3")) // 黄色

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type statusResponse struct {
	State         string   `json:"state"`
	InFlight      []string `json:"in_flight"`
	InFlightCount int      `json:"in_flight_count"`
	UptimeSeconds int64    `json:"uptime_seconds"`
}

type adapterHealth struct {
	Status       string    `json:"status"`
	Connected    bool      `json:"connected"`
	LatencyMs    int64     `json:"latency_ms"`
	LastCheck    time.Time `json:"last_check"`
	ErrorMessage string    `json:"error_message"`
}

type healthResponse struct {
	Adapters map[string]adapterHealth `json:"adapters"`
}

// counters /debug/vars 里关心的计数器
var counterKeys = []string{
	"signals_received",
	"signals_processed",
	"signals_duplicate",
	"signals_rate_limited",
	"signals_rejected",
	"signals_unavailable",
	"adapter_retries",
	"dispatch_dropped",
}

type snapshot struct {
	status   statusResponse
	health   healthResponse
	counters map[string]int64
	overall  map[string]int64
	at       time.Time
}

// fetcher 拉取服务端状态
type fetcher struct {
	client *resty.Client
}

func newFetcher(baseURL string) *fetcher {
	return &fetcher{client: resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")).SetTimeout(3 * time.Second)}
}

func (f *fetcher) fetch(ctx context.Context) (snapshot, error) {
	var snap snapshot
	if _, err := f.getJSON(ctx, "/api/status", &snap.status); err != nil {
		return snap, err
	}
	if _, err := f.getJSON(ctx, "/api/adapters/health", &snap.health); err != nil {
		return snap, err
	}

	var vars map[string]any
	if _, err := f.getJSON(ctx, "/debug/vars", &vars); err == nil {
		snap.counters = make(map[string]int64, len(counterKeys))
		for _, k := range counterKeys {
			if v, ok := vars[k].(float64); ok {
				snap.counters[k] = int64(v)
			}
		}
		if m, ok := vars["overall_by_status"].(map[string]any); ok {
			snap.overall = make(map[string]int64, len(m))
			for k, v := range m {
				if n, ok := v.(float64); ok {
					snap.overall[k] = int64(n)
				}
			}
		}
	}
	snap.at = time.Now()
	return snap, nil
}

func (f *fetcher) getJSON(ctx context.Context, path string, out any) (*resty.Response, error) {
	resp, err := f.client.R().SetContext(ctx).SetResult(out).Get(path)
	if err != nil {
		return nil, err
	}
	// 排空中 /healthz 会返回 503，但状态接口总是 200
	if resp.IsError() {
		return resp, fmt.Errorf("GET %s: %s", path, resp.Status())
	}
	return resp, nil
}

// model 是应用程序的状态
type model struct {
	target   string
	fetcher  *fetcher
	interval time.Duration

	snap snapshot
	err  error
}

type tickMsg time.Time

type snapshotMsg struct {
	snap snapshot
	err  error
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd(m.interval))
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("sigrouter monitor") + "  " + m.target + "\n\n")

	if m.err != nil {
		b.WriteString(badStyle.Render(fmt.Sprintf("连接失败: %v", m.err)) + "\n\n")
	}

	st := m.snap.status
	state := st.State
	if state == "" {
		state = "unknown"
	}
	b.WriteString(borderStyle.Render(fmt.Sprintf("%s %s   %s %d   %s %s",
		titleStyle.Render("状态:"), styleState(state),
		titleStyle.Render("在途:"), st.InFlightCount,
		titleStyle.Render("运行:"), (time.Duration(st.UptimeSeconds) * time.Second).String(),
	)) + "\n")

	b.WriteString(titleStyle.Render("适配器") + "\n")
	ids := make([]string, 0, len(m.snap.health.Adapters))
	for id := range m.snap.health.Adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		b.WriteString("  (无)\n")
	}
	for _, id := range ids {
		h := m.snap.health.Adapters[id]
		line := fmt.Sprintf("  %-16s %-10s %5dms", id, styleHealth(h.Status), h.LatencyMs)
		if h.ErrorMessage != "" {
			line += "  " + warnStyle.Render(h.ErrorMessage)
		}
		b.WriteString(line + "\n")
	}

	if len(m.snap.counters) > 0 {
		b.WriteString("\n" + titleStyle.Render("计数") + "\n")
		for _, k := range counterKeys {
			b.WriteString(fmt.Sprintf("  %-22s %d\n", k, m.snap.counters[k]))
		}
	}
	if len(m.snap.overall) > 0 {
		keys := make([]string, 0, len(m.snap.overall))
		for k := range m.snap.overall {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, m.snap.overall[k]))
		}
		b.WriteString("  overall: " + strings.Join(parts, " ") + "\n")
	}

	if len(st.InFlight) > 0 {
		b.WriteString("\n" + titleStyle.Render("在途指纹") + "\n")
		for _, fp := range st.InFlight {
			if len(fp) > 16 {
				fp = fp[:16]
			}
			b.WriteString("  " + fp + "\n")
		}
	}

	if !m.snap.at.IsZero() {
		b.WriteString("\n更新于 " + m.snap.at.Format("15:04:05"))
	}
	b.WriteString("   r 刷新 · q 退出\n")
	return b.String()
}

func styleState(s string) string {
	switch s {
	case "accepting":
		return okStyle.Render(s)
	case "draining":
		return warnStyle.Render(s)
	default:
		return badStyle.Render(s)
	}
}

func styleHealth(s string) string {
	switch s {
	case "healthy":
		return okStyle.Render(s)
	case "degraded":
		return warnStyle.Render(s)
	default:
		return badStyle.Render(s)
	}
}

func (m model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := m.fetcher.fetch(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	_ = godotenv.Load()

	defTarget := os.Getenv("SIGROUTER_URL")
	if defTarget == "" {
		defTarget = "http://127.0.0.1:8080"
	}
	target := flag.String("url", defTarget, "sigrouter base URL")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	m := model{target: *target, fetcher: newFetcher(*target), interval: *interval}
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("运行程序失败: %v", err)
	}
}
