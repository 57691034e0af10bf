package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/rickgao/taskpulse/internal/channel"
	"github.com/rickgao/taskpulse/internal/connection"
	"github.com/rickgao/taskpulse/internal/router"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
)

var (
	roomStyle  = lipgloss.NewStyle().Foreground(purple)
	typeStyle  = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(green)
	errStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle  = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle = lipgloss.NewStyle().Foreground(dim)
)

// printer writes events and connection changes to the console. Events arrive
// on the socket goroutine and state changes on the notifier goroutine, so
// writes are serialized.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	payload bool
	events  int64
	now     func() time.Time
}

func newPrinter(out io.Writer, payload bool) *printer {
	return &printer{out: out, payload: payload, now: time.Now}
}

func (p *printer) event(ev router.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events++

	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = p.now()
	}
	stamp := mutedStyle.Render(ts.Format("15:04:05.000"))

	if ev.Err != nil {
		fmt.Fprintf(p.out, "%s %s %s %v\n", stamp, errStyle.Render("✗"), roomStyle.Render(ev.Room), ev.Err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", stamp, roomStyle.Render(ev.Room), typeStyle.Render(ev.Type))
	if ev.Seq != nil {
		fmt.Fprintf(&b, " %s", mutedStyle.Render(fmt.Sprintf("#%d", *ev.Seq)))
	}
	if len(ev.Payload) > 0 {
		if p.payload {
			fmt.Fprintf(&b, " %s", ev.Payload)
		} else {
			fmt.Fprintf(&b, " %s", mutedStyle.Render("("+humanize.Bytes(uint64(len(ev.Payload)))+")"))
		}
	}
	fmt.Fprintln(p.out, b.String())
}

func (p *printer) stateChange(c connection.StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var mark string
	switch c.To {
	case connection.Connected:
		mark = okStyle.Render("●")
	case connection.Connecting:
		mark = mutedStyle.Render("○")
	case connection.Reconnecting:
		mark = warnStyle.Render("!")
	default:
		mark = errStyle.Render("✗")
	}
	fmt.Fprintf(p.out, "%s %s %s\n", mark, c.To, mutedStyle.Render("(was "+c.From.String()+")"))
}

func (p *printer) protocolError(perr *router.ProtocolError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %v\n", warnStyle.Render("!"), perr)
}

func (p *printer) summary(s channel.Stats, uptime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.out, keyValues(
		kv("events", humanize.Comma(p.events)),
		kv("frames", humanize.Comma(s.Router.FramesReceived)),
		kv("dropped", humanize.Comma(s.Router.ParseErrors+s.Router.MissingRoom+s.Router.UnknownRoom)),
		kv("reconnects", humanize.Comma(s.Connection.Disconnects)),
		kv("started", humanize.RelTime(p.now().Add(-uptime), p.now(), "ago", "from now")),
	))
}

type pair struct {
	key   string
	value string
}

func kv(key, value string) pair {
	return pair{key: key, value: value}
}

// keyValues renders aligned "key:  value" lines.
func keyValues(pairs ...pair) string {
	width := 0
	for _, p := range pairs {
		if len(p.key) > width {
			width = len(p.key)
		}
	}

	var b strings.Builder
	for _, p := range pairs {
		label := mutedStyle.Render(p.key + ":")
		pad := strings.Repeat(" ", width-len(p.key)+2)
		b.WriteString(label + pad + p.value + "\n")
	}
	return b.String()
}
