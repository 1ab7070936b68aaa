package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/hyve/pkg/events"
	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/rs/zerolog/log"
)

// Printer writes one line per progress event. It is registered as a
// handler on the event bus.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	theme Theme
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, theme: DefaultTheme()}
}

func (p *Printer) Theme() Theme { return p.theme }

func (p *Printer) Writer() io.Writer { return p.w }

// Handle renders ev. Events it has nothing to say about are skipped. A
// failed write is logged and dropped.
func (p *Printer) Handle(ev events.Event) error {
	line := p.Format(ev)
	if line == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintln(p.w, line); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("write progress line")
	}
	return nil
}

func (p *Printer) Format(ev events.Event) string {
	t := p.theme
	switch ev.Type {
	case events.TypeSweepFinished:
		return t.Dim.Render("  cleaned up " + ev.Message)
	case events.TypeLevelStarted:
		return t.Title.Render(fmt.Sprintf("level %d", ev.Level)) + " " + t.Dim.Render(strings.Join(ev.Services, ", "))
	case events.TypeServiceStatus:
		st := state.Status(ev.Status)
		line := fmt.Sprintf("  %s %s %s", t.StatusStyle(st).Render(StatusIcon(st)), t.Accent.Render(ev.Service), t.StatusStyle(st).Render(ev.Status))
		if ev.Port > 0 {
			line += t.Dim.Render(fmt.Sprintf(" :%d", ev.Port))
		}
		if ev.PID > 0 && st == state.StatusStarting {
			line += t.Dim.Render(fmt.Sprintf(" pid %d", ev.PID))
		}
		if ev.Error != "" {
			line += " " + t.Fail.Render(ev.Error)
		}
		return line
	case events.TypeServiceAtRisk:
		return fmt.Sprintf("  %s %s failed, dependents may not work: %s",
			t.Warn.Render(IconWarning), ev.Service, strings.Join(ev.Services, ", "))
	case events.TypePrepareResult:
		switch ev.Status {
		case "ok":
			return fmt.Sprintf("  %s %s prepared", t.OK.Render(IconSuccess), ev.Service)
		case "failed":
			return fmt.Sprintf("  %s %s prepare failed: %s", t.Warn.Render(IconWarning), ev.Service, ev.Error)
		default:
			return fmt.Sprintf("  %s %s %s", t.Accent.Render(IconRunning), ev.Service, t.Dim.Render(ev.Message))
		}
	case events.TypeStartupDone:
		return t.Dim.Render("startup finished: " + ev.Message)
	case events.TypeWatchStarted:
		return fmt.Sprintf("%s watching %s %s %s %s",
			t.Accent.Render(IconBullet), t.Title.Render(ev.Service),
			t.Dim.Render("("+ev.Status+", "+ev.Message+")"),
			IconArrow, strings.Join(ev.Services, ", "))
	case events.TypeWatchTriggered:
		return fmt.Sprintf("%s %s changed, preparing %s", t.Accent.Render(IconRunning), ev.Service, strings.Join(ev.Services, ", "))
	case events.TypeWatchSkipped:
		return fmt.Sprintf("%s %s not healthy at %s, skipped", t.Pending.Render(IconSkipped), ev.Service, ev.Message)
	}
	return ""
}
