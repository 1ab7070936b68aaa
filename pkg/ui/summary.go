package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-go-golems/hyve/pkg/supervise"
)

type Summary struct {
	Environment string
	Outcomes    []supervise.Outcome
	// AtRisk maps a service to the failed services it depends on.
	AtRisk  map[string][]string
	LogsDir string
}

// RenderSummary renders the end-of-run report: one line per service, the
// services at risk, where the logs are and how to stop the environment.
func RenderSummary(t Theme, s Summary) string {
	var b strings.Builder
	started := 0
	for _, o := range s.Outcomes {
		if o.Succeeded() {
			started++
		}
	}

	b.WriteString("\n" + t.Rule(50) + "\n\n")
	switch {
	case started == len(s.Outcomes):
		b.WriteString(t.Title.Foreground(t.Success).Render("Services Running"))
	case started == 0:
		b.WriteString(t.Title.Foreground(t.Error).Render("No Services Started"))
	default:
		b.WriteString(t.Title.Foreground(t.Warning).Render(fmt.Sprintf("%d of %d Services Running", started, len(s.Outcomes))))
	}
	b.WriteString("\n\n")

	width := 0
	for _, o := range s.Outcomes {
		if len(o.Name) > width {
			width = len(o.Name)
		}
	}
	for _, o := range s.Outcomes {
		name := o.Name + strings.Repeat(" ", width-len(o.Name))
		if o.Succeeded() {
			fmt.Fprintf(&b, "  %s  %s  http://localhost:%d\n", t.Accent.Render(name), IconArrow, o.Port)
			for _, w := range o.Warnings {
				fmt.Fprintf(&b, "  %s  %s\n", strings.Repeat(" ", width), t.Warn.Render(IconWarning+" "+w))
			}
			continue
		}
		fmt.Fprintf(&b, "  %s  %s  %s\n", t.Fail.Render(name), IconArrow, o.Err)
	}

	if len(s.AtRisk) > 0 {
		names := make([]string, 0, len(s.AtRisk))
		for name := range s.AtRisk {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  %s %s may not work, depends on failed %s\n",
				t.Warn.Render(IconWarning), name, strings.Join(s.AtRisk[name], ", "))
		}
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "  %s %s\n", t.Dim.Render("Logs:"), s.LogsDir)
	fmt.Fprintf(&b, "  %s hyve halt %s\n", t.Dim.Render("Stop:"), s.Environment)
	return b.String()
}

func (p *Printer) Summary(s Summary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.w, RenderSummary(p.theme, s))
	return err
}
