// Package briefing formats registry read views for downstream consumers:
// the "today's agenda" string the chat assistant folds into its prompt
// context, and the current capacity summary.
package briefing

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/registry"
	"github.com/meridian-hq/meridian/internal/wellness"
)

// Format specifies the agenda output format
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// wellnessSources are the provider ids consulted for capacity. Listed in
// preference order: a wearable with a real recovery score beats a derived
// one.
var wellnessSources = []string{"oura", "apple_health"}

// Generator builds formatted views over the registry.
type Generator struct {
	reg *registry.Registry
	md  goldmark.Markdown
	now func() time.Time
}

// NewGenerator creates a briefing generator.
func NewGenerator(reg *registry.Registry) *Generator {
	return &Generator{
		reg: reg,
		md:  goldmark.New(),
		now: time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

// CurrentCapacity returns the freshest capacity estimate from any wellness
// source, or the neutral low-confidence default when no wellness signal
// exists yet.
func (g *Generator) CurrentCapacity() core.CapacityImpact {
	for _, source := range wellnessSources {
		if sig, ok := g.reg.LatestSignal(core.SignalRecovery, source); ok && sig.Capacity != nil {
			return *sig.Capacity
		}
	}
	return wellness.Capacity(nil, nil)
}

// Agenda renders today's agenda in the requested format.
func (g *Generator) Agenda(format Format) (string, error) {
	md := g.agendaMarkdown()

	switch format {
	case FormatHTML:
		var buf bytes.Buffer
		if err := g.md.Convert([]byte(md), &buf); err != nil {
			return "", fmt.Errorf("render agenda: %w", err)
		}
		return buf.String(), nil
	case FormatText:
		return stripMarkdown(md), nil
	default:
		return md, nil
	}
}

func (g *Generator) agendaMarkdown() string {
	now := g.now()
	var b strings.Builder

	fmt.Fprintf(&b, "## Agenda for %s\n\n", now.Format("Monday, January 2"))

	events := g.reg.TodayEvents()
	if len(events) == 0 {
		b.WriteString("No events scheduled today.\n")
	} else {
		for _, ev := range events {
			title, _ := ev.Data["title"].(string)
			if title == "" {
				title = "(untitled)"
			}
			if allDay, _ := ev.Data["all_day"].(bool); allDay {
				fmt.Fprintf(&b, "- **all day** %s", title)
			} else {
				fmt.Fprintf(&b, "- **%s** %s", ev.Timestamp.Format("15:04"), title)
			}
			if loc, _ := ev.Data["location"].(string); loc != "" {
				fmt.Fprintf(&b, " (%s)", loc)
			}
			b.WriteString("\n")
		}
	}

	if unread := g.reg.UnreadImportantMessages(); len(unread) > 0 {
		fmt.Fprintf(&b, "\n%d important message(s) waiting.\n", len(unread))
	}

	capacity := g.CurrentCapacity()
	fmt.Fprintf(&b, "\n**Capacity** physical %d / cognitive %d / emotional %d",
		capacity.Physical, capacity.Cognitive, capacity.Emotional)
	if capacity.Note != "" {
		fmt.Fprintf(&b, "\n%s", capacity.Note)
	}
	b.WriteString("\n")

	if sig, ok := g.reg.LatestSignal(core.SignalWeather); ok {
		cond, _ := sig.Data["condition"].(string)
		if temp, ok := sig.Data["temperature_c"].(float64); ok {
			fmt.Fprintf(&b, "\nWeather: %s, %.0f°C\n", cond, temp)
		}
	}

	return b.String()
}

// stripMarkdown flattens the small markdown subset the agenda uses into
// plain text.
func stripMarkdown(md string) string {
	out := strings.ReplaceAll(md, "**", "")
	out = strings.ReplaceAll(out, "## ", "")
	out = strings.ReplaceAll(out, "- ", "  ")
	return out
}
