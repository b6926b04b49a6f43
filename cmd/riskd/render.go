package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/taskrisk/internal/doctor"
	"github.com/basket/taskrisk/internal/persistence"
	"github.com/basket/taskrisk/internal/risk"
)

// printer renders command output. Styled output is used only on a terminal;
// pipes and files get plain text with the same layout.
type printer struct {
	w      io.Writer
	styled bool

	title  lipgloss.Style
	box    lipgloss.Style
	dim    lipgloss.Style
	label  lipgloss.Style
	levels map[risk.Level]lipgloss.Style
	status map[string]lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return newPrinterStyled(w, styled)
}

func newPrinterStyled(w io.Writer, styled bool) *printer {
	r := lipgloss.NewRenderer(w)
	color := func(c string) lipgloss.Style { return r.NewStyle().Foreground(lipgloss.Color(c)) }
	p := &printer{
		w:      w,
		styled: styled,
		title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		box:    r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1),
		dim:    color("240"),
		label:  r.NewStyle().Bold(true),
		levels: map[risk.Level]lipgloss.Style{
			risk.LevelMinimal:  color("34"),
			risk.LevelLow:      color("70"),
			risk.LevelMedium:   color("178"),
			risk.LevelHigh:     color("208"),
			risk.LevelCritical: color("196"),
			risk.LevelExtreme:  color("196").Bold(true).Reverse(true),
		},
		status: map[string]lipgloss.Style{
			"PASS": color("34"),
			"WARN": color("178"),
			"FAIL": color("196").Bold(true),
			"SKIP": color("240"),
		},
	}
	return p
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) level(l risk.Level) string {
	s, ok := p.levels[l]
	if !ok {
		return string(l)
	}
	return p.render(s, strings.ToUpper(string(l)))
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Assessment prints one scored record with its breakdown and recommendations.
func (p *printer) Assessment(a *risk.Assessment) {
	rec := a.Record
	header := fmt.Sprintf("Task %s  %s  %.1f/100", rec.TaskID, p.level(rec.Level), rec.Score)
	if p.styled {
		p.printf("%s\n", p.box.Render(p.render(p.title, "Risk assessment")+"\n"+header))
	} else {
		p.printf("Risk assessment\n%s\n", header)
	}

	var flags []string
	if a.FromCache {
		flags = append(flags, "cached")
	}
	if a.Stale {
		flags = append(flags, "stale")
	}
	if !a.Stored {
		flags = append(flags, "not stored")
	}
	if a.JobID != "" {
		flags = append(flags, "recompute queued as "+a.JobID)
	}
	meta := fmt.Sprintf("run %s, generated %s", rec.RunID, rec.GeneratedAt.Local().Format(time.RFC3339))
	if len(flags) > 0 {
		meta += " (" + strings.Join(flags, ", ") + ")"
	}
	p.printf("%s\n\n", p.render(p.dim, meta))

	provs := rec.Provenances()
	p.printf("%s\n", p.render(p.label, fmt.Sprintf("%-14s %7s %10s %9s  %s", "COMPONENT", "WEIGHT", "SIGNAL", "POINTS", "SOURCE")))
	for _, c := range rec.Contributions {
		p.printf("%-14s %7.0f %9.1f%% %9.2f  %s\n", c.Component, c.Weight, c.Normalized*100, c.Weighted, provs[c.Component])
	}
	p.printf("\n")

	p.componentNotes(rec)
	p.recommendations(rec.Recommendations)
}

func (p *printer) componentNotes(rec *risk.Record) {
	c := rec.Components
	if c.Time.Unbounded {
		p.printf("Deadline: none set\n")
	} else if c.Time.OverdueHours > 0 {
		p.printf("Deadline: overdue by %.1fh\n", c.Time.OverdueHours)
	} else {
		p.printf("Deadline: %.1fh left\n", c.Time.TimeLeftHours)
	}
	p.printf("Complexity: %.0f (%s environment)\n", c.Complexity.Score, c.Complexity.Environment)
	if c.RoleFit.Category != "" {
		p.printf("Role fit: %s, %.1f/20\n", c.RoleFit.Category, c.RoleFit.Total)
	} else {
		p.printf("Role fit: %.1f/20\n", c.RoleFit.Total)
	}
	p.printf("Dependents: %d (%d critical)\n", len(c.Dependency.Dependents), c.Dependency.CriticalCount)
	p.printf("Communication: %s engagement, %d comments\n", c.Communication.Engagement, c.Communication.CommentCount)
	for _, ind := range c.Communication.RiskIndicators {
		p.printf("  %s %s\n", p.render(p.dim, "!"), ind)
	}
	p.printf("\n")
}

func (p *printer) recommendations(r risk.Recommendations) {
	if r.Count() == 0 {
		return
	}
	groups := []struct {
		name  string
		items []string
	}{
		{"Immediate", r.Immediate},
		{"Short term", r.ShortTerm},
		{"Long term", r.LongTerm},
	}
	p.printf("%s\n", p.render(p.title, "Recommendations"))
	for _, g := range groups {
		if len(g.items) == 0 {
			continue
		}
		p.printf("%s\n", p.render(p.label, g.name))
		for _, it := range g.items {
			p.printf("  - %s\n", it)
		}
	}
}

// History prints one line per record, oldest first.
func (p *printer) History(taskID string, recs []*risk.Record) {
	if len(recs) == 0 {
		p.printf("No assessments for %s in this window.\n", taskID)
		return
	}
	p.printf("%s\n", p.render(p.label, fmt.Sprintf("%-25s %6s  %-9s %s", "GENERATED", "SCORE", "LEVEL", "FALLBACKS")))
	for _, rec := range recs {
		var fallbacks []string
		for name, prov := range rec.Provenances() {
			if prov == risk.ProvenanceFallback {
				fallbacks = append(fallbacks, name)
			}
		}
		fb := "-"
		if len(fallbacks) > 0 {
			slices.Sort(fallbacks)
			fb = strings.Join(fallbacks, ",")
		}
		lvl := fmt.Sprintf("%-9s", rec.Level)
		if s, ok := p.levels[rec.Level]; ok {
			lvl = p.render(s, lvl)
		}
		p.printf("%-25s %6.1f  %s %s\n", rec.GeneratedAt.Local().Format(time.RFC3339), rec.Score, lvl, fb)
	}
}

// Tasks prints the task list with the summary columns kept on each task.
func (p *printer) Tasks(tasks []persistence.Task) {
	if len(tasks) == 0 {
		p.printf("No tasks.\n")
		return
	}
	p.printf("%s\n", p.render(p.label, fmt.Sprintf("%-16s %-12s %-20s %6s  %s", "ID", "STATUS", "DEADLINE", "SCORE", "LEVEL")))
	for _, t := range tasks {
		deadline := "-"
		if t.Deadline != nil {
			deadline = t.Deadline.Local().Format("2006-01-02 15:04")
		}
		score, level := "-", "-"
		if t.RiskScore != nil {
			score = fmt.Sprintf("%.1f", *t.RiskScore)
			level = p.level(risk.Level(t.RiskLevel))
		}
		p.printf("%-16s %-12s %-20s %6s  %s\n", t.ID, t.Status, deadline, score, level)
	}
}

// Diagnosis prints doctor results and reports whether any check failed.
func (p *printer) Diagnosis(d doctor.Diagnosis) {
	p.printf("%s\n", p.render(p.title, fmt.Sprintf("riskd doctor (%s)", d.Timestamp.Format(time.RFC3339))))
	p.printf("%s\n", p.render(p.dim, fmt.Sprintf("System: %s/%s (%s) %s", d.System.OS, d.System.Arch, d.System.Go, d.System.Version)))
	for _, res := range d.Results {
		status := fmt.Sprintf("%-4s", res.Status)
		if s, ok := p.status[res.Status]; ok {
			status = p.render(s, status)
		}
		p.printf("%s %-12s %s\n", status, res.Name, res.Message)
		if res.Detail != "" {
			p.printf("     %s\n", p.render(p.dim, res.Detail))
		}
	}
}
