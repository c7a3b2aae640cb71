package render_html

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/davarch/pipeline-view/internal/domain"
)

//go:embed build_card.html
var files embed.FS

const placeholder domain.Markup = `<table class="build-card rounded unknown"><tbody><tr class="header"><td>-</td></tr></tbody></table>`

type Renderer struct {
	tmpl    *template.Template
	rootURL string
	loc     *time.Location
}

func New(rootURL string) (*Renderer, error) {
	t, err := template.ParseFS(files, "build_card.html")
	if err != nil {
		return nil, fmt.Errorf("parse build card: %w", err)
	}
	return &Renderer{tmpl: t, rootURL: strings.TrimRight(rootURL, "/"), loc: time.Local}, nil
}

type card struct {
	ID          domain.JobID
	Title       string
	BuildNumber int64
	Date        string
	Time        string
	Duration    string
	BuildURL    string
	RootURL     string
	Progress    int
	Running     bool
	StatusClass string
}

// Render never fails: records it can not make sense of become a placeholder.
func (r *Renderer) Render(rec domain.StatusRecord) domain.Markup {
	if rec.ID == "" {
		return placeholder
	}

	c := card{
		ID:          rec.ID,
		Title:       rec.Build.Title,
		BuildNumber: rec.Build.Number,
		BuildURL:    strings.TrimRight(rec.Build.URL, "/"),
		RootURL:     r.rootURL,
		Progress:    min(max(rec.Build.Progress, 0), 100),
		Running:     rec.Running(),
		StatusClass: strings.ToLower(string(rec.Build.Status)),
		Duration:    FormatDuration(rec.Build.Duration),
	}
	if c.Title == "" {
		c.Title = string(rec.ID)
	}
	if c.StatusClass == "" {
		c.StatusClass = "unknown"
	}
	if !rec.Build.Started.IsZero() {
		started := rec.Build.Started.In(r.loc)
		c.Date = started.Format("2 Jan 2006")
		c.Time = started.Format("15:04:05")
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, c); err != nil {
		return placeholder
	}
	return domain.Markup(buf.String())
}

// FormatDuration prints durations the way build cards show them: "1 hr 5 min",
// "3 min 2 sec", "12 sec".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%d hr %d min", h, m)
	case m > 0:
		return fmt.Sprintf("%d min %d sec", m, s)
	default:
		return fmt.Sprintf("%d sec", s)
	}
}
