package surface_fs

import (
	"bytes"
	"errors"
	"html/template"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/davarch/pipeline-view/internal/domain"
)

const page = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
{{- if .Refresh}}
<meta http-equiv="refresh" content="{{.Refresh}}">
{{- end}}
<title>{{.Title}}</title>
<style>@keyframes fadein { from { opacity: 0 } to { opacity: 1 } }</style>
</head>
<body>
<div id="pipelines">
{{- range .Jobs}}
<div class="pipeline-job" data-job="{{.ID}}">
	<div id="build-card-container-{{.ID}}" style="animation: fadein {{.Fade}}ms">{{.Card}}</div>
	{{- if .StatusBar}}
	<div class="status-bar" data-region="status-bar-{{.ID}}">{{.StatusBar}}</div>
	{{- end}}
	{{- if .Icons}}
	<div class="icons" data-region="icons-{{.ID}}">{{.Icons}}</div>
	{{- end}}
</div>
{{- end}}
</div>
</body>
</html>
`

var pageTmpl = template.Must(template.New("page").Parse(page))

type content struct {
	markup domain.Markup
	fade   time.Duration
}

// FSSurface keeps the regions of every job in memory and rewrites the whole
// HTML page after each change. Element ids belong to the card markup; the
// status-bar and icons placeholders outside it are only tagged with
// data-region.
type FSSurface struct {
	path    string
	title   string
	refresh time.Duration

	mu      sync.Mutex
	order   []domain.JobID
	regions map[domain.Region]content
}

func New(path, title string, jobs []domain.JobID, refresh time.Duration) *FSSurface {
	return &FSSurface{
		path:    path,
		title:   title,
		refresh: refresh,
		order:   slices.Clone(jobs),
		regions: make(map[domain.Region]content),
	}
}

// SetJobs changes the order in which job slots appear on the page.
func (s *FSSurface) SetJobs(jobs []domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = slices.Clone(jobs)
	return s.flushLocked()
}

func (s *FSSurface) Replace(region domain.Region, m domain.Markup, fade time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[region] = content{markup: m, fade: fade}
	return s.flushLocked()
}

func (s *FSSurface) Clear(region domain.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, region)
	return s.flushLocked()
}

func (s *FSSurface) Markup(region domain.Region) (domain.Markup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.regions[region]
	return c.markup, ok
}

type slot struct {
	ID        domain.JobID
	Fade      int64
	Card      template.HTML
	StatusBar template.HTML
	Icons     template.HTML
}

func (s *FSSurface) flushLocked() error {
	if s.path == "" {
		return errors.New("display output path is empty")
	}

	ids := slices.Clone(s.order)
	var extra []domain.JobID
	for r := range s.regions {
		if !slices.Contains(ids, r.Job) && !slices.Contains(extra, r.Job) {
			extra = append(extra, r.Job)
		}
	}
	slices.Sort(extra)
	ids = append(ids, extra...)

	data := struct {
		Title   string
		Refresh int
		Jobs    []slot
	}{Title: s.title, Refresh: int(s.refresh.Seconds())}

	for _, id := range ids {
		card := s.regions[domain.Region{Kind: domain.RegionBuildCard, Job: id}]
		data.Jobs = append(data.Jobs, slot{
			ID:        id,
			Fade:      card.fade.Milliseconds(),
			Card:      template.HTML(card.markup),
			StatusBar: template.HTML(s.regions[domain.Region{Kind: domain.RegionStatusBar, Job: id}].markup),
			Icons:     template.HTML(s.regions[domain.Region{Kind: domain.RegionIcons, Job: id}].markup),
		})
	}

	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, data); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
