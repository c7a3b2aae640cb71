package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

type Job struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Enabled      bool     `yaml:"enabled" json:"enabled"`
}

type Config struct {
	Jenkins struct {
		BaseURL string        `yaml:"base_url"`
		User    string        `yaml:"user"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"jenkins"`

	Poll struct {
		Interval  time.Duration `yaml:"interval"`
		PauseFile string        `yaml:"pause_file"`
	} `yaml:"poll"`

	Pipeline struct {
		Title string `yaml:"title"`
		Jobs  []Job  `yaml:"jobs"`
	} `yaml:"pipeline"`

	Display struct {
		Output  string        `yaml:"output"`
		RootURL string        `yaml:"root_url"`
		FadeIn  time.Duration `yaml:"fade_in"`
	} `yaml:"display"`

	Notify struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"notify"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Bus struct {
		AMQPURL  string `yaml:"amqp_url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"bus"`
}

func Load(path string) (Config, error) {
	var c Config

	c.Jenkins.BaseURL = "http://localhost:8080"
	c.Jenkins.Timeout = 10 * time.Second
	c.Poll.Interval = 2 * time.Second
	c.Display.Output = expandHome("~/.cache/pipeline-view/index.html")
	c.Display.FadeIn = time.Second
	c.Bus.Exchange = "pipeline-view"

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("JENKINS_URL"); v != "" {
		c.Jenkins.BaseURL = v
	}

	if v := os.Getenv("JENKINS_USER"); v != "" {
		c.Jenkins.User = v
	}

	if v := os.Getenv("JENKINS_TOKEN"); v != "" {
		c.Jenkins.Token = v
	}

	if v := os.Getenv("JENKINS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Jenkins.Timeout = d
		}
	}

	if v := os.Getenv("INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Poll.Interval = d
		}
	}

	if v := os.Getenv("DISPLAY_OUTPUT"); v != "" {
		c.Display.Output = v
	}

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}

	if v := os.Getenv("AMQP_URL"); v != "" {
		c.Bus.AMQPURL = v
	}

	// PIPELINE_JOBS=id:name,id:name defines a flat pipeline without dependencies.
	if s := os.Getenv("PIPELINE_JOBS"); s != "" {
		var js []Job
		for _, item := range strings.Split(s, ",") {
			item = strings.TrimSpace(item)
			parts := strings.SplitN(item, ":", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				continue
			}
			js = append(js, Job{ID: parts[0], Name: parts[1], Enabled: true})
		}
		if len(js) > 0 {
			c.Pipeline.Jobs = js
		}
	}

	c.Display.Output = expandHome(c.Display.Output)
	c.Jenkins.BaseURL = strings.TrimRight(c.Jenkins.BaseURL, "/")
	if c.Jenkins.BaseURL == "" {
		c.Jenkins.BaseURL = "http://localhost:8080"
	}

	if c.Jenkins.Timeout <= 0 {
		c.Jenkins.Timeout = 10 * time.Second
	}

	if c.Poll.Interval <= 0 {
		c.Poll.Interval = 2 * time.Second
	}

	if c.Display.FadeIn <= 0 {
		c.Display.FadeIn = time.Second
	}

	if c.Display.RootURL == "" {
		c.Display.RootURL = c.Jenkins.BaseURL
	}

	if c.Poll.PauseFile == "" {
		c.Poll.PauseFile = expandHome("~/.cache/pipeline-view.paused")
	}

	if len(c.Pipeline.Jobs) == 0 {
		return c, errors.New("no jobs configured (YAML or ENV)")
	}

	if err := validateJobs(c.Pipeline.Jobs); err != nil {
		return c, err
	}

	return c, nil
}

// Job returns the configured job with the given id.
func (c Config) Job(id string) (Job, bool) {
	for _, j := range c.Pipeline.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

func validateJobs(jobs []Job) error {
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j.ID == "" || j.Name == "" {
			return fmt.Errorf("job %q: id and name are required", j.ID)
		}
		if seen[j.ID] {
			return fmt.Errorf("duplicate job id %q", j.ID)
		}
		seen[j.ID] = true
	}
	for _, j := range jobs {
		for _, d := range j.Dependencies {
			if !seen[d] {
				return fmt.Errorf("job %q depends on unknown job %q", j.ID, d)
			}
			if d == j.ID {
				return fmt.Errorf("job %q depends on itself", j.ID)
			}
		}
	}
	return nil
}

func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	return WriteAtomic(path, b)
}

// WriteAtomic writes b to a sibling temp file and renames it over path.
func WriteAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
