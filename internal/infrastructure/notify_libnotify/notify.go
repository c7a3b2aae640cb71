package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const appName = "pipeline-view"

type Notifier struct {
	soft bool
	bin  string
}

func New() *Notifier     { return &Notifier{soft: false, bin: "notify-send"} }
func NewSoft() *Notifier { return &Notifier{soft: true, bin: "notify-send"} }

type Options struct {
	Urgency string
	Expire  time.Duration
}

// Notify raises the urgency for failed or unstable builds.
func (n *Notifier) Notify(ctx context.Context, title, body, url string) error {
	opt := Options{Urgency: "normal"}
	if strings.Contains(title, "FAILURE") || strings.Contains(title, "UNSTABLE") {
		opt.Urgency = "critical"
	}
	return n.NotifyWith(ctx, title, body, url, opt)
}

func (n *Notifier) NotifyWith(ctx context.Context, title, body, url string, opt Options) error {
	cmd := exec.CommandContext(ctx, n.bin, args(title, body, url, opt)...)
	if err := cmd.Run(); err != nil {
		if n.soft {
			return nil
		}
		return err
	}

	return nil
}

func args(title, body, url string, opt Options) []string {
	if strings.TrimSpace(url) != "" {
		if body == "" {
			body = url
		} else {
			body = body + "\n" + url
		}
	}

	out := []string{"--app-name=" + appName}
	if opt.Urgency != "" {
		out = append(out, "--urgency="+opt.Urgency)
	}
	if opt.Expire > 0 {
		ms := strconv.Itoa(int(opt.Expire / time.Millisecond))
		out = append(out, "--expire-time="+ms)
	}
	return append(out, title, body)
}
