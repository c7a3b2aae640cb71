package chrome_term

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	linkStyle  = lipgloss.NewStyle().Underline(true)
	busyStyle  = lipgloss.NewStyle().Faint(true)
)

// Chrome shows dialogs on a terminal. Open prints the target and, when
// Browse is set, hands it to the desktop opener.
type Chrome struct {
	out    io.Writer
	browse bool

	mu   sync.Mutex
	open string
	busy bool
}

func New(out io.Writer, browse bool) *Chrome {
	return &Chrome{out: out, browse: browse}
}

func (c *Chrome) Open(href, title string) error {
	c.mu.Lock()
	c.open = href
	c.mu.Unlock()

	_, _ = fmt.Fprintf(c.out, "%s\n  %s\n", titleStyle.Render(title), linkStyle.Render(href))
	if !c.browse {
		return nil
	}
	return exec.Command(opener(), href).Start()
}

// Close ends the dialog and any busy state left by it.
func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = ""
	c.busy = false
	return nil
}

func (c *Chrome) ShowBusy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busy {
		c.busy = true
		_, _ = fmt.Fprintln(c.out, busyStyle.Render("working..."))
	}
}

func (c *Chrome) HideBusy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
}

// Current returns the href of the open dialog, if any.
func (c *Chrome) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func opener() string {
	switch runtime.GOOS {
	case "darwin":
		return "open"
	default:
		return "xdg-open"
	}
}
