package chrome_term

import (
	"bytes"
	"strings"
	"testing"
)

func TestChrome_OpenAndClose(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, false)

	if err := c.Open("http://ci/job/deploy/4/console", "deploy #4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Current() != "http://ci/job/deploy/4/console" {
		t.Errorf("current %q", c.Current())
	}
	if !strings.Contains(buf.String(), "deploy #4") || !strings.Contains(buf.String(), "/console") {
		t.Errorf("unexpected output %q", buf.String())
	}

	_ = c.Close()
	if c.Current() != "" {
		t.Error("dialog still open")
	}
}

func TestChrome_BusyPrintedOnce(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, false)

	c.ShowBusy()
	c.ShowBusy()
	c.HideBusy()

	if n := strings.Count(buf.String(), "working"); n != 1 {
		t.Errorf("busy printed %d times", n)
	}
}

func TestChrome_CloseResetsBusy(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, false)

	c.ShowBusy()
	_ = c.Close()
	c.ShowBusy()

	if n := strings.Count(buf.String(), "working"); n != 2 {
		t.Errorf("busy printed %d times after close", n)
	}
}
