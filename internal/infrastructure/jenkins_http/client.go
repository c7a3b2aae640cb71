package jenkins_http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bndr/gojenkins"
	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/pipeline-view/internal/domain"
)

type Client struct {
	baseURL string
	jenkins *gojenkins.Jenkins
	now     func() time.Time

	mu    sync.Mutex
	ready bool
}

func New(baseURL, user, token string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
	hc := &http.Client{Transport: tr, Timeout: timeout}

	var auth []interface{}
	if user != "" {
		auth = append(auth, user, token)
	}

	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		jenkins: gojenkins.CreateJenkins(hc, baseURL, auth...),
		now:     time.Now,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Connect verifies the server once; later calls are free.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	err := retry(ctx, func() error {
		_, err := c.jenkins.Init(ctx)
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("connect to jenkins %s: %w", c.baseURL, err)
	}
	c.ready = true
	return nil
}

// Proxy returns the remote handle of the Jenkins job jobName shown in slot id.
func (c *Client) Proxy(id domain.JobID, jobName string) *Proxy {
	return &Proxy{c: c, id: id, job: jobName}
}

func (c *Client) getJob(ctx context.Context, name string) (*gojenkins.Job, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	id, parents := splitJobPath(name)
	var job *gojenkins.Job
	err := retry(ctx, func() error {
		j, err := c.jenkins.GetJob(ctx, id, parents...)
		if err != nil {
			return classify(err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get job %q: %w", name, err)
	}
	return job, nil
}

func (c *Client) getBuild(ctx context.Context, name string, number int64) (*gojenkins.Build, error) {
	job, err := c.getJob(ctx, name)
	if err != nil {
		return nil, err
	}

	var b *gojenkins.Build
	err = retry(ctx, func() error {
		bb, err := job.GetBuild(ctx, number)
		if err != nil {
			return classify(err)
		}
		b = bb
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get build %s#%d: %w", name, number, err)
	}
	return b, nil
}

// parameters copies the build parameters of b so a new build can reuse them.
func parameters(b *gojenkins.Build) map[string]string {
	params := make(map[string]string)
	for _, p := range b.GetParameters() {
		params[p.Name] = p.Value
	}
	return params
}

func retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 1500 * time.Millisecond

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// classify marks client errors as permanent. gojenkins reports unexpected
// responses with the bare status code as message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if code, convErr := strconv.Atoi(strings.TrimSpace(err.Error())); convErr == nil && code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

// splitJobPath turns "folder/sub/job" into the job id and its parent folders.
func splitJobPath(name string) (string, []string) {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	return parts[len(parts)-1], parts[:len(parts)-1]
}

// parseExternalizableID splits "<job>#<number>".
func parseExternalizableID(id string) (string, int64, error) {
	i := strings.LastIndex(id, "#")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("invalid build id %q, want <job>#<number>", id)
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("invalid build number in %q", id)
	}
	return id[:i], n, nil
}
