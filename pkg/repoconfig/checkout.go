// Package repoconfig loads the declarative repository catalog: a git repo
// of JSON descriptors, one per repository, with optional global defaults.
package repoconfig

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Checkout keeps a local clone of the catalog repo. The first Sync clones,
// later ones fetch, so successive registration runs are quick.
type Checkout struct {
	url    string
	branch string
	dir    string
	git    string
	logger *logrus.Entry

	// Sync calls for the same checkout are racy, serialize them.
	lock sync.Mutex
}

// NewCheckout prepares a checkout of url at dir. An empty branch follows the
// remote default branch.
func NewCheckout(url, branch, dir string) (*Checkout, error) {
	git, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("no git binary found: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkout parent dir: %w", err)
	}
	return &Checkout{
		url:    url,
		branch: branch,
		dir:    dir,
		git:    git,
		logger: logrus.WithField("component", "repoconfig").WithField("url", url),
	}, nil
}

// Dir returns the path of sub inside the checkout, where the descriptors
// live.
func (c *Checkout) Dir(sub string) string {
	return filepath.Join(c.dir, sub)
}

// Sync brings the checkout up to date with the remote and returns the
// commit it points at.
func (c *Checkout) Sync(ctx context.Context) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, err := os.Stat(filepath.Join(c.dir, ".git")); os.IsNotExist(err) {
		c.logger.WithField("dir", c.dir).Info("Cloning repo config.")
		args := []string{"clone", "--depth", "1"}
		if c.branch != "" {
			args = append(args, "--branch", c.branch)
		}
		args = append(args, c.url, c.dir)
		if b, err := retryCmd(ctx, c.logger, "", c.git, args...); err != nil {
			return "", fmt.Errorf("git clone failed: %w. output: %s", err, string(b))
		}
	} else {
		ref := c.branch
		if ref == "" {
			ref = "HEAD"
		}
		c.logger.WithField("dir", c.dir).Debug("Fetching repo config.")
		if b, err := retryCmd(ctx, c.logger, c.dir, c.git, "fetch", "--depth", "1", "origin", ref); err != nil {
			return "", fmt.Errorf("git fetch failed: %w. output: %s", err, string(b))
		}
		if b, err := c.gitCommand(ctx, "reset", "--hard", "FETCH_HEAD").CombinedOutput(); err != nil {
			return "", fmt.Errorf("git reset failed: %w. output: %s", err, string(b))
		}
	}

	b, err := c.gitCommand(ctx, "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w. output: %s", err, string(b))
	}
	return strings.TrimSpace(string(b)), nil
}

// Clean removes the local checkout. The Checkout is unusable after calling.
func (c *Checkout) Clean() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return os.RemoveAll(c.dir)
}

func (c *Checkout) gitCommand(ctx context.Context, arg ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.git, arg...)
	cmd.Dir = c.dir
	c.logger.WithField("args", cmd.Args).WithField("dir", cmd.Dir).Debug("Constructed git command")
	return cmd
}

// retryCmd will retry the command a few times with backoff. Use this for
// anything that talks to the git remote, such as clones or fetches.
func retryCmd(ctx context.Context, l *logrus.Entry, dir, cmd string, arg ...string) ([]byte, error) {
	var b []byte
	var err error
	sleepyTime := time.Second
	for i := 0; i < 3; i++ {
		c := exec.CommandContext(ctx, cmd, arg...)
		c.Dir = dir
		b, err = c.CombinedOutput()
		if err != nil {
			err = fmt.Errorf("running %q %v returned error %w with output %q", cmd, arg, err, string(b))
			l.WithField("count", i+1).WithError(err).Debug("Retrying, if this is not the 3rd try then this will be retried.")
			select {
			case <-ctx.Done():
				return b, ctx.Err()
			case <-time.After(sleepyTime):
			}
			sleepyTime *= 2
			continue
		}
		break
	}
	return b, err
}
