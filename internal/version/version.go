// Package version compares the running build against the latest published
// release so presentation clients can surface an update hint.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheTTL = time.Hour
	defaultTimeout  = 10 * time.Second
	githubAPIBase   = "https://api.github.com"
)

type release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
}

// ReleaseInfo is the comparison result served to clients.
type ReleaseInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	PublishedAt     time.Time `json:"published_at,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Checker queries the GitHub releases API and caches the answer so the
// control API can be polled freely without hammering GitHub.
type Checker struct {
	current string
	owner   string
	repo    string

	apiBase    string // overridable in tests
	httpClient *http.Client

	mu     sync.Mutex
	cached *ReleaseInfo
	expiry time.Time
	ttl    time.Duration
}

// NewChecker builds a checker for the given repo. current may carry a
// leading "v".
func NewChecker(current, owner, repo string) *Checker {
	return &Checker{
		current:    normalize(current),
		owner:      owner,
		repo:       repo,
		apiBase:    githubAPIBase,
		httpClient: &http.Client{Timeout: defaultTimeout},
		ttl:        defaultCacheTTL,
	}
}

// Current returns the normalized running version.
func (c *Checker) Current() string { return c.current }

// Check returns release info, from cache when fresh. force bypasses the
// cache. A fetch failure falls back to a stale cached answer if one exists.
func (c *Checker) Check(ctx context.Context, force bool) (*ReleaseInfo, error) {
	c.mu.Lock()
	if !force && c.cached != nil && time.Now().Before(c.expiry) {
		info := *c.cached
		c.mu.Unlock()
		return &info, nil
	}
	c.mu.Unlock()

	info, err := c.fetch(ctx)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.cached != nil {
			stale := *c.cached
			stale.CheckedAt = time.Now()
			return &stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cached = info
	c.expiry = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return info, nil
}

func (c *Checker) fetch(ctx context.Context) (*ReleaseInfo, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.apiBase, c.owner, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "courier/"+c.current)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close()

	// No releases published is not an error.
	if resp.StatusCode == http.StatusNotFound {
		return c.noUpdate(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release api returned status %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if rel.Draft || rel.Prerelease {
		return c.noUpdate(), nil
	}

	latest := normalize(rel.TagName)
	return &ReleaseInfo{
		CurrentVersion:  c.current,
		LatestVersion:   latest,
		UpdateAvailable: Compare(c.current, latest) < 0,
		ReleaseURL:      rel.HTMLURL,
		PublishedAt:     rel.PublishedAt,
		CheckedAt:       time.Now(),
	}, nil
}

func (c *Checker) noUpdate() *ReleaseInfo {
	return &ReleaseInfo{
		CurrentVersion: c.current,
		LatestVersion:  c.current,
		CheckedAt:      time.Now(),
	}
}

// Compare orders two semantic versions: -1 when a < b, 0 when equal,
// 1 when a > b. A release with no prerelease suffix outranks one with.
func Compare(a, b string) int {
	am, ap := parse(normalize(a))
	bm, bp := parse(normalize(b))

	for i := 0; i < 3; i++ {
		if am[i] != bm[i] {
			if am[i] < bm[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case ap == "" && bp != "":
		return 1
	case ap != "" && bp == "":
		return -1
	case ap < bp:
		return -1
	case ap > bp:
		return 1
	}
	return 0
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "v")
	return strings.TrimPrefix(v, "V")
}

// parse splits "1.2.3-rc.1" into numeric [major minor patch] and the
// prerelease suffix. Non-numeric components read as zero.
func parse(v string) ([3]int, string) {
	var nums [3]int
	pre := ""
	if idx := strings.Index(v, "-"); idx != -1 {
		pre = v[idx+1:]
		v = v[:idx]
	}
	parts := strings.Split(v, ".")
	for i := 0; i < len(parts) && i < 3; i++ {
		n, _ := strconv.Atoi(parts[i])
		nums[i] = n
	}
	return nums, pre
}
