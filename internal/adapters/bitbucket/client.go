package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/GovTechSG/TLP-CAPT/internal/config"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.BitbucketBaseURL,
		token:   cfg.BitbucketToken,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		log:     log,
	}
}

// HeadCommit returns the id of the latest commit on the branch.
func (c *Client) HeadCommit(ctx context.Context, projKey, repoName, branch string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("bitbucket: empty baseURL")
	}
	u := fmt.Sprintf("%s/rest/api/1.0/projects/%s/repos/%s/commits/%s",
		strings.TrimRight(c.baseURL, "/"), url.PathEscape(projKey), url.PathEscape(repoName), url.PathEscape(branch))
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return "", err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			b, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return "", readErr
			}
			if resp.StatusCode >= 300 {
				err := fmt.Errorf("bitbucket api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
				if resp.StatusCode == 429 || resp.StatusCode >= 500 {
					lastErr = err
				} else {
					return "", err
				}
			} else {
				var out struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(b, &out); err != nil {
					return "", err
				}
				if out.ID == "" {
					return "", fmt.Errorf("bitbucket: no commit id for %s/%s@%s", projKey, repoName, branch)
				}
				return out.ID, nil
			}
		}
		time.Sleep(time.Duration(300*(1<<attempt)) * time.Millisecond)
	}
	return "", lastErr
}

// CompareLink is the diff page between two commits of a repo.
func (c *Client) CompareLink(projKey, repoName, fromCommit, toCommit string) string {
	return fmt.Sprintf("%s/projects/%s/repos/%s/compare/diff?targetBranch=%s&sourceBranch=%s",
		strings.TrimRight(c.baseURL, "/"), projKey, repoName, fromCommit, toCommit)
}

// BrowseLink is the repo browser pinned at a commit.
func (c *Client) BrowseLink(projKey, repoName, commit string) string {
	return fmt.Sprintf("%s/projects/%s/repos/%s/browse?at=%s",
		strings.TrimRight(c.baseURL, "/"), projKey, repoName, commit)
}
