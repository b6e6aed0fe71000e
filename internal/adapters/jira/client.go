package jira

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
	"github.com/GovTechSG/TLP-CAPT/internal/domain"
)

type Client struct {
	baseURL       string
	token         string
	epicNameField string
	epicLinkField string
	http          *http.Client
	log           zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL:       cfg.JiraBaseURL,
		token:         cfg.JiraPAT,
		epicNameField: cfg.JiraEpicNameField,
		epicLinkField: cfg.JiraEpicLinkField,
		http:          &http.Client{Timeout: cfg.HTTPTimeout},
		log:           log,
	}
}

func (c *Client) apiURL(path string, q url.Values) string {
	base := strings.TrimRight(c.baseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := base + path
	if len(q) > 0 {
		u = u + "?" + q.Encode()
	}
	return u
}

func (c *Client) doJSON(ctx context.Context, method, u string, body any) (map[string]any, error) {
	if c.baseURL == "" {
		return nil, errors.New("jira: empty baseURL")
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		var r io.Reader
		if payload != nil {
			r = strings.NewReader(string(payload))
		}
		req, err := http.NewRequestWithContext(ctx, method, u, r)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
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
				return nil, readErr
			}
			if resp.StatusCode >= 300 {
				err := fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
				// retry on 429/5xx only
				if resp.StatusCode == 429 || resp.StatusCode >= 500 {
					lastErr = err
				} else {
					return nil, err
				}
			} else {
				if len(b) == 0 {
					return map[string]any{}, nil
				}
				var out map[string]any
				if err := json.Unmarshal(b, &out); err != nil {
					return nil, err
				}
				return out, nil
			}
		}
		time.Sleep(time.Duration(300*(1<<attempt)) * time.Millisecond)
	}
	return nil, lastErr
}

// CreateEpic creates a Jira epic and returns its issue key.
func (c *Client) CreateEpic(ctx context.Context, name, jiraProjKey string) (string, error) {
	body := map[string]any{
		"fields": map[string]any{
			"project":       map[string]any{"key": jiraProjKey},
			c.epicNameField: name,
			"summary":       name,
			"issuetype":     map[string]any{"name": "Epic"},
		},
	}
	out, err := c.doJSON(ctx, http.MethodPost, c.apiURL("/rest/api/2/issue/", nil), body)
	if err != nil {
		return "", err
	}
	key, _ := out["key"].(string)
	if key == "" {
		return "", errors.New("jira: create epic returned no key")
	}
	return key, nil
}

// CreateIssue creates a Task linked to the given epic and returns its key.
func (c *Client) CreateIssue(ctx context.Context, summary, epicKey, jiraProjKey string) (string, error) {
	body := map[string]any{
		"fields": map[string]any{
			"project":       map[string]any{"key": jiraProjKey},
			"summary":       summary,
			"issuetype":     map[string]any{"name": "Task"},
			c.epicLinkField: epicKey,
		},
	}
	out, err := c.doJSON(ctx, http.MethodPost, c.apiURL("/rest/api/2/issue/", nil), body)
	if err != nil {
		return "", err
	}
	key, _ := out["key"].(string)
	if key == "" {
		return "", errors.New("jira: create issue returned no key")
	}
	return key, nil
}

func (c *Client) Status(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", errors.New("jira: empty issue key")
	}
	q := url.Values{}
	q.Set("fields", "status")
	out, err := c.doJSON(ctx, http.MethodGet, c.apiURL("/rest/api/2/issue/"+url.PathEscape(key), q), nil)
	if err != nil {
		return "", err
	}
	if fields, ok := out["fields"].(map[string]any); ok {
		if st, ok := fields["status"].(map[string]any); ok {
			if name, _ := st["name"].(string); name != "" {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("jira: no status in response for %s", key)
}

// OpenIssuesInEpic searches issues linked to the epic and filters out the
// terminal statuses Closed and Acceptance.
func (c *Client) OpenIssuesInEpic(ctx context.Context, epicKey string) ([]domain.WorkItem, error) {
	body := map[string]any{
		"jql":    fmt.Sprintf("%q = %s", "Epic Link", epicKey),
		"fields": []string{"status", "summary"},
	}
	out, err := c.doJSON(ctx, http.MethodPost, c.apiURL("/rest/api/2/search", nil), body)
	if err != nil {
		return nil, err
	}
	arr, _ := out["issues"].([]any)
	var items []domain.WorkItem
	for _, it := range arr {
		im, _ := it.(map[string]any)
		if im == nil {
			continue
		}
		key, _ := im["key"].(string)
		fields, _ := im["fields"].(map[string]any)
		if key == "" || fields == nil {
			continue
		}
		status := ""
		if st, ok := fields["status"].(map[string]any); ok {
			status, _ = st["name"].(string)
		}
		if status == domain.StatusClosed || status == domain.StatusAcceptance {
			continue
		}
		summary, _ := fields["summary"].(string)
		items = append(items, domain.WorkItem{Key: key, Status: status, Summary: summary})
	}
	return items, nil
}

// Transition moves the issue to the named status. The tracker exposes
// transitions, not statuses, so the transition whose target matches is looked
// up first; a missing one means the workflow does not permit the move.
func (c *Client) Transition(ctx context.Context, key, toStatus string) error {
	u := c.apiURL("/rest/api/2/issue/"+url.PathEscape(key)+"/transitions", url.Values{"expand": []string{"transitions.fields"}})
	out, err := c.doJSON(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	transitions, _ := out["transitions"].([]any)
	var id string
	for _, t0 := range transitions {
		t, _ := t0.(map[string]any)
		if t == nil {
			continue
		}
		if to, ok := t["to"].(map[string]any); ok {
			if name, _ := to["name"].(string); name == toStatus {
				switch v := t["id"].(type) {
				case string:
					id = v
				case float64:
					id = fmt.Sprint(int64(v))
				}
				break
			}
		}
	}
	if id == "" {
		return fmt.Errorf("%w: %s -> %s", domain.ErrNoSuchTransition, key, toStatus)
	}
	c.log.Debug().Str("issue", key).Str("to", toStatus).Msg("jira transition")
	body := map[string]any{"transition": map[string]any{"id": id}}
	_, err = c.doJSON(ctx, http.MethodPost, u, body)
	return err
}

func (c *Client) Comment(ctx context.Context, key, text string) error {
	if key == "" {
		return errors.New("jira: empty issue key")
	}
	u := c.apiURL("/rest/api/2/issue/"+url.PathEscape(key)+"/comment", nil)
	_, err := c.doJSON(ctx, http.MethodPost, u, map[string]any{"body": text})
	return err
}
