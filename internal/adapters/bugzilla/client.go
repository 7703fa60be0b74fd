/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package bugzilla

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/example/uplift-dashboard/internal/config"
    "github.com/rs/zerolog"
)

type Client struct {
    baseURL string
    apiKey  string
    http    *http.Client
    log     zerolog.Logger
    maxPage int
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
    return &Client{
        baseURL: strings.TrimRight(cfg.BugzillaURL, "/"),
        apiKey:  cfg.BugzillaAPIKey,
        http:    &http.Client{ Timeout: cfg.BugzillaTimeout },
        log:     log,
        maxPage: cfg.BugzillaMaxPage,
    }
}

func (c *Client) apiURL(path string, q url.Values) string {
    if !strings.HasPrefix(path, "/") { path = "/" + path }
    u := c.baseURL + path
    if len(q) > 0 { u = u + "?" + q.Encode() }
    return u
}

func (c *Client) doJSON(ctx context.Context, u string) (map[string]any, error) {
    if c.baseURL == "" { return nil, errors.New("bugzilla: empty baseURL") }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
        if err != nil { return nil, err }
        req.Header.Set("Accept", "application/json")
        if c.apiKey != "" { req.Header.Set("X-BUGZILLA-API-KEY", c.apiKey) }
        resp, err := c.http.Do(req)
        if err != nil { lastErr = err } else {
            body, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if rerr != nil { return nil, rerr }
            if resp.StatusCode >= 300 {
                // retry on 429/5xx
                if resp.StatusCode == 429 || resp.StatusCode >= 500 {
                    lastErr = fmt.Errorf("bugzilla api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
                } else {
                    return nil, fmt.Errorf("bugzilla api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
                }
            } else {
                var out map[string]any
                if err := json.Unmarshal(body, &out); err != nil { return nil, err }
                return out, nil
            }
        }
        // backoff
        time.Sleep(time.Duration(300*(1<<attempt)) * time.Millisecond)
    }
    return nil, lastErr
}

// SearchBugs runs a stored analysis query (a raw Bugzilla query string) with
// paging. The caller keeps raising offset until the returned page is short.
func (c *Client) SearchBugs(ctx context.Context, params string, offset int) ([]map[string]any, error) {
    if strings.TrimSpace(params) == "" { return nil, errors.New("bugzilla: empty search parameters") }
    q, err := url.ParseQuery(params)
    if err != nil { return nil, fmt.Errorf("bugzilla: bad search parameters: %w", err) }
    q.Set("limit", strconv.Itoa(c.maxPage))
    if offset > 0 { q.Set("offset", strconv.Itoa(offset)) }
    out, err := c.doJSON(ctx, c.apiURL("/rest/bug", q))
    if err != nil { return nil, err }
    return mapList(out["bugs"]), nil
}

// Attachments lists a bug's attachments without their data blobs; flags
// ride along on each attachment.
func (c *Client) Attachments(ctx context.Context, bugID int64) ([]map[string]any, error) {
    if bugID <= 0 { return nil, errors.New("bugzilla: invalid bug id") }
    q := url.Values{}
    q.Set("exclude_fields", "data")
    u := c.apiURL("/rest/bug/"+strconv.FormatInt(bugID, 10)+"/attachment", q)
    out, err := c.doJSON(ctx, u)
    if err != nil { return nil, err }
    if bugs, ok := out["bugs"].(map[string]any); ok {
        return mapList(bugs[strconv.FormatInt(bugID, 10)]), nil
    }
    return nil, nil
}

func (c *Client) Comments(ctx context.Context, bugID int64) ([]map[string]any, error) {
    if bugID <= 0 { return nil, errors.New("bugzilla: invalid bug id") }
    u := c.apiURL("/rest/bug/"+strconv.FormatInt(bugID, 10)+"/comment", nil)
    out, err := c.doJSON(ctx, u)
    if err != nil { return nil, err }
    if bugs, ok := out["bugs"].(map[string]any); ok {
        if entry, ok := bugs[strconv.FormatInt(bugID, 10)].(map[string]any); ok {
            return mapList(entry["comments"]), nil
        }
    }
    return nil, nil
}

func mapList(v any) []map[string]any {
    items, ok := v.([]any)
    if !ok { return nil }
    out := make([]map[string]any, 0, len(items))
    for _, it := range items {
        if m, ok := it.(map[string]any); ok { out = append(out, m) }
    }
    return out
}
