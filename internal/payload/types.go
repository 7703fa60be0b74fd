/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package payload

import (
    "encoding/json"
    "strings"
)

// Flag is a single attachment flag as Bugzilla reports it, e.g.
// {"name": "approval-mozilla-beta", "status": "+"}.
type Flag struct {
    Name   string `json:"name"`
    Status string `json:"status"`
}

type Attachment struct {
    ID    int64  `json:"id"`
    Flags []Flag `json:"flags"`
}

// UpliftComment is the tracker comment attached to an uplift request.
// HTML and Text are both optional; rendering prefers HTML.
type UpliftComment struct {
    ID   int64   `json:"id"`
    HTML *string `json:"html,omitempty"`
    Text *string `json:"text,omitempty"`
}

// User is either a structured tracker user or a bare identifier string.
// Uplift authors often arrive as a plain email with no surrounding object,
// so decoding accepts both shapes.
type User struct {
    Name     string `json:"name,omitempty"`
    Email    string `json:"email,omitempty"`
    RealName string `json:"real_name,omitempty"`
}

func (u *User) UnmarshalJSON(data []byte) error {
    d := strings.TrimSpace(string(data))
    if strings.HasPrefix(d, "\"") {
        var s string
        if err := json.Unmarshal(data, &s); err != nil { return err }
        *u = User{Email: s, RealName: s}
        return nil
    }
    type alias User
    var a alias
    if err := json.Unmarshal(data, &a); err != nil { return err }
    *u = User(a)
    return nil
}

// BugData carries the raw tracker fields of a bug. Custom status/tracking
// fields (cf_status_firefox*, cf_tracking_firefox*) are not enumerable up
// front, so unknown cf_* keys are kept aside in Custom.
type BugData struct {
    Summary     string       `json:"summary"`
    Keywords    []string     `json:"keywords"`
    Attachments []Attachment `json:"attachments,omitempty"`

    Custom map[string]any `json:"-"`
}

func (b *BugData) UnmarshalJSON(data []byte) error {
    type alias BugData
    var a alias
    if err := json.Unmarshal(data, &a); err != nil { return err }
    var raw map[string]json.RawMessage
    if err := json.Unmarshal(data, &raw); err != nil { return err }
    for k, v := range raw {
        if !strings.HasPrefix(k, "cf_") { continue }
        var val any
        if err := json.Unmarshal(v, &val); err != nil { return err }
        if a.Custom == nil { a.Custom = map[string]any{} }
        a.Custom[k] = val
    }
    *b = BugData(a)
    return nil
}

func (b BugData) MarshalJSON() ([]byte, error) {
    type alias BugData
    base, err := json.Marshal(alias(b))
    if err != nil { return nil, err }
    if len(b.Custom) == 0 { return base, nil }
    var m map[string]any
    if err := json.Unmarshal(base, &m); err != nil { return nil, err }
    for k, v := range b.Custom { m[k] = v }
    return json.Marshal(m)
}

// Users groups the contributors the analysis pipeline extracted for a bug.
type Users struct {
    Creator   User   `json:"creator"`
    Assignee  User   `json:"assignee"`
    Reviewers []User `json:"reviewers"`
}

// AnalysisData is the derived half of a bug payload, computed upstream by
// the scraper/analysis pipeline and stored alongside the raw bug.
type AnalysisData struct {
    Users         Users           `json:"users"`
    Patches       json.RawMessage `json:"patches"`
    ChangesSize   int             `json:"changes_size,omitempty"`
    UpliftComment *UpliftComment  `json:"uplift_comment,omitempty"`
    UpliftAuthor  *User           `json:"uplift_author,omitempty"`
}

// BugPayload is the cached tracker payload for one bug. Both sub-objects
// must be present for serialization to succeed.
type BugPayload struct {
    URL      string        `json:"url,omitempty"`
    Bug      *BugData      `json:"bug,omitempty"`
    Analysis *AnalysisData `json:"analysis,omitempty"`
}
