/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package payload

import (
    "crypto/md5"
    "encoding/json"
    "errors"
    "fmt"
    "strconv"
    "strings"

    "github.com/example/uplift-dashboard/internal/domain"
)

var (
    ErrMissingPayload = errors.New("payload: missing payload")
    ErrMissingBugData = errors.New("payload: missing bug data or analysis")
    ErrNoIdentity     = errors.New("payload: user has neither email nor name")
)

const (
    gravatarBase     = "https://www.gravatar.com/avatar/"
    approvalBaseFlag = "approval-mozilla-"
    statusBaseFlag   = "cf_status_"
    trackingBaseFlag = "cf_tracking_"
    noComment        = "No comment."
)

// UserView is the normalized API form of a tracker user.
type UserView struct {
    Email    string `json:"email"`
    Name     string `json:"name,omitempty"`
    RealName string `json:"real_name,omitempty"`
    Avatar   string `json:"avatar"`
}

type UpliftView struct {
    ID      int64    `json:"id"`
    Author  UserView `json:"author"`
    Comment string   `json:"comment"`
}

// VersionView groups attachments sharing an approval flag channel+status.
type VersionView struct {
    Name        string   `json:"name"`
    Attachments []string `json:"attachments"`
    Status      string   `json:"status"`
}

type BugView struct {
    ID            int64                   `json:"id"`
    BugzillaID    int64                   `json:"bugzilla_id"`
    URL           string                  `json:"url"`
    Summary       string                  `json:"summary"`
    Keywords      []string                `json:"keywords"`
    FlagsStatus   map[string]any          `json:"flags_status"`
    FlagsTracking map[string]any          `json:"flags_tracking"`
    Creator       UserView                `json:"creator"`
    Assignee      UserView                `json:"assignee"`
    Reviewers     []UserView              `json:"reviewers"`
    ChangesSize   int                     `json:"changes_size"`
    Uplift        *UpliftView             `json:"uplift"`
    Patches       json.RawMessage         `json:"patches"`
    Versions      map[string]*VersionView `json:"versions"`
}

type AnalysisView struct {
    ID         int64     `json:"id"`
    Name       string    `json:"name"`
    Count      int       `json:"count"`
    Parameters string    `json:"parameters"`
    Bugs       []BugView `json:"bugs"`
}

// SerializeUser normalizes a user and derives its gravatar URL. The avatar
// hash is case and surrounding-whitespace insensitive. Uplift authors may
// carry only a name; it then doubles as the email.
func SerializeUser(u User) (UserView, error) {
    email := u.Email
    if email == "" { email = u.Name }
    if email == "" { return UserView{}, ErrNoIdentity }
    h := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
    return UserView{
        Email:    email,
        Name:     u.Name,
        RealName: u.RealName,
        Avatar:   gravatarBase + fmt.Sprintf("%x", h),
    }, nil
}

// SerializeBug maps a stored bug and its cached payload to the flat API
// record. It fails when the payload is empty or lacks either sub-object;
// anything past that gate is assumed well-formed tracker data.
func SerializeBug(b domain.Bug) (BugView, error) {
    if !b.HasPayload() { return BugView{}, ErrMissingPayload }
    var p BugPayload
    if err := json.Unmarshal(b.Payload, &p); err != nil {
        return BugView{}, fmt.Errorf("payload: bug %d: %w", b.BugzillaID, err)
    }
    if p.Bug == nil || p.Analysis == nil { return BugView{}, ErrMissingBugData }

    uplift, err := buildUplift(p.Analysis)
    if err != nil { return BugView{}, err }

    creator, err := SerializeUser(p.Analysis.Users.Creator)
    if err != nil { return BugView{}, err }
    assignee, err := SerializeUser(p.Analysis.Users.Assignee)
    if err != nil { return BugView{}, err }
    reviewers := make([]UserView, 0, len(p.Analysis.Users.Reviewers))
    for _, r := range p.Analysis.Users.Reviewers {
        rv, err := SerializeUser(r)
        if err != nil { return BugView{}, err }
        reviewers = append(reviewers, rv)
    }

    url := p.URL
    if url == "" { url = "https://bugzil.la/" + strconv.FormatInt(b.BugzillaID, 10) }

    return BugView{
        ID:            b.ID,
        BugzillaID:    b.BugzillaID,
        URL:           url,
        Summary:       p.Bug.Summary,
        Keywords:      p.Bug.Keywords,
        FlagsStatus:   filterFlags(p.Bug.Custom, statusBaseFlag),
        FlagsTracking: filterFlags(p.Bug.Custom, trackingBaseFlag),
        Creator:       creator,
        Assignee:      assignee,
        Reviewers:     reviewers,
        ChangesSize:   p.Analysis.ChangesSize,
        Uplift:        uplift,
        Patches:       p.Analysis.Patches,
        Versions:      buildVersions(p.Bug.Attachments),
    }, nil
}

// SerializeAnalysis wraps an analysis and its bugs. Count always reflects
// every associated bug; with full=false the bugs list stays empty so list
// endpoints avoid per-bug work. Bugs without a stored payload are skipped.
func SerializeAnalysis(a domain.Analysis, full bool) (AnalysisView, error) {
    out := AnalysisView{
        ID:         a.ID,
        Name:       a.Name,
        Count:      len(a.Bugs),
        Parameters: a.Parameters,
        Bugs:       []BugView{},
    }
    if !full { return out, nil }
    for _, b := range a.Bugs {
        if !b.HasPayload() { continue }
        bv, err := SerializeBug(b)
        if err != nil { return AnalysisView{}, fmt.Errorf("analysis %d: bug %d: %w", a.ID, b.BugzillaID, err) }
        out.Bugs = append(out.Bugs, bv)
    }
    return out, nil
}

func buildUplift(a *AnalysisData) (*UpliftView, error) {
    if a.UpliftComment == nil || a.UpliftAuthor == nil { return nil, nil }
    author, err := SerializeUser(*a.UpliftAuthor)
    if err != nil { return nil, err }
    comment := noComment
    if a.UpliftComment.HTML != nil {
        comment = *a.UpliftComment.HTML
    } else if a.UpliftComment.Text != nil {
        comment = *a.UpliftComment.Text
    }
    return &UpliftView{ID: a.UpliftComment.ID, Author: author, Comment: comment}, nil
}

// buildVersions groups approval flags by "<channel> <status>". Attachments
// sharing a key merge into one entry, ids accumulating in slice order.
func buildVersions(attachments []Attachment) map[string]*VersionView {
    versions := map[string]*VersionView{}
    for _, a := range attachments {
        for _, flag := range a.Flags {
            if !strings.HasPrefix(flag.Name, approvalBaseFlag) { continue }
            baseName := strings.TrimPrefix(flag.Name, approvalBaseFlag)
            key := baseName + " " + flag.Status
            v, ok := versions[key]
            if !ok {
                v = &VersionView{Name: flag.Name, Attachments: []string{}, Status: flag.Status}
                versions[key] = v
            }
            v.Attachments = append(v.Attachments, strconv.FormatInt(a.ID, 10))
        }
    }
    return versions
}

// filterFlags extracts custom fields under base+"firefox", keyed by the
// field name with only the base prefix stripped ("firefox58" stays intact).
func filterFlags(custom map[string]any, base string) map[string]any {
    out := map[string]any{}
    for k, v := range custom {
        if !strings.HasPrefix(k, base+"firefox") { continue }
        out[strings.TrimPrefix(k, base)] = v
    }
    return out
}
