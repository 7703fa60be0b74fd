package domain

import (
    "encoding/json"
    "time"
)

// Bug is a tracker bug as cached in Postgres. Payload holds the raw
// payload_data jsonb (bug + analysis sub-objects) populated by the
// refresh pipeline.
type Bug struct {
    ID         int64
    BugzillaID int64
    Payload    json.RawMessage
    CreatedAt  *time.Time
}

// HasPayload reports whether the bug carries usable payload data.
func (b Bug) HasPayload() bool {
    if len(b.Payload) == 0 { return false }
    s := string(b.Payload)
    return s != "null" && s != "{}"
}

// Analysis is a named, parameterized grouping of bugs. Parameters is the
// raw tracker query string used to populate it.
type Analysis struct {
    ID         int64
    Name       string
    Parameters string
    Bugs       []Bug
}
