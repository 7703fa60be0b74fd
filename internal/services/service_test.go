package services

import (
    "encoding/json"
    "testing"

    "github.com/example/uplift-dashboard/internal/domain"
)

func TestCarryAnalysis_KeepsPipelineFields(t *testing.T) {
    prev := &domain.Bug{BugzillaID: 1000, Payload: json.RawMessage(`{
        "bug": {"summary": "s", "keywords": []},
        "analysis": {
            "users": {"creator": "c@m.com", "assignee": "a@m.com", "reviewers": ["r@m.com"]},
            "patches": {"42": {"changes": 12}},
            "changes_size": 120,
            "uplift_comment": {"id": 991, "text": "Please uplift"},
            "uplift_author": "u@m.com"
        }
    }`)}
    a := carryAnalysis(prev, map[string]any{"creator": "other@m.com"})
    if a.ChangesSize != 120 { t.Fatalf("changes_size not carried: %#v", a) }
    if a.UpliftComment == nil || a.UpliftComment.ID != 991 {
        t.Fatalf("uplift comment not carried: %#v", a.UpliftComment)
    }
    if len(a.Users.Reviewers) != 1 { t.Fatalf("reviewers not carried: %#v", a.Users) }
}

func TestCarryAnalysis_SeedsFromRawWhenNew(t *testing.T) {
    raw := map[string]any{
        "creator":            "c@m.com",
        "creator_detail":     map[string]any{"name": "c@m.com", "email": "c@m.com", "real_name": "Creator"},
        "assigned_to":        "a@m.com",
        "assigned_to_detail": map[string]any{"name": "a@m.com", "real_name": "Assignee"},
    }
    a := carryAnalysis(nil, raw)
    if a.Users.Creator.Email != "c@m.com" || a.Users.Creator.RealName != "Creator" {
        t.Fatalf("creator not seeded: %#v", a.Users.Creator)
    }
    // assignee detail has no email; name carries the identity
    if a.Users.Assignee.Name != "a@m.com" { t.Fatalf("assignee not seeded: %#v", a.Users.Assignee) }
    if len(a.Users.Reviewers) != 0 { t.Fatalf("expected empty reviewers, got %#v", a.Users.Reviewers) }
    if string(a.Patches) != "{}" { t.Fatalf("patches should seed empty: %s", a.Patches) }
}

func TestConvertAttachments_NormalizesShape(t *testing.T) {
    raw := []map[string]any{
        {"id": float64(42), "flags": []any{
            map[string]any{"name": "approval-mozilla-beta", "status": "+", "setter": "x@m.com"},
        }, "data": "ignored"},
        {"id": float64(43)},
    }
    out := convertAttachments(raw)
    if len(out) != 2 { t.Fatalf("expected 2 attachments, got %d", len(out)) }
    if out[0]["id"] != int64(42) { t.Fatalf("id not normalized: %#v", out[0]) }
    flags := out[0]["flags"].([]map[string]any)
    if len(flags) != 1 || flags[0]["name"] != "approval-mozilla-beta" || flags[0]["status"] != "+" {
        t.Fatalf("flags: %#v", flags)
    }
    if _, ok := flags[0]["setter"]; ok { t.Fatalf("extra flag fields should be dropped") }
    if out[1]["flags"].([]map[string]any) == nil { t.Fatalf("missing flags should become empty list") }
}

func TestToInt64(t *testing.T) {
    if toInt64(float64(42)) != 42 { t.Fatal("float64") }
    if toInt64(json.Number("42")) != 42 { t.Fatal("json.Number") }
    if toInt64("42") != 0 { t.Fatal("strings are not ids") }
    if toInt64(nil) != 0 { t.Fatal("nil") }
}
