/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "context"
    "crypto/md5"
    "encoding/json"
    "fmt"
    "strings"

    "github.com/example/uplift-dashboard/internal/config"
    "github.com/example/uplift-dashboard/internal/domain"
    "github.com/example/uplift-dashboard/internal/payload"
    "github.com/example/uplift-dashboard/internal/repo"
    "github.com/rs/zerolog"
)

type BugzillaClient interface {
    SearchBugs(ctx context.Context, params string, offset int) ([]map[string]any, error)
    Attachments(ctx context.Context, bugID int64) ([]map[string]any, error)
    Comments(ctx context.Context, bugID int64) ([]map[string]any, error)
}

type Service struct {
    cfg  config.Config
    log  zerolog.Logger
    repo *repo.Repository
    bz   BugzillaClient
}

func New(cfg config.Config, log zerolog.Logger, r *repo.Repository, bz BugzillaClient) *Service {
    return &Service{cfg: cfg, log: log, repo: r, bz: bz}
}

// ---- Read path ----

// AnalysisList returns every analysis in summary form (count only, no bugs).
func (s *Service) AnalysisList(ctx context.Context) ([]payload.AnalysisView, error) {
    analyses, err := s.repo.ListAnalyses(ctx)
    if err != nil { return nil, err }
    out := make([]payload.AnalysisView, 0, len(analyses))
    for _, a := range analyses {
        av, err := payload.SerializeAnalysis(a, false)
        if err != nil { return nil, err }
        out = append(out, av)
    }
    return out, nil
}

func (s *Service) AnalysisView(ctx context.Context, id int64, full bool) (payload.AnalysisView, error) {
    a, err := s.repo.GetAnalysis(ctx, id)
    if err != nil { return payload.AnalysisView{}, err }
    return payload.SerializeAnalysis(*a, full)
}

func (s *Service) BugView(ctx context.Context, bugzillaID int64) (payload.BugView, error) {
    b, err := s.repo.GetBugByBugzillaID(ctx, bugzillaID)
    if err != nil { return payload.BugView{}, err }
    return payload.SerializeBug(*b)
}

func (s *Service) GetLastRun(ctx context.Context) (any, error) { return s.repo.GetLastRun(ctx) }

// ---- Refresh path ----

// RunRefresh re-runs every analysis query against the tracker and refreshes
// the cached bug payloads. Derived analysis fields computed by the external
// pipeline are carried over from the previous payload.
func (s *Service) RunRefresh(ctx context.Context) error {
    analyses, err := s.repo.ListAnalyses(ctx)
    if err != nil { return err }
    names := make([]string, 0, len(analyses))
    for _, a := range analyses { names = append(names, a.Name) }
    namesJSON, _ := json.Marshal(names)
    runID, err := s.repo.StartJobRun(ctx, string(namesJSON))
    if err != nil { s.log.Error().Err(err).Msg("refresh: start job run failed") }

    scanned, saved := 0, 0
    var firstErr error
    for _, a := range analyses {
        sc, sv, err := s.refreshAnalysis(ctx, a)
        scanned += sc
        saved += sv
        if err != nil {
            s.log.Error().Err(err).Str("analysis", a.Name).Msg("refresh: analysis failed")
            if firstErr == nil { firstErr = err }
        }
    }

    if runID > 0 {
        errStr := ""
        if firstErr != nil { errStr = firstErr.Error() }
        if err := s.repo.FinishJobRun(ctx, runID, scanned, saved, firstErr == nil, errStr); err != nil {
            s.log.Error().Err(err).Msg("refresh: finish job run failed")
        }
    }
    return firstErr
}

func (s *Service) refreshAnalysis(ctx context.Context, a domain.Analysis) (int, int, error) {
    if strings.TrimSpace(a.Parameters) == "" {
        s.log.Warn().Str("analysis", a.Name).Msg("refresh: no parameters, skipping")
        return 0, 0, nil
    }
    scanned, saved := 0, 0
    var bugIDs []int64
    offset := 0
    for {
        page, err := s.bz.SearchBugs(ctx, a.Parameters, offset)
        if err != nil { return scanned, saved, err }
        for _, raw := range page {
            scanned++
            bugzillaID := toInt64(raw["id"])
            if bugzillaID <= 0 { continue }
            id, stored, err := s.refreshBug(ctx, bugzillaID, raw)
            if err != nil {
                s.log.Error().Err(err).Int64("bugzilla_id", bugzillaID).Msg("refresh: bug failed")
                continue
            }
            bugIDs = append(bugIDs, id)
            if stored { saved++ }
        }
        if len(page) < s.cfg.BugzillaMaxPage { break }
        offset += len(page)
    }
    if err := s.repo.AttachBugs(ctx, a.ID, bugIDs); err != nil { return scanned, saved, err }
    dropped, err := s.repo.DetachStaleBugs(ctx, a.ID, bugIDs)
    if err != nil { return scanned, saved, err }
    if dropped > 0 { s.log.Info().Str("analysis", a.Name).Int64("dropped", dropped).Msg("refresh: stale bugs detached") }
    return scanned, saved, nil
}

// refreshBug rebuilds the raw half of the payload from the tracker and
// carries the analysis half over from the cached payload when present.
func (s *Service) refreshBug(ctx context.Context, bugzillaID int64, raw map[string]any) (int64, bool, error) {
    attachments, err := s.bz.Attachments(ctx, bugzillaID)
    if err != nil { return 0, false, err }
    raw["attachments"] = convertAttachments(attachments)

    bugJSON, err := json.Marshal(raw)
    if err != nil { return 0, false, err }
    var bugData payload.BugData
    if err := json.Unmarshal(bugJSON, &bugData); err != nil { return 0, false, err }

    prev, _ := s.repo.GetBugByBugzillaID(ctx, bugzillaID)
    analysis := carryAnalysis(prev, raw)
    if analysis.UpliftComment != nil {
        s.refreshUpliftComment(ctx, bugzillaID, analysis.UpliftComment)
    }

    p := payload.BugPayload{
        URL:      s.cfg.BugzillaURL + "/show_bug.cgi?id=" + fmt.Sprint(bugzillaID),
        Bug:      &bugData,
        Analysis: analysis,
    }
    data, err := json.Marshal(p)
    if err != nil { return 0, false, err }
    hash := fmt.Sprintf("%x", md5.Sum(data))

    stored := prev == nil || !prev.HasPayload()
    id, err := s.repo.UpsertBug(ctx, bugzillaID, data, hash)
    if err != nil { return 0, false, err }
    return id, stored, nil
}

// carryAnalysis keeps the pipeline-computed analysis sub-object from the
// cached payload; for brand-new bugs it seeds a minimal one from the raw
// tracker fields so the payload stays serializable.
func carryAnalysis(prev *domain.Bug, raw map[string]any) *payload.AnalysisData {
    if prev != nil && prev.HasPayload() {
        var p payload.BugPayload
        if err := json.Unmarshal(prev.Payload, &p); err == nil && p.Analysis != nil {
            return p.Analysis
        }
    }
    a := &payload.AnalysisData{Patches: json.RawMessage("{}")}
    a.Users.Creator = detailUser(raw["creator_detail"], toStr(raw["creator"]))
    a.Users.Assignee = detailUser(raw["assigned_to_detail"], toStr(raw["assigned_to"]))
    a.Users.Reviewers = []payload.User{}
    return a
}

// refreshUpliftComment re-reads the uplift request comment body so edits on
// the tracker show up without waiting for the analysis pipeline.
func (s *Service) refreshUpliftComment(ctx context.Context, bugzillaID int64, uc *payload.UpliftComment) {
    comments, err := s.bz.Comments(ctx, bugzillaID)
    if err != nil {
        s.log.Warn().Err(err).Int64("bugzilla_id", bugzillaID).Msg("refresh: comments fetch failed")
        return
    }
    for _, c := range comments {
        if toInt64(c["id"]) != uc.ID { continue }
        if text := toStr(c["text"]); text != "" {
            uc.Text = &text
        }
        return
    }
}

func convertAttachments(raw []map[string]any) []map[string]any {
    out := make([]map[string]any, 0, len(raw))
    for _, a := range raw {
        flagsRaw, _ := a["flags"].([]any)
        flags := make([]map[string]any, 0, len(flagsRaw))
        for _, f0 := range flagsRaw {
            if f, ok := f0.(map[string]any); ok {
                flags = append(flags, map[string]any{"name": toStr(f["name"]), "status": toStr(f["status"])})
            }
        }
        out = append(out, map[string]any{"id": toInt64(a["id"]), "flags": flags})
    }
    return out
}

func detailUser(v any, fallback string) payload.User {
    if m, ok := v.(map[string]any); ok {
        return payload.User{
            Name:     toStr(m["name"]),
            Email:    toStr(m["email"]),
            RealName: toStr(m["real_name"]),
        }
    }
    return payload.User{Name: fallback, Email: fallback}
}

func toStr(v any) string {
    switch t := v.(type) {
    case string: return t
    case fmt.Stringer: return t.String()
    default: return ""
    }
}

func toInt64(v any) int64 {
    switch t := v.(type) {
    case float64: return int64(t)
    case int64: return t
    case int: return int64(t)
    case json.Number:
        n, _ := t.Int64()
        return n
    default: return 0
    }
}
