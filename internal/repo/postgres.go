package repo

import (
    "context"
    "encoding/json"
    "errors"
    "time"

    "github.com/example/uplift-dashboard/internal/config"
    "github.com/example/uplift-dashboard/internal/domain"
    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/rs/zerolog"
)

var ErrNotFound = errors.New("repo: not found")

type DB struct {
    Pool *pgxpool.Pool
    log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
    pool, err := pgxpool.New(ctx, cfg.DBDSN)
    if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
    ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
    if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
    return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
    db  *DB
    log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
    return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
    if !ok && err == nil { return errors.New("advisory unlock returned false") }
    return err
}

// ListAnalyses returns every analysis with its bug ids but without payloads,
// which is all the summary serialization needs.
func (r *Repository) ListAnalyses(ctx context.Context) ([]domain.Analysis, error) {
    rows, err := r.db.Pool.Query(ctx, `SELECT id, name, COALESCE(parameters,'') FROM analysis ORDER BY id`)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.Analysis
    byID := map[int64]int{}
    for rows.Next() {
        var a domain.Analysis
        if err := rows.Scan(&a.ID, &a.Name, &a.Parameters); err != nil { return nil, err }
        byID[a.ID] = len(out)
        out = append(out, a)
    }
    if len(out) == 0 { return out, nil }

    rows2, err := r.db.Pool.Query(ctx, `SELECT ab.analysis_id, b.id, b.bugzilla_id
        FROM analysis_bugs ab JOIN bug b ON b.id = ab.bug_id ORDER BY b.bugzilla_id`)
    if err != nil { return nil, err }
    defer rows2.Close()
    for rows2.Next() {
        var aid int64
        var b domain.Bug
        if err := rows2.Scan(&aid, &b.ID, &b.BugzillaID); err != nil { return nil, err }
        if idx, ok := byID[aid]; ok { out[idx].Bugs = append(out[idx].Bugs, b) }
    }
    return out, nil
}

// GetAnalysis loads one analysis with its bugs and their cached payloads.
func (r *Repository) GetAnalysis(ctx context.Context, id int64) (*domain.Analysis, error) {
    var a domain.Analysis
    err := r.db.Pool.QueryRow(ctx, `SELECT id, name, COALESCE(parameters,'') FROM analysis WHERE id=$1`, id).
        Scan(&a.ID, &a.Name, &a.Parameters)
    if errors.Is(err, pgx.ErrNoRows) { return nil, ErrNotFound }
    if err != nil { return nil, err }

    rows, err := r.db.Pool.Query(ctx, `SELECT b.id, b.bugzilla_id, b.payload_data, b.created_at
        FROM analysis_bugs ab JOIN bug b ON b.id = ab.bug_id
        WHERE ab.analysis_id=$1 ORDER BY b.bugzilla_id`, id)
    if err != nil { return nil, err }
    defer rows.Close()
    for rows.Next() {
        var b domain.Bug
        if err := rows.Scan(&b.ID, &b.BugzillaID, &b.Payload, &b.CreatedAt); err != nil { return nil, err }
        a.Bugs = append(a.Bugs, b)
    }
    return &a, nil
}

func (r *Repository) GetBugByBugzillaID(ctx context.Context, bugzillaID int64) (*domain.Bug, error) {
    var b domain.Bug
    err := r.db.Pool.QueryRow(ctx, `SELECT id, bugzilla_id, payload_data, created_at FROM bug WHERE bugzilla_id=$1`, bugzillaID).
        Scan(&b.ID, &b.BugzillaID, &b.Payload, &b.CreatedAt)
    if errors.Is(err, pgx.ErrNoRows) { return nil, ErrNotFound }
    if err != nil { return nil, err }
    return &b, nil
}

// UpsertBug stores a payload for a bugzilla id, replacing any previous one
// when the hash changed, and returns the internal bug id.
func (r *Repository) UpsertBug(ctx context.Context, bugzillaID int64, payload json.RawMessage, hash string) (int64, error) {
    const q = `
        INSERT INTO bug(bugzilla_id, payload_data, payload_hash, created_at)
        VALUES($1,$2,$3,now())
        ON CONFLICT(bugzilla_id) DO UPDATE SET
            payload_data=EXCLUDED.payload_data,
            payload_hash=EXCLUDED.payload_hash
        WHERE bug.payload_hash IS DISTINCT FROM EXCLUDED.payload_hash
        RETURNING id`
    var id int64
    err := r.db.Pool.QueryRow(ctx, q, bugzillaID, payload, hash).Scan(&id)
    if errors.Is(err, pgx.ErrNoRows) {
        // hash unchanged, row untouched; fetch the existing id
        err = r.db.Pool.QueryRow(ctx, `SELECT id FROM bug WHERE bugzilla_id=$1`, bugzillaID).Scan(&id)
    }
    if err != nil { return 0, err }
    return id, nil
}

func (r *Repository) AttachBugs(ctx context.Context, analysisID int64, bugIDs []int64) error {
    if len(bugIDs) == 0 { return nil }
    batch := &pgx.Batch{}
    const q = `INSERT INTO analysis_bugs(analysis_id, bug_id) VALUES($1,$2)
        ON CONFLICT (analysis_id, bug_id) DO NOTHING`
    for _, id := range bugIDs { batch.Queue(q, analysisID, id) }
    br := r.db.Pool.SendBatch(ctx, batch)
    defer br.Close()
    for range bugIDs { if _, err := br.Exec(); err != nil { return err } }
    return nil
}

// DetachStaleBugs drops links to bugs that are no longer returned by the
// analysis query. The bug rows themselves stay cached.
func (r *Repository) DetachStaleBugs(ctx context.Context, analysisID int64, keep []int64) (int64, error) {
    if len(keep) == 0 {
        tag, err := r.db.Pool.Exec(ctx, `DELETE FROM analysis_bugs WHERE analysis_id=$1`, analysisID)
        return tag.RowsAffected(), err
    }
    tag, err := r.db.Pool.Exec(ctx, `DELETE FROM analysis_bugs WHERE analysis_id=$1 AND bug_id <> ALL($2)`, analysisID, keep)
    return tag.RowsAffected(), err
}

// Job runs
func (r *Repository) StartJobRun(ctx context.Context, analysesJSON string) (int64, error) {
    const q = `INSERT INTO job_runs(started_at, analyses, success) VALUES(now(), $1, false) RETURNING id`
    var id int64
    if err := r.db.Pool.QueryRow(ctx, q, analysesJSON).Scan(&id); err != nil { return 0, err }
    return id, nil
}

func (r *Repository) FinishJobRun(ctx context.Context, id int64, bugsScanned, bugsSaved int, success bool, errStr string) error {
    const q = `UPDATE job_runs SET finished_at=now(), bugs_scanned=$2, bugs_saved=$3, success=$4, error=$5 WHERE id=$1`
    _, err := r.db.Pool.Exec(ctx, q, id, bugsScanned, bugsSaved, success, errStr)
    return err
}

type LastRun struct {
    StartedAt   time.Time  `json:"started_at"`
    FinishedAt  *time.Time `json:"finished_at"`
    Analyses    string     `json:"analyses"`
    BugsScanned int        `json:"bugs_scanned"`
    BugsSaved   int        `json:"bugs_saved"`
    Success     bool       `json:"success"`
    Error       string     `json:"error"`
}

func (r *Repository) GetLastRun(ctx context.Context) (*LastRun, error) {
    const q = `SELECT started_at, finished_at, analyses::text,
        coalesce(bugs_scanned,0), coalesce(bugs_saved,0),
        coalesce(success,false), coalesce(error,'')
        FROM job_runs ORDER BY id DESC LIMIT 1`
    row := r.db.Pool.QueryRow(ctx, q)
    lr := &LastRun{}
    if err := row.Scan(&lr.StartedAt, &lr.FinishedAt, &lr.Analyses, &lr.BugsScanned, &lr.BugsSaved, &lr.Success, &lr.Error); err != nil {
        return nil, err
    }
    return lr, nil
}
