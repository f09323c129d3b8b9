package jobstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidforge/internal/job"
	"vidforge/internal/overlay"
	"vidforge/internal/pkg/errors"
)

// Postgres is the durable Store implementation. Transitions use
// compare-and-swap UPDATEs keyed on the current status, so only one
// winning transition exists per state and unrelated jobs never contend.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	overlays_json   JSONB NOT NULL DEFAULT '[]',
	source_key      TEXT NOT NULL,
	result_key      TEXT,
	duration_sec    DOUBLE PRECISION NOT NULL DEFAULT 0,
	width           INT NOT NULL DEFAULT 0,
	height          INT NOT NULL DEFAULT 0,
	image_keys_json JSONB NOT NULL DEFAULT '{}',
	error_kind      TEXT,
	error_text      TEXT,
	attempts        INT NOT NULL DEFAULT 0,
	claimed_by      TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	heartbeat_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS jobs_heartbeat_idx ON jobs (heartbeat_at) WHERE status = 'processing';
`

// EnsureSchema creates the jobs table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	// Wrap returns a typed-nil *Error for a nil cause; returning that
	// through the error interface would read as a failure.
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "jobstore.schema", "failed to ensure jobs schema")
	}
	return nil
}

const jobColumns = `id, status, overlays_json, source_key, COALESCE(result_key,''),
	duration_sec, width, height, image_keys_json,
	COALESCE(error_kind,''), COALESCE(error_text,''), attempts, COALESCE(claimed_by,''),
	created_at, started_at, finished_at, heartbeat_at`

func (p *Postgres) Create(ctx context.Context, j *job.Job) error {
	overlaysJSON, err := json.Marshal(j.Overlays)
	if err != nil {
		return errors.Wrap(err, "jobstore.create", "failed to encode overlays")
	}
	imageKeysJSON, err := json.Marshal(j.ImageKeys)
	if err != nil {
		return errors.Wrap(err, "jobstore.create", "failed to encode image keys")
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, overlays_json, source_key, duration_sec, width, height, image_keys_json, attempts, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9)`,
		j.ID, string(j.Status), overlaysJSON, j.SourceKey,
		j.DurationSec, j.Width, j.Height, imageKeysJSON, j.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.CodeInternal, "job %s already exists", j.ID)
		}
		return errors.Wrap(err, "jobstore.create", "db insert failed")
	}
	return nil
}

// isUniqueViolation reports a PostgreSQL 23505 unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (p *Postgres) Get(ctx context.Context, id string) (job.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, errors.NotFound("job", id)
		}
		return job.Job{}, errors.Wrap(err, "jobstore.get", "db query failed")
	}
	return j, nil
}

func (p *Postgres) Claim(ctx context.Context, id, workerID string) (job.Job, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status=$3, claimed_by=$2, attempts=attempts+1, started_at=NOW(), heartbeat_at=NOW()
		 WHERE id=$1 AND status=$4
		 RETURNING `+jobColumns,
		id, workerID, string(job.StatusProcessing), string(job.StatusQueued),
	)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return job.Job{}, errors.Wrap(err, "jobstore.claim", "db update failed")
	}

	// Lost the race, or the job does not exist; report which.
	current, gerr := p.Get(ctx, id)
	if gerr != nil {
		return job.Job{}, gerr
	}
	return job.Job{}, errors.InvalidTransition(id, string(current.Status), string(job.StatusProcessing))
}

func (p *Postgres) Transition(ctx context.Context, id string, to job.Status, extra TransitionExtra) error {
	var tag string
	var err error

	switch to {
	case job.StatusCompleted:
		tag, err = p.exec(ctx,
			`UPDATE jobs SET status=$2, result_key=$3, finished_at=NOW()
			 WHERE id=$1 AND status=$4 AND ($5 = '' OR COALESCE(claimed_by,'') = $5)`,
			id, string(to), extra.ResultKey, string(job.StatusProcessing), extra.ClaimedBy)
	case job.StatusFailed:
		tag, err = p.exec(ctx,
			`UPDATE jobs SET status=$2, error_kind=$3, error_text=$4, finished_at=NOW()
			 WHERE id=$1 AND status=$5 AND ($6 = '' OR COALESCE(claimed_by,'') = $6)`,
			id, string(to), string(extra.ErrorKind), truncate(extra.ErrorText, 2000), string(job.StatusProcessing), extra.ClaimedBy)
	case job.StatusQueued:
		tag, err = p.exec(ctx,
			`UPDATE jobs SET status=$2, claimed_by=NULL, started_at=NULL, heartbeat_at=NULL
			 WHERE id=$1 AND status=$3`,
			id, string(to), string(job.StatusProcessing))
	default:
		return errors.InvalidTransition(id, "?", string(to))
	}
	if err != nil {
		return errors.Wrap(err, "jobstore.transition", "db update failed")
	}
	if tag == "UPDATE 0" {
		current, gerr := p.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		return errors.InvalidTransition(id, string(current.Status), string(to))
	}
	return nil
}

func (p *Postgres) Heartbeat(ctx context.Context, id, workerID string) error {
	tag, err := p.exec(ctx,
		`UPDATE jobs SET heartbeat_at=NOW()
		 WHERE id=$1 AND claimed_by=$2 AND status=$3`,
		id, workerID, string(job.StatusProcessing))
	if err != nil {
		return errors.Wrap(err, "jobstore.heartbeat", "db update failed")
	}
	if tag == "UPDATE 0" {
		return errors.InvalidTransition(id, "?", string(job.StatusProcessing))
	}
	return nil
}

func (p *Postgres) RequeueStale(ctx context.Context, cutoff time.Time, maxAttempts int) (requeued []string, failed []string, err error) {
	// Exhausted jobs first, so a job never flaps between failed and queued.
	rows, err := p.pool.Query(ctx,
		`UPDATE jobs
		 SET status=$3, error_kind=$4, error_text='worker heartbeat lost and retry limit exceeded', finished_at=NOW()
		 WHERE status=$5 AND heartbeat_at < $1 AND attempts >= $2
		 RETURNING id`,
		cutoff, maxAttempts, string(job.StatusFailed), string(job.ErrKindWorkerCrash), string(job.StatusProcessing),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "jobstore.reap", "db update failed")
	}
	failed, err = collectIDs(rows)
	if err != nil {
		return nil, nil, errors.Wrap(err, "jobstore.reap", "row scan failed")
	}

	rows, err = p.pool.Query(ctx,
		`UPDATE jobs
		 SET status=$3, claimed_by=NULL, started_at=NULL, heartbeat_at=NULL
		 WHERE status=$4 AND heartbeat_at < $1 AND attempts < $2
		 RETURNING id`,
		cutoff, maxAttempts, string(job.StatusQueued), string(job.StatusProcessing),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "jobstore.reap", "db update failed")
	}
	requeued, err = collectIDs(rows)
	if err != nil {
		return nil, nil, errors.Wrap(err, "jobstore.reap", "row scan failed")
	}

	return requeued, failed, nil
}

func (p *Postgres) List(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		rows, err = p.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY created_at DESC LIMIT $2`,
			string(status), limit)
	} else {
		rows, err = p.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "jobstore.list", "db query failed")
	}
	defer rows.Close()

	out := make([]job.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "jobstore.list", "row scan failed")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]job.Job, error) {
	rows, err := p.pool.Query(ctx,
		`DELETE FROM jobs
		 WHERE status IN ($1,$2) AND finished_at < $3
		 RETURNING `+jobColumns,
		string(job.StatusCompleted), string(job.StatusFailed), cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "jobstore.retention", "db delete failed")
	}
	defer rows.Close()

	var deleted []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "jobstore.retention", "row scan failed")
		}
		deleted = append(deleted, j)
	}
	return deleted, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return errors.Wrap(err, "jobstore.delete", "db delete failed")
	}
	if tag == "DELETE 0" {
		return errors.NotFound("job", id)
	}
	return nil
}

func (p *Postgres) exec(ctx context.Context, sql string, args ...any) (string, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j             job.Job
		status        string
		overlaysJSON  []byte
		imageKeysJSON []byte
		errorKind     string
	)

	err := row.Scan(
		&j.ID, &status, &overlaysJSON, &j.SourceKey, &j.ResultKey,
		&j.DurationSec, &j.Width, &j.Height, &imageKeysJSON,
		&errorKind, &j.ErrorText, &j.Attempts, &j.ClaimedBy,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.HeartbeatAt,
	)
	if err != nil {
		return job.Job{}, err
	}

	j.Status = job.Status(status)
	j.ErrorKind = job.ErrorKind(errorKind)
	if len(overlaysJSON) > 0 {
		var ovs []overlay.Overlay
		if err := json.Unmarshal(overlaysJSON, &ovs); err != nil {
			return job.Job{}, err
		}
		j.Overlays = ovs
	}
	if len(imageKeysJSON) > 0 {
		var keys map[string]string
		if err := json.Unmarshal(imageKeysJSON, &keys); err != nil {
			return job.Job{}, err
		}
		if len(keys) > 0 {
			j.ImageKeys = keys
		}
	}
	return j, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
