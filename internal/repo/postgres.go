package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/GovTechSG/TLP-CAPT/internal/config"
	"github.com/GovTechSG/TLP-CAPT/internal/domain"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx2); err != nil {
		log.Fatal().Err(err).Msg("db ping failed")
	}
	return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Store struct {
	db  *DB
	log zerolog.Logger

	mu        sync.Mutex
	lockConns map[int64]*pgxpool.Conn
}

func NewStore(d *DB, log zerolog.Logger) *Store {
	return &Store{db: d, log: log, lockConns: map[int64]*pgxpool.Conn{}}
}

// lockClass namespaces the per-project advisory locks away from other users of
// pg_advisory_lock on the same database.
const lockClass int32 = 27221

// TryProjectLock acquires the session advisory lock serializing lifecycle
// invocations for one project. Session locks bind to a single connection, so
// the lock is taken on a dedicated pooled connection that stays checked out
// until ProjectUnlock releases it there; going through the pool would leave
// the key held on whichever connection happened to serve the query. Returns
// false when another invocation holds the lock.
func (s *Store) TryProjectLock(ctx context.Context, projectID int64) (bool, error) {
	conn, err := s.db.Pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1, $2)", lockClass, int32(projectID)).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	s.mu.Lock()
	s.lockConns[projectID] = conn
	s.mu.Unlock()
	return true, nil
}

func (s *Store) ProjectUnlock(ctx context.Context, projectID int64) error {
	s.mu.Lock()
	conn := s.lockConns[projectID]
	delete(s.lockConns, projectID)
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no lock held for project %d", projectID)
	}
	defer conn.Release()
	var ok bool
	err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1, $2)", lockClass, int32(projectID)).Scan(&ok)
	if err == nil && !ok {
		return errors.New("advisory unlock returned false")
	}
	return err
}

func (s *Store) ProjectByCode(ctx context.Context, code string) (*domain.Project, error) {
	const q = `SELECT id, code, name, jira_proj_key, bitbucket_proj_key FROM projects WHERE code = $1`
	var p domain.Project
	err := s.db.Pool.QueryRow(ctx, q, code).Scan(&p.ID, &p.Code, &p.Name, &p.JiraProjKey, &p.BitbucketProjKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProjectNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ReposByProject(ctx context.Context, projectID int64) ([]domain.Repo, error) {
	const q = `SELECT id, project_id, name, branch FROM repos WHERE project_id = $1 ORDER BY id`
	rows, err := s.db.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Repo
	for rows.Next() {
		var r domain.Repo
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Branch); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EpicsByProject returns the project's cycle history newest-first; the first
// element, when present, is the current epic.
func (s *Store) EpicsByProject(ctx context.Context, projectID int64) ([]domain.Epic, error) {
	const q = `SELECT id, project_id, jira_key, commits, started_at, created_at, updated_at
		FROM epics WHERE project_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEpics(rows)
}

// UnstartedEpics returns every epic with no started_at, across all projects.
func (s *Store) UnstartedEpics(ctx context.Context) ([]domain.Epic, error) {
	const q = `SELECT id, project_id, jira_key, commits, started_at, created_at, updated_at
		FROM epics WHERE started_at IS NULL`
	rows, err := s.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEpics(rows)
}

func scanEpics(rows pgx.Rows) ([]domain.Epic, error) {
	var out []domain.Epic
	for rows.Next() {
		var e domain.Epic
		var commits []byte
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.JiraKey, &commits, &e.StartedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if len(commits) > 0 {
			if err := json.Unmarshal(commits, &e.Commits); err != nil {
				return nil, fmt.Errorf("epic %s: bad commits json: %w", e.JiraKey, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) InsertEpic(ctx context.Context, e domain.Epic) (domain.Epic, error) {
	const q = `INSERT INTO epics(project_id, jira_key, commits, started_at)
		VALUES($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	commits, err := json.Marshal(e.Commits)
	if err != nil {
		return e, err
	}
	row := s.db.Pool.QueryRow(ctx, q, e.ProjectID, e.JiraKey, commits, e.StartedAt)
	if err := row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	return e, nil
}

func (s *Store) UpdateEpicSnapshot(ctx context.Context, id int64, snap domain.CommitSnapshot) error {
	commits, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.Pool.Exec(ctx, `UPDATE epics SET commits = $2, updated_at = now() WHERE id = $1`, id, commits)
	return err
}

func (s *Store) SetEpicStarted(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `UPDATE epics SET started_at = $2, updated_at = now() WHERE id = $1`, id, at)
	return err
}

// RecordItemRollover persists the migration marker for one work item before the
// close phase runs, so a re-invocation after partial failure can skip it.
func (s *Store) RecordItemRollover(ctx context.Context, oldKey, newKey, oldEpicKey string) error {
	const q = `INSERT INTO item_rollovers(old_key, new_key, old_epic_key)
		VALUES($1, $2, $3)
		ON CONFLICT (old_key) DO NOTHING`
	_, err := s.db.Pool.Exec(ctx, q, oldKey, newKey, oldEpicKey)
	return err
}

// ItemRollovers returns old item key -> new item key for an already attempted
// rollover of oldEpicKey. Empty map when the rollover never ran.
func (s *Store) ItemRollovers(ctx context.Context, oldEpicKey string) (map[string]string, error) {
	const q = `SELECT old_key, new_key FROM item_rollovers WHERE old_epic_key = $1`
	rows, err := s.db.Pool.Query(ctx, q, oldEpicKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var oldKey, newKey string
		if err := rows.Scan(&oldKey, &newKey); err != nil {
			return nil, err
		}
		out[oldKey] = newKey
	}
	return out, rows.Err()
}

// ClearItemRollovers drops the markers once the old epic is closed; their
// presence is the signal that a rollover still needs resuming, the audit
// trail lives in the tracker comments.
func (s *Store) ClearItemRollovers(ctx context.Context, oldEpicKey string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM item_rollovers WHERE old_epic_key = $1`, oldEpicKey)
	return err
}
