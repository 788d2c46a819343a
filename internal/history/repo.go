package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("history: run not found")

// RunRow represents a row in the runs table.
type RunRow struct {
	ID               string    `json:"id"`
	Project          string    `json:"project"`
	Method           string    `json:"method"`
	State            string    `json:"state"`
	Status           string    `json:"status,omitempty"`
	Error            string    `json:"error,omitempty"`
	InitialChiSquare float64   `json:"initial_chi_square"`
	ChiSquare        float64   `json:"chi_square"`
	ReducedChiSquare float64   `json:"reduced_chi_square"`
	Points           int       `json:"points"`
	Iterations       int       `json:"iterations"`
	Evaluations      int       `json:"evaluations"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// ParameterRow is one parameter value recorded for a run.
type ParameterRow struct {
	ParamID string  `json:"id"`
	Value   float64 `json:"value"`
	Error   float64 `json:"error"`
	Free    bool    `json:"free"`
}

// InsertRun stores a run and its parameters within a transaction.
func (db *DB) InsertRun(r RunRow, params []ParameterRow) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("history: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO runs (id, project, method, state, status, error,
			initial_chi_square, chi_square, reduced_chi_square,
			points, iterations, evaluations, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Project, r.Method, r.State, r.Status, r.Error,
		r.InitialChiSquare, r.ChiSquare, r.ReducedChiSquare,
		r.Points, r.Iterations, r.Evaluations, r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}

	if len(params) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO run_parameters (run_id, position, param_id, value, error, free) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("history: prepare parameter insert: %w", err)
		}
		defer stmt.Close()
		for i, p := range params {
			if _, err := stmt.Exec(r.ID, i, p.ParamID, p.Value, p.Error, p.Free); err != nil {
				return fmt.Errorf("history: insert parameter: %w", err)
			}
		}
	}

	return tx.Commit()
}

const runColumns = `id, project, method, state, status, error,
	initial_chi_square, chi_square, reduced_chi_square,
	points, iterations, evaluations, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRow, error) {
	var r RunRow
	err := s.Scan(&r.ID, &r.Project, &r.Method, &r.State, &r.Status, &r.Error,
		&r.InitialChiSquare, &r.ChiSquare, &r.ReducedChiSquare,
		&r.Points, &r.Iterations, &r.Evaluations, &r.StartedAt, &r.FinishedAt)
	return r, err
}

// ListRuns returns runs newest first, with the total count.
func (db *DB) ListRuns(limit, offset int) ([]RunRow, int, error) {
	var total int
	if err := db.conn.QueryRow(`SELECT count(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("history: count runs: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(`SELECT `+runColumns+` FROM runs ORDER BY finished_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	out := []RunRow{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// GetRun returns one run and its parameters in recorded order.
func (db *DB) GetRun(id string) (*RunRow, []ParameterRow, error) {
	r, err := scanRun(db.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("history: get run: %w", err)
	}

	rows, err := db.conn.Query(`SELECT param_id, value, error, free FROM run_parameters WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("history: run parameters: %w", err)
	}
	defer rows.Close()

	params := []ParameterRow{}
	for rows.Next() {
		var p ParameterRow
		if err := rows.Scan(&p.ParamID, &p.Value, &p.Error, &p.Free); err != nil {
			return nil, nil, err
		}
		params = append(params, p)
	}
	return &r, params, rows.Err()
}

// DeleteRun removes a run and its parameters.
func (db *DB) DeleteRun(id string) error {
	res, err := db.conn.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("history: delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune keeps the newest keep runs and deletes the rest. It returns the
// number of runs removed. keep <= 0 disables pruning.
func (db *DB) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := db.conn.Exec(`
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY finished_at DESC, id LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
