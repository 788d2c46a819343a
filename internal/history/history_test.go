package history

import (
	"errors"
	"os"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "diffit-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func run(id string, finished time.Time) RunRow {
	return RunRow{
		ID: id, Project: "lbco.yaml", Method: "bfgs", State: "completed", Status: "GradientThreshold",
		InitialChiSquare: 120, ChiSquare: 12.5, ReducedChiSquare: 1.25,
		Points: 10, Iterations: 7, Evaluations: 40,
		StartedAt: finished.Add(-time.Second), FinishedAt: finished,
	}
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM runs`).Scan(&count); err != nil {
		t.Fatalf("runs table missing: %v", err)
	}
	if err := db.conn.QueryRow(`SELECT count(*) FROM run_parameters`).Scan(&count); err != nil {
		t.Fatalf("run_parameters table missing: %v", err)
	}
}

func TestInsertAndGetRun(t *testing.T) {
	db := testDB(t)
	now := time.Now().Truncate(time.Second)
	params := []ParameterRow{
		{ParamID: "pd_Exp1___zero_shift___0", Value: 0.02, Error: 0.001, Free: true},
		{ParamID: "lbco___scale___0", Value: 9.1},
	}
	if err := db.InsertRun(run("r1", now), params); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, gotParams, err := db.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ChiSquare != 12.5 || got.Iterations != 7 || got.State != "completed" {
		t.Errorf("run = %+v", got)
	}
	if !got.FinishedAt.Equal(now) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, now)
	}
	if len(gotParams) != 2 || gotParams[0].ParamID != "pd_Exp1___zero_shift___0" || !gotParams[0].Free || gotParams[1].Free {
		t.Errorf("params = %+v", gotParams)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := testDB(t)
	if _, _, err := db.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertRun_DuplicateID(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	if err := db.InsertRun(run("dup", now), nil); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertRun(run("dup", now), nil); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	db := testDB(t)
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		if err := db.InsertRun(run(id, base.Add(time.Duration(i)*time.Minute)), nil); err != nil {
			t.Fatal(err)
		}
	}
	rows, total, err := db.ListRuns(2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(rows) != 2 || rows[0].ID != "c" || rows[1].ID != "b" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRun(run("del", time.Now()), []ParameterRow{{ParamID: "a___b___0", Value: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteRun("del"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	var n int
	_ = db.conn.QueryRow(`SELECT count(*) FROM run_parameters WHERE run_id = 'del'`).Scan(&n)
	if n != 0 {
		t.Errorf("orphan parameters: %d", n)
	}
	if err := db.DeleteRun("del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestPrune(t *testing.T) {
	db := testDB(t)
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		if err := db.InsertRun(run(id, base.Add(time.Duration(i)*time.Minute)), nil); err != nil {
			t.Fatal(err)
		}
	}
	n, err := db.Prune(2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, _, err := db.GetRun("old"); !errors.Is(err, ErrNotFound) {
		t.Error("oldest run survived pruning")
	}
	if n, _ := db.Prune(0); n != 0 {
		t.Error("Prune(0) removed runs")
	}
}
