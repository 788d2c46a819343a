package model

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/diffit/internal/paramid"
)

func sampleTable() *Table {
	t := NewTable()
	t.Set(paramid.MustNew("pd_Exp1", "zero_shift", 0), 0.01)
	t.Set(paramid.MustNew("pd_Exp1", "background_intensity", 0), 120)
	t.Set(paramid.MustNew("pd_Exp1", "background_intensity", 1), 95)
	t.Set(paramid.MustNew("lbco", "scale", 0), 1.5)
	return t
}

func TestTable_SetGet(t *testing.T) {
	tbl := sampleTable()
	if tbl.Len() != 4 {
		t.Fatalf("Len = %d, want 4", tbl.Len())
	}
	p := paramid.MustNew("pd_Exp1", "background_intensity", 1)
	v, ok := tbl.Get(p)
	if !ok || v != 95 {
		t.Fatalf("Get = %v, %v", v, ok)
	}
	tbl.Set(p, 80)
	if v, _ := tbl.Get(p); v != 80 {
		t.Errorf("after Set, Get = %v", v)
	}
	if tbl.Len() != 4 {
		t.Errorf("overwrite allocated a slot: Len = %d", tbl.Len())
	}
	if _, ok := tbl.Get(paramid.MustNew("nope", "x", 0)); ok {
		t.Error("Get on missing path should report false")
	}
}

func TestTable_PathsInsertionOrder(t *testing.T) {
	got := sampleTable().Paths()
	want := []string{
		"pd_Exp1___zero_shift___0",
		"pd_Exp1___background_intensity___0",
		"pd_Exp1___background_intensity___1",
		"lbco___scale___0",
	}
	keys := make([]string, len(got))
	for i, p := range got {
		keys[i] = p.Key()
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}
}

func TestTable_CloneIsIndependent(t *testing.T) {
	tbl := sampleTable()
	snap := tbl.Clone()
	tbl.Set(paramid.MustNew("lbco", "scale", 0), 9)
	tbl.Set(paramid.MustNew("lbco", "scale", 1), 3)

	if v, _ := snap.Get(paramid.MustNew("lbco", "scale", 0)); v != 1.5 {
		t.Errorf("snapshot changed: %v", v)
	}
	if snap.Len() != 4 {
		t.Errorf("snapshot grew: %d", snap.Len())
	}
}

func TestTable_RestoreBitForBit(t *testing.T) {
	tbl := sampleTable()
	tbl.Set(paramid.MustNew("lbco", "scale", 0), math.Copysign(0, -1))
	snap := tbl.Clone()

	for i := 0; i < tbl.Len(); i++ {
		tbl.SetSlot(i, tbl.ValueAt(i)*1.0001+1)
	}
	if Equal(tbl, snap) {
		t.Fatal("tables should differ after mutation")
	}
	tbl.Restore(snap)
	if !Equal(tbl, snap) {
		t.Errorf("restore mismatch: %s", cmp.Diff(snap.Values(), tbl.Values()))
	}
	v, _ := tbl.Get(paramid.MustNew("lbco", "scale", 0))
	if !math.Signbit(v) {
		t.Error("negative zero not preserved")
	}
}

func TestTable_RestoreDifferentLayout(t *testing.T) {
	tbl := sampleTable()
	snap := tbl.Clone()
	tbl.Set(paramid.MustNew("extra", "x", 0), 1)
	tbl.Restore(snap)
	if !Equal(tbl, snap) {
		t.Error("restore across layout change failed")
	}
	if tbl.Has(paramid.MustNew("extra", "x", 0)) {
		t.Error("slot added after snapshot should be gone")
	}
}

func TestEqual_NaN(t *testing.T) {
	a := NewTable()
	a.Set(paramid.MustNew("a", "b", 0), math.NaN())
	b := a.Clone()
	if !Equal(a, b) {
		t.Error("identical NaN bits should compare equal")
	}
}

func TestDictionary_AcquireBlocksEdits(t *testing.T) {
	d := NewDictionary()
	p := paramid.MustNew("lbco", "scale", 0)
	d.Table.Set(p, 1)

	release, err := d.Acquire("run-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if d.Owner() != "run-1" {
		t.Errorf("Owner = %q", d.Owner())
	}
	if err := d.Edit(p, 2); !errors.Is(err, ErrLocked) {
		t.Errorf("Edit while locked = %v, want ErrLocked", err)
	}
	if _, err := d.Acquire("run-2"); !errors.Is(err, ErrLocked) {
		t.Errorf("second Acquire = %v, want ErrLocked", err)
	}

	release()
	release()
	if err := d.Edit(p, 2); err != nil {
		t.Fatalf("Edit after release: %v", err)
	}
	if v, _ := d.Table.Get(p); v != 2 {
		t.Errorf("value = %v, want 2", v)
	}
}

func TestDictionary_EditUnknownPath(t *testing.T) {
	d := NewDictionary()
	err := d.Edit(paramid.MustNew("a", "b", 0), 1)
	if !errors.Is(err, ErrUnknownPath) {
		t.Errorf("err = %v, want ErrUnknownPath", err)
	}
}
