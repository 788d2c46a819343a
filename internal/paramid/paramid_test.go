package paramid

import (
	"errors"
	"testing"
)

func TestEncode_Scenario(t *testing.T) {
	p := MustNew("pd_Exp1", "background_intensity", 3)
	got := Encode(p)
	if got != "pd_Exp1___background_intensity___3" {
		t.Fatalf("Encode = %q", got)
	}
	back, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !back.Equal(p) {
		t.Errorf("round trip = %+v, want %+v", back, p)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []Path{
		{Block: "a", Group: "b", Index: []int{0}},
		{Block: "lbco", Group: "atom_site_fract_x", Index: []int{2}},
		{Block: "pd_Exp1", Group: "peak", Index: []int{1, 2, 30}},
		{Block: "X9", Group: "cell_length_a", Index: []int{1000000}},
	}
	for _, p := range cases {
		s := Encode(p)
		got, err := Decode(s)
		if err != nil {
			t.Fatalf("Decode(%q): %v", s, err)
		}
		if !got.Equal(p) {
			t.Errorf("Decode(Encode(%v)) = %v", p, got)
		}
		if Encode(got) != s {
			t.Errorf("Encode(Decode(%q)) = %q", s, Encode(got))
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	bad := []string{
		"",
		"block",
		"block___group",
		"block___group___",
		"block___group___x",
		"block___group___-1",
		"block___group___+1",
		"block___group___01",
		"block___group___1__",
		"block___group___1___2",
		"_block___group___1",
		"block____group___1",
		"blo__ck___group___1",
		"1block___group___1",
		"block___gr-oup___1",
		"block___group___1_2",
		"block___group___99999999999999999999999",
	}
	for _, s := range bad {
		_, err := Decode(s)
		if err == nil {
			t.Errorf("Decode(%q): expected error", s)
			continue
		}
		if !errors.Is(err, ErrMalformedPath) {
			t.Errorf("Decode(%q): error %v does not match ErrMalformedPath", s, err)
		}
		var mpe *MalformedPathError
		if !errors.As(err, &mpe) || mpe.Input != s {
			t.Errorf("Decode(%q): want *MalformedPathError carrying input, got %v", s, err)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		block string
		group string
		index []int
		ok    bool
	}{
		{"valid", "pd_Exp1", "zero_shift", []int{0}, true},
		{"multi index", "s", "g", []int{1, 2}, true},
		{"empty index", "s", "g", nil, false},
		{"negative", "s", "g", []int{-1}, false},
		{"bad block", "s-1", "g", []int{0}, false},
		{"double underscore group", "s", "a__b", []int{0}, false},
		{"empty group", "s", "", []int{0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.block, tt.group, tt.index...)
			if (err == nil) != tt.ok {
				t.Fatalf("New err = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrMalformedPath) {
				t.Errorf("error does not match ErrMalformedPath: %v", err)
			}
		})
	}
}

func TestNew_CopiesIndex(t *testing.T) {
	idx := []int{1, 2}
	p, err := New("a", "b", idx...)
	if err != nil {
		t.Fatal(err)
	}
	idx[0] = 9
	if p.Index[0] != 1 {
		t.Errorf("path aliases caller slice: %v", p.Index)
	}
}

func TestEncode_CharacterSet(t *testing.T) {
	s := Encode(MustNew("Blk9", "a_b_c", 4, 0, 12))
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			t.Fatalf("identifier %q contains %q", s, r)
		}
	}
}
