package objectkey

import "testing"

func TestTableName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Note", "data_Note"},
		{"com.example.Task", "data_com_2Eexample_2ETask"},
		{"a b", "data_a_20b"},
	}

	for _, tt := range tests {
		if got := TableName(tt.in); got != tt.want {
			t.Errorf("TableName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestObjectKeyEquality(t *testing.T) {
	a := New("Note", "1")
	b := New("Note", "1")
	c := New("Note", "2")

	if a != b {
		t.Errorf("expected %v == %v", a, b)
	}
	if a == c {
		t.Errorf("expected %v != %v", a, c)
	}
}

func TestObjectKeyString(t *testing.T) {
	k := New("Note", "abc")
	if got, want := k.String(), "Note/abc"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
