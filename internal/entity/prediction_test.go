package entity

import "testing"

func TestBoxNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Box
		want Box
	}{
		{name: "ordered", in: Box{10, 20, 110, 220}, want: Box{10, 20, 110, 220}},
		{name: "x swapped", in: Box{110, 20, 10, 220}, want: Box{10, 20, 110, 220}},
		{name: "both swapped", in: Box{110, 220, 10, 20}, want: Box{10, 20, 110, 220}},
		{name: "degenerate", in: Box{5, 5, 5, 5}, want: Box{5, 5, 5, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if got != tt.want {
				t.Errorf("Normalize() = %v, want %v", got, tt.want)
			}
			if !got.Valid() {
				t.Errorf("Normalize() result %v is not valid", got)
			}
		})
	}

	if (Box{110, 20, 10, 220}).Valid() {
		t.Error("unordered box reported valid")
	}
}
