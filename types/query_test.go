package types

import "testing"

func TestQuery_IsFullText(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{"only fulltext", Query{ID: "q1", FullText: "foo"}, true},
		{"artist", Query{ID: "q1", Artist: "A"}, false},
		{"track", Query{ID: "q1", Track: "T"}, false},
		{"album and fulltext", Query{ID: "q1", Album: "B", FullText: "foo"}, false},
		{"empty", Query{ID: "q1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.query.IsFullText(); got != tt.want {
				t.Errorf("IsFullText() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuery_Validate(t *testing.T) {
	tests := []struct {
		name    string
		query   Query
		wantErr bool
	}{
		{"structured", Query{ID: "q1", Artist: "A", Track: "T"}, false},
		{"fulltext", Query{ID: "q1", FullText: "A T"}, false},
		{"missing id", Query{Artist: "A"}, true},
		{"blank id", Query{ID: "  ", Artist: "A"}, true},
		{"nothing to resolve", Query{ID: "q1"}, true},
		{"blank fulltext", Query{ID: "q1", FullText: "   "}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOperationKind_Valid(t *testing.T) {
	for _, k := range OperationKinds() {
		if !k.Valid() {
			t.Errorf("%v should be valid", k)
		}
	}
	for _, k := range []OperationKind{0, 6, -1, 42} {
		if k.Valid() {
			t.Errorf("%d should be invalid", int(k))
		}
	}
	if got := OperationKind(42).String(); got != "unknown(42)" {
		t.Errorf("String() = %q, want %q", got, "unknown(42)")
	}
}

func TestResolverState_AcceptsResolve(t *testing.T) {
	tests := []struct {
		state ResolverState
		want  bool
	}{
		{StateLoading, false},
		{StateReady, true},
		{StateIdle, true},
		{StateResolving, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.AcceptsResolve(); got != tt.want {
				t.Errorf("AcceptsResolve() = %v, want %v", got, tt.want)
			}
		})
	}
}
