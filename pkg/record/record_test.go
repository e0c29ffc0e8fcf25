package record

import (
	"reflect"
	"testing"
)

func TestFromValues(t *testing.T) {
	rec := FromValues("john", "doe", "1")

	if rec.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", rec.Len())
	}
	if rec.Named() {
		t.Error("FromValues record should not be named")
	}
	if _, ok := rec.Names(); ok {
		t.Error("Names() should report unnamed record")
	}
	if got := rec.Values(); !reflect.DeepEqual(got, []string{"john", "doe", "1"}) {
		t.Errorf("Values() = %v", got)
	}
}

func TestFromNames(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		values  []string
		wantErr bool
	}{
		{
			name:   "matching lengths",
			names:  []string{"name", "surname"},
			values: []string{"john", "doe"},
		},
		{
			name:   "empty",
			names:  []string{},
			values: []string{},
		},
		{
			name:    "length mismatch",
			names:   []string{"name"},
			values:  []string{"john", "doe"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := FromNames(tt.names, tt.values)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromNames() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			names, ok := rec.Names()
			if !ok {
				t.Fatal("FromNames record should be named")
			}
			if !reflect.DeepEqual(names, tt.names) {
				t.Errorf("Names() = %v, want %v", names, tt.names)
			}
		})
	}
}

func TestFromMap_SortsKeys(t *testing.T) {
	rec := FromMap(map[string]string{"year": "2001", "name": "john", "surname": "doe"})

	names, _ := rec.Names()
	if !reflect.DeepEqual(names, []string{"name", "surname", "year"}) {
		t.Errorf("Names() = %v", names)
	}
	if !reflect.DeepEqual(rec.Values(), []string{"john", "doe", "2001"}) {
		t.Errorf("Values() = %v", rec.Values())
	}
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantNames  []string
		wantValues []string
		wantNamed  bool
		wantErr    bool
	}{
		{
			name:       "object keeps key order",
			input:      `{"year": 2001, "name": "john", "surname": "doe "}`,
			wantNames:  []string{"year", "name", "surname"},
			wantValues: []string{"2001", "john", "doe "},
			wantNamed:  true,
		},
		{
			name:       "scalars and nested values",
			input:      `{"ok": true, "none": null, "ratio": 1.50, "tags": [ "a", "b" ], "obj": {"k": 1}}`,
			wantNames:  []string{"ok", "none", "ratio", "tags", "obj"},
			wantValues: []string{"true", "", "1.50", `["a","b"]`, `{"k":1}`},
			wantNamed:  true,
		},
		{
			name:       "escaped strings are decoded",
			input:      `{"q": "say \"hi\"\n"}`,
			wantNames:  []string{"q"},
			wantValues: []string{"say \"hi\"\n"},
			wantNamed:  true,
		},
		{
			name:       "array is unnamed",
			input:      `["john", 1, null]`,
			wantValues: []string{"john", "1", ""},
		},
		{
			name:       "empty object",
			input:      `{}`,
			wantNames:  []string{},
			wantValues: []string{},
			wantNamed:  true,
		},
		{
			name:    "scalar top level",
			input:   `"john"`,
			wantErr: true,
		},
		{
			name:    "trailing data",
			input:   `{"a": 1} {"b": 2}`,
			wantErr: true,
		},
		{
			name:    "malformed",
			input:   `{"a": }`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := FromJSON([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(rec.Values(), tt.wantValues) {
				t.Errorf("Values() = %q, want %q", rec.Values(), tt.wantValues)
			}
			names, named := rec.Names()
			if named != tt.wantNamed {
				t.Fatalf("Names() named = %v, want %v", named, tt.wantNamed)
			}
			if named && !reflect.DeepEqual(names, tt.wantNames) {
				t.Errorf("Names() = %v, want %v", names, tt.wantNames)
			}
		})
	}
}

func TestRecord_Project(t *testing.T) {
	rec, err := FromNames([]string{"surname", "extra", "name"}, []string{"doe", "x", "john"})
	if err != nil {
		t.Fatalf("FromNames() error = %v", err)
	}

	got := rec.Project([]string{"name", "surname", "year"})

	names, _ := got.Names()
	if !reflect.DeepEqual(names, []string{"name", "surname", "year"}) {
		t.Errorf("projected names = %v", names)
	}
	if !reflect.DeepEqual(got.Values(), []string{"john", "doe", ""}) {
		t.Errorf("projected values = %v", got.Values())
	}

	plain := FromValues("a", "b")
	if !reflect.DeepEqual(plain.Project([]string{"x"}), plain) {
		t.Error("Project should leave unnamed records unchanged")
	}
}

func TestRecord_Get(t *testing.T) {
	rec := FromMap(map[string]string{"name": "john"})

	if v, ok := rec.Get("name"); !ok || v != "john" {
		t.Errorf("Get(name) = %q, %v", v, ok)
	}
	if _, ok := rec.Get("missing"); ok {
		t.Error("Get(missing) should report false")
	}
}
