package version

import (
	"encoding/json"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"1.0", Version{1, 0}, false},
		{"2.15", Version{2, 15}, false},
		{"0.1", Version{0, 1}, false},
		{"1", Version{}, true},
		{"1.0.0", Version{}, true},
		{"a.b", Version{}, true},
		{"", Version{}, true},
		{"1.", Version{}, true},
		{"300.0", Version{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	v := Version{Major: 1, Minor: 4}
	if !v.Compatible(Version{Major: 1, Minor: 0}) {
		t.Error("same major should be compatible")
	}
	if v.Compatible(Version{Major: 2, Minor: 4}) {
		t.Error("different major should be incompatible")
	}
}

func TestWireForms(t *testing.T) {
	v := Version{Major: 1, Minor: 2}

	t.Run("JSON", func(t *testing.T) {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(data) != `"1.2"` {
			t.Errorf("JSON form = %s", data)
		}
		var got Version
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got != v {
			t.Errorf("round trip = %v", got)
		}
	})

	t.Run("Msgpack", func(t *testing.T) {
		data, err := msgpack.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		// fixarray(2) + two positive fixints
		if len(data) != 3 {
			t.Errorf("encoded length = %d, want 3", len(data))
		}
		var got Version
		if err := msgpack.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got != v {
			t.Errorf("round trip = %v", got)
		}
	})
}
