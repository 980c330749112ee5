package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"testing"

	ensemble "github.com/nevindra/ensemble"
)

func TestRecoveryFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	f := newRecoveryFile(path)

	if got := f.load(); got != nil {
		t.Fatalf("load on missing file = %v, want nil", got)
	}

	want := []string{"abc123", "def456"}
	f.store(want)
	if got := f.load(); !slices.Equal(got, want) {
		t.Fatalf("load = %v, want %v", got, want)
	}

	// A second process (fresh handle) sees the same state.
	if got := newRecoveryFile(path).load(); !slices.Equal(got, want) {
		t.Fatalf("fresh load = %v, want %v", got, want)
	}
}

func TestRecoveryFileStoreEmptyRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	f := newRecoveryFile(path)
	f.store([]string{"abc123"})
	f.store(nil)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still exists after storing empty list (err=%v)", err)
	}
	if got := f.load(); got != nil {
		t.Fatalf("load after clear = %v, want nil", got)
	}
}

func TestRecoveryFileCorruptReadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := newRecoveryFile(path).load(); got != nil {
		t.Fatalf("load of corrupt file = %v, want nil", got)
	}
}

func TestCommandFor(t *testing.T) {
	tests := []struct {
		runtime string
		want    string
		wantErr bool
	}{
		{"", "python3", false},
		{"python", "python3", false},
		{"node", "node", false},
		{"ruby", "", true},
	}
	for _, tt := range tests {
		cmd, err := commandFor(ensemble.CodeRequest{Code: "print(1)", Runtime: tt.runtime})
		if tt.wantErr {
			if err == nil {
				t.Errorf("commandFor(%q): expected error", tt.runtime)
			}
			continue
		}
		if err != nil {
			t.Errorf("commandFor(%q): %v", tt.runtime, err)
			continue
		}
		if cmd[0] != tt.want {
			t.Errorf("commandFor(%q)[0] = %q, want %q", tt.runtime, cmd[0], tt.want)
		}
	}
}

func TestLimitWriterTruncates(t *testing.T) {
	var buf bytes.Buffer
	w := newLimitWriter(&buf, 5)
	for range 3 {
		if _, err := w.Write([]byte("abcd")); err != nil {
			t.Fatal(err)
		}
	}
	got := buf.String()
	if len(got) <= 5 && got != "abcda" {
		t.Fatalf("unexpected output %q", got)
	}
	if want := "abcda\n… (output truncated)"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}
