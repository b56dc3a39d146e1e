package project

import "testing"

func TestRecordValidate(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		ok   bool
	}{
		{"stopped", Record{ID: "a", Status: StatusStopped}, true},
		{"installing", Record{ID: "a", Status: StatusInstalling}, true},
		{"starting with port", Record{ID: "a", Status: StatusStarting, AssignedPort: 3000}, true},
		{"running", Record{ID: "a", Status: StatusRunning, AssignedPort: 3000, PreviewURL: PreviewURL(3000)}, true},
		{"error", Record{ID: "a", Status: StatusError, LastError: "boom"}, true},
		{"empty id", Record{Status: StatusStopped}, false},
		{"bad status", Record{ID: "a", Status: "paused"}, false},
		{"stopped with port", Record{ID: "a", Status: StatusStopped, AssignedPort: 3000}, false},
		{"running without url", Record{ID: "a", Status: StatusRunning, AssignedPort: 3000}, false},
		{"error without message", Record{ID: "a", Status: StatusError}, false},
		{"stopped with error", Record{ID: "a", Status: StatusStopped, LastError: "x"}, false},
	}
	for _, tc := range cases {
		err := tc.rec.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: ok=%v err=%v", tc.name, tc.ok, err)
		}
	}
}

func TestStatusBusy(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusStopped: false, StatusError: false,
		StatusInstalling: true, StatusStarting: true, StatusRunning: true,
	} {
		if s.Busy() != want {
			t.Fatalf("%s busy=%v", s, s.Busy())
		}
	}
}

func TestPreviewURL(t *testing.T) {
	if got := PreviewURL(5173); got != "http://localhost:5173" {
		t.Fatalf("got %q", got)
	}
}
