package calls

import "testing"

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want CallStatus
		ok   bool
	}{
		{in: "queued", want: CallStatusQueued, ok: true},
		{in: "Ringing", want: CallStatusRinging, ok: true},
		{in: " in-progress ", want: CallStatusInProgress, ok: true},
		{in: "NO-ANSWER", want: CallStatusNoAnswer, ok: true},
		{in: "canceled", want: CallStatusCanceled, ok: true},
		{in: "machine-start", want: CallStatus("machine-start"), ok: false},
		{in: "", want: CallStatus(""), ok: false},
	}
	for _, tc := range tests {
		got, ok := ParseStatus(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseStatus(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
