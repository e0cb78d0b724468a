package commands

import (
	"bytes"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestEncode(t *testing.T) {
	got, err := run(t, "encode", "--address", "0102", "--channel", "9", "--preamble", "10", "--session-id", "258", "--key", "aabb")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "01020102090a0000010202aabb"
	if strings.TrimSpace(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing address", []string{"encode"}},
		{"bad address", []string{"encode", "--address", "zz"}},
		{"bad key", []string{"encode", "--address", "01", "--key", "abc"}},
		{"channel out of range", []string{"encode", "--address", "01", "--channel", "300"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, tt.args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  []string
	}{
		{
			name:  "plain hex",
			frame: "01020102090a0000010202aabb",
			want:  []string{"Peer address:   0102", "Channel:        9", "Preamble index: 10", "Session ID:     258", "Key info:       aabb"},
		},
		{
			name:  "separated hex",
			frame: "01:02:01:02:09:0b:ff:ff:ff:ff:00",
			want:  []string{"Preamble index: 11", "Session ID:     -1", "Key info:       \n"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := run(t, "decode", tt.frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Fatalf("output %q missing %q", got, w)
				}
			}
		})
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	for _, frame := range []string{"xyz", "01", "02020102090a0000010202aabb", "01020102090a0000010202aabbcc"} {
		if _, err := run(t, "decode", frame); err == nil {
			t.Fatalf("decode %q accepted", frame)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame, err := run(t, "encode", "--address", "deadbeef", "--session-id=-7")
	if err != nil {
		t.Fatal(err)
	}
	got, err := run(t, "decode", strings.TrimSpace(frame))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "Peer address:   deadbeef") || !strings.Contains(got, "Session ID:     -7") {
		t.Fatalf("round trip output %q", got)
	}
}
