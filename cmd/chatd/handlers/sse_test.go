package handlers

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/parleyhq/parley/common/models"
)

func TestWriteFrameNamesEvents(t *testing.T) {
	cases := []struct {
		name string
		ev   models.StreamEvent
		want string
	}{
		{"delta", models.StreamEvent{Type: models.StreamDelta, Content: "hi"}, "event: delta\n"},
		{"error", models.StreamEvent{Type: models.StreamError, Message: "boom"}, "event: error\n"},
		{"done", models.StreamEvent{Type: models.StreamDone, Status: models.StatusAborted}, "event: done\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeFrame(&buf, tc.ev); err != nil {
				t.Fatalf("writeFrame: %v", err)
			}
			frame := buf.String()
			if !strings.HasPrefix(frame, tc.want) {
				t.Fatalf("frame %q does not start with %q", frame, tc.want)
			}
			if !strings.HasSuffix(frame, "\n\n") {
				t.Fatalf("frame %q is not terminated by a blank line", frame)
			}

			lines := strings.Split(strings.TrimRight(frame, "\n"), "\n")
			if len(lines) != 2 || !strings.HasPrefix(lines[1], "data: ") {
				t.Fatalf("frame %q is not an event line followed by a data line", frame)
			}
			var decoded models.StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &decoded); err != nil {
				t.Fatalf("data line is not valid json: %v", err)
			}
			if decoded.Type != tc.ev.Type || decoded.Status != tc.ev.Status {
				t.Fatalf("decoded %+v, want %+v", decoded, tc.ev)
			}
		})
	}
}
