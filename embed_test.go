package herochat_test

import (
	"io/fs"
	"strings"
	"testing"

	herochat "github.com/Oscar-999/hero-chat"
)

func TestStaticChatClient(t *testing.T) {
	b, err := fs.ReadFile(herochat.StaticFS, "static/chat.js")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	script := string(b)

	tests := []struct {
		name    string
		snippet string
		want    bool
	}{
		// randomUUID is missing on plain HTTP origins other than localhost.
		{name: "Local correlation ids", snippet: "crypto.randomUUID", want: false},
		{name: "Counter correlation ids", snippet: "id: ++lastID", want: true},
		{name: "Only role and content are posted", snippet: "transcript.map(({ role, content }) => ({ role, content }))", want: true},
		{name: "A failed exchange does not stop the queue", snippet: ".catch((err) => console.error(", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strings.Contains(script, tt.snippet); got != tt.want {
				t.Errorf("chat.js contains %q = %v, want %v", tt.snippet, got, tt.want)
			}
		})
	}
}
