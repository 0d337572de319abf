package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantTyp string
		wantErr bool
	}{
		{"ping", `{"type":"ping"}`, CmdPing, false},
		{"prompt", `{"type":"prompt","content":"hello","userId":"u1"}`, CmdPrompt, false},
		{"git commit", `{"type":"git_commit","message":"fix","includeUntracked":true}`, CmdGitCommit, false},
		{"unknown type", `{"type":"reboot"}`, "", true},
		{"missing type", `{"content":"hello"}`, "", true},
		{"invalid json", `{"type":`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantTyp, cmd.Type)
		})
	}
}

func TestParseCommandFields(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"prompt","content":"do it","images":["data:image/png;base64,aGk="],"userId":"spoofed"}`))
	require.NoError(t, err)
	require.Equal(t, "do it", cmd.Content)
	require.Len(t, cmd.Images, 1)
	require.Equal(t, "spoofed", cmd.UserID)
}

func TestServerEventEncode(t *testing.T) {
	ev := StatusEvent("running", "")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(ev.Encode(), &decoded))
	require.Equal(t, "status", decoded["type"])
	require.Equal(t, "running", decoded["status"])
	// zero fields stay off the wire
	_, hasMessage := decoded["message"]
	require.False(t, hasMessage)
}

func TestSnapshotResultEncodesFalse(t *testing.T) {
	ev := SnapshotResultEvent(false, "", "lock busy")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(ev.Encode(), &decoded))
	require.Equal(t, false, decoded["ok"])
	require.Equal(t, "lock busy", decoded["error"])
}

func TestInitEventAlwaysCarriesMessages(t *testing.T) {
	ev := InitEvent(nil, "https://preview.example")
	var decoded struct {
		Messages []ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(ev.Encode(), &decoded))
	require.NotNil(t, decoded.Messages)
	require.Empty(t, decoded.Messages)
}

func TestParseImageDataURI(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		wantMime string
		wantData string
		wantErr  bool
	}{
		{"png", "data:image/png;base64,aGVsbG8=", "image/png", "hello", false},
		{"jpeg", "data:image/jpeg;base64,d29ybGQ=", "image/jpeg", "world", false},
		{"not a data uri", "https://example.com/img.png", "", "", true},
		{"missing payload", "data:image/png;base64", "", "", true},
		{"not base64", "data:image/png;utf8,hi", "", "", true},
		{"bad base64", "data:image/png;base64,!!!", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, data, err := ParseImageDataURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantMime, mime)
			require.Equal(t, tt.wantData, string(data))
		})
	}
}
