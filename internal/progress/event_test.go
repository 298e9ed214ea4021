package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := UUIDToBytes(uuid.New())
	now := time.Now()
	cases := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"processing ok", Event{SessionID: id, TS: now, Type: TypeProcessing, URL: "https://a.com"}, false},
		{"completed without url", Event{SessionID: id, TS: now, Type: TypeCompleted}, false},
		{"missing session", Event{TS: now, Type: TypeCompleted}, true},
		{"missing ts", Event{SessionID: id, Type: TypeCompleted}, true},
		{"success without url", Event{SessionID: id, TS: now, Type: TypeSuccess}, true},
		{"error without message", Event{SessionID: id, TS: now, Type: TypeError, URL: "https://a.com"}, true},
		{"unknown type", Event{SessionID: id, TS: now, Type: "bogus"}, true},
		{"negative duration", Event{SessionID: id, TS: now, Type: TypeCompleted, Dur: -time.Second}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEventPayloadShapes(t *testing.T) {
	t.Parallel()

	success := Event{
		Type:          TypeSuccess,
		URL:           "https://a.com/x",
		Depth:         2,
		Screenshot:    []byte("jpg"),
		ScreenshotURI: "gs://bucket/x.jpg",
	}
	raw, err := json.Marshal(success.Payload())
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://a.com/x","depth":2,"screenshot":"anBn","links":[]}`, string(raw))

	noShot := Event{Type: TypeSuccess, URL: "https://a.com", Links: []string{"https://a.com/b"}}
	raw, err = json.Marshal(noShot.Payload())
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://a.com","depth":0,"links":["https://a.com/b"]}`, string(raw))

	raw, err = json.Marshal(Event{Type: TypeError, URL: "https://a.com", Error: "boom"}.Payload())
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://a.com","error":"boom"}`, string(raw))

	raw, err = json.Marshal(Event{Type: TypeCompleted}.Payload())
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(raw))
}

func TestSessionUUIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	require.Equal(t, id, Event{SessionID: UUIDToBytes(id)}.SessionUUID())
}
