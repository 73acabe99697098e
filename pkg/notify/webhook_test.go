package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	body      []byte
	signature string
}

func captureServer(t *testing.T, ch chan captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- captured{body: body, signature: r.Header.Get(SignatureHeader)}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendSignsPayload(t *testing.T) {
	ch := make(chan captured, 1)
	srv := captureServer(t, ch)

	d := NewDispatcher(srv.URL, "topsecret", time.Second)
	d.Send(Payload{
		Event:      EventApprovalCreated,
		ApprovalID: "ap_1",
		AgentID:    "agt_X",
		AgentName:  "research-bot",
		Action:     "delete:database",
		Resource:   "research_findings",
		Context:    map[string]any{"rows": 9000},
	})

	var got captured
	select {
	case got = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	var p Payload
	require.NoError(t, json.Unmarshal(got.body, &p))
	assert.Equal(t, EventApprovalCreated, p.Event)
	assert.Equal(t, "ap_1", p.ApprovalID)
	assert.False(t, p.Timestamp.IsZero())

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(got.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), got.signature)
}

func TestSendWithoutSecretOmitsSignature(t *testing.T) {
	ch := make(chan captured, 1)
	srv := captureServer(t, ch)

	d := NewDispatcher(srv.URL, "", time.Second)
	d.Send(Payload{Event: EventApprovalApproved, ApprovalID: "ap_1", AgentID: "agt_X", Action: "x:y"})

	select {
	case got := <-ch:
		assert.Empty(t, got.signature)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestSendNoURLIsNoop(t *testing.T) {
	d := NewDispatcher("", "secret", time.Second)
	d.Send(Payload{Event: EventApprovalDenied})

	var nilDispatcher *Dispatcher
	nilDispatcher.Send(Payload{Event: EventApprovalDenied})
}

func TestSlackFormatting(t *testing.T) {
	p := Payload{
		Event:          EventApprovalDenied,
		AgentName:      "research-bot",
		Action:         "delete:database",
		Resource:       "research_findings",
		DecisionReason: "too risky",
		Timestamp:      time.Date(2024, 6, 11, 12, 0, 0, 0, time.UTC),
	}
	msg := slackMessage(p)

	attachments, ok := msg["attachments"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)

	text, _ := attachments[0]["text"].(string)
	assert.Contains(t, text, "research-bot")
	assert.Contains(t, text, "delete:database")
	assert.Contains(t, text, "too risky")
	assert.Equal(t, "#EF4444", attachments[0]["color"])
}

func TestDeliveryFailureDoesNotPanic(t *testing.T) {
	d := NewDispatcher("http://127.0.0.1:1/unreachable", "", 100*time.Millisecond)
	d.Send(Payload{Event: EventApprovalCreated, ApprovalID: "ap_1", AgentID: "agt_X", Action: "x:y"})
	time.Sleep(300 * time.Millisecond)
}
