package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestDecodeStrict(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"offer", `{"type":"call-offer","sdp":"v=0","callType":"video","to":"b","from":"a"}`, true},
		{"answer", `{"type":"call-answer","sdp":"v=0","to":"a","from":"b"}`, true},
		{"candidate", `{"type":"ice-candidate","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0},"to":"a","from":"b"}`, true},
		{"end", `{"type":"call-end","callId":"x","to":"a","from":"b"}`, true},
		{"unknown field", `{"type":"call-end","to":"a","from":"b","extra":1}`, false},
		{"unknown type", `{"type":"call-ringing","to":"a","from":"b"}`, false},
		{"offer without sdp", `{"type":"call-offer","callType":"audio","to":"b","from":"a"}`, false},
		{"offer bad call type", `{"type":"call-offer","sdp":"v=0","callType":"screen","to":"b","from":"a"}`, false},
		{"candidate missing", `{"type":"ice-candidate","to":"a","from":"b"}`, false},
		{"missing to", `{"type":"call-end","from":"b"}`, false},
		{"self addressed", `{"type":"call-end","to":"a","from":"a"}`, false},
		{"trailing data", `{"type":"call-end","to":"a","from":"b"}{}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.in))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCandidatePionConversion(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	c := Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	back := CandidateFromPion(c.ToPion())
	if back.Candidate != c.Candidate || *back.SDPMid != "0" || *back.SDPMLineIndex != 1 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestHubBroadcastsPerConversation(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a, cancelA, err := h.Subscribe("c1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancelA()
	b, cancelB, _ := h.Subscribe("c1")
	defer cancelB()
	other, cancelOther, _ := h.Subscribe("c2")
	defer cancelOther()

	ctx := context.Background()
	if err := h.Publish(ctx, "c1", NewEnd("call-1", "alice", "bob")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ma, mb := recv(t, a), recv(t, b)
	if ma.Kind != KindEnd || mb.Kind != KindEnd {
		t.Fatalf("unexpected kinds %s %s", ma.Kind, mb.Kind)
	}
	if ma.ID == "" || ma.ID != mb.ID {
		t.Fatalf("message ids not stamped consistently: %q %q", ma.ID, mb.ID)
	}
	if ma == mb {
		t.Fatal("subscribers share a message pointer")
	}
	select {
	case m := <-other:
		t.Fatalf("message leaked to other conversation: %+v", m)
	default:
	}
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub()
	ch, cancel, _ := h.Subscribe("c1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// Publishing with no subscribers is not an error; the message is lost.
	if err := h.Publish(context.Background(), "c1", NewEnd("", "a", "b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	h.Close()
	if err := h.Publish(context.Background(), "c1", NewEnd("", "a", "b")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close = %v, want ErrClosed", err)
	}
}

func TestHubRejectsInvalid(t *testing.T) {
	h := NewHub()
	defer h.Close()
	if err := h.Publish(context.Background(), "c1", &Message{Kind: KindOffer, To: "b", From: "a"}); err == nil {
		t.Fatal("expected validation error for offer without sdp")
	}
}

func TestDedup(t *testing.T) {
	d := NewDedup(2)
	if !d.First("a") || d.First("a") {
		t.Fatal("duplicate not detected")
	}
	d.First("b")
	d.First("c") // evicts "a"
	if !d.First("a") {
		t.Fatal("evicted id should be accepted again")
	}
	if !d.First("") || !d.First("") {
		t.Fatal("empty ids are never deduplicated")
	}
}

func TestRelayRoundTrip(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewRelayServer(hash)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	bob := NewRelayClient(ts.URL, "s3cret")
	defer bob.Close()
	ch, cancel, err := bob.Subscribe("c1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	alice := NewRelayClient(ts.URL, "s3cret")
	offer := NewOffer("call-1", "alice", "bob", CallVideo, "v=0")
	if err := alice.Publish(context.Background(), "c1", offer); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := recv(t, ch)
	if got.Kind != KindOffer || got.CallType != CallVideo || got.To != "bob" || got.From != "alice" {
		t.Fatalf("unexpected message %+v", got)
	}
	if got.ID == "" {
		t.Fatal("relay did not stamp an id")
	}
}

func TestRelayRejectsBadToken(t *testing.T) {
	hash, _ := HashToken("s3cret")
	srv := NewRelayServer(hash)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	c := NewRelayClient(ts.URL, "wrong")
	err := c.Publish(context.Background(), "c1", NewEnd("", "a", "b"))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("Publish with bad token = %v, want 401", err)
	}
	if _, _, err := c.Subscribe("c1"); err == nil {
		t.Fatal("Subscribe with bad token should fail")
	}
}

func TestRelayRejectsMalformed(t *testing.T) {
	srv := NewRelayServer("")
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	resp, err := http.Post(ts.URL+"/signal/c1", "application/json", strings.NewReader(`{"type":"nope"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}
