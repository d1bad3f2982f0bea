package requests

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseStatusAliases(t *testing.T) {
	cases := []struct {
		raw  string
		want Status
	}{
		{"pending", StatusPending},
		{"requested", StatusPending},
		{"REQUESTED", StatusPending},
		{"", StatusPending},
		{"accepted", StatusAccepted},
		{"declined", StatusDeclined},
		{"rejected", StatusDeclined},
		{"cancelled", StatusCancelled},
		{"expired", StatusExpired},
		{" accepted ", StatusAccepted},
	}
	for _, tc := range cases {
		if got := ParseStatus(tc.raw); got != tc.want {
			t.Errorf("ParseStatus(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusAccepted, StatusDeclined, StatusCancelled, StatusExpired} {
		if !s.Terminal() {
			t.Errorf("%q.Terminal() = false", s)
		}
	}
	if StatusPending.Terminal() {
		t.Error("pending reported terminal")
	}
}

func TestStatusAllows(t *testing.T) {
	if StatusAccepted.Allows(StatusPending) {
		t.Error("accepted -> pending allowed; terminal statuses must not regress")
	}
	if !StatusPending.Allows(StatusAccepted) {
		t.Error("pending -> accepted refused")
	}
	if !StatusAccepted.Allows(StatusAccepted) {
		t.Error("same-status update refused")
	}
	if !StatusAccepted.Allows(StatusCancelled) {
		t.Error("terminal -> terminal refused; only regression to pending is blocked")
	}
}

func TestDecodeRequestNormalizesStatus(t *testing.T) {
	raw := json.RawMessage(`{"id":"req-1","requester_id":"u1","speaker_id":"u2","status":"requested"}`)
	req, err := decodeRequest(raw)
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if req.Status != StatusPending {
		t.Errorf("status = %q, want pending", req.Status)
	}
}

func TestDecodeRequestRejectsMissingID(t *testing.T) {
	if _, err := decodeRequest(json.RawMessage(`{"status":"pending"}`)); err == nil {
		t.Fatal("decodeRequest accepted a row without id")
	}
	if _, err := decodeRequest(nil); err == nil {
		t.Fatal("decodeRequest accepted an empty row")
	}
}

func TestAvatarURL(t *testing.T) {
	got := avatarURL("Jane Doe")
	if !strings.Contains(got, "seed=jane-doe") {
		t.Errorf("avatarURL(\"Jane Doe\") = %q, want jane-doe seed", got)
	}
	if !strings.Contains(avatarURL(""), "seed=user") {
		t.Error("empty display name should fall back to the generic seed")
	}
}
