package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

const token = "2026-03-01T12:00:00.000Z"

func samples() map[string]Payload {
	return map[string]Payload{
		"display name": &UpdateDisplayName{DisplayName: "Bob", UpdatedAt: token},
		"avatar local": &UploadAvatar{Source: AvatarSourceLocal, Path: "/data/avatars/a.jpg", UpdatedAt: token},
		"avatar external with mime": &UploadAvatar{
			Source: AvatarSourceExternal, Path: "/tmp/pick.png", MimeType: "image/png", UpdatedAt: token,
		},
		"send request":          &SendFriendRequest{LocalID: "l1", Username: "alice", UpdatedAt: token},
		"accept by server id":   &AcceptFriendRequest{RequestRef{RequestID: "r1", UpdatedAt: token}},
		"decline by server id":  &DeclineFriendRequest{RequestRef{RequestID: "r2", UpdatedAt: token}},
		"cancel by local id":    &CancelFriendRequest{RequestRef{LocalID: "l9", UpdatedAt: token}},
		"cancel with both ids":  &CancelFriendRequest{RequestRef{RequestID: "r3", LocalID: "l3", UpdatedAt: token}},
		"match without options": &CreateMatch{
			ClientMatchID: "cm1", Format: "commander",
			Players:   []models.MatchPlayer{{Name: "Bob", StartLife: 40}},
			StartedAt: token, EndedAt: token, UpdatedAt: token,
		},
		"match with options": &CreateMatch{
			ClientMatchID: "cm2", Format: "standard",
			Players: []models.MatchPlayer{
				{UserID: "u1", Name: "Bob", StartLife: 20, EndLife: 3},
				{UserID: "u2", Name: "Ann", StartLife: 20, EndLife: 0},
			},
			WinnerUserID: "u1", Notes: "close game",
			StartedAt: token, EndedAt: token, UpdatedAt: token,
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for name, p := range samples() {
		t.Run(name, func(t *testing.T) {
			item, err := NewQueueItem(p)
			require.NoError(t, err)
			assert.Equal(t, p.Kind().Entity, item.EntityType)
			assert.Equal(t, p.Kind().Action, item.Action)

			got, err := FromQueueItem(item)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestKinds_AllDecodable(t *testing.T) {
	seen := map[Kind]bool{}
	for _, p := range samples() {
		seen[p.Kind()] = true
	}
	for _, k := range Kinds() {
		assert.True(t, seen[k], "no sample for %s", k)
	}
}

func TestDecode_DispatchesBeforeDecoding(t *testing.T) {
	// A match-shaped document stored under the display name pair decodes
	// as a display name payload and then fails validation.
	raw := json.RawMessage(`{"client_match_id":"cm1","players":[{"name":"x"}],"updated_at":"` + token + `"}`)
	_, err := Decode(KindUpdateDisplayName, raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode(Kind{Entity: models.EntityMatch, Action: models.ActionAccept}, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		raw  string
	}{
		{"not json", KindCreateMatch, `{{`},
		{"wrong type", KindSendFriendRequest, `{"username": 5}`},
		{"missing token", KindUpdateDisplayName, `{"display_name":"Bob"}`},
		{"bad token", KindUpdateDisplayName, `{"display_name":"Bob","updated_at":"noon"}`},
		{"bad avatar source", KindUploadAvatar, `{"source":"cloud","path":"x","updated_at":"` + token + `"}`},
		{"ref without ids", KindAcceptFriendRequest, `{"updated_at":"` + token + `"}`},
		{"match without players", KindCreateMatch, `{"client_match_id":"c","updated_at":"` + token + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, json.RawMessage(tt.raw))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, _, err := Encode(&SendFriendRequest{Username: "alice", UpdatedAt: token})
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = Encode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_OmitsAbsentOptionalFields(t *testing.T) {
	_, raw, err := Encode(&UploadAvatar{Source: AvatarSourceLocal, Path: "a.jpg", UpdatedAt: token})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "mime_type")

	_, raw, err = Encode(&AcceptFriendRequest{RequestRef{RequestID: "r1", UpdatedAt: token}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_id":"r1","updated_at":"`+token+`"}`, string(raw))
}
