// Package payload defines the queued mutation payloads as a closed set of
// types, one per (entity type, action) pair.
//
// Stored JSON is decoded only after dispatching on the pair, never by
// guessing the shape from the document.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

var (
	// ErrUnknownKind is returned for an (entity type, action) pair with no
	// payload type.
	ErrUnknownKind = errors.New("unknown mutation kind")

	// ErrMalformed is returned when stored JSON does not decode into the
	// pair's payload type or fails validation.
	ErrMalformed = errors.New("malformed mutation payload")
)

// Kind identifies a payload type.
type Kind struct {
	Entity models.EntityType
	Action models.Action
}

func (k Kind) String() string {
	return string(k.Entity) + "/" + string(k.Action)
}

// Payload is implemented only by the types in this package.
type Payload interface {
	Kind() Kind
	Validate() error
	sealed()
}

// Registered pairs.
var (
	KindUpdateDisplayName    = Kind{models.EntityProfile, models.ActionUpdateDisplayName}
	KindUploadAvatar         = Kind{models.EntityAvatar, models.ActionUploadAvatar}
	KindSendFriendRequest    = Kind{models.EntityFriendRequest, models.ActionSendRequest}
	KindAcceptFriendRequest  = Kind{models.EntityFriendRequest, models.ActionAccept}
	KindDeclineFriendRequest = Kind{models.EntityFriendRequest, models.ActionDecline}
	KindCancelFriendRequest  = Kind{models.EntityFriendRequest, models.ActionCancel}
	KindCreateMatch          = Kind{models.EntityMatch, models.ActionCreate}
)

// Kinds lists every registered pair.
func Kinds() []Kind {
	return []Kind{
		KindUpdateDisplayName,
		KindUploadAvatar,
		KindSendFriendRequest,
		KindAcceptFriendRequest,
		KindDeclineFriendRequest,
		KindCancelFriendRequest,
		KindCreateMatch,
	}
}

func newPayload(k Kind) (Payload, bool) {
	switch k {
	case KindUpdateDisplayName:
		return &UpdateDisplayName{}, true
	case KindUploadAvatar:
		return &UploadAvatar{}, true
	case KindSendFriendRequest:
		return &SendFriendRequest{}, true
	case KindAcceptFriendRequest:
		return &AcceptFriendRequest{}, true
	case KindDeclineFriendRequest:
		return &DeclineFriendRequest{}, true
	case KindCancelFriendRequest:
		return &CancelFriendRequest{}, true
	case KindCreateMatch:
		return &CreateMatch{}, true
	}
	return nil, false
}

// Encode validates p and serializes it for the queue.
func Encode(p Payload) (Kind, json.RawMessage, error) {
	if p == nil {
		return Kind{}, nil, fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	if err := p.Validate(); err != nil {
		return Kind{}, nil, fmt.Errorf("%w: %s: %v", ErrMalformed, p.Kind(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Kind{}, nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return p.Kind(), raw, nil
}

// Decode dispatches on k and decodes raw into that pair's payload type.
func Decode(k Kind, raw json.RawMessage) (Payload, error) {
	p, ok := newPayload(k)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, k, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, k, err)
	}
	return p, nil
}

// NewQueueItem encodes p into an unsaved queue item.
func NewQueueItem(p Payload) (*models.QueueItem, error) {
	k, raw, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return &models.QueueItem{EntityType: k.Entity, Action: k.Action, Payload: raw}, nil
}

// FromQueueItem decodes the payload of a stored item.
func FromQueueItem(item *models.QueueItem) (Payload, error) {
	return Decode(Kind{Entity: item.EntityType, Action: item.Action}, item.Payload)
}

// AvatarReferences counts the queued avatar uploads per source path.
// Items that fail to decode are skipped.
func AvatarReferences(items []*models.QueueItem) map[string]int {
	refs := make(map[string]int)
	for _, item := range items {
		if item.EntityType != KindUploadAvatar.Entity || item.Action != KindUploadAvatar.Action {
			continue
		}
		p, err := FromQueueItem(item)
		if err != nil {
			continue
		}
		refs[p.(*UploadAvatar).Path]++
	}
	return refs
}
