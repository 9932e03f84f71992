package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/protocol"
)

type recordingPublisher struct {
	envelopes []protocol.Envelope
}

func (p *recordingPublisher) Publish(env protocol.Envelope) {
	p.envelopes = append(p.envelopes, env)
}

func TestHubSkipsOriginUserSessions(t *testing.T) {
	registry := NewRegistry(quietLogger())
	hub := NewHub(registry, quietLogger())
	mine := registered(t, registry, "u1", "brd_1")
	myOtherTab := registered(t, registry, "u1", "brd_1")
	theirs := registered(t, registry, "u2", "brd_1")
	elsewhere := registered(t, registry, "u3", "brd_2")

	hub.NotifyBoard("brd_1", "u1", protocol.EventListReordered, protocol.ListsReordered{
		Lists: []ordering.Position{{ID: "lst_b", Position: 0}, {ID: "lst_a", Position: 1}},
	})

	frame := nextFrame(t, theirs)
	assert.Equal(t, protocol.EventListReordered, frame.Type)
	assert.Equal(t, "brd_1", frame.BoardID)
	var payload protocol.ListsReordered
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "lst_b", payload.Lists[0].ID)

	assertNoFrame(t, mine)
	assertNoFrame(t, myOtherTab)
	assertNoFrame(t, elsewhere)
}

func TestHubDropsForFullSessionWithoutBlocking(t *testing.T) {
	registry := NewRegistry(quietLogger())
	hub := NewHub(registry, quietLogger())
	slow := NewSession("u2", 1)
	require.NoError(t, registry.Register(slow))
	require.NoError(t, registry.Join(slow.ID, "brd_1"))
	fast := registered(t, registry, "u3", "brd_1")

	env, err := protocol.NewEnvelope("brd_1", "u1", protocol.EventCardUpdated, protocol.CardUpdated{})
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Dispatch(env))
	assert.Equal(t, 1, hub.Dispatch(env), "slow session is full")

	nextFrame(t, fast)
	nextFrame(t, fast)
}

func TestHubEvictsRemovedMember(t *testing.T) {
	registry := NewRegistry(quietLogger())
	hub := NewHub(registry, quietLogger())
	owner := registered(t, registry, "owner", "brd_1")
	removed := registered(t, registry, "u2", "brd_1")

	hub.NotifyBoard("brd_1", "owner", protocol.EventMemberRemoved, protocol.MemberChanged{UserID: "u2"})

	assert.Equal(t, protocol.EventMemberRemoved, nextFrame(t, removed).Type)
	assert.Equal(t, protocol.FrameLeft, nextFrame(t, removed).Type)
	assertNoFrame(t, owner)

	hub.NotifyBoard("brd_1", "owner", protocol.EventCardCreated, protocol.CardCreated{ListID: "lst_1"})
	assertNoFrame(t, removed)
}

func TestHubClosesRoomOnBoardDelete(t *testing.T) {
	registry := NewRegistry(quietLogger())
	hub := NewHub(registry, quietLogger())
	owner := registered(t, registry, "owner", "brd_1")
	member := registered(t, registry, "u2", "brd_1")

	hub.NotifyBoard("brd_1", "owner", protocol.EventBoardDeleted, protocol.BoardDeleted{BoardID: "brd_1"})

	assert.Equal(t, protocol.EventBoardDeleted, nextFrame(t, member).Type)
	assert.Equal(t, protocol.FrameLeft, nextFrame(t, member).Type)
	assert.Equal(t, protocol.FrameLeft, nextFrame(t, owner).Type)
	assert.Empty(t, registry.Recipients("brd_1", ""))
}

func TestHubRoutesThroughRelay(t *testing.T) {
	registry := NewRegistry(quietLogger())
	hub := NewHub(registry, quietLogger())
	publisher := &recordingPublisher{}
	hub.SetRelay(publisher)
	member := registered(t, registry, "u2", "brd_1")

	hub.NotifyBoard("brd_1", "u1", protocol.EventCardMoved, protocol.CardMoved{CardID: "crd_1"})

	require.Len(t, publisher.envelopes, 1)
	assert.Equal(t, "u1", publisher.envelopes[0].OriginUserID)
	assertNoFrame(t, member)

	hub.Dispatch(publisher.envelopes[0])
	assert.Equal(t, protocol.EventCardMoved, nextFrame(t, member).Type)
}
