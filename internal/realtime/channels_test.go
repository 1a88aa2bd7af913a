package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillpress/realtime/internal/transport"
)

func TestChannelDestinations(t *testing.T) {
	id := Identity{UserID: "u1", TenantID: "t9"}
	want := map[string]string{
		ChannelUserNotifications: "/user/u1/queue/notifications",
		ChannelTenantDashboard:   "/topic/dashboard/t9",
		ChannelTenantComments:    "/topic/comments/t9",
		ChannelTenantPosts:       "/topic/posts/t9",
	}

	for _, spec := range DefaultChannels() {
		t.Run(spec.Name, func(t *testing.T) {
			dest, err := spec.Destination(id)
			require.NoError(t, err)
			assert.Equal(t, want[spec.Name], dest)
		})
	}
}

func TestChannelDestinationNeedsIdentity(t *testing.T) {
	specs := DefaultChannels()

	_, err := specs[0].Destination(Identity{TenantID: "t1"})
	assert.Error(t, err)

	_, err = specs[1].Destination(Identity{UserID: "u1"})
	assert.Error(t, err)
}

func TestSubscribeAllAndUnsubscribeAll(t *testing.T) {
	conn := &fakeConn{subs: make(map[string]fakeSub)}
	var routed []string

	subs, err := SubscribeAll(conn, Identity{UserID: "u1", TenantID: "t1"}, DefaultChannels(),
		func(spec ChannelSpec, msg transport.Message) { routed = append(routed, spec.Name) })
	require.NoError(t, err)
	require.Len(t, subs, 4)

	conn.Deliver("/topic/posts/t1", `{}`)
	assert.Equal(t, []string{ChannelTenantPosts}, routed)

	require.NoError(t, UnsubscribeAll(conn, subs))
	assert.Empty(t, subs)
	assert.Empty(t, conn.Destinations())

	require.NoError(t, UnsubscribeAll(conn, subs))
	require.NoError(t, UnsubscribeAll(nil, Subscriptions{"x": {ID: "sub-x"}}))
}

func TestSubscribeAllReleasesOnFailure(t *testing.T) {
	conn := &fakeConn{subs: make(map[string]fakeSub), failSubOnDst: "/topic/comments/t1"}

	subs, err := SubscribeAll(conn, Identity{UserID: "u1", TenantID: "t1"}, DefaultChannels(),
		func(ChannelSpec, transport.Message) {})

	assert.Error(t, err)
	assert.Nil(t, subs)
	assert.Empty(t, conn.Destinations())
}

func TestUnsubscribeAllOnClosedConn(t *testing.T) {
	conn := &fakeConn{subs: make(map[string]fakeSub)}
	subs, err := SubscribeAll(conn, Identity{UserID: "u1", TenantID: "t1"}, DefaultChannels(),
		func(ChannelSpec, transport.Message) {})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, UnsubscribeAll(conn, subs))
}
