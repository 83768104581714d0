package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/soyeahso/switchboard/internal/dispatch"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(url string) string { return "ws" + strings.TrimPrefix(url, "http") + "/ws" }

func TestRemoteCallAndReply(t *testing.T) {
	srv, ts := testServer(t, WithStatus(fakeStatus{dispatch.Status{Mode: "serial-per-chat", Capacity: 3}}))
	srv.Channel().OnMessage(func(msg domain.InboundMessage) {
		go func() {
			_ = srv.Channel().Send(context.Background(), msg.Reply("echo: "+msg.Content.PlainText()))
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := Dial(ctx, wsURL(ts.URL), ClientInfo{ID: "cli"}, &ConnectAuth{Token: testToken})
	require.NoError(t, err)
	defer r.Close()
	assert.True(t, strings.HasPrefix(r.Hello().ChatID, "gateway_private_"))

	var st dispatch.Status
	require.NoError(t, r.Call(ctx, "status", nil, &st))
	assert.Equal(t, 3, st.Capacity)

	require.NoError(t, r.Call(ctx, "chat.send", chatSendParams{Message: "hi"}, nil))
	ev, err := r.WaitEvent(ctx, EventChatReply)
	require.NoError(t, err)
	var reply ChatReply
	require.NoError(t, json.Unmarshal(ev.Payload, &reply))
	assert.Equal(t, "echo: hi", reply.Content)
}

func TestRemoteErrors(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, wsURL(ts.URL), ClientInfo{ID: "cli"}, &ConnectAuth{Token: "wrong"})
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "unauthorized", re.Code)

	r, err := Dial(ctx, wsURL(ts.URL), ClientInfo{ID: "cli"}, &ConnectAuth{Token: testToken})
	require.NoError(t, err)
	defer r.Close()
	err = r.Call(ctx, "no.such.method", nil, nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "method_not_found", re.Code)
}

func TestRemoteWaitHonoursContext(t *testing.T) {
	_, ts := testServer(t)
	ctx := context.Background()
	r, err := Dial(ctx, wsURL(ts.URL), ClientInfo{ID: "cli"}, &ConnectAuth{Token: testToken})
	require.NoError(t, err)
	defer r.Close()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = r.WaitEvent(short, EventChatReply)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
