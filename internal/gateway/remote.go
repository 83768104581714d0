package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// RemoteError is an error response returned by the gateway.
type RemoteError struct {
	Method string
	ErrorShape
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

// Remote is an authenticated gateway connection used by the CLI. It is
// not safe for concurrent calls.
type Remote struct {
	conn  *websocket.Conn
	hello HelloOK
	next  atomic.Int64
	// events read while waiting for a response, delivered by WaitEvent
	pending []Frame
}

// Dial connects to a gateway websocket endpoint and completes the
// handshake.
func Dial(ctx context.Context, url string, info ClientInfo, auth *ConnectAuth) (*Remote, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(maxPayload)
	r := &Remote{conn: conn}

	var challenge Frame
	if err := r.read(ctx, &challenge); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading challenge: %w", err)
	}
	if challenge.Event != EventChallenge {
		conn.Close()
		return nil, fmt.Errorf("expected %s, got %q", EventChallenge, challenge.Event)
	}

	resp, err := r.roundTrip(ctx, "connect", ConnectParams{Client: info, Auth: auth})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := json.Unmarshal(resp.Payload, &r.hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding hello: %w", err)
	}
	return r, nil
}

// Hello returns the handshake payload.
func (r *Remote) Hello() HelloOK { return r.hello }

// Call invokes method and decodes the response payload into out, which
// may be nil.
func (r *Remote) Call(ctx context.Context, method string, params, out any) error {
	resp, err := r.roundTrip(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Payload, out)
}

// WaitEvent blocks until an event named name arrives.
func (r *Remote) WaitEvent(ctx context.Context, name string) (Frame, error) {
	for i, f := range r.pending {
		if f.Event == name {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return f, nil
		}
	}
	for {
		var f Frame
		if err := r.read(ctx, &f); err != nil {
			return Frame{}, err
		}
		if f.Type == FrameTypeEvent && f.Event == name {
			return f, nil
		}
	}
}

// Close closes the connection.
func (r *Remote) Close() error {
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return r.conn.Close()
}

func (r *Remote) roundTrip(ctx context.Context, method string, params any) (Frame, error) {
	id := strconv.FormatInt(r.next.Add(1), 10)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return Frame{}, err
	}
	if err := r.conn.WriteJSON(req); err != nil {
		return Frame{}, fmt.Errorf("sending %s: %w", method, err)
	}
	for {
		var f Frame
		if err := r.read(ctx, &f); err != nil {
			return Frame{}, err
		}
		switch {
		case f.Type == FrameTypeEvent:
			r.pending = append(r.pending, f)
		case f.Type == FrameTypeResponse && f.ID == id:
			if f.OK == nil || !*f.OK {
				shape := ErrorShape{Code: "unknown", Message: "request failed"}
				if f.Error != nil {
					shape = *f.Error
				}
				return Frame{}, &RemoteError{Method: method, ErrorShape: shape}
			}
			return f, nil
		}
	}
}

// read decodes one frame, honouring ctx's deadline and cancellation.
func (r *Remote) read(ctx context.Context, f *Frame) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = r.conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := r.conn.ReadJSON(f); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
		return err
	}
	return nil
}
