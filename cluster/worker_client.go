// Package cluster – WorkerClient wraps the hand-registered MasterController
// gRPC service (controller.go) with a higher-level API tailored to
// crawlee-go nodes:
//
//   - ReportStatus    — one-shot call to report a session lifecycle change.
//   - BroadcastCookie — one-shot call to upload freshly obtained cookies.
//   - GetCookies      — fetch the current Global Cookie Jar snapshot.
//   - WatchCookies    — start a background goroutine that streams cookie
//     updates from the master and calls a handler function on each update.
//
// Each crawler process creates exactly one WorkerClient (pointing at the
// master's gRPC address) and shares it across all of its local sessions.
package cluster

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/crawlee-go/crawlee/cookiejar"
)

// jsonCallOption selects the JSON codec (codec.go) for every RPC made
// through WorkerClient, since no protoc-generated client stub exists to
// bind the "proto" codec by default.
var jsonCallOption = grpc.CallContentSubtype(codecName)

// WorkerClient is the client-side façade for the MasterController gRPC
// service. It is safe for concurrent use by many goroutines.
type WorkerClient struct {
	nodeID string
	conn   *grpc.ClientConn
}

// NewWorkerClient dials the master at addr and returns a ready WorkerClient.
// nodeID identifies this crawler process (e.g. "node-1", "node-2", ...).
//
// The connection uses plain-text gRPC (no TLS) which is appropriate for a
// trusted network. For internet-facing deployments replace
// insecure.NewCredentials with tls.NewClientTLSFromFile or similar.
func NewWorkerClient(nodeID, addr string, opts ...grpc.DialOption) (*WorkerClient, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	opts = append(defaults, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("worker client: dial %s: %w", addr, err)
	}
	return &WorkerClient{nodeID: nodeID, conn: conn}, nil
}

// Close tears down the underlying gRPC connection.
func (w *WorkerClient) Close() error {
	return w.conn.Close()
}

func (w *WorkerClient) fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// ReportStatus tells the master about a session lifecycle transition.
// state is one of "idle", "active", "challenge", "closed".
func (w *WorkerClient) ReportStatus(ctx context.Context, sessionID, state string) error {
	req := &updateStatusRequest{
		Status: &messageSessionStatus{
			SessionID: sessionID,
			NodeID:    w.nodeID,
			State:     state,
		},
	}
	resp := new(updateStatusResponse)
	if err := w.conn.Invoke(ctx, w.fullMethod("UpdateStatus"), req, resp, jsonCallOption); err != nil {
		return fmt.Errorf("worker client: report status session %s: %w", sessionID, err)
	}
	return nil
}

// BroadcastCookie uploads cookies obtained after solving a JS challenge. The
// master persists them in the Global Cookie Jar and pushes them to all
// subscribed nodes so they can start making authenticated requests
// immediately.
func (w *WorkerClient) BroadcastCookie(ctx context.Context, sessionID string, cookies []cookiejar.Cookie) error {
	msgCookies := make([]*messageCookie, 0, len(cookies))
	for _, c := range cookies {
		msgCookies = append(msgCookies, toMessageCookie(c))
	}

	req := &broadcastCookieRequest{
		NodeID:    w.nodeID,
		SessionID: sessionID,
		Cookies:   msgCookies,
	}
	resp := new(broadcastCookieResponse)
	if err := w.conn.Invoke(ctx, w.fullMethod("BroadcastCookie"), req, resp, jsonCallOption); err != nil {
		return fmt.Errorf("worker client: broadcast cookie: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("worker client: broadcast cookie: master rejected")
	}
	return nil
}

// GetCookies fetches a snapshot of the Global Cookie Jar from the master.
func (w *WorkerClient) GetCookies(ctx context.Context) ([]cookiejar.Cookie, error) {
	req := &getGlobalCookiesRequest{NodeID: w.nodeID}
	resp := new(getGlobalCookiesResponse)
	if err := w.conn.Invoke(ctx, w.fullMethod("GetGlobalCookies"), req, resp, jsonCallOption); err != nil {
		return nil, fmt.Errorf("worker client: get cookies: %w", err)
	}
	return messageCookiesToJar(resp.Cookies), nil
}

// watchCookiesStreamDesc mirrors controller.go's Streams entry for
// WatchCookies; client-side stream creation needs its own description since
// there is no generated client stub to carry it.
var watchCookiesStreamDesc = grpc.StreamDesc{
	StreamName:    "WatchCookies",
	ServerStreams: true,
}

// WatchCookies opens a streaming subscription and calls onUpdate every time
// the master pushes a fresh Global Cookie Jar snapshot. The goroutine exits
// when ctx is cancelled or the stream encounters a non-recoverable error.
//
// onUpdate is called from the background goroutine; if it blocks it will
// delay receipt of subsequent updates.
func (w *WorkerClient) WatchCookies(ctx context.Context, onUpdate func([]cookiejar.Cookie)) error {
	stream, err := w.conn.NewStream(ctx, &watchCookiesStreamDesc, w.fullMethod("WatchCookies"), jsonCallOption)
	if err != nil {
		return fmt.Errorf("worker client: open watch stream: %w", err)
	}
	if err := stream.SendMsg(&watchCookiesRequest{NodeID: w.nodeID}); err != nil {
		return fmt.Errorf("worker client: send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("worker client: close watch send: %w", err)
	}

	go func() {
		for {
			resp := new(getGlobalCookiesResponse)
			if err := stream.RecvMsg(resp); err != nil {
				return // context cancelled or server closed stream
			}
			onUpdate(messageCookiesToJar(resp.Cookies))
		}
	}()
	return nil
}

// messageCookiesToJar converts wire messageCookies to []cookiejar.Cookie,
// skipping cookies that are already expired.
func messageCookiesToJar(msgCookies []*messageCookie) []cookiejar.Cookie {
	out := make([]cookiejar.Cookie, 0, len(msgCookies))
	for _, c := range msgCookies {
		jc := c.toJarCookie()
		if jc.IsExpired(time.Now()) {
			continue
		}
		out = append(out, jc)
	}
	return out
}
