// Package cluster fans cookies and session-lifecycle state out across
// multiple crawler processes sharing one target site, so a challenge solved
// on one node is immediately usable by every other node.
//
// MasterControllerServer is the authoritative coordinator. It runs as a
// single gRPC server process and exposes five RPCs:
//
//   - BroadcastCookie  — a node that solved a JS/bot challenge uploads its
//     session cookies; the server stores them in the Global Cookie Jar and
//     fans them out to every active WatchCookies subscriber instantly.
//   - UpdateStatus     — nodes report session lifecycle transitions.
//   - GetGlobalCookies — returns a point-in-time snapshot of the jar.
//   - WatchCookies     — server-streaming RPC; subscribers receive a push
//     every time BroadcastCookie adds new cookies.
//   - GetAllStatus     — returns a snapshot of every tracked session.
//
// Thread-safety:
//   - The Global Cookie Jar is guarded by a sync.RWMutex; reads never block
//     each other so many nodes polling the jar concurrently is safe.
//   - Session state is stored in a sync.Map, eliminating map-lock contention
//     across goroutines.
//   - Subscriber list is guarded by a separate sync.Mutex; it is only
//     accessed on BroadcastCookie (write) and WatchCookies (connect/
//     disconnect), both infrequent relative to UpdateStatus.
//
// There is no generated protobuf service definition backing this package —
// messages are plain structs (messages.go) carried over grpc's pluggable
// codec mechanism with a JSON wire codec (codec.go) instead of protoc-gen-go
// bindings; see DESIGN.md for why.
package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/crawlee-go/crawlee/cookiejar"
)

// ─── Global Cookie Jar ───────────────────────────────────────────────────────

// cookieEntry is one cookie record in the jar.
type cookieEntry struct {
	Cookie   *messageCookie
	StoredAt time.Time
}

// GlobalCookieJar is a thread-safe store for session cookies that have been
// validated by any node in the cluster. The jar is keyed by cookie name so a
// later BroadcastCookie with the same name always replaces the older entry.
type GlobalCookieJar struct {
	mu      sync.RWMutex
	entries map[string]cookieEntry
	version atomic.Int64
}

// NewGlobalCookieJar creates an empty jar.
func NewGlobalCookieJar() *GlobalCookieJar {
	return &GlobalCookieJar{entries: make(map[string]cookieEntry)}
}

// Store saves cookies from the broadcast, increments the jar version, and
// returns the new version number.
func (j *GlobalCookieJar) Store(cookies []*messageCookie) int64 {
	j.mu.Lock()
	for _, c := range cookies {
		j.entries[c.Name] = cookieEntry{Cookie: c, StoredAt: time.Now()}
	}
	j.mu.Unlock()
	return j.version.Add(1)
}

// Snapshot returns a copy of all cookies and the current version atomically.
func (j *GlobalCookieJar) Snapshot() ([]*messageCookie, int64) {
	j.mu.RLock()
	out := make([]*messageCookie, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Cookie)
	}
	ver := j.version.Load()
	j.mu.RUnlock()
	return out, ver
}

// ToCookieJarCookies converts the jar contents to []cookiejar.Cookie for
// direct use with session.Session.CookieJar(). Expired cookies are omitted.
func (j *GlobalCookieJar) ToCookieJarCookies() []cookiejar.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	now := time.Now()
	out := make([]cookiejar.Cookie, 0, len(j.entries))
	for _, e := range j.entries {
		jc := e.Cookie.toJarCookie()
		if jc.IsExpired(now) {
			continue
		}
		out = append(out, jc)
	}
	return out
}

// ─── Subscriber management ───────────────────────────────────────────────────

// subscriber is an active WatchCookies stream.
type subscriber struct {
	nodeID string
	ch     chan *getGlobalCookiesResponse
}

// ─── MasterControllerServer ──────────────────────────────────────────────────

// MasterControllerServer fans cookies and session status out across nodes.
type MasterControllerServer struct {
	jar *GlobalCookieJar

	// sessions stores *messageSessionStatus values keyed by session ID.
	sessions sync.Map

	// subscribers holds active WatchCookies streams.
	subMu sync.Mutex
	subs  map[string]*subscriber // keyed by nodeID
}

// NewMasterControllerServer creates a ready-to-use server.
func NewMasterControllerServer() *MasterControllerServer {
	return &MasterControllerServer{
		jar:  NewGlobalCookieJar(),
		subs: make(map[string]*subscriber),
	}
}

// BroadcastCookie stores new cookies in the Global Cookie Jar and pushes them
// to every active WatchCookies subscriber.
func (s *MasterControllerServer) BroadcastCookie(
	_ context.Context, req *broadcastCookieRequest,
) (*broadcastCookieResponse, error) {
	if len(req.Cookies) == 0 {
		return nil, status.Error(codes.InvalidArgument, "cookies must not be empty")
	}

	ver := s.jar.Store(req.Cookies)
	cookies, _ := s.jar.Snapshot()
	resp := &getGlobalCookiesResponse{Cookies: cookies, Version: ver}

	s.subMu.Lock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- resp:
		default:
			// Subscriber is slow; drop rather than block BroadcastCookie.
		}
	}
	s.subMu.Unlock()

	return &broadcastCookieResponse{Accepted: true}, nil
}

// UpdateStatus records the latest lifecycle state for a session.
func (s *MasterControllerServer) UpdateStatus(
	_ context.Context, req *updateStatusRequest,
) (*updateStatusResponse, error) {
	if req.Status == nil {
		return nil, status.Error(codes.InvalidArgument, "status must not be nil")
	}
	s.sessions.Store(req.Status.SessionID, req.Status)
	return &updateStatusResponse{OK: true}, nil
}

// GetGlobalCookies returns a snapshot of the current Global Cookie Jar.
func (s *MasterControllerServer) GetGlobalCookies(
	_ context.Context, _ *getGlobalCookiesRequest,
) (*getGlobalCookiesResponse, error) {
	cookies, ver := s.jar.Snapshot()
	return &getGlobalCookiesResponse{Cookies: cookies, Version: ver}, nil
}

// WatchCookies subscribes the caller to Global Cookie Jar updates. The stream
// remains open until the client disconnects or the context is cancelled. A
// snapshot of the current jar is sent immediately so the subscriber is
// up-to-date before the first BroadcastCookie event arrives.
func (s *MasterControllerServer) WatchCookies(req *watchCookiesRequest, send func(*getGlobalCookiesResponse) error, ctx context.Context) error {
	if req.NodeID == "" {
		return status.Error(codes.InvalidArgument, "node_id must not be empty")
	}

	ch := make(chan *getGlobalCookiesResponse, 32)
	sub := &subscriber{nodeID: req.NodeID, ch: ch}

	s.subMu.Lock()
	s.subs[req.NodeID] = sub
	s.subMu.Unlock()

	defer func() {
		s.subMu.Lock()
		delete(s.subs, req.NodeID)
		s.subMu.Unlock()
	}()

	cookies, ver := s.jar.Snapshot()
	if err := send(&getGlobalCookiesResponse{Cookies: cookies, Version: ver}); err != nil {
		return fmt.Errorf("watch cookies: send initial snapshot: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-ch:
			if err := send(update); err != nil {
				return fmt.Errorf("watch cookies: send update: %w", err)
			}
		}
	}
}

// GetAllStatus returns a point-in-time snapshot of every tracked session.
func (s *MasterControllerServer) GetAllStatus(
	_ context.Context, _ *getAllStatusRequest,
) (*getAllStatusResponse, error) {
	var sessions []*messageSessionStatus
	s.sessions.Range(func(_, v any) bool {
		if st, ok := v.(*messageSessionStatus); ok {
			sessions = append(sessions, st)
		}
		return true
	})
	return &getAllStatusResponse{Sessions: sessions}, nil
}

// Jar exposes the underlying GlobalCookieJar for in-process consumers (e.g.
// tests and the dashboard).
func (s *MasterControllerServer) Jar() *GlobalCookieJar { return s.jar }

// SessionStatus is the exported, wire-format-independent view of a tracked
// session's lifecycle state, for in-process consumers (e.g. the dashboard)
// that shouldn't need to reach into the unexported gRPC message types.
type SessionStatus struct {
	SessionID string
	NodeID    string
	State     string
	UpdatedAt time.Time
}

// Sessions returns a point-in-time snapshot of every tracked session, for
// in-process consumers that don't need to go through the gRPC transport.
func (s *MasterControllerServer) Sessions() []SessionStatus {
	var out []SessionStatus
	s.sessions.Range(func(_, v any) bool {
		if st, ok := v.(*messageSessionStatus); ok {
			out = append(out, SessionStatus{
				SessionID: st.SessionID,
				NodeID:    st.NodeID,
				State:     st.State,
				UpdatedAt: st.UpdatedAt,
			})
		}
		return true
	})
	return out
}

// ─── Manual gRPC service registration ────────────────────────────────────────
//
// No .proto file or protoc-gen-go output exists for this service, so the
// ServiceDesc below is hand-written instead of generated — the same shape
// protoc-gen-go-grpc would emit, built against the plain structs in
// messages.go and decoded through the jsonCodec registered in codec.go.

const serviceName = "crawlee.cluster.MasterController"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MasterControllerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "BroadcastCookie",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(broadcastCookieRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				h := func(ctx context.Context, req any) (any, error) {
					return srv.(*MasterControllerServer).BroadcastCookie(ctx, req.(*broadcastCookieRequest))
				}
				if interceptor == nil {
					return h(ctx, req)
				}
				return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/BroadcastCookie"}, h)
			},
		},
		{
			MethodName: "UpdateStatus",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(updateStatusRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				h := func(ctx context.Context, req any) (any, error) {
					return srv.(*MasterControllerServer).UpdateStatus(ctx, req.(*updateStatusRequest))
				}
				if interceptor == nil {
					return h(ctx, req)
				}
				return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpdateStatus"}, h)
			},
		},
		{
			MethodName: "GetGlobalCookies",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(getGlobalCookiesRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				h := func(ctx context.Context, req any) (any, error) {
					return srv.(*MasterControllerServer).GetGlobalCookies(ctx, req.(*getGlobalCookiesRequest))
				}
				if interceptor == nil {
					return h(ctx, req)
				}
				return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetGlobalCookies"}, h)
			},
		},
		{
			MethodName: "GetAllStatus",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(getAllStatusRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				h := func(ctx context.Context, req any) (any, error) {
					return srv.(*MasterControllerServer).GetAllStatus(ctx, req.(*getAllStatusRequest))
				}
				if interceptor == nil {
					return h(ctx, req)
				}
				return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetAllStatus"}, h)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchCookies",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(watchCookiesRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(*MasterControllerServer).WatchCookies(req, func(resp *getGlobalCookiesResponse) error {
					return stream.SendMsg(resp)
				}, stream.Context())
			},
		},
	},
	Metadata: "cluster.proto", // no actual file; kept for tooling that inspects ServiceDesc.Metadata
}

// RegisterMasterControllerServer registers s on srv.
func RegisterMasterControllerServer(srv *grpc.Server, s *MasterControllerServer) {
	srv.RegisterService(&serviceDesc, s)
}

// ─── Server lifecycle ─────────────────────────────────────────────────────────

// ListenAndServe starts the gRPC server on addr (e.g. ":50051") and blocks
// until the provided context is cancelled. It closes the listener on return.
func ListenAndServe(ctx context.Context, addr string, opts ...grpc.ServerOption) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cluster: listen %s: %w", addr, err)
	}
	return serve(ctx, lis, NewMasterControllerServer(), opts...)
}

// ListenAndServeOn runs s on an already-open listener until it is closed or
// the server stops — used by tests that need a pre-bound address.
func ListenAndServeOn(lis net.Listener, s *MasterControllerServer, opts ...grpc.ServerOption) error {
	return serve(context.Background(), lis, s, opts...)
}

func serve(ctx context.Context, lis net.Listener, s *MasterControllerServer, opts ...grpc.ServerOption) error {
	srv := grpc.NewServer(opts...)
	RegisterMasterControllerServer(srv, s)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
