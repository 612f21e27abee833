package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/heysubinoy/kvapi/internal/auth"
	"github.com/heysubinoy/kvapi/internal/logging"
	"github.com/heysubinoy/kvapi/internal/store"
	"github.com/heysubinoy/kvapi/pkg/kv"
)

// startGRPC serves backend over an in-memory listener and returns a
// connection to it.
func startGRPC(t *testing.T, backend kv.Store) *grpc.ClientConn {
	t.Helper()
	return serveGRPC(t, NewGRPCServer(store.New(backend)))
}

func serveGRPC(t *testing.T, kvServer *GRPCServer) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(AuthInterceptor(auth.NewGate(testToken))))
	RegisterKVServer(srv, kvServer)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := status.Code(err); got != code {
		t.Fatalf("code = %v (err %v), want %v", got, err, code)
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	client := NewClient(startGRPC(t, store.NewMemStore()), testToken)
	ctx := context.Background()

	if err := client.Set(ctx, "bike1", kv.String("42")); err != nil {
		t.Fatal(err)
	}
	v, found, err := client.Get(ctx, "bike1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || v == nil || *v != "42" {
		t.Fatalf("Get = (%v, %v), want (42, true)", v, found)
	}

	if err := client.Delete(ctx, "bike1"); err != nil {
		t.Fatal(err)
	}
	v, found, err = client.Get(ctx, "bike1")
	if err != nil {
		t.Fatal(err)
	}
	if found || v != nil {
		t.Fatalf("after delete Get = (%v, %v), want (nil, false)", v, found)
	}
}

func TestGRPCNullValue(t *testing.T) {
	client := NewClient(startGRPC(t, store.NewMemStore()), testToken)
	ctx := context.Background()

	if err := client.Set(ctx, "n", nil); err != nil {
		t.Fatal(err)
	}
	v, found, err := client.Get(ctx, "n")
	if err != nil {
		t.Fatal(err)
	}
	if !found || v != nil {
		t.Fatalf("Get = (%v, %v), want (nil, true)", v, found)
	}
}

func TestGRPCRequiresToken(t *testing.T) {
	backend := store.NewMemStore()
	conn := startGRPC(t, backend)
	ctx := context.Background()

	for _, token := range []string{"", "wrong"} {
		client := NewClient(conn, token)
		wantCode(t, client.Set(ctx, "a", kv.String("1")), codes.Unauthenticated)
		wantCode(t, client.Delete(ctx, "a"), codes.Unauthenticated)
	}
	if backend.Len() != 0 {
		t.Fatal("rejected rpc changed the store")
	}

	// Reads are open.
	if _, _, err := NewClient(conn, "").Get(ctx, "a"); err != nil {
		t.Fatalf("unauthenticated Get: %v", err)
	}
}

func TestGRPCMissingID(t *testing.T) {
	client := NewClient(startGRPC(t, store.NewMemStore()), testToken)
	ctx := context.Background()

	_, _, err := client.Get(ctx, "")
	wantCode(t, err, codes.InvalidArgument)
	wantCode(t, client.Set(ctx, "", kv.String("v")), codes.InvalidArgument)
	wantCode(t, client.Delete(ctx, ""), codes.InvalidArgument)
}

func TestGRPCBackendErrors(t *testing.T) {
	defer logging.CaptureForTest().Restore()
	ctx := context.Background()

	client := NewClient(startGRPC(t, brokenStore{err: kv.ErrBackendFailed}), testToken)
	err := client.Set(ctx, "a", kv.String("1"))
	wantCode(t, err, codes.Internal)
	if msg := status.Convert(err).Message(); msg != "db error" {
		t.Fatalf("message = %q, want db error", msg)
	}

	client = NewClient(startGRPC(t, brokenStore{err: kv.ErrUnavailable}), testToken)
	_, _, err = client.Get(ctx, "a")
	wantCode(t, err, codes.Unavailable)
}

func TestGRPCNotLeaderNamesLeader(t *testing.T) {
	kvServer := NewGRPCServer(store.New(brokenStore{err: kv.ErrNotLeader}))
	kvServer.Raft = &fakeRaft{addr: "10.0.0.1:7000"}
	conn := serveGRPC(t, kvServer)

	err := NewClient(conn, testToken).Set(context.Background(), "a", kv.String("1"))
	wantCode(t, err, codes.Unavailable)
	leader, ok := NotLeader(err)
	if !ok || leader != "10.0.0.1:7000" {
		t.Fatalf("NotLeader = (%q, %v), want (10.0.0.1:7000, true)", leader, ok)
	}
	if leader, ok := NotLeader(fmt.Errorf("set failed: %w", err)); !ok || leader != "10.0.0.1:7000" {
		t.Fatalf("wrapped NotLeader = (%q, %v)", leader, ok)
	}
}

func TestNotLeaderIgnoresOtherErrors(t *testing.T) {
	for _, err := range []error{
		nil,
		errors.New("boom"),
		status.Error(codes.Unavailable, "db error"),
		status.Error(codes.Internal, "db error"),
	} {
		if _, ok := NotLeader(err); ok {
			t.Errorf("NotLeader(%v) = true", err)
		}
	}
	if leader, ok := NotLeader(notLeaderError("")); !ok || leader != "" {
		t.Errorf("NotLeader without leader = (%q, %v), want (\"\", true)", leader, ok)
	}
}

func TestValueFromStruct(t *testing.T) {
	tests := []struct {
		in   *structpb.Value
		want *string
	}{
		{nil, nil},
		{structpb.NewNullValue(), nil},
		{structpb.NewStringValue(""), kv.String("")},
		{structpb.NewStringValue("x"), kv.String("x")},
		{structpb.NewNumberValue(42), kv.String("42")},
		{structpb.NewBoolValue(true), kv.String("true")},
	}
	for _, tt := range tests {
		got, err := valueFromStruct(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("valueFromStruct(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
