package grpcclient

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"locsrc-svr/internal/observability"
)

type forwarderServer interface {
	SendData(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type fakeForwarder struct {
	mu   sync.Mutex
	got  []*structpb.Struct
	fail bool
}

func (f *fakeForwarder) SendData(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	return structpb.NewStruct(map[string]any{"success": !f.fail})
}

var forwarderDesc = grpc.ServiceDesc{
	ServiceName: "forwarder.Forwarder",
	HandlerType: (*forwarderServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "SendData",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			req := &structpb.Struct{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(forwarderServer).SendData(ctx, req)
		},
	}},
}

func startForwarder(t *testing.T, impl *fakeForwarder) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&forwarderDesc, impl)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewGRPCClient("passthrough:///bufnet", observability.Discard(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendData(t *testing.T) {
	impl := &fakeForwarder{}
	c := startForwarder(t, impl)

	require.NoError(t, c.SendData(context.Background(), "dev1", `{"position":true}`))

	impl.mu.Lock()
	defer impl.mu.Unlock()
	require.Len(t, impl.got, 1)
	assert.Equal(t, "dev1", impl.got[0].GetFields()["device_id"].GetStringValue())
	assert.Equal(t, `{"position":true}`, impl.got[0].GetFields()["payload"].GetStringValue())
}

func TestSendData_UnsuccessfulIsNotAnError(t *testing.T) {
	c := startForwarder(t, &fakeForwarder{fail: true})
	assert.NoError(t, c.SendData(context.Background(), "dev1", "{}"))
}

func TestSendData_Canceled(t *testing.T) {
	c := startForwarder(t, &fakeForwarder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.SendData(ctx, "dev1", "{}"))
}
