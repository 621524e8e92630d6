package grpcclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// SendDataMethod is the forwarder's unary RPC. Request and response are
// google.protobuf.Struct: {device_id, payload} -> {success}.
const SendDataMethod = "/forwarder.Forwarder/SendData"

const sendTimeout = 5 * time.Second

type GRPCClient struct {
	conn *grpc.ClientConn
	log  *slog.Logger
}

func NewGRPCClient(addr string, lg *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCClient{conn: conn, log: lg.With("component", "grpcclient")}, nil
}

func (g *GRPCClient) Close() error {
	return g.conn.Close()
}

func (g *GRPCClient) SendData(ctx context.Context, deviceID, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"device_id": deviceID,
		"payload":   payload,
	})
	if err != nil {
		return err
	}

	res := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, SendDataMethod, req, res); err != nil {
		return fmt.Errorf("forwarder SendData: %w", err)
	}

	if !res.GetFields()["success"].GetBoolValue() {
		g.log.Warn("forwarder: failed to send data", "device", deviceID)
	}
	return nil
}
