package grpcserver

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote precorsia.Correlator.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Submit queues a run and returns its id. study may be partial.
func (c *Client) Submit(ctx context.Context, jobType string, study map[string]any) (string, error) {
	req := map[string]any{"type": jobType}
	if study != nil {
		req["study"] = study
	}
	out, err := c.invoke(ctx, "Submit", req)
	if err != nil {
		return "", err
	}
	id, _ := out["id"].(string)
	return id, nil
}

// GetRun fetches {run, result?}.
func (c *Client) GetRun(ctx context.Context, id string) (map[string]any, error) {
	return c.invoke(ctx, "GetRun", map[string]any{"id": id})
}

// ListRuns fetches the latest runs.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]any, error) {
	out, err := c.invoke(ctx, "ListRuns", map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	runs, _ := out["runs"].([]any)
	return runs, nil
}

// Wait blocks until run id finishes and returns its result body.
func (c *Client) Wait(ctx context.Context, id string) (map[string]any, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/Watch")
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := stream.RecvMsg(out); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return out.AsMap(), nil
}
