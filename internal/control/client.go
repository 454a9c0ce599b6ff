package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a remote SwarmControl service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to addr. The caller closes the returned
// connection.
//
// Postcondition: Returns a Client and its connection, or a non-nil error.
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to control api %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

// Start launches a swarm. values is nested like the YAML config file.
func (c *Client) Start(ctx context.Context, values map[string]any) (string, error) {
	req, err := structpb.NewStruct(values)
	if err != nil {
		return "", fmt.Errorf("encoding start request: %w", err)
	}
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, fullMethod("Start"), req, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) Stop(ctx context.Context, id string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Stop"), wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Status(ctx context.Context, id string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Status"), wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Pause holds session creation in swarm id and returns its status.
func (c *Client) Pause(ctx context.Context, id string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Pause"), wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Resume(ctx context.Context, id string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Resume"), wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Remove drops a stopped swarm from the daemon.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.cc.Invoke(ctx, fullMethod("Remove"), wrapperspb.String(id), new(emptypb.Empty))
}

// List returns the status of every swarm the daemon tracks, oldest first.
func (c *Client) List(ctx context.Context) ([]map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("List"), new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	items := out.GetFields()["swarms"].GetListValue().GetValues()
	list := make([]map[string]any, 0, len(items))
	for _, v := range items {
		list = append(list, v.GetStructValue().AsMap())
	}
	return list, nil
}

// Broadcast makes every active bot of swarm id send message.
func (c *Client) Broadcast(ctx context.Context, id, message string) (sent, failed int, err error) {
	req, err := structpb.NewStruct(map[string]any{"id": id, "message": message})
	if err != nil {
		return 0, 0, fmt.Errorf("encoding broadcast request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Broadcast"), req, out); err != nil {
		return 0, 0, err
	}
	f := out.GetFields()
	return int(f["sent"].GetNumberValue()), int(f["failed"].GetNumberValue()), nil
}
