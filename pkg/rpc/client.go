package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/beacontrack/beacontrack/pkg"
)

// Client calls the Positioning service
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Query fetches the current position estimate
func (c *Client) Query(ctx context.Context, opts ...grpc.CallOption) (pkg.PositionEstimate, error) {
	var out structpb.Struct
	if err := c.cc.Invoke(ctx, QueryMethod, &emptypb.Empty{}, &out, opts...); err != nil {
		return pkg.PositionEstimate{}, err
	}
	f := out.GetFields()
	return pkg.PositionEstimate{
		X:         f["x"].GetNumberValue(),
		Y:         f["y"].GetNumberValue(),
		SessionID: f["session_id"].GetStringValue(),
	}, nil
}

// Configure publishes a new anchor configuration and returns its session ID
func (c *Client) Configure(ctx context.Context, anchors []pkg.AnchorConfig, exponent float64, opts ...grpc.CallOption) (string, error) {
	list := make([]interface{}, 0, len(anchors))
	for _, a := range anchors {
		list = append(list, map[string]interface{}{
			"id":              a.ID,
			"x":               a.Position.X,
			"y":               a.Position.Y,
			"reference_power": a.ReferencePower,
		})
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"anchors":            list,
		"path_loss_exponent": exponent,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	var out structpb.Struct
	if err := c.cc.Invoke(ctx, ConfigureMethod, req, &out, opts...); err != nil {
		return "", err
	}
	return out.GetFields()["session_id"].GetStringValue(), nil
}
