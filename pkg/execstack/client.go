// Package execstack is a Go client for the execution stack's StackControl
// gRPC service.
package execstack

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	listOrdersMethod = "/execstack.StackControl/ListOrders"
	cancelAllMethod  = "/execstack.StackControl/CancelAll"
	endOfDayMethod   = "/execstack.StackControl/EndOfDay"
)

// Order is an order as reported by the server.
type Order struct {
	ID              int64     `json:"id"`
	Level           string    `json:"level"`
	Strategy        string    `json:"strategy"`
	Instrument      string    `json:"instrument"`
	ContractIDs     []string  `json:"contract_ids"`
	Trade           int64     `json:"trade"`
	Fill            int64     `json:"fill"`
	FilledPrice     float64   `json:"filled_price"`
	Parent          int64     `json:"parent"`
	Children        []int64   `json:"children"`
	OrderType       string    `json:"order_type"`
	ControllingAlgo string    `json:"controlling_algo"`
	Locked          bool      `json:"locked"`
	BrokerRef       string    `json:"broker_ref"`
	CreatedAt       time.Time `json:"created_at"`
}

// CancelResult reports a cancel-all pass.
type CancelResult struct {
	Success     bool    `json:"success"`
	Confirmed   []int64 `json:"confirmed"`
	Outstanding []int64 `json:"outstanding"`
}

// TeardownResult reports an end-of-day teardown.
type TeardownResult struct {
	Cancel         CancelResult `json:"cancel"`
	FillsUpdated   int          `json:"fills_updated"`
	ForceCompleted int          `json:"force_completed"`
	Held           int          `json:"held"`
	FamiliesClosed int          `json:"families_closed"`
	Removed        int          `json:"removed"`
}

// Client calls the StackControl service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to the server at addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection if the client opened it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ListOrders returns the active orders on one stack level.
func (c *Client) ListOrders(ctx context.Context, level string) ([]Order, error) {
	req, err := structpb.NewStruct(map[string]any{"level": level})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listOrdersMethod, req, resp); err != nil {
		return nil, err
	}
	var out struct {
		Orders []Order `json:"orders"`
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// CancelAll cancels every working broker order and waits for confirmation.
func (c *Client) CancelAll(ctx context.Context) (*CancelResult, error) {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, cancelAllMethod, &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}
	var out CancelResult
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndOfDay runs the end-of-day teardown.
func (c *Client) EndOfDay(ctx context.Context) (*TeardownResult, error) {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, endOfDayMethod, &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}
	var out TeardownResult
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func decode(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
