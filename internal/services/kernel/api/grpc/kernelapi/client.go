package kernelapi

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
)

// Client calls the kernel service over a gRPC connection. Responses are
// returned as plain maps in the shape the service documents; failures come
// back as kernel errors rebuilt from the gRPC status.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client on conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with the given request fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("kernel client is not connected")
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, apperrors.FromGRPC(err)
	}
	return out.AsMap(), nil
}

// Dispatch runs a mutating invocation and returns the module output.
func (c *Client) Dispatch(ctx context.Context, moduleID string, payload []byte, amount string) ([]byte, error) {
	return c.dispatch(ctx, MethodDispatch, map[string]any{
		"module_id": moduleID,
		"payload":   EncodePayload(payload),
		"amount":    amount,
	})
}

// DispatchReadOnly runs a read-only invocation and returns the module output.
func (c *Client) DispatchReadOnly(ctx context.Context, moduleID string, payload []byte) ([]byte, error) {
	return c.dispatch(ctx, MethodDispatchReadOnly, map[string]any{
		"module_id": moduleID,
		"payload":   EncodePayload(payload),
	})
}

// Credit mints amount into principal's balance and returns the new balance.
func (c *Client) Credit(ctx context.Context, principal, amount string) (string, error) {
	resp, err := c.Call(ctx, MethodCreditResources, map[string]any{"principal": principal, "amount": amount})
	if err != nil {
		return "", err
	}
	balance, _ := resp["balance"].(string)
	return balance, nil
}

// Balance returns principal's balance in base 10.
func (c *Client) Balance(ctx context.Context, principal string) (string, error) {
	resp, err := c.Call(ctx, MethodGetBalance, map[string]any{"principal": principal})
	if err != nil {
		return "", err
	}
	balance, _ := resp["balance"].(string)
	return balance, nil
}

func (c *Client) dispatch(ctx context.Context, method string, req map[string]any) ([]byte, error) {
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		return nil, err
	}
	encoded, _ := resp["output"].(string)
	out, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", method, err)
	}
	return out, nil
}

// EncodePayload encodes bytes for a payload field.
func EncodePayload(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}
