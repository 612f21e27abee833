package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/heysubinoy/kvapi/internal/auth"
)

// Client calls the kvapi.KV gRPC service.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewClient returns a client over conn. token is sent with mutations.
func NewClient(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{conn: conn, token: token}
}

// Get returns the value for id and whether a record exists. A record with a
// null value is reported as (nil, true).
func (c *Client) Get(ctx context.Context, id string) (*string, bool, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, GetMethod, wrapperspb.String(id), out); err != nil {
		return nil, false, err
	}
	fields := out.GetFields()
	found := fields[fieldFound].GetBoolValue()
	if s, ok := fields[fieldValue].GetKind().(*structpb.Value_StringValue); ok {
		return &s.StringValue, found, nil
	}
	return nil, found, nil
}

// Set upserts id. A nil value stores null.
func (c *Client) Set(ctx context.Context, id string, value *string) error {
	v := structpb.NewNullValue()
	if value != nil {
		v = structpb.NewStringValue(*value)
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldID:    structpb.NewStringValue(id),
		fieldValue: v,
	}}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.withToken(ctx), SetMethod, in, out); err != nil {
		return err
	}
	if st := out.GetFields()[fieldStatus].GetStringValue(); st != "ok" {
		return fmt.Errorf("unexpected set status %q", st)
	}
	return nil
}

// Delete removes id.
func (c *Client) Delete(ctx context.Context, id string) error {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.withToken(ctx), DeleteMethod, wrapperspb.String(id), out); err != nil {
		return err
	}
	if st := out.GetFields()[fieldStatus].GetStringValue(); st != "deleted" {
		return fmt.Errorf("unexpected delete status %q", st)
	}
	return nil
}

func (c *Client) withToken(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, auth.Header, c.token)
}
