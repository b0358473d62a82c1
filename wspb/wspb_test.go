package wspb_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	"github.com/golang/protobuf/ptypes/duration"

	"nhooyr.io/wsproto"
	"nhooyr.io/wsproto/internal/test/assert"
	"nhooyr.io/wsproto/internal/test/wstest"
	"nhooyr.io/wsproto/internal/xsync"
	"nhooyr.io/wsproto/wspb"
)

func TestProtobuf(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	client, server, err := wstest.Pipe(ctx)
	assert.Success(t, err)
	defer client.Close()
	defer server.Close()

	go wstest.EchoLoop(ctx, server)

	exp := ptypes.DurationProto(100)
	err = wspb.Write(ctx, client, exp)
	assert.Success(t, err)

	act := &duration.Duration{}
	err = wspb.Read(ctx, client, act)
	assert.Success(t, err)
	if !proto.Equal(exp, act) {
		t.Fatalf("unexpected duration: %v", act)
	}

	writeErr := xsync.Go(func() error {
		return client.Send(ctx, wsproto.TextMessage("not protobuf"))
	})
	err = wspb.Read(ctx, client, act)
	assert.Contains(t, err, "expected binary message")
	assert.Success(t, <-writeErr)
}
