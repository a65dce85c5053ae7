package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	return client, srv
}

func TestPublishSendsJSON(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "content-changed")
	require.NoError(t, err)

	pub := New(client, nil)
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(ctx, "content-changed", map[string]string{"url": "http://x/1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var body map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	assert.Equal(t, "http://x/1", body["url"])
}

func TestPublishRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	pub := New(client, nil)
	t.Cleanup(func() { _ = pub.Close() })

	_, err := pub.Publish(ctx, "", "x")
	require.Error(t, err)

	_, err = pub.Publish(ctx, "t", make(chan int))
	require.Error(t, err)

	_, err = New(nil, nil).Publish(ctx, "t", "x")
	require.Error(t, err)
}
