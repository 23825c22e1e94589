package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

var _ crawler.Publisher = (*Publisher)(nil)

func newTestPublisher(t *testing.T, topics ...string) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	for _, name := range topics {
		_, err := client.CreateTopic(ctx, name)
		require.NoError(t, err)
	}

	pub, err := New(client, "crawl-completed")
	require.NoError(t, err)
	t.Cleanup(pub.Close)
	return pub, srv
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t, "crawl-completed")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	event := crawler.JobCompletedEvent{
		JobID:    "job-1",
		Status:   crawler.JobStatusSucceeded,
		StartURL: "https://example.com/",
		Pages:    3,
	}
	id, err := pub.Publish(ctx, "", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)
	require.Contains(t, string(msgs[0].Data), `"job_id":"job-1"`)
	require.Equal(t, "succeeded", msgs[0].Attributes["status"])
	require.Equal(t, "job-1", msgs[0].Attributes["job_id"])
}

func TestPublishToMissingTopicFails(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := pub.Publish(ctx, "does-not-exist", map[string]string{"k": "v"})
	require.Error(t, err)
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "topic")
	require.Error(t, err)
}
