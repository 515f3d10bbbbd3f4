package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/replyflow/internal/runtime/completion"
	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	"github.com/drblury/replyflow/internal/runtime/correlation"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	"github.com/drblury/replyflow/transport/transporttest"
)

func publishedCompletions(t *testing.T, pub *transporttest.Publisher, topic string) []completion.Message {
	t.Helper()
	var out []completion.Message
	for _, msg := range pub.Published[topic] {
		m, err := completion.FromWatermill(msg)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestPublishCompletionValidation(t *testing.T) {
	ctx := context.Background()
	reply := completion.NewReply("tid-1", nil)

	assert.ErrorIs(t, PublishCompletion(ctx, nil, "topic", reply), errspkg.ErrPublisherRequired)
	assert.ErrorIs(t, PublishCompletion(ctx, &transporttest.Publisher{}, "", reply), errspkg.ErrTopicRequired)

	pub := &transporttest.Publisher{}
	require.NoError(t, PublishCompletion(ctx, pub, "topic", reply))
	require.Len(t, pub.Published["topic"], 1)
	assert.Equal(t, "tid-1", pub.Published["topic"][0].Metadata.Get(completion.MetadataTID))

	err := PublishCompletion(ctx, pub, "topic", completion.NewFailure("tid-1", ""))
	assert.ErrorIs(t, err, completion.ErrInvalidMessage)
}

func TestServiceCompletionHelpers(t *testing.T) {
	factory, pub, _ := fakeBus()
	svc := newTestService(t, &configpkg.Config{CompletionTopic: "done"}, ServiceDependencies{TransportFactory: factory})
	ctx := context.Background()

	require.NoError(t, svc.Reply(ctx, "t1", map[string]any{"ok": true}))
	require.NoError(t, svc.Login(ctx, "t2", "user-7", nil))
	require.NoError(t, svc.Fail(ctx, "t3", "unauthorized"))
	require.NoError(t, svc.Renew(ctx, "t4", "worker-1"))
	require.NoError(t, svc.PublishResult(ctx, "billing", "token-1", map[string]any{"paid": true}))
	require.NoError(t, svc.PublishEvent(ctx, "billing", "refresh", nil))

	got := publishedCompletions(t, pub, "done")
	require.Len(t, got, 6)

	assert.Equal(t, completion.KindReply, got[0].Kind)
	assert.Equal(t, true, got[0].Data["ok"])
	assert.Equal(t, completion.KindLogin, got[1].Kind)
	assert.Equal(t, "user-7", got[1].UserID)
	assert.Equal(t, completion.KindError, got[2].Kind)
	assert.Equal(t, "unauthorized", got[2].Code)
	assert.Equal(t, completion.KindRenewal, got[3].Kind)
	assert.Equal(t, "worker-1", got[3].WorkerID)
	assert.Equal(t, completion.KindResult, got[4].Kind)
	assert.Equal(t, "token-1", got[4].Token)
	assert.Equal(t, completion.KindEvent, got[5].Kind)
	assert.Equal(t, "refresh", got[5].Event)
}

func TestServiceCompletionHelpersRequireTID(t *testing.T) {
	factory, pub, _ := fakeBus()
	svc := newTestService(t, nil, ServiceDependencies{TransportFactory: factory})
	ctx := context.Background()

	assert.ErrorIs(t, svc.Reply(ctx, "", nil), errspkg.ErrTIDRequired)
	assert.ErrorIs(t, svc.Login(ctx, "", "u", nil), errspkg.ErrTIDRequired)
	assert.ErrorIs(t, svc.Fail(ctx, "", "x"), errspkg.ErrTIDRequired)
	assert.ErrorIs(t, svc.Renew(ctx, "", ""), errspkg.ErrTIDRequired)
	assert.Empty(t, pub.Published)
}

func TestReplyProtoUsesProtoNames(t *testing.T) {
	factory, pub, _ := fakeBus()
	svc := newTestService(t, nil, ServiceDependencies{TransportFactory: factory})

	reply, err := structpb.NewStruct(map[string]any{"order_id": "o-1", "items": 2})
	require.NoError(t, err)
	require.NoError(t, svc.ReplyProto(context.Background(), "t1", reply))

	got := publishedCompletions(t, pub, configpkg.DefaultCompletionTopic)
	require.Len(t, got, 1)
	assert.Equal(t, "o-1", got[0].Data["order_id"])
	assert.EqualValues(t, 2, got[0].Data["items"])
}

func TestPublishCompletionOnNilService(t *testing.T) {
	var svc *Service
	assert.Error(t, svc.PublishCompletion(context.Background(), completion.NewReply("t", nil)))
}

func TestPublishCompletionDeliversPendingExchangeLocally(t *testing.T) {
	factory, pub, _ := fakeBus()
	svc := newTestService(t, &configpkg.Config{CompletionTopic: "done"}, ServiceDependencies{TransportFactory: factory})
	ctx := context.Background()

	require.NoError(t, svc.acks.Register("tid-local"))
	res := make(chan correlation.Resolution, 1)
	go func() {
		res <- svc.acks.AwaitResolution(ctx, "tid-local", nil, time.Now().Add(2*time.Second))
	}()

	require.NoError(t, svc.Reply(ctx, "tid-local", map[string]any{"n": 1}))
	select {
	case r := <-res:
		assert.Equal(t, correlation.ResolvedReply, r.Kind)
		assert.Equal(t, 1, r.Reply["n"])
	case <-time.After(time.Second):
		t.Fatal("exchange did not resolve")
	}
	assert.Empty(t, pub.Published["done"])

	require.NoError(t, svc.Reply(ctx, "tid-local", nil))
	assert.Len(t, pub.Published["done"], 1, "completions for unknown tids go to the bus")
}
