package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSPublisher_Subjects(t *testing.T) {
	p := NewNATSPublisher(nil, "", nil)
	assert.Equal(t, "storybook.p1.segment.failed", p.SegmentSubject("p1", manuscript.StatusFailed))
	assert.Equal(t, "storybook.my_book_v2.phase", p.PhaseSubject("my book.v2"))
	assert.Equal(t, "storybook._.run.completed", p.RunSubject(""))
}

func TestNATSPublisher_PublishesEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 8)
	sub, err := nc.ChanSubscribe("storybook.p1.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	p := NewNATSPublisher(nc, DefaultSubjectPrefix, nil)
	ctx := context.Background()

	require.NoError(t, p.PublishSegment(ctx, SegmentEvent{
		ProjectID: "p1",
		RunID:     "run-1",
		Stage:     manuscript.StageImprovement,
		Index:     3,
		Status:    manuscript.StatusSucceeded,
		Attempt:   1,
	}))
	require.NoError(t, p.PublishPhase(ctx, PhaseEvent{ProjectID: "p1", From: manuscript.PhaseImprovement, To: manuscript.PhaseFinalization}))
	require.NoError(t, p.PublishRun(ctx, RunEvent{ProjectID: "p1", RunID: "run-1", Succeeded: 4, Failed: 1}))
	require.NoError(t, nc.Flush())

	received := map[string][]byte{}
	for len(received) < 3 {
		select {
		case m := <-msgs:
			received[m.Subject] = m.Data
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for events, got %d", len(received))
		}
	}

	var seg SegmentEvent
	require.NoError(t, json.Unmarshal(received["storybook.p1.segment.succeeded"], &seg))
	assert.Equal(t, 3, seg.Index)
	assert.Equal(t, "run-1", seg.RunID)

	var phase PhaseEvent
	require.NoError(t, json.Unmarshal(received["storybook.p1.phase"], &phase))
	assert.Equal(t, manuscript.PhaseFinalization, phase.To)

	var run RunEvent
	require.NoError(t, json.Unmarshal(received["storybook.p1.run.completed"], &run))
	assert.Equal(t, 4, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
}

func TestNATSPublisher_ClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	p := NewNATSPublisher(nc, "", nil)
	err = p.PublishPhase(context.Background(), PhaseEvent{ProjectID: "p1"})
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.PublishSegment(context.Background(), SegmentEvent{}))
	assert.NoError(t, p.PublishPhase(context.Background(), PhaseEvent{}))
	assert.NoError(t, p.PublishRun(context.Background(), RunEvent{}))
}
