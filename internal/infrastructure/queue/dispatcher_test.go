package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/session-auth/internal/core/domain"
)

type captureRepo struct {
	mu        sync.Mutex
	events    []domain.SessionEvent
	failFirst int
	block     chan struct{}
}

func (r *captureRepo) InsertEvent(_ context.Context, e *domain.SessionEvent) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFirst > 0 {
		r.failFirst--
		return errors.New("boom")
	}
	r.events = append(r.events, *e)
	return nil
}

func (r *captureRepo) snapshot() []domain.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SessionEvent(nil), r.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestDispatcher_PreservesPerUserOrder(t *testing.T) {
	repo := &captureRepo{}
	d := NewDispatcher(4, repo, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	kinds := []domain.SessionEventKind{
		domain.EventSessionCreated,
		domain.EventSessionRefreshed,
		domain.EventSessionRevoked,
	}
	for _, k := range kinds {
		d.Record(domain.SessionEvent{Kind: k, UserID: "u-1", SessionID: "s-1"})
	}

	waitFor(t, func() bool { return len(repo.snapshot()) == len(kinds) })
	cancel()
	d.Wait()

	for i, e := range repo.snapshot() {
		if e.Kind != kinds[i] {
			t.Fatalf("event %d: got %s want %s", i, e.Kind, kinds[i])
		}
	}
}

func TestDispatcher_ShardIndexDeterministic(t *testing.T) {
	d := NewDispatcher(8, &captureRepo{}, zerolog.Nop())
	for _, key := range []string{"u-1", "u-2", "10.0.0.1", ""} {
		a, b := d.shardIndex(key), d.shardIndex(key)
		if a != b || a < 0 || a >= 8 {
			t.Fatalf("bad shard index for %q: %d %d", key, a, b)
		}
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	repo := &captureRepo{block: make(chan struct{})}
	d := NewDispatcher(1, repo, zerolog.Nop())

	// Not started: nothing drains the buffer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < channelBuffer+10; i++ {
			d.Record(domain.SessionEvent{Kind: domain.EventLoginFailed, IPAddress: "10.0.0.1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Record blocked on a full queue")
	}
	if got := len(d.workers[0]); got != channelBuffer {
		t.Fatalf("expected full buffer of %d, got %d", channelBuffer, got)
	}
	close(repo.block)
}

func TestDispatcher_InsertFailureDoesNotStopWorker(t *testing.T) {
	repo := &captureRepo{failFirst: 1}
	d := NewDispatcher(1, repo, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	d.Record(domain.SessionEvent{Kind: domain.EventSessionCreated, UserID: "u-1"})
	d.Record(domain.SessionEvent{Kind: domain.EventSessionRevoked, UserID: "u-1"})
	waitFor(t, func() bool { return len(repo.snapshot()) == 1 })

	cancel()
	d.Wait()

	if got := repo.snapshot()[0].Kind; got != domain.EventSessionRevoked {
		t.Fatalf("expected the second event to be stored, got %s", got)
	}
}
