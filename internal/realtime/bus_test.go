package realtime

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/domain"
)

func event(kind domain.ChangeKind, id, owner string, status domain.ImageStatus) domain.ChangeEvent {
	return domain.ChangeEvent{Kind: kind, Record: domain.Image{
		ID:        id,
		OwnerID:   owner,
		Status:    status,
		UpdatedAt: time.Now(),
	}}
}

func collector() (Callback, chan domain.ProcessingUpdate) {
	ch := make(chan domain.ProcessingUpdate, 16)
	return func(u domain.ProcessingUpdate) { ch <- u }, ch
}

func receive(t *testing.T, ch chan domain.ProcessingUpdate) domain.ProcessingUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for update")
	}
	return domain.ProcessingUpdate{}
}

func expectNone(t *testing.T, ch chan domain.ProcessingUpdate) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFanOutExactlyOncePerScope(t *testing.T) {
	feed := NewMemoryFeed()
	bus := NewBus(feed, zerolog.Nop())
	defer bus.Close()

	imgCB, imgCh := collector()
	userCB, userCh := collector()
	allCB, allCh := collector()
	if _, err := bus.SubscribeToImage("img-1", imgCB); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.SubscribeToUser("user-1", userCB); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.SubscribeToAllProcessing(allCB); err != nil {
		t.Fatal(err)
	}

	feed.Publish(event(domain.ChangeUpdate, "img-1", "user-1", domain.StatusProcessing))

	for _, ch := range []chan domain.ProcessingUpdate{imgCh, userCh, allCh} {
		u := receive(t, ch)
		if u.ImageID != "img-1" || u.Status != domain.StatusProcessing || u.Progress != 50 {
			t.Fatalf("unexpected update %+v", u)
		}
	}
	for _, ch := range []chan domain.ProcessingUpdate{imgCh, userCh, allCh} {
		expectNone(t, ch)
	}
}

func TestScopesIgnoreOtherRecords(t *testing.T) {
	feed := NewMemoryFeed()
	bus := NewBus(feed, zerolog.Nop())
	defer bus.Close()

	imgCB, imgCh := collector()
	userCB, userCh := collector()
	bus.SubscribeToImage("img-1", imgCB)
	bus.SubscribeToUser("user-1", userCB)

	feed.Publish(event(domain.ChangeUpdate, "img-2", "user-2", domain.StatusCompleted))
	expectNone(t, imgCh)
	expectNone(t, userCh)
}

func TestUnsubscribeTearsDownConnection(t *testing.T) {
	feed := NewMemoryFeed()
	bus := NewBus(feed, zerolog.Nop())
	defer bus.Close()

	cb1, ch1 := collector()
	cb2, ch2 := collector()
	unsub1, err := bus.SubscribeToUser("user-1", cb1)
	if err != nil {
		t.Fatal(err)
	}
	unsub2, err := bus.SubscribeToUser("user-1", cb2)
	if err != nil {
		t.Fatal(err)
	}
	if got := bus.Connections(); !reflect.DeepEqual(got, []string{"user:user-1"}) {
		t.Fatalf("connections = %v", got)
	}
	if feed.Connections() != 1 {
		t.Fatalf("two callbacks in one scope must share a connection, got %d", feed.Connections())
	}

	unsub1()
	unsub1()
	if feed.Connections() != 1 {
		t.Fatalf("connection closed while a callback remains")
	}
	feed.Publish(event(domain.ChangeUpdate, "img-1", "user-1", domain.StatusCompleted))
	receive(t, ch2)
	expectNone(t, ch1)

	unsub2()
	if len(bus.Connections()) != 0 || feed.Connections() != 0 {
		t.Fatalf("last unsubscribe must close the connection: bus=%v feed=%d", bus.Connections(), feed.Connections())
	}
	feed.Publish(event(domain.ChangeUpdate, "img-1", "user-1", domain.StatusCompleted))
	expectNone(t, ch2)
}

func TestCallbackPanicDoesNotStopDelivery(t *testing.T) {
	feed := NewMemoryFeed()
	bus := NewBus(feed, zerolog.Nop())
	defer bus.Close()

	bus.SubscribeToImage("img-1", func(domain.ProcessingUpdate) { panic("boom") })
	cb, ch := collector()
	bus.SubscribeToImage("img-1", cb)

	feed.Publish(event(domain.ChangeUpdate, "img-1", "user-1", domain.StatusFailed))
	receive(t, ch)
	feed.Publish(event(domain.ChangeUpdate, "img-1", "user-1", domain.StatusPending))
	if u := receive(t, ch); u.Status != domain.StatusPending {
		t.Fatalf("status = %s", u.Status)
	}
	if got := bus.Stats().Panics; got != 2 {
		t.Fatalf("panics = %d, want 2", got)
	}
}

func TestDeleteBecomesDeletedUpdate(t *testing.T) {
	feed := NewMemoryFeed()
	bus := NewBus(feed, zerolog.Nop())
	defer bus.Close()

	cb, ch := collector()
	bus.SubscribeToUser("user-1", cb)
	feed.Publish(event(domain.ChangeDelete, "img-1", "user-1", domain.StatusCompleted))
	u := receive(t, ch)
	if u.Status != domain.StatusDeleted || u.Progress != 0 {
		t.Fatalf("unexpected delete update %+v", u)
	}
	if len(u.Tags) != 0 {
		t.Fatalf("deleted updates carry no analysis")
	}
}

func TestPerImageOrderIsPreserved(t *testing.T) {
	feed := NewMemoryFeed()
	bus := NewBus(feed, zerolog.Nop())
	defer bus.Close()

	cb, ch := collector()
	bus.SubscribeToImage("img-1", cb)
	seq := []domain.ImageStatus{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted}
	for _, s := range seq {
		feed.Publish(event(domain.ChangeUpdate, "img-1", "user-1", s))
	}
	for _, want := range seq {
		if got := receive(t, ch).Status; got != want {
			t.Fatalf("got %s, want %s", got, want)
		}
	}
}

func TestCompletedUpdateCarriesAnalysis(t *testing.T) {
	feed := NewMemoryFeed()
	bus := NewBus(feed, zerolog.Nop())
	defer bus.Close()

	cb, ch := collector()
	bus.SubscribeToAllProcessing(cb)
	ev := event(domain.ChangeUpdate, "img-1", "user-1", domain.StatusCompleted)
	ev.Record.Tags = []string{"cat", "pet"}
	ev.Record.Description = "A cat"
	ev.Record.DominantColors = []string{"#112233"}
	feed.Publish(ev)

	u := receive(t, ch)
	if !reflect.DeepEqual(u.Tags, []string{"cat", "pet"}) || u.Description != "A cat" || u.Progress != 100 {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestInvalidSubscriptions(t *testing.T) {
	bus := NewBus(NewMemoryFeed(), zerolog.Nop())
	if _, err := bus.SubscribeToImage("", func(domain.ProcessingUpdate) {}); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("empty image id err = %v", err)
	}
	if _, err := bus.SubscribeToUser("u", nil); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("nil callback err = %v", err)
	}
	bus.Close()
	if _, err := bus.SubscribeToAllProcessing(func(domain.ProcessingUpdate) {}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("closed bus err = %v", err)
	}
}

type failingFeed struct{}

func (failingFeed) Listen(context.Context, Filter, Handler) (Connection, error) {
	return nil, errors.New("dial refused")
}

func TestListenFailureRegistersNothing(t *testing.T) {
	bus := NewBus(failingFeed{}, zerolog.Nop())
	if _, err := bus.SubscribeToUser("user-1", func(domain.ProcessingUpdate) {}); err == nil {
		t.Fatalf("expected error")
	}
	if len(bus.Connections()) != 0 {
		t.Fatalf("failed scope must not be registered")
	}
}

func TestCloseClosesConnections(t *testing.T) {
	feed := NewMemoryFeed()
	bus := NewBus(feed, zerolog.Nop())
	bus.SubscribeToImage("a", func(domain.ProcessingUpdate) {})
	bus.SubscribeToUser("b", func(domain.ProcessingUpdate) {})
	if feed.Connections() != 2 {
		t.Fatalf("feed connections = %d", feed.Connections())
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if feed.Connections() != 0 {
		t.Fatalf("feed connections after close = %d", feed.Connections())
	}
}
