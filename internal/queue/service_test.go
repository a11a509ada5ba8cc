package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ctoriola/orderly-fresh/internal/models"
	"github.com/ctoriola/orderly-fresh/internal/store"
	"github.com/ctoriola/orderly-fresh/internal/store/local"
)

func newTestService(t *testing.T) (*Service, store.Port) {
	t.Helper()
	st := local.NewMemory()
	svc := NewService(st, zap.NewNop(), Options{Retry: fastPolicy(25)})
	return svc, st
}

func issueTicket(t *testing.T, svc *Service, locationID string) models.Ticket {
	t.Helper()
	ticket, err := svc.IssueTicket(context.Background(), IssueTicketInput{LocationID: locationID})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	return ticket
}

func TestQueueScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Front Desk"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	if loc.NextTicketNumber != 1 || loc.CurrentServingNumber != 0 {
		t.Fatalf("unexpected fresh location counters: %+v", loc)
	}

	first := issueTicket(t, svc, loc.LocationID)
	second := issueTicket(t, svc, loc.LocationID)
	third := issueTicket(t, svc, loc.LocationID)
	for i, ticket := range []models.Ticket{first, second, third} {
		if ticket.TicketNumber != int64(i+1) {
			t.Fatalf("expected ticket number %d, got %d", i+1, ticket.TicketNumber)
		}
		if ticket.Status != models.StatusWaiting {
			t.Fatalf("expected waiting ticket, got %s", ticket.Status)
		}
	}

	view, err := svc.QueueView(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("queue view: %v", err)
	}
	if view.WaitingCount != 3 || view.CalledTicket != nil {
		t.Fatalf("expected 3 waiting and nobody called, got %+v", view)
	}

	if err := svc.DeleteLocation(ctx, loc.LocationID); !errors.Is(err, ErrLocationBusy) {
		t.Fatalf("expected ErrLocationBusy, got %v", err)
	}

	called, err := svc.CallNext(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.TicketNumber != 1 || called.Status != models.StatusCalled || called.CalledAt == nil {
		t.Fatalf("unexpected called ticket: %+v", called)
	}

	view, err = svc.QueueView(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("queue view: %v", err)
	}
	if view.CurrentServingNumber != 1 {
		t.Fatalf("expected serving number 1, got %d", view.CurrentServingNumber)
	}
	if view.CalledTicket == nil || view.CalledTicket.TicketNumber != 1 {
		t.Fatalf("expected called ticket 1, got %+v", view.CalledTicket)
	}
	if view.WaitingCount != 2 {
		t.Fatalf("expected 2 waiting, got %d", view.WaitingCount)
	}

	served, err := svc.MarkServed(ctx, called.TicketID)
	if err != nil {
		t.Fatalf("mark served: %v", err)
	}
	if served.Status != models.StatusServed || served.ServedAt == nil {
		t.Fatalf("unexpected served ticket: %+v", served)
	}

	calledSecond, err := svc.CallNext(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if calledSecond.TicketNumber != 2 {
		t.Fatalf("expected ticket 2 called, got %d", calledSecond.TicketNumber)
	}

	cancelled, err := svc.Cancel(ctx, third.TicketID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled ticket: %+v", cancelled)
	}

	if _, err := svc.CallNext(ctx, loc.LocationID); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}

	stats, err := svc.Stats(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.WaitingCount != 0 || stats.CalledCount != 1 || stats.ServedCount != 1 || stats.CancelledCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if _, err := svc.MarkServed(ctx, calledSecond.TicketID); err != nil {
		t.Fatalf("mark served: %v", err)
	}
	if err := svc.DeleteLocation(ctx, loc.LocationID); err != nil {
		t.Fatalf("delete location: %v", err)
	}
	if _, err := svc.GetLocation(ctx, loc.LocationID); !errors.Is(err, ErrLocationNotFound) {
		t.Fatalf("expected ErrLocationNotFound, got %v", err)
	}
	if _, err := svc.GetTicket(ctx, first.TicketID); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestIssueTicketConcurrent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Clinic"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	results := make(chan models.Ticket, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := svc.IssueTicket(ctx, IssueTicketInput{LocationID: loc.LocationID})
			if err != nil {
				errs <- err
				return
			}
			results <- ticket
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("issue ticket: %v", err)
	}

	seen := make(map[int64]bool, n)
	for ticket := range results {
		if seen[ticket.TicketNumber] {
			t.Fatalf("ticket number %d issued twice", ticket.TicketNumber)
		}
		seen[ticket.TicketNumber] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("ticket number %d missing", i)
		}
	}

	after, err := svc.GetLocation(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("get location: %v", err)
	}
	if after.NextTicketNumber != n+1 {
		t.Fatalf("expected next number %d, got %d", n+1, after.NextTicketNumber)
	}
}

func TestIssueTicketIdempotentReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Bakery"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}

	input := IssueTicketInput{LocationID: loc.LocationID, RequestID: "req-1", VisitorName: "Ada"}
	first, err := svc.IssueTicket(ctx, input)
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	replayed, err := svc.IssueTicket(ctx, input)
	if err != nil {
		t.Fatalf("replay issue: %v", err)
	}
	if replayed.TicketID != first.TicketID || replayed.TicketNumber != first.TicketNumber {
		t.Fatalf("expected replay of %s, got %s", first.TicketID, replayed.TicketID)
	}

	after, err := svc.GetLocation(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("get location: %v", err)
	}
	if after.NextTicketNumber != 2 {
		t.Fatalf("expected counter to advance once, got %d", after.NextTicketNumber)
	}
}

func TestInvalidTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Pharmacy"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	waiting := issueTicket(t, svc, loc.LocationID)

	if _, err := svc.MarkServed(ctx, waiting.TicketID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("serving a waiting ticket: expected ErrInvalidTransition, got %v", err)
	}

	called, err := svc.CallNext(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := svc.MarkServed(ctx, called.TicketID); err != nil {
		t.Fatalf("mark served: %v", err)
	}
	if _, err := svc.Cancel(ctx, called.TicketID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancelling a served ticket: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.MarkServed(ctx, called.TicketID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("serving twice: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := svc.GetTicket(ctx, "not-a-ticket-id"); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
	if _, err := svc.MarkServed(ctx, loc.LocationID+"-99"); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestSequenceExhausted(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Edge"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}

	rec, err := st.Get(ctx, locationKey(loc.LocationID))
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	loc.NextTicketNumber = math.MaxInt64
	value, err := json.Marshal(loc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := st.Put(ctx, rec.Key, value, rec.Version); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	if _, err := svc.IssueTicket(ctx, IssueTicketInput{LocationID: loc.LocationID}); !errors.Is(err, ErrSequenceExhausted) {
		t.Fatalf("expected ErrSequenceExhausted, got %v", err)
	}
}

type conflictPort struct {
	store.Port
}

func (conflictPort) Commit(ctx context.Context, writes ...store.Write) error {
	return store.ErrConflict
}

func TestIssueTicketContended(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Hot"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}

	contended := NewService(conflictPort{Port: st}, zap.NewNop(), Options{Retry: fastPolicy(3)})
	if _, err := contended.IssueTicket(ctx, IssueTicketInput{LocationID: loc.LocationID}); !errors.Is(err, ErrContended) {
		t.Fatalf("expected ErrContended, got %v", err)
	}
}

func TestTicketStatusPosition(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Deli"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	first := issueTicket(t, svc, loc.LocationID)
	issueTicket(t, svc, loc.LocationID)
	third := issueTicket(t, svc, loc.LocationID)

	status, err := svc.TicketStatus(ctx, third.TicketID)
	if err != nil {
		t.Fatalf("ticket status: %v", err)
	}
	if status.Position != 3 || status.EstimatedWaitMinutes != 15 {
		t.Fatalf("expected position 3 and wait 15, got %+v", status)
	}

	if _, err := svc.CallNext(ctx, loc.LocationID); err != nil {
		t.Fatalf("call next: %v", err)
	}

	status, err = svc.TicketStatus(ctx, third.TicketID)
	if err != nil {
		t.Fatalf("ticket status: %v", err)
	}
	if status.Position != 2 || status.EstimatedWaitMinutes != 10 {
		t.Fatalf("expected position 2 and wait 10, got %+v", status)
	}
	if status.CurrentServingNumber != 1 {
		t.Fatalf("expected serving number 1, got %d", status.CurrentServingNumber)
	}

	status, err = svc.TicketStatus(ctx, first.TicketID)
	if err != nil {
		t.Fatalf("ticket status: %v", err)
	}
	if status.Position != 0 || status.EstimatedWaitMinutes != 0 {
		t.Fatalf("called ticket should have no queue position, got %+v", status)
	}
}

func TestQueueViewTracksLatestCalled(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Bank"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	issueTicket(t, svc, loc.LocationID)
	issueTicket(t, svc, loc.LocationID)

	if _, err := svc.CallNext(ctx, loc.LocationID); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := svc.CallNext(ctx, loc.LocationID); err != nil {
		t.Fatalf("call next: %v", err)
	}

	view, err := svc.QueueView(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("queue view: %v", err)
	}
	if view.CurrentServingNumber != 2 {
		t.Fatalf("expected serving number 2, got %d", view.CurrentServingNumber)
	}
	if view.CalledTicket == nil || view.CalledTicket.TicketNumber != 2 {
		t.Fatalf("expected called ticket 2, got %+v", view.CalledTicket)
	}
	if view.WaitingCount != 0 {
		t.Fatalf("expected empty waiting list, got %d", view.WaitingCount)
	}
}

func TestDeleteLocationRemovesRequestRefs(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Old"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	ticket, err := svc.IssueTicket(ctx, IssueTicketInput{LocationID: loc.LocationID, RequestID: "req-keep"})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	if _, err := svc.Cancel(ctx, ticket.TicketID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.DeleteLocation(ctx, loc.LocationID); err != nil {
		t.Fatalf("delete location: %v", err)
	}

	refs, err := st.ListPrefix(ctx, requestPrefix)
	if err != nil {
		t.Fatalf("list refs: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected request refs to be removed, got %d", len(refs))
	}

	fresh, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "New"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	reused, err := svc.IssueTicket(ctx, IssueTicketInput{LocationID: fresh.LocationID, RequestID: "req-keep"})
	if err != nil {
		t.Fatalf("issue with reused request id: %v", err)
	}
	if reused.LocationID != fresh.LocationID {
		t.Fatalf("expected a fresh ticket in %s, got %+v", fresh.LocationID, reused)
	}
}

func TestCancelOverdueCalled(t *testing.T) {
	st := local.NewMemory()
	current := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(d)
	}
	svc := NewService(st, zap.NewNop(), Options{Retry: fastPolicy(5), Now: now})
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Lab"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	issueTicket(t, svc, loc.LocationID)
	issueTicket(t, svc, loc.LocationID)

	called, err := svc.CallNext(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}

	if n, err := svc.CancelOverdueCalled(ctx, 0, 10); err != nil || n != 0 {
		t.Fatalf("disabled grace should be a no-op, got n=%d err=%v", n, err)
	}

	advance(2 * time.Minute)
	if n, err := svc.CancelOverdueCalled(ctx, 5*time.Minute, 10); err != nil || n != 0 {
		t.Fatalf("ticket within grace should survive, got n=%d err=%v", n, err)
	}

	advance(4 * time.Minute)
	n, err := svc.CancelOverdueCalled(ctx, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("cancel overdue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled ticket, got %d", n)
	}

	after, err := svc.GetTicket(ctx, called.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if after.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", after.Status)
	}

	view, err := svc.QueueView(ctx, loc.LocationID)
	if err != nil {
		t.Fatalf("queue view: %v", err)
	}
	if view.WaitingCount != 1 {
		t.Fatalf("waiting ticket should be untouched, got %+v", view)
	}
}

func TestEventsEmitted(t *testing.T) {
	st := local.NewMemory()
	var mu sync.Mutex
	var types []string
	svc := NewService(st, zap.NewNop(), Options{
		Retry: fastPolicy(5),
		OnEvent: func(event Event) {
			mu.Lock()
			defer mu.Unlock()
			types = append(types, event.Type)
		},
	})
	ctx := context.Background()

	loc, err := svc.CreateLocation(ctx, CreateLocationInput{Name: "Events"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	ticket, err := svc.IssueTicket(ctx, IssueTicketInput{LocationID: loc.LocationID, RequestID: "req-ev"})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	if _, err := svc.IssueTicket(ctx, IssueTicketInput{LocationID: loc.LocationID, RequestID: "req-ev"}); err != nil {
		t.Fatalf("replay issue: %v", err)
	}
	if _, err := svc.CallNext(ctx, loc.LocationID); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := svc.MarkServed(ctx, ticket.TicketID); err != nil {
		t.Fatalf("mark served: %v", err)
	}
	if err := svc.DeleteLocation(ctx, loc.LocationID); err != nil {
		t.Fatalf("delete location: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"location.created", "ticket.created", "ticket.called", "ticket.served", "location.deleted"}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
}

func TestListLocationsSorted(t *testing.T) {
	st := local.NewMemory()
	current := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	svc := NewService(st, zap.NewNop(), Options{
		Retry: fastPolicy(5),
		Now: func() time.Time {
			current = current.Add(time.Second)
			return current
		},
	})
	ctx := context.Background()

	names := []string{"Gamma", "Alpha", "Beta"}
	for _, name := range names {
		if _, err := svc.CreateLocation(ctx, CreateLocationInput{Name: name}); err != nil {
			t.Fatalf("create location: %v", err)
		}
	}

	locations, err := svc.ListLocations(ctx)
	if err != nil {
		t.Fatalf("list locations: %v", err)
	}
	if len(locations) != 3 {
		t.Fatalf("expected 3 locations, got %d", len(locations))
	}
	for i, name := range names {
		if locations[i].Name != name {
			t.Fatalf("expected creation order %v, got %s at %d", names, locations[i].Name, i)
		}
	}
}
