// Package queue implements the ticket engine on top of the storage port.
// Every mutation is a conditional commit against the record versions read
// at the start of the attempt. Contention is resolved by re-reading and
// retrying instead of in-process locks, so any number of processes can
// share one backing store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ctoriola/orderly-fresh/internal/models"
	"github.com/ctoriola/orderly-fresh/internal/store"
)

const minutesPerVisitor = 5

type CreateLocationInput struct {
	Name        string
	Description string
	Capacity    int
}

type IssueTicketInput struct {
	LocationID  string
	RequestID   string
	VisitorName string
	Phone       string
	Notes       string
}

// Event describes a state change worth pushing to subscribed clients.
type Event struct {
	Type       string         `json:"type"`
	LocationID string         `json:"location_id"`
	Ticket     *models.Ticket `json:"ticket,omitempty"`
}

type API interface {
	CreateLocation(ctx context.Context, input CreateLocationInput) (models.Location, error)
	GetLocation(ctx context.Context, locationID string) (models.Location, error)
	ListLocations(ctx context.Context) ([]models.Location, error)
	DeleteLocation(ctx context.Context, locationID string) error
	IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, error)
	CallNext(ctx context.Context, locationID string) (models.Ticket, error)
	MarkServed(ctx context.Context, ticketID string) (models.Ticket, error)
	Cancel(ctx context.Context, ticketID string) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	TicketStatus(ctx context.Context, ticketID string) (models.TicketStatus, error)
	QueueView(ctx context.Context, locationID string) (models.QueueView, error)
	Stats(ctx context.Context, locationID string) (models.LocationStats, error)
}

type Options struct {
	Retry   RetryPolicy
	Now     func() time.Time
	OnEvent func(Event)
}

type Service struct {
	store   store.Port
	log     *zap.Logger
	retry   RetryPolicy
	now     func() time.Time
	onEvent func(Event)
}

func NewService(st store.Port, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:   st,
		log:     log,
		retry:   opts.Retry.withDefaults(),
		now:     now,
		onEvent: opts.OnEvent,
	}
}

func (s *Service) CreateLocation(ctx context.Context, input CreateLocationInput) (models.Location, error) {
	loc, err := retryConditional(ctx, s.retry, func() (models.Location, error) {
		loc := models.Location{
			LocationID:           models.NewLocationID(),
			Name:                 input.Name,
			Description:          input.Description,
			Capacity:             input.Capacity,
			CurrentServingNumber: 0,
			NextTicketNumber:     1,
			CreatedAt:            s.now().UTC(),
		}
		value, err := json.Marshal(loc)
		if err != nil {
			return models.Location{}, err
		}
		if _, err := s.store.Put(ctx, locationKey(loc.LocationID), value, store.VersionAbsent); err != nil {
			return models.Location{}, err
		}
		return loc, nil
	})
	if err != nil {
		return models.Location{}, err
	}
	s.emit(Event{Type: "location.created", LocationID: loc.LocationID})
	return loc, nil
}

func (s *Service) GetLocation(ctx context.Context, locationID string) (models.Location, error) {
	_, loc, err := s.getLocation(ctx, locationID)
	return loc, err
}

func (s *Service) ListLocations(ctx context.Context) ([]models.Location, error) {
	records, err := s.store.ListPrefix(ctx, locationPrefix)
	if err != nil {
		return nil, err
	}
	locations := make([]models.Location, 0, len(records))
	for _, rec := range records {
		loc, err := decodeLocation(rec)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	sort.Slice(locations, func(i, j int) bool {
		if locations[i].CreatedAt.Equal(locations[j].CreatedAt) {
			return locations[i].LocationID < locations[j].LocationID
		}
		return locations[i].CreatedAt.Before(locations[j].CreatedAt)
	})
	return locations, nil
}

// DeleteLocation removes a location together with its tickets and request
// references. The location delete is conditioned on the version read while
// checking that no ticket is still active, so a ticket issued concurrently
// forces a re-check instead of being orphaned.
func (s *Service) DeleteLocation(ctx context.Context, locationID string) error {
	_, err := retryConditional(ctx, s.retry, func() (struct{}, error) {
		rec, _, err := s.getLocation(ctx, locationID)
		if err != nil {
			return struct{}{}, err
		}
		tickets, err := s.listTickets(ctx, locationID)
		if err != nil {
			return struct{}{}, err
		}

		writes := []store.Write{{Key: rec.Key, Version: rec.Version, Delete: true}}
		for _, tr := range tickets {
			if !models.TerminalStatus(tr.ticket.Status) {
				return struct{}{}, ErrLocationBusy
			}
			writes = append(writes, store.Write{Key: ticketKey(locationID, tr.ticket.TicketNumber), Version: tr.version, Delete: true})
			if tr.ticket.RequestID != "" {
				writes = append(writes, store.Write{Key: requestKey(tr.ticket.RequestID), Version: store.VersionAny, Delete: true})
			}
		}
		return struct{}{}, s.store.Commit(ctx, writes...)
	})
	if err != nil {
		return err
	}
	s.log.Info("location deleted", zap.String("location_id", locationID))
	s.emit(Event{Type: "location.deleted", LocationID: locationID})
	return nil
}

type issued struct {
	ticket  models.Ticket
	created bool
}

// IssueTicket assigns the next number in the location's sequence. The
// ticket insert, the counter advance and the optional request reference
// land in one conditional commit, so numbers are never skipped and never
// handed out twice. Repeating a request id returns the original ticket.
func (s *Service) IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, error) {
	res, err := retryConditional(ctx, s.retry, func() (issued, error) {
		if input.RequestID != "" {
			ticket, found, err := s.findByRequestID(ctx, input.RequestID)
			if err != nil {
				return issued{}, err
			}
			if found {
				return issued{ticket: ticket}, nil
			}
		}

		locRec, loc, err := s.getLocation(ctx, input.LocationID)
		if err != nil {
			return issued{}, err
		}
		if loc.NextTicketNumber >= math.MaxInt64 {
			return issued{}, ErrSequenceExhausted
		}

		now := s.now().UTC()
		number := loc.NextTicketNumber
		ticket := models.Ticket{
			TicketID:       models.TicketIDFor(loc.LocationID, number),
			LocationID:     loc.LocationID,
			TicketNumber:   number,
			Status:         models.StatusWaiting,
			VisitorName:    input.VisitorName,
			Phone:          input.Phone,
			Notes:          input.Notes,
			RequestID:      input.RequestID,
			CreatedAt:      now,
			StateChangedAt: now,
		}
		loc.NextTicketNumber = number + 1

		ticketValue, err := json.Marshal(ticket)
		if err != nil {
			return issued{}, err
		}
		locValue, err := json.Marshal(loc)
		if err != nil {
			return issued{}, err
		}

		writes := []store.Write{
			{Key: ticketKey(loc.LocationID, number), Value: ticketValue, Version: store.VersionAbsent},
			{Key: locRec.Key, Value: locValue, Version: locRec.Version},
		}
		if input.RequestID != "" {
			refValue, err := json.Marshal(requestRef{TicketID: ticket.TicketID})
			if err != nil {
				return issued{}, err
			}
			writes = append(writes, store.Write{Key: requestKey(input.RequestID), Value: refValue, Version: store.VersionAbsent})
		}
		if err := s.store.Commit(ctx, writes...); err != nil {
			return issued{}, err
		}
		return issued{ticket: ticket, created: true}, nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if res.created {
		s.emit(Event{Type: "ticket.created", LocationID: res.ticket.LocationID, Ticket: &res.ticket})
	}
	return res.ticket, nil
}

// CallNext moves the lowest-numbered waiting ticket to called and points
// the location's serving number at it.
func (s *Service) CallNext(ctx context.Context, locationID string) (models.Ticket, error) {
	ticket, err := retryConditional(ctx, s.retry, func() (models.Ticket, error) {
		locRec, loc, err := s.getLocation(ctx, locationID)
		if err != nil {
			return models.Ticket{}, err
		}
		tickets, err := s.listTickets(ctx, locationID)
		if err != nil {
			return models.Ticket{}, err
		}

		var next *ticketRecord
		for i := range tickets {
			if ValidTransition("call", tickets[i].ticket.Status) {
				next = &tickets[i]
				break
			}
		}
		if next == nil {
			return models.Ticket{}, ErrQueueEmpty
		}

		now := s.now().UTC()
		ticket := next.ticket
		ticket.Status = models.StatusCalled
		ticket.CalledAt = &now
		ticket.StateChangedAt = now
		loc.CurrentServingNumber = ticket.TicketNumber

		ticketValue, err := json.Marshal(ticket)
		if err != nil {
			return models.Ticket{}, err
		}
		locValue, err := json.Marshal(loc)
		if err != nil {
			return models.Ticket{}, err
		}
		err = s.store.Commit(ctx,
			store.Write{Key: ticketKey(locationID, ticket.TicketNumber), Value: ticketValue, Version: next.version},
			store.Write{Key: locRec.Key, Value: locValue, Version: locRec.Version},
		)
		if err != nil {
			return models.Ticket{}, err
		}
		return ticket, nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	s.emit(Event{Type: "ticket.called", LocationID: ticket.LocationID, Ticket: &ticket})
	return ticket, nil
}

func (s *Service) MarkServed(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.applyTransition(ctx, ticketID, "serve")
}

func (s *Service) Cancel(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.applyTransition(ctx, ticketID, "cancel")
}

func (s *Service) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	_, ticket, err := s.getTicket(ctx, ticketID)
	return ticket, err
}

// TicketStatus reports a ticket together with its place in line. Position
// counts the waiting tickets ahead of it, starting at 1 for the front;
// called and finished tickets report position 0.
func (s *Service) TicketStatus(ctx context.Context, ticketID string) (models.TicketStatus, error) {
	_, ticket, err := s.getTicket(ctx, ticketID)
	if err != nil {
		return models.TicketStatus{}, err
	}
	_, loc, err := s.getLocation(ctx, ticket.LocationID)
	if err != nil {
		return models.TicketStatus{}, err
	}

	status := models.TicketStatus{
		Ticket:               ticket,
		CurrentServingNumber: loc.CurrentServingNumber,
	}
	if ticket.Status == models.StatusWaiting {
		tickets, err := s.listTickets(ctx, ticket.LocationID)
		if err != nil {
			return models.TicketStatus{}, err
		}
		position := 1
		for _, tr := range tickets {
			if tr.ticket.Status == models.StatusWaiting && tr.ticket.TicketNumber < ticket.TicketNumber {
				position++
			}
		}
		status.Position = position
		status.EstimatedWaitMinutes = position * minutesPerVisitor
	}
	return status, nil
}

func (s *Service) QueueView(ctx context.Context, locationID string) (models.QueueView, error) {
	_, loc, err := s.getLocation(ctx, locationID)
	if err != nil {
		return models.QueueView{}, err
	}
	tickets, err := s.listTickets(ctx, locationID)
	if err != nil {
		return models.QueueView{}, err
	}

	view := models.QueueView{
		LocationID:           locationID,
		CurrentServingNumber: loc.CurrentServingNumber,
		Waiting:              []models.Ticket{},
	}
	for _, tr := range tickets {
		switch {
		case tr.ticket.Status == models.StatusWaiting:
			view.Waiting = append(view.Waiting, tr.ticket)
		case tr.ticket.Status == models.StatusCalled && tr.ticket.TicketNumber == loc.CurrentServingNumber:
			called := tr.ticket
			view.CalledTicket = &called
		}
	}
	view.WaitingCount = len(view.Waiting)
	return view, nil
}

func (s *Service) Stats(ctx context.Context, locationID string) (models.LocationStats, error) {
	_, loc, err := s.getLocation(ctx, locationID)
	if err != nil {
		return models.LocationStats{}, err
	}
	tickets, err := s.listTickets(ctx, locationID)
	if err != nil {
		return models.LocationStats{}, err
	}

	stats := models.LocationStats{
		LocationID:           locationID,
		CurrentServingNumber: loc.CurrentServingNumber,
	}
	for _, tr := range tickets {
		switch tr.ticket.Status {
		case models.StatusWaiting:
			stats.WaitingCount++
		case models.StatusCalled:
			stats.CalledCount++
		case models.StatusServed:
			stats.ServedCount++
		case models.StatusCancelled:
			stats.CancelledCount++
		}
	}
	return stats, nil
}

// CancelOverdueCalled cancels called tickets whose grace period has
// passed, oldest first. Tickets that change underneath the scan are
// skipped; the next sweep sees their new state.
func (s *Service) CancelOverdueCalled(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	records, err := s.store.ListPrefix(ctx, ticketsPrefix)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().UTC().Add(-grace)

	var overdue []ticketRecord
	for _, rec := range records {
		ticket, err := decodeTicket(rec)
		if err != nil {
			return 0, err
		}
		if ticket.Status != models.StatusCalled || ticket.CalledAt == nil || ticket.CalledAt.After(cutoff) {
			continue
		}
		overdue = append(overdue, ticketRecord{ticket: ticket, version: rec.Version})
	}
	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].ticket.CalledAt.Before(*overdue[j].ticket.CalledAt)
	})
	if len(overdue) > batchSize {
		overdue = overdue[:batchSize]
	}

	processed := 0
	for _, tr := range overdue {
		now := s.now().UTC()
		ticket := tr.ticket
		ticket.Status = models.StatusCancelled
		ticket.CancelledAt = &now
		ticket.StateChangedAt = now

		value, err := json.Marshal(ticket)
		if err != nil {
			return processed, err
		}
		err = s.store.Commit(ctx, store.Write{
			Key:     ticketKey(ticket.LocationID, ticket.TicketNumber),
			Value:   value,
			Version: tr.version,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return processed, err
		}
		processed++
		s.log.Info("cancelled overdue ticket",
			zap.String("ticket_id", ticket.TicketID),
			zap.String("location_id", ticket.LocationID))
		s.emit(Event{Type: "ticket.cancelled", LocationID: ticket.LocationID, Ticket: &ticket})
	}
	return processed, nil
}

func (s *Service) applyTransition(ctx context.Context, ticketID, action string) (models.Ticket, error) {
	ticket, err := retryConditional(ctx, s.retry, func() (models.Ticket, error) {
		rec, ticket, err := s.getTicket(ctx, ticketID)
		if err != nil {
			return models.Ticket{}, err
		}
		if !ValidTransition(action, ticket.Status) {
			return models.Ticket{}, ErrInvalidTransition
		}

		now := s.now().UTC()
		switch action {
		case "serve":
			ticket.Status = models.StatusServed
			ticket.ServedAt = &now
		case "cancel":
			ticket.Status = models.StatusCancelled
			ticket.CancelledAt = &now
		default:
			return models.Ticket{}, ErrInvalidTransition
		}
		ticket.StateChangedAt = now

		value, err := json.Marshal(ticket)
		if err != nil {
			return models.Ticket{}, err
		}
		err = s.store.Commit(ctx, store.Write{
			Key:     ticketKey(ticket.LocationID, ticket.TicketNumber),
			Value:   value,
			Version: rec.Version,
		})
		if err != nil {
			return models.Ticket{}, err
		}
		return ticket, nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	s.emit(Event{Type: "ticket." + ticket.Status, LocationID: ticket.LocationID, Ticket: &ticket})
	return ticket, nil
}

type ticketRecord struct {
	ticket  models.Ticket
	version int64
}

type requestRef struct {
	TicketID string `json:"ticket_id"`
}

func (s *Service) getLocation(ctx context.Context, locationID string) (store.Record, models.Location, error) {
	rec, err := s.store.Get(ctx, locationKey(locationID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Record{}, models.Location{}, ErrLocationNotFound
		}
		return store.Record{}, models.Location{}, err
	}
	loc, err := decodeLocation(rec)
	if err != nil {
		return store.Record{}, models.Location{}, err
	}
	return rec, loc, nil
}

func (s *Service) getTicket(ctx context.Context, ticketID string) (store.Record, models.Ticket, error) {
	locationID, number, ok := models.ParseTicketID(ticketID)
	if !ok {
		return store.Record{}, models.Ticket{}, ErrTicketNotFound
	}
	rec, err := s.store.Get(ctx, ticketKey(locationID, number))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Record{}, models.Ticket{}, ErrTicketNotFound
		}
		return store.Record{}, models.Ticket{}, err
	}
	ticket, err := decodeTicket(rec)
	if err != nil {
		return store.Record{}, models.Ticket{}, err
	}
	return rec, ticket, nil
}

func (s *Service) findByRequestID(ctx context.Context, requestID string) (models.Ticket, bool, error) {
	rec, err := s.store.Get(ctx, requestKey(requestID))
	if errors.Is(err, store.ErrNotFound) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	var ref requestRef
	if err := json.Unmarshal(rec.Value, &ref); err != nil {
		return models.Ticket{}, false, fmt.Errorf("decode request ref %q: %w", rec.Key, err)
	}
	_, ticket, err := s.getTicket(ctx, ref.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// listTickets returns the location's tickets ordered by ticket number.
// Keys sort lexicographically in the store, so the numeric order is
// restored here.
func (s *Service) listTickets(ctx context.Context, locationID string) ([]ticketRecord, error) {
	records, err := s.store.ListPrefix(ctx, ticketKeyPrefix(locationID))
	if err != nil {
		return nil, err
	}
	tickets := make([]ticketRecord, 0, len(records))
	for _, rec := range records {
		ticket, err := decodeTicket(rec)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticketRecord{ticket: ticket, version: rec.Version})
	}
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].ticket.TicketNumber < tickets[j].ticket.TicketNumber
	})
	return tickets, nil
}

func (s *Service) emit(event Event) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(event)
}

func decodeLocation(rec store.Record) (models.Location, error) {
	var loc models.Location
	if err := json.Unmarshal(rec.Value, &loc); err != nil {
		return models.Location{}, fmt.Errorf("decode location %q: %w", rec.Key, err)
	}
	return loc, nil
}

func decodeTicket(rec store.Record) (models.Ticket, error) {
	var ticket models.Ticket
	if err := json.Unmarshal(rec.Value, &ticket); err != nil {
		return models.Ticket{}, fmt.Errorf("decode ticket %q: %w", rec.Key, err)
	}
	return ticket, nil
}
