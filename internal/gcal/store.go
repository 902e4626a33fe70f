// Package gcal implements the calendar Store on the Google Calendar API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "prayersync/internal/log"
	"prayersync/internal/model"
	"prayersync/internal/reconcile"
)

const listPageSize = 250

// Store talks to one Google account. All calls share a rate limiter.
type Store struct {
	svc     *calendar.Service
	limiter *rate.Limiter
}

var _ reconcile.Store = (*Store)(nil)

// NewStore builds a Store. callsPerSecond <= 0 disables rate limiting.
// Authentication comes from opts (option.WithTokenSource in production).
func NewStore(ctx context.Context, callsPerSecond float64, opts ...option.ClientOption) (*Store, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcal: new calendar service: %w", err)
	}
	limit := rate.Inf
	if callsPerSecond > 0 {
		limit = rate.Limit(callsPerSecond)
	}
	return &Store{svc: svc, limiter: rate.NewLimiter(limit, 1)}, nil
}

// NewStoreFromToken is NewStore authenticated by ts.
func NewStoreFromToken(ctx context.Context, callsPerSecond float64, ts oauth2.TokenSource) (*Store, error) {
	return NewStore(ctx, callsPerSecond, option.WithTokenSource(ts))
}

func (s *Store) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]model.ManagedEvent, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := s.svc.Events.List(calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		ShowDeleted(false).
		MaxResults(listPageSize)

	var out []model.ManagedEvent
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, ok := fromAPI(item)
			if !ok {
				appLog.Debug("skipping event without dateTime", "id", item.Id, "summary", item.Summary)
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list events", err)
	}
	return out, nil
}

func (s *Store) CreateEvent(ctx context.Context, calendarID string, ev model.ManagedEvent) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	created, err := s.svc.Events.Insert(calendarID, toAPI(ev)).Context(ctx).Do()
	if err != nil {
		return "", classify("insert event", err)
	}
	return created.Id, nil
}

func (s *Store) UpdateEvent(ctx context.Context, calendarID string, ev model.ManagedEvent) error {
	if ev.RemoteID == "" {
		return errors.New("gcal: update without event id")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := s.svc.Events.Update(calendarID, ev.RemoteID, toAPI(ev)).Context(ctx).Do(); err != nil {
		return classify("update event", err)
	}
	return nil
}

// classify marks 401s as authentication failures. A refused token refresh
// already carries reconcile.ErrAuthentication from the token source.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s: %w", reconcile.ErrAuthentication, op, err)
	}
	return fmt.Errorf("gcal: %s: %w", op, err)
}

func toAPI(ev model.ManagedEvent) *calendar.Event {
	return &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start: &calendar.EventDateTime{
			DateTime: ev.Start.Format(time.RFC3339),
			TimeZone: ev.TimeZone,
		},
		End: &calendar.EventDateTime{
			DateTime: ev.End.Format(time.RFC3339),
			TimeZone: ev.TimeZone,
		},
		Reminders: &calendar.EventReminders{
			UseDefault: false,
			Overrides: []*calendar.EventReminder{
				{Method: "popup", Minutes: int64(ev.ReminderMinutes), ForceSendFields: []string{"Minutes"}},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
}

// fromAPI maps a timed event. All-day events (date only) are rejected.
func fromAPI(item *calendar.Event) (model.ManagedEvent, bool) {
	if item.Start == nil || item.End == nil || item.Start.DateTime == "" || item.End.DateTime == "" {
		return model.ManagedEvent{}, false
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return model.ManagedEvent{}, false
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return model.ManagedEvent{}, false
	}

	ev := model.ManagedEvent{
		RemoteID:    item.Id,
		Summary:     item.Summary,
		Start:       start,
		End:         end,
		TimeZone:    item.Start.TimeZone,
		Description: item.Description,
	}
	if item.Reminders != nil {
		for _, o := range item.Reminders.Overrides {
			if o.Method == "popup" {
				ev.ReminderMinutes = int(o.Minutes)
				break
			}
		}
	}
	return ev, true
}
