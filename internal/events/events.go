// Package events is the command surface for event reminders. It turns raw
// command input into reminder registrations, duplicate prompts, listings
// and cancellations, independent of the chat platform.
package events

import (
	"context"
	"errors"
	"strings"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/apperr"
	"eventbot/internal/confirm"
	"eventbot/internal/reminder"
	"eventbot/internal/timeutil"
	logx "eventbot/pkg/logx"
)

const DefaultPageSize = 25

// Registrar creates and cancels reminders, arming their delivery.
type Registrar interface {
	// Register fails with *reminder.DuplicateError unless force is set.
	Register(ctx context.Context, spec reminder.Spec, force bool) (reminder.Reminder, error)
	Cancel(id string) (reminder.Reminder, error)
}

type Outcome int

const (
	Accepted Outcome = iota + 1
	NeedsConfirmation
	Rejected
	Expired
	Cancelled
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case NeedsConfirmation:
		return "needs_confirmation"
	case Rejected:
		return "rejected"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Result is the outcome of a command. Which fields are set depends on
// Outcome: Reminder for Accepted and Cancelled, ConfirmID with Existing and
// Proposed for NeedsConfirmation, Reason for Rejected.
type Result struct {
	Outcome   Outcome
	Reminder  reminder.Reminder
	ConfirmID string
	Existing  reminder.Reminder
	Proposed  reminder.Spec
	Reason    string
}

type RegisterInput struct {
	ChannelRef string
	GuildRef   string
	UserRef    string
	When       string // MM/DD HH:mm server time
	Title      string
}

type Decision int

const (
	Approve Decision = iota + 1
	Reject
)

type Listing struct {
	Items []reminder.Reminder
	Total int
	More  int
}

type Options struct {
	Store    *reminder.Store
	Reg      Registrar
	Broker   *confirm.Broker
	Zones    timeutil.Zones
	Clock    clockwork.Clock
	PageSize int
	Log      logx.Logger
}

type Service struct {
	store    *reminder.Store
	reg      Registrar
	broker   *confirm.Broker
	zones    timeutil.Zones
	clock    clockwork.Clock
	pageSize int
	log      logx.Logger
}

func New(opt Options) *Service {
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Zones.Server == nil {
		opt.Zones = timeutil.DefaultZones()
	}
	if opt.PageSize <= 0 {
		opt.PageSize = DefaultPageSize
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Service{
		store:    opt.Store,
		reg:      opt.Reg,
		broker:   opt.Broker,
		zones:    opt.Zones,
		clock:    opt.Clock,
		pageSize: opt.PageSize,
		log:      opt.Log.Component("events"),
	}
}

func (s *Service) Zones() timeutil.Zones { return s.zones }

// RegisterEvent parses and registers a reminder. A reminder already present
// in the same channel at the same server time turns the request into a
// confirmation prompt instead. The check and the insert are one store
// operation, so concurrent identical requests yield one acceptance.
func (s *Service) RegisterEvent(ctx context.Context, in RegisterInput) (Result, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return rejected(apperr.Validation("title", "event title is required")), nil
	}
	st, err := s.zones.Parse(in.When, s.clock.Now())
	if err != nil {
		if apperr.IsUserFacing(err) {
			return rejected(err), nil
		}
		return Result{}, err
	}
	spec := reminder.Spec{
		ChannelRef:  in.ChannelRef,
		GuildRef:    in.GuildRef,
		Title:       title,
		ServerTime:  st.Server,
		DisplayTime: st.Display,
		EventAt:     st.At,
		CreatedBy:   in.UserRef,
	}

	r, err := s.reg.Register(ctx, spec, false)
	var dup *reminder.DuplicateError
	if errors.As(err, &dup) {
		id, err := s.broker.Propose(spec)
		if err != nil {
			return Result{}, err
		}
		s.log.Info("duplicate registration pending confirmation",
			logx.String("confirm", id),
			logx.String("existing", dup.Existing.ID),
			logx.String("channel", spec.ChannelRef),
		)
		return Result{Outcome: NeedsConfirmation, ConfirmID: id, Existing: dup.Existing, Proposed: spec}, nil
	}
	return registered(r, err)
}

// DecideConfirmation resolves a duplicate prompt. Approval registers the
// proposed reminder as-is, with the approver recorded as its creator.
func (s *Service) DecideConfirmation(ctx context.Context, confirmID string, d Decision, userRef string) (Result, error) {
	if d == Reject {
		if !s.broker.Reject(confirmID) {
			return Result{Outcome: Expired}, nil
		}
		return Result{Outcome: Rejected, Reason: "registration cancelled"}, nil
	}

	spec, err := s.broker.Resolve(confirmID)
	if errors.Is(err, apperr.ErrExpired) {
		return Result{Outcome: Expired}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if userRef != "" {
		spec.CreatedBy = userRef
	}
	if s.clock.Now().After(spec.EventAt.Add(s.zones.Slack)) {
		return rejected(apperr.Validation("when", "%s has already passed", spec.ServerTime)), nil
	}
	return registered(s.reg.Register(ctx, spec, true))
}

func registered(r reminder.Reminder, err error) (Result, error) {
	if err != nil {
		if apperr.IsUserFacing(err) {
			return rejected(err), nil
		}
		return Result{}, err
	}
	return Result{Outcome: Accepted, Reminder: r}, nil
}

// CancelEvent removes a reminder by id from any channel.
func (s *Service) CancelEvent(_ context.Context, id string) (Result, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return rejected(apperr.Validation("id", "reminder id is required")), nil
	}
	r, err := s.reg.Cancel(id)
	if errors.Is(err, apperr.ErrNotFound) {
		return Result{Outcome: NotFound}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Cancelled, Reminder: r}, nil
}

// ListEvents returns at most one page of the channel's reminders in event
// order. More counts the ones left out.
func (s *Service) ListEvents(channelRef string) Listing {
	all := s.store.ListByChannel(channelRef)
	l := Listing{Total: len(all), Items: all}
	if len(all) > s.pageSize {
		l.Items = all[:s.pageSize]
		l.More = len(all) - s.pageSize
	}
	return l
}

func rejected(err error) Result {
	return Result{Outcome: Rejected, Reason: apperr.UserMessage(err)}
}
