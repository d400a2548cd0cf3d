// Package raffle implements ticket number allocation, reservations, the
// purchase ledger, payment reconciliation and winner draws on top of the
// SQL repositories.
package raffle

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/repository"
)

// Clock supplies the current time.  Tests inject a fixed clock so
// reservation deadlines can be crossed without waiting.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = systemClock{}

const (
	defaultReservationTTL = 10 * time.Minute
	defaultCheckoutTTL    = time.Hour
	defaultCheckoutGrace  = 15 * time.Minute
	maxNumbersPerRequest  = 500

	// timeGranularity is the precision timestamps keep in the store.
	timeGranularity = time.Second
)

// Store bundles the repositories over one database handle.
type Store struct {
	DB        *sql.DB
	Prizes    *repository.PrizeRepo
	Tickets   *repository.TicketRepo
	Purchases *repository.PurchaseRepo
	Webhooks  *repository.WebhookLogRepo
	Draws     *repository.DrawRepo
}

// NewStore wires every repository to db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:        db,
		Prizes:    repository.NewPrizeRepo(db),
		Tickets:   repository.NewTicketRepo(db),
		Purchases: repository.NewPurchaseRepo(db),
		Webhooks:  repository.NewWebhookLogRepo(db),
		Draws:     repository.NewDrawRepo(db),
	}
}

// settings is shared by every component constructor.
type settings struct {
	clock          Clock
	log            logrus.FieldLogger
	reservationTTL time.Duration
	checkoutTTL    time.Duration
	checkoutGrace  time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{
		clock:          SystemClock,
		log:            logrus.StandardLogger(),
		reservationTTL: defaultReservationTTL,
		checkoutTTL:    defaultCheckoutTTL,
		checkoutGrace:  defaultCheckoutGrace,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) now() time.Time { return s.clock.Now().UTC() }

// Option configures a raffle component.
type Option func(*settings)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger used for operational events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReservationTTL overrides the default lifetime of a plain reservation.
func WithReservationTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.reservationTTL = d
		}
	}
}

// WithCheckoutTTL sets how long a hosted checkout stays payable.
func WithCheckoutTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.checkoutTTL = d
		}
	}
}

// WithCheckoutGrace sets the extra wait before an unpaid checkout is
// treated as abandoned.
func WithCheckoutGrace(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.checkoutGrace = d
		}
	}
}

var validate = validator.New()

// normalizeNumbers validates a requested number set against the prize
// range and returns it sorted.  Duplicates are rejected.
func normalizeNumbers(nums []int, total int) ([]int, error) {
	if len(nums) > maxNumbersPerRequest {
		return nil, invalid("numbers", fmt.Sprintf("at most %d numbers per request", maxNumbersPerRequest))
	}
	out := append([]int(nil), nums...)
	sort.Ints(out)
	for i, n := range out {
		if n < 1 || (total > 0 && n > total) {
			return nil, invalid("numbers", fmt.Sprintf("%d is outside 1..%d", n, total))
		}
		if i > 0 && out[i-1] == n {
			return nil, invalid("numbers", fmt.Sprintf("%d requested twice", n))
		}
	}
	return out, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", invalid("email", "required")
	}
	if err := validate.Var(email, "email,max=254"); err != nil {
		return "", invalid("email", "malformed address")
	}
	return email, nil
}

func parseID(s string) (uint64, bool) {
	id, err := strconv.ParseUint(s, 10, 64)
	return id, err == nil && id > 0
}
