package raffle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/metrics"
	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/payment"
	"github.com/iliyamo/raffle-ticketing/internal/queue"
)

// Reconciliation triggers.
const (
	TriggerWebhook = "webhook"
	TriggerVerify  = "verify"
	TriggerReplay  = "replay"
)

// KindPayment is the only notification kind that is reconciled.
const KindPayment = "payment"

// KindInvalidSignature marks notifications refused before processing.
const KindInvalidSignature = "invalid_signature"

const (
	replayBatch       = 50
	maxReplayAttempts = 20
)

// Publisher receives approved purchases after they are committed.
type Publisher interface {
	PublishPurchaseApproved(ctx context.Context, ev queue.PurchaseApprovedEvent) error
}

// Reconciler brings local purchases in line with the provider.  The
// webhook and the buyer's status check both end in Reconcile.
type Reconciler struct {
	st     *Store
	ledger *Ledger
	gw     payment.Gateway
	pub    Publisher
	settings
}

// NewReconciler builds a Reconciler.  pub may be nil.
func NewReconciler(st *Store, ledger *Ledger, gw payment.Gateway, pub Publisher, opts ...Option) *Reconciler {
	return &Reconciler{st: st, ledger: ledger, gw: gw, pub: pub, settings: newSettings(opts)}
}

// Reconcile fetches the payment named by ref and applies its status.
// Gateway failures are returned wrapped in payment.ErrGateway and leave
// local state untouched.
func (r *Reconciler) Reconcile(ctx context.Context, trigger, ref string) (*Settlement, error) {
	log := r.log.WithFields(logrus.Fields{"trigger": trigger, "ref": ref})
	p, err := r.gw.FetchPayment(ctx, ref)
	if err != nil {
		metrics.RecordReconcile(trigger, "gateway_error")
		log.WithError(err).Warn("payment fetch failed")
		return nil, err
	}
	s, err := r.ledger.ApplyOutcome(ctx, OutcomeFromPayment(p))
	if err != nil {
		r.fail(log, trigger, err)
		return nil, err
	}
	switch {
	case s.Recovered:
		metrics.RecordReconcile(trigger, "recovered")
	case s.Changed:
		metrics.RecordReconcile(trigger, "applied")
	default:
		metrics.RecordReconcile(trigger, "noop")
	}
	if s.Changed && s.Purchase.Status == model.PurchaseApproved {
		r.publish(ctx, s.Purchase)
	}
	return s, nil
}

// fail classifies a reconciliation error.  A ticket step that cannot
// complete after the provider approved a payment needs an operator.
func (r *Reconciler) fail(log logrus.FieldLogger, trigger string, err error) {
	var se *SettlementError
	switch {
	case errors.As(err, &se):
		reason := "state_conflict"
		switch {
		case errors.Is(err, ErrInsufficientAvailability):
			reason = "insufficient_availability"
		case errors.Is(err, ErrPurchaseClosed):
			reason = "purchase_closed"
		}
		metrics.RecordAlert(reason)
		metrics.RecordReconcile(trigger, "alert")
		log.WithError(err).WithFields(logrus.Fields{
			"alert": true, "purchase_id": se.PurchaseID, "reason": reason,
		}).Error("approved payment could not be settled")
	case errors.Is(err, ErrStateConflict):
		metrics.RecordReconcile(trigger, "conflict")
	case errors.Is(err, ErrNotFound):
		metrics.RecordReconcile(trigger, "not_found")
		log.WithError(err).Warn("payment does not match any purchase")
	default:
		metrics.RecordReconcile(trigger, "error")
		log.WithError(err).Error("reconciliation failed")
	}
}

func (r *Reconciler) publish(ctx context.Context, pu *model.Purchase) {
	if r.pub == nil {
		return
	}
	ev := queue.PurchaseApprovedEvent{
		PurchaseID: pu.ID,
		PrizeID:    pu.PrizeID,
		PrizeName:  pu.PrizeName,
		Email:      pu.Email,
		Numbers:    pu.Numbers,
		Amount:     pu.Amount.StringFixed(2),
		ApprovedAt: pu.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if pu.PaymentRef != nil {
		ev.PaymentRef = *pu.PaymentRef
	}
	if err := r.pub.PublishPurchaseApproved(ctx, ev); err != nil {
		r.log.WithError(err).WithField("purchase_id", pu.ID).Warn("purchase.approved not published")
	}
}

// Retryable reports whether the provider should redeliver a notification
// that failed with err.  Domain refusals are final; gateway and storage
// failures are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, payment.ErrGateway) {
		return true
	}
	var se *SettlementError
	switch {
	case errors.As(err, &se),
		errors.Is(err, ErrStateConflict),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInsufficientAvailability),
		IsValidation(err):
		return false
	}
	return true
}

// Notification is an inbound provider notification.
type Notification struct {
	Kind    string
	Ref     string
	Payload string
}

// NotificationResult reports what happened to one notification.
type NotificationResult struct {
	LogID     uint64               `json:"log_id"`
	Kind      string               `json:"kind"`
	Ref       string               `json:"ref"`
	Processed bool                 `json:"processed"`
	Status    model.PurchaseStatus `json:"status,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// HandleNotification logs n and, for payment notifications, reconciles
// it.  The log row is written before anything else and marked processed
// only after reconciliation succeeds.  The returned error is non-nil only
// when the provider should redeliver.
func (r *Reconciler) HandleNotification(ctx context.Context, n Notification) (*NotificationResult, error) {
	id, err := r.st.Webhooks.Append(ctx, n.Kind, n.Ref, n.Payload, r.now())
	if err != nil {
		return nil, fmt.Errorf("append webhook log: %w", err)
	}
	res := &NotificationResult{LogID: id, Kind: n.Kind, Ref: n.Ref}
	if n.Kind != KindPayment || n.Ref == "" {
		metrics.RecordWebhook(n.Kind, false)
		return res, nil
	}
	err = r.process(ctx, TriggerWebhook, id, n.Ref, res)
	metrics.RecordWebhook(n.Kind, res.Processed)
	if err != nil && Retryable(err) {
		return res, err
	}
	return res, nil
}

// LogRejected appends a notification that failed authentication to the
// webhook log.  The row is never processed or replayed.
func (r *Reconciler) LogRejected(ctx context.Context, n Notification, reason string) (uint64, error) {
	id, err := r.st.Webhooks.Append(ctx, KindInvalidSignature, n.Ref, n.Payload, r.now())
	if err != nil {
		return 0, fmt.Errorf("append webhook log: %w", err)
	}
	metrics.RecordWebhook(KindInvalidSignature, false)
	return id, r.st.Webhooks.MarkFailed(ctx, id, errors.New(reason))
}

func (r *Reconciler) process(ctx context.Context, trigger string, logID uint64, ref string, res *NotificationResult) error {
	s, err := r.Reconcile(ctx, trigger, ref)
	if err != nil {
		res.Error = err.Error()
		if merr := r.st.Webhooks.MarkFailed(ctx, logID, err); merr != nil {
			r.log.WithError(merr).WithField("log_id", logID).Error("webhook failure not recorded")
		}
		return err
	}
	res.Processed = true
	res.Status = s.Purchase.Status
	return r.st.Webhooks.MarkProcessed(ctx, logID, r.now())
}

// ReplayPending reprocesses unprocessed payment notifications received at
// or before olderThan ago.  Each notification is independent; failures
// are recorded on its log row and do not stop the batch.
func (r *Reconciler) ReplayPending(ctx context.Context, olderThan time.Duration) ([]NotificationResult, error) {
	pending, err := r.st.Webhooks.ListPending(ctx, KindPayment, r.now().Add(-olderThan), replayBatch)
	if err != nil {
		return nil, err
	}
	out := make([]NotificationResult, 0, len(pending))
	for _, wl := range pending {
		if wl.Attempts >= maxReplayAttempts {
			continue
		}
		res := NotificationResult{LogID: wl.ID, Kind: wl.Kind, Ref: wl.ExternalRef}
		if err := r.process(ctx, TriggerReplay, wl.ID, wl.ExternalRef, &res); err != nil && ctx.Err() != nil {
			return out, ctx.Err()
		}
		out = append(out, res)
	}
	return out, nil
}

// Verification is the answer to a buyer's status check.
type Verification struct {
	Purchase *model.Purchase `json:"purchase"`
	Source   string          `json:"source"` // "provider" or "local"
}

// Verify reconciles the purchase named by ref against the provider.  The
// purchase must exist locally.  When the provider cannot be reached or its
// answer cannot be applied, the last known local status is returned.
func (r *Reconciler) Verify(ctx context.Context, ref string) (*Verification, error) {
	pu, err := r.ledger.Purchase(ctx, ref)
	if err != nil {
		return nil, err
	}
	fetchRef := ref
	if pu.PaymentRef != nil {
		fetchRef = *pu.PaymentRef
	}
	return r.verify(ctx, pu, fetchRef)
}

// VerifyReturn checks the purchase a buyer is sent back with.  paymentID
// is the provider's payment id from the return URL and orderRef our own
// reference.  The payment id is fetched even when no notification has
// stored it yet, so an approval is applied as soon as the buyer lands.
func (r *Reconciler) VerifyReturn(ctx context.Context, paymentID, orderRef string) (*Verification, error) {
	if paymentID == "" {
		return r.Verify(ctx, orderRef)
	}
	pu, err := r.ledger.Purchase(ctx, paymentID)
	if errors.Is(err, ErrNotFound) && orderRef != "" {
		pu, err = r.ledger.Purchase(ctx, orderRef)
	}
	if err != nil {
		return nil, err
	}
	return r.verify(ctx, pu, paymentID)
}

func (r *Reconciler) verify(ctx context.Context, pu *model.Purchase, fetchRef string) (*Verification, error) {
	s, err := r.Reconcile(ctx, TriggerVerify, fetchRef)
	var se *SettlementError
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrGateway), errors.Is(err, ErrStateConflict), errors.Is(err, ErrNotFound), errors.As(err, &se):
		return &Verification{Purchase: pu, Source: "local"}, nil
	default:
		return nil, err
	}
	return &Verification{Purchase: s.Purchase, Source: "provider"}, nil
}
