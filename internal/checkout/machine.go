// Package checkout walks one session from its cart through shipping and
// payment to a confirmed order.
package checkout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/cart"
	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
	"github.com/ariefcatur/go-realtime-storefront/internal/events"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/metrics"
	"github.com/ariefcatur/go-realtime-storefront/internal/notify"
	"github.com/google/uuid"
)

const defaultClearAwait = 5 * time.Second

// Cart is what the machine needs from the session cart.
type Cart interface {
	Snapshot() cart.Snapshot
	Clear(ctx context.Context) error
	Await(ctx context.Context, pred func(cart.Snapshot) bool) (cart.Snapshot, error)
}

type Deps struct {
	Cart      Cart
	Publisher events.Publisher
	Notifier  notify.Notifier
	Logger    *logger.Logger
	Metrics   *metrics.Storefront

	SessionID      string
	CartCollection string
	// Producer names this service in published events.
	Producer string
	// ClearAwait bounds the wait for the empty cart snapshot after confirm.
	ClearAwait time.Duration
}

// Outcome separates the two results of confirming: the order was accepted,
// and the cart was emptied. The second can fail on its own.
type Outcome struct {
	OrderRef            string      `json:"orderRef"`
	PaymentAcknowledged bool        `json:"paymentAcknowledged"`
	CartCleared         bool        `json:"cartCleared"`
	Total               int64       `json:"total"`
	Lines               []cart.Line `json:"lines"`
}

// View is a read-only picture of the machine for rendering.
type View struct {
	State      State         `json:"state"`
	CanProceed bool          `json:"canProceed"`
	Shipping   *ShippingInfo `json:"shipping,omitempty"`
	Outcome    *Outcome      `json:"outcome,omitempty"`
	Cart       cart.Snapshot `json:"cart"`
}

type Machine struct {
	deps Deps

	mu       sync.Mutex
	state    State
	shipping *ShippingInfo
	outcome  *Outcome
	busy     bool
}

func New(deps Deps) *Machine {
	if deps.Publisher == nil {
		deps.Publisher = events.Discard
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.ClearAwait <= 0 {
		deps.ClearAwait = defaultClearAwait
	}
	return &Machine{deps: deps, state: StateCart}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanProceed reports whether the cart step may move on to shipping.
func (m *Machine) CanProceed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateCart && m.deps.Cart.Snapshot().LineCount() > 0
}

func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.deps.Cart.Snapshot()
	v := View{
		State:      m.state,
		CanProceed: m.state == StateCart && snap.LineCount() > 0,
		Cart:       snap,
	}
	if m.shipping != nil {
		s := *m.shipping
		v.Shipping = &s
	}
	if m.outcome != nil {
		o := *m.outcome
		v.Outcome = &o
	}
	return v
}

// Proceed moves from the cart to the shipping step.
func (m *Machine) Proceed(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(StateShipping); err != nil {
		return err
	}
	if m.deps.Cart.Snapshot().LineCount() == 0 {
		return apperr.New(apperr.CodeIllegalTransition, "cart is empty")
	}
	m.moveLocked(ctx, StateShipping)
	return nil
}

// SubmitShipping stores the trimmed shipping details and moves on to payment.
// Incomplete details leave the machine in the shipping step.
func (m *Machine) SubmitShipping(ctx context.Context, info ShippingInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(StatePayment); err != nil {
		return err
	}
	if err := info.Validate(); err != nil {
		m.deps.Notifier.Notify(ctx, "Please fill in all shipping details.", notify.KindWarning)
		return err
	}
	if m.deps.Cart.Snapshot().LineCount() == 0 {
		return apperr.New(apperr.CodeIllegalTransition, "cart is empty")
	}
	t := info.trimmed()
	m.shipping = &t
	m.moveLocked(ctx, StatePayment)
	return nil
}

// Back returns to the previous step. Shipping details survive going back
// from payment.
func (m *Machine) Back(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return apperr.New(apperr.CodeIllegalTransition, "confirmation in progress")
	}
	switch m.state {
	case StateShipping:
		m.moveLocked(ctx, StateCart)
	case StatePayment:
		m.moveLocked(ctx, StateShipping)
	default:
		return apperr.New(apperr.CodeIllegalTransition, fmt.Sprintf("no step before %s", m.state))
	}
	return nil
}

// Confirm accepts the order and empties the cart. The payment details are
// not validated. When the cart cannot be emptied the order stays confirmed,
// a clear request is published for the janitor, and a CartClearFailed error
// is returned alongside the outcome.
func (m *Machine) Confirm(ctx context.Context, _ PaymentInfo) (Outcome, error) {
	start := time.Now()

	m.mu.Lock()
	if err := m.checkLocked(StateConfirmed); err != nil {
		m.mu.Unlock()
		return Outcome{}, err
	}
	snap := m.deps.Cart.Snapshot()
	if snap.Empty() {
		m.mu.Unlock()
		return Outcome{}, apperr.New(apperr.CodeIllegalTransition, "cart is empty")
	}
	out := Outcome{
		OrderRef:            newOrderRef(),
		PaymentAcknowledged: true,
		Total:               snap.Subtotal(),
		Lines:               snap.Lines,
	}
	shipping := *m.shipping
	m.outcome = &out
	m.busy = true
	m.moveLocked(ctx, StateConfirmed)
	m.mu.Unlock()

	ctx = m.deps.Logger.WithFields(ctx, map[string]any{"order_ref": out.OrderRef, "session_id": m.deps.SessionID})
	m.publish(ctx, events.EventCheckoutConfirmed, out.OrderRef, confirmedPayload(out, shipping))

	err := m.clear(ctx)

	m.mu.Lock()
	m.busy = false
	if m.outcome != nil && m.outcome.OrderRef == out.OrderRef {
		m.outcome.CartCleared = err == nil
	}
	m.mu.Unlock()
	out.CartCleared = err == nil
	m.deps.Metrics.ObserveConfirm(time.Since(start), err)

	if err != nil {
		m.requestClear(ctx, out.OrderRef, "clear on confirm failed")
		m.deps.Notifier.Notify(ctx, "Your order was placed, but we could not empty your cart.", notify.KindError)
		return out, apperr.Wrap(apperr.CodeCartClearFailed, err, "order confirmed but cart was not cleared").
			WithDetails(map[string]string{"orderRef": out.OrderRef})
	}
	m.deps.Logger.Info(ctx, "checkout confirmed")
	m.deps.Notifier.Notify(ctx, fmt.Sprintf("Order %s confirmed. Thank you!", out.OrderRef), notify.KindSuccess)
	return out, nil
}

// RetryClear tries again to empty the cart of a confirmed order whose clear
// failed.
func (m *Machine) RetryClear(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateConfirmed || m.outcome == nil || m.busy {
		m.mu.Unlock()
		return apperr.New(apperr.CodeIllegalTransition, "nothing to clear")
	}
	if m.outcome.CartCleared {
		m.mu.Unlock()
		return nil
	}
	ref := m.outcome.OrderRef
	m.busy = true
	m.mu.Unlock()

	ctx = m.deps.Logger.WithField(ctx, "order_ref", ref)
	err := m.clear(ctx)

	m.mu.Lock()
	m.busy = false
	if m.outcome != nil && m.outcome.OrderRef == ref {
		m.outcome.CartCleared = err == nil
	}
	m.mu.Unlock()

	if err != nil {
		m.deps.Notifier.Notify(ctx, "We still could not empty your cart.", notify.KindError)
		return apperr.Wrap(apperr.CodeCartClearFailed, err, "cart was not cleared")
	}
	m.deps.Notifier.Notify(ctx, "Your cart has been cleared.", notify.KindInfo)
	return nil
}

// Close dismisses checkout from any step without side effects.
func (m *Machine) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosed {
		m.moveLocked(ctx, StateClosed)
	}
}

// Reopen starts over at the cart step with no remembered details.
func (m *Machine) Reopen(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(StateCart); err != nil {
		return err
	}
	m.shipping = nil
	m.outcome = nil
	m.moveLocked(ctx, StateCart)
	return nil
}

func (m *Machine) checkLocked(to State) error {
	if m.busy {
		return apperr.New(apperr.CodeIllegalTransition, "confirmation in progress")
	}
	if !CanTransition(m.state, to) || (to == StateCart && m.state != StateClosed) {
		return apperr.New(apperr.CodeIllegalTransition, fmt.Sprintf("cannot go from %s to %s", m.state, to)).
			WithDetails(map[string]string{"from": string(m.state), "to": string(to)})
	}
	return nil
}

func (m *Machine) moveLocked(ctx context.Context, to State) {
	from := m.state
	m.state = to
	m.deps.Metrics.Transition(string(from), string(to))
	m.deps.Logger.Debug(m.deps.Logger.WithFields(ctx, map[string]any{
		"from":       string(from),
		"to":         string(to),
		"session_id": m.deps.SessionID,
	}), "checkout transition")
}

// clear empties the cart and waits for a snapshot that shows it. A clear
// that succeeded but whose snapshot is slow still counts as cleared.
func (m *Machine) clear(ctx context.Context) error {
	if err := m.deps.Cart.Clear(ctx); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, m.deps.ClearAwait)
	defer cancel()
	if _, err := m.deps.Cart.Await(wctx, cart.Snapshot.Empty); err != nil {
		m.deps.Logger.Warn(ctx, fmt.Sprintf("empty cart snapshot not seen: %v", err))
	}
	return nil
}

func (m *Machine) requestClear(ctx context.Context, orderRef, reason string) {
	if m.deps.CartCollection == "" {
		return
	}
	m.publish(ctx, events.EventCartClearRequested, orderRef, events.CartClearRequestedPayload{
		OrderRef:   orderRef,
		Collection: m.deps.CartCollection,
		Reason:     reason,
	})
}

// publish outlives the request: a clear that failed because the caller
// went away must still reach the janitor.
func (m *Machine) publish(ctx context.Context, eventType, orderRef string, payload any) {
	env, err := events.New(eventType, m.deps.Producer, m.deps.SessionID, orderRef, payload)
	if err == nil {
		err = m.deps.Publisher.Publish(context.WithoutCancel(ctx), env)
	}
	if err != nil {
		m.deps.Logger.Error(m.deps.Logger.WithField(ctx, "event_type", eventType), "event publish failed", err)
	}
}

func confirmedPayload(out Outcome, s ShippingInfo) events.CheckoutConfirmedPayload {
	items := make([]events.LineItem, 0, len(out.Lines))
	for _, l := range out.Lines {
		items = append(items, events.LineItem{ProductID: l.ProductID, Name: l.Name, Qty: l.Quantity, Price: l.Price})
	}
	return events.CheckoutConfirmedPayload{
		OrderRef: out.OrderRef,
		Name:     s.Name,
		Email:    s.Email,
		Address:  s.Address,
		City:     s.City,
		Items:    items,
		Total:    out.Total,
	}
}

func newOrderRef() string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
