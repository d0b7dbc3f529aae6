package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ike666888/RemnaShop-Pro/pkg/audit"
	"github.com/ike666888/RemnaShop-Pro/pkg/metrics"
	"github.com/ike666888/RemnaShop-Pro/pkg/notify"
	"github.com/ike666888/RemnaShop-Pro/pkg/panel"
	"github.com/ike666888/RemnaShop-Pro/pkg/plans"
)

var (
	ErrInvalidRequest = errors.New("invalid order request")
	ErrUnknownPlan    = errors.New("unknown plan")
)

// Filter narrows List. Zero values mean no constraint.
type Filter struct {
	Status      string
	RequesterID string
	Before      time.Time
	Limit       int
}

// Subscription links a requester to an entitlement created by a delivered order.
type Subscription struct {
	RequesterID     string    `json:"requester_id"`
	EntitlementUUID string    `json:"entitlement_uuid"`
	PlanKey         string    `json:"plan_key"`
	OrderID         string    `json:"order_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastReminderAt  time.Time `json:"last_reminder_at,omitempty"`
}

type Ledger interface {
	CreateOrReusePending(ctx context.Context, o Order) (Order, bool, error)
	Get(ctx context.Context, orderID string) (Order, error)
	CompareAndSet(ctx context.Context, orderID string, from []string, u Update) (bool, error)
	AttachPaymentProof(ctx context.Context, orderID, masked, waitingRef string, at time.Time) (bool, error)
	AttachOperatorMessage(ctx context.Context, orderID, ref string, at time.Time) (bool, error)
	List(ctx context.Context, f Filter) ([]Order, error)
	AddSubscription(ctx context.Context, s Subscription) error
}

type PlanCatalog interface {
	Get(ctx context.Context, key string) (plans.Plan, error)
}

type Gateway interface {
	GetEntitlement(ctx context.Context, uuid string) (*panel.Profile, error)
	CreateEntitlement(ctx context.Context, req panel.CreateRequest) (panel.Profile, error)
	PatchEntitlement(ctx context.Context, req panel.PatchRequest) error
}

type AuditLog interface {
	Append(ctx context.Context, e audit.Entry) error
	ListByOrder(ctx context.Context, orderID string) ([]audit.Entry, error)
}

// DeliveryError reports a categorized provisioning failure. The order has
// already been moved to failed when it is returned.
type DeliveryError struct {
	Category Category
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed (%s): %v", e.Category, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DatabaseError wraps ledger failures so callers can report them as such.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string { return "ledger " + e.Op + ": " + e.Err.Error() }

func (e *DatabaseError) Unwrap() error { return e.Err }

// Machine drives orders through their lifecycle. Every status change is a
// conditional ledger update, so concurrent callers cannot both win.
type Machine struct {
	Ledger  Ledger
	Plans   PlanCatalog
	Gateway Gateway
	Audit   AuditLog
	Notify  notify.Sink

	// TrafficPolicy is read on every renewal so configuration reloads apply.
	TrafficPolicy  func() TrafficPolicy
	InternalSquads []string
	Now            func() time.Time
	NewID          func() string
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Machine) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (m *Machine) trafficPolicy() TrafficPolicy {
	if m.TrafficPolicy != nil {
		return m.TrafficPolicy()
	}
	return TrafficReplace
}

// Submit returns the requester's pending order if one exists, otherwise creates one.
func (m *Machine) Submit(ctx context.Context, requesterID, planKey string, kind Kind, targetRef, requestMsgRef string) (Result, error) {
	requesterID = strings.TrimSpace(requesterID)
	planKey = strings.TrimSpace(planKey)
	if requesterID == "" || planKey == "" {
		return Result{}, fmt.Errorf("%w: requester and plan are required", ErrInvalidRequest)
	}
	if kind != KindNew && kind != KindRenew {
		return Result{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
	}
	if kind == KindRenew && strings.TrimSpace(targetRef) == "" {
		return Result{}, fmt.Errorf("%w: renewal needs a target entitlement", ErrInvalidRequest)
	}
	if kind == KindNew {
		targetRef = NoTarget
	}
	if _, err := m.Plans.Get(ctx, planKey); err != nil {
		if errors.Is(err, plans.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planKey)
		}
		return Result{}, &DatabaseError{Op: "plan lookup", Err: err}
	}
	now := m.now()
	candidate := Order{
		OrderID:       m.newID(),
		RequesterID:   requesterID,
		PlanKey:       planKey,
		Kind:          kind,
		TargetRef:     targetRef,
		Status:        Pending,
		RequestMsgRef: requestMsgRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o, created, err := m.Ledger.CreateOrReusePending(ctx, candidate)
	if err != nil {
		return Result{}, &DatabaseError{Op: "submit", Err: err}
	}
	action := audit.ActionReuse
	if created {
		action = audit.ActionSubmit
		metrics.IncTransition(Pending)
	}
	m.appendAudit(ctx, o.OrderID, action, requesterID, fmt.Sprintf("plan=%s kind=%s", o.PlanKey, o.Kind))
	return Result{Order: o, Created: created}, nil
}

// AttachPaymentProof stores the masked proof on a pending order and asks operators to decide.
func (m *Machine) AttachPaymentProof(ctx context.Context, orderID, proof, waitingRef string) (Result, error) {
	masked := MaskPaymentProof(proof)
	if masked == "" {
		return Result{}, fmt.Errorf("%w: payment proof is empty", ErrInvalidRequest)
	}
	ok, err := m.Ledger.AttachPaymentProof(ctx, orderID, masked, waitingRef, m.now())
	if err != nil {
		return Result{}, &DatabaseError{Op: "attach payment", Err: err}
	}
	o, err := m.load(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Order: o}, ErrInvalidTransition
	}
	m.appendAudit(ctx, orderID, audit.ActionPaymentProof, o.RequesterID, masked)
	m.emit(ctx, notify.Notification{
		Kind:        notify.KindPaymentAttached,
		Audience:    notify.AudienceOperator,
		OrderID:     o.OrderID,
		RecipientID: o.RequesterID,
		Fields: map[string]any{
			"plan_key":      o.PlanKey,
			"kind":          string(o.Kind),
			"target_ref":    o.TargetRef,
			"payment_proof": masked,
		},
		Actions: []notify.Action{
			{Tag: "approve", Ref: o.OrderID, Label: "Approve"},
			{Tag: "reject", Ref: o.OrderID, Label: "Reject"},
		},
	})
	return Result{Order: o}, nil
}

// AttachOperatorMessage records which operator message belongs to the order.
func (m *Machine) AttachOperatorMessage(ctx context.Context, orderID, ref string) error {
	ok, err := m.Ledger.AttachOperatorMessage(ctx, orderID, ref, m.now())
	if err != nil {
		return &DatabaseError{Op: "attach operator message", Err: err}
	}
	if !ok {
		o, err := m.load(ctx, orderID)
		if err != nil {
			return err
		}
		m.appendAudit(ctx, orderID, audit.ActionTransitionDenied, "", "operator message on "+o.Status)
		return ErrInvalidTransition
	}
	m.appendAudit(ctx, orderID, audit.ActionOperatorMessage, "", ref)
	return nil
}

// Claim moves a pending order to approved. Exactly one concurrent caller wins;
// the others get ErrAlreadyClaimed and must not retry.
func (m *Machine) Claim(ctx context.Context, orderID, actorID string) (Result, error) {
	ok, err := m.Ledger.CompareAndSet(ctx, orderID, SourcesFor(EventClaim), Update{To: Approved, At: m.now()})
	if err != nil {
		return Result{}, &DatabaseError{Op: "claim", Err: err}
	}
	o, err := m.load(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		m.appendAudit(ctx, orderID, audit.ActionTransitionDenied, actorID, "claim from "+o.Status)
		return Result{Order: o}, ErrAlreadyClaimed
	}
	metrics.IncTransition(Approved)
	m.appendAudit(ctx, orderID, audit.ActionClaim, actorID, "")
	return Result{Order: o}, nil
}

// Approve is the operator's one-step claim and deliver.
func (m *Machine) Approve(ctx context.Context, orderID, actorID string) (Result, error) {
	if _, err := m.Claim(ctx, orderID, actorID); err != nil {
		return Result{}, err
	}
	return m.Deliver(ctx, orderID, actorID)
}

// Deliver provisions an approved order against the panel.
func (m *Machine) Deliver(ctx context.Context, orderID, actorID string) (Result, error) {
	o, err := m.load(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.Status == Delivered {
		return Result{Order: o, NoOp: true}, nil
	}
	if o.Status != Approved {
		m.appendAudit(ctx, orderID, audit.ActionTransitionDenied, actorID, "deliver from "+o.Status)
		return Result{Order: o}, ErrInvalidTransition
	}

	plan, err := m.Plans.Get(ctx, o.PlanKey)
	if err != nil {
		cat := CategoryDatabase
		if errors.Is(err, plans.ErrNotFound) {
			cat = CategoryBusinessValidation
			err = fmt.Errorf("%w: %s", ErrUnknownPlan, o.PlanKey)
		}
		return m.fail(ctx, o, actorID, cat, err)
	}

	var res Result
	switch o.Kind {
	case KindRenew:
		res, err = m.renew(ctx, o, plan)
	default:
		res, err = m.provision(ctx, o, plan)
	}
	if err != nil {
		return m.fail(ctx, o, actorID, Categorize(err), err)
	}

	ok, err := m.Ledger.CompareAndSet(ctx, orderID, SourcesFor(EventDeliver), Update{
		To:           Delivered,
		DeliveredRef: res.Order.DeliveredRef,
		At:           m.now(),
	})
	if err != nil || !ok {
		detail := "entitlement " + res.Order.DeliveredRef + " provisioned but order is no longer approved"
		if err != nil {
			detail += ": " + err.Error()
		}
		log.Printf("orders: state conflict after provisioning order=%s ref=%s", orderID, res.Order.DeliveredRef)
		m.appendAudit(ctx, orderID, audit.ActionStateConflict, actorID, detail)
		m.emit(ctx, notify.Notification{
			Kind:     notify.KindStateConflict,
			Audience: notify.AudienceOperator,
			OrderID:  orderID,
			Category: string(CategoryDatabase),
			Detail:   detail,
		})
		if err != nil {
			return Result{Order: o}, &DatabaseError{Op: "deliver", Err: err}
		}
		return Result{Order: o}, ErrStateChanged
	}
	metrics.IncTransition(Delivered)
	m.appendAudit(ctx, orderID, audit.ActionDeliver, actorID, "ref="+res.Order.DeliveredRef)

	if o.Kind == KindNew {
		sub := Subscription{
			RequesterID:     o.RequesterID,
			EntitlementUUID: res.Order.DeliveredRef,
			PlanKey:         o.PlanKey,
			OrderID:         o.OrderID,
			CreatedAt:       m.now(),
		}
		if err := m.Ledger.AddSubscription(ctx, sub); err != nil {
			log.Printf("orders: subscription record failed order=%s err=%v", orderID, err)
			m.appendAudit(ctx, orderID, audit.ActionDeliver, actorID, "subscription record failed: "+err.Error())
		}
	}

	delivered, err := m.load(ctx, orderID)
	if err != nil {
		delivered = o
		delivered.Status = Delivered
		delivered.DeliveredRef = res.Order.DeliveredRef
	}
	res.Order = delivered
	m.emit(ctx, notify.Notification{
		Kind:        notify.KindOrderDelivered,
		Audience:    notify.AudienceRequester,
		RecipientID: o.RequesterID,
		OrderID:     orderID,
		Fields: map[string]any{
			"plan_key":            o.PlanKey,
			"kind":                string(o.Kind),
			"entitlement":         res.Order.DeliveredRef,
			"expire_at":           res.ExpireAt,
			"traffic_limit_bytes": res.Traffic,
			"access_url":          res.AccessURL,
		},
	})
	return res, nil
}

func (m *Machine) renew(ctx context.Context, o Order, plan plans.Plan) (Result, error) {
	prof, err := m.Gateway.GetEntitlement(ctx, o.TargetRef)
	if err != nil {
		return Result{}, err
	}
	if prof == nil {
		return Result{}, &panel.Error{Kind: panel.KindBusiness, Op: "get_user", Err: errors.New("target entitlement not found")}
	}
	now := m.now()
	expire := RenewExpiry(now, prof.Expiry(), plan.Days)
	traffic := RenewTraffic(plan.ResetStrategy, m.trafficPolicy(), prof.TrafficLimitBytes, prof.UsedTrafficBytes, plan.TrafficBytes())
	err = m.Gateway.PatchEntitlement(ctx, panel.PatchRequest{
		UUID:                 o.TargetRef,
		Status:               panel.StatusActive,
		TrafficLimitBytes:    &traffic,
		TrafficLimitStrategy: plans.NormalizeStrategy(plan.ResetStrategy),
		ExpireAt:             panel.FormatExpiry(expire),
	})
	if err != nil {
		return Result{}, err
	}
	o.DeliveredRef = o.TargetRef
	return Result{Order: o, ExpireAt: expire, Traffic: traffic, AccessURL: prof.SubscriptionURL}, nil
}

func (m *Machine) provision(ctx context.Context, o Order, plan plans.Plan) (Result, error) {
	now := m.now()
	expire := now.Add(time.Duration(plan.Days) * 24 * time.Hour)
	prof, err := m.Gateway.CreateEntitlement(ctx, panel.CreateRequest{
		Username:             fmt.Sprintf("tg_%s_%d", o.RequesterID, now.Unix()),
		Status:               panel.StatusActive,
		TrafficLimitBytes:    plan.TrafficBytes(),
		TrafficLimitStrategy: plans.NormalizeStrategy(plan.ResetStrategy),
		ExpireAt:             panel.FormatExpiry(expire),
		ActiveInternalSquads: m.InternalSquads,
	})
	if err != nil {
		return Result{}, err
	}
	o.DeliveredRef = prof.UUID
	return Result{Order: o, ExpireAt: expire, Traffic: plan.TrafficBytes(), AccessURL: prof.SubscriptionURL}, nil
}

func (m *Machine) fail(ctx context.Context, o Order, actorID string, cat Category, cause error) (Result, error) {
	detail := cause.Error()
	ok, err := m.Ledger.CompareAndSet(ctx, o.OrderID, SourcesFor(EventFail), Update{
		To:            Failed,
		ErrorCategory: cat,
		ErrorDetail:   detail,
		At:            m.now(),
	})
	if err != nil {
		log.Printf("orders: record failure order=%s category=%s err=%v", o.OrderID, cat, err)
	} else if !ok {
		log.Printf("orders: order=%s left approved before failure was recorded", o.OrderID)
	}
	metrics.IncFailure(string(cat))
	m.appendAudit(ctx, o.OrderID, audit.ActionFail, actorID, string(cat)+": "+detail)
	m.emit(ctx, notify.Notification{
		Kind:        notify.KindOrderFailed,
		Audience:    notify.AudienceOperator,
		OrderID:     o.OrderID,
		RecipientID: o.RequesterID,
		Category:    string(cat),
		Detail:      detail,
		Actions:     []notify.Action{{Tag: "retry", Ref: o.OrderID, Label: "Retry"}},
	})
	failed, loadErr := m.load(ctx, o.OrderID)
	if loadErr != nil {
		failed = o
	}
	return Result{Order: failed, Category: cat}, &DeliveryError{Category: cat, Err: cause}
}

// Reject closes a pending or approved order. Rejecting twice succeeds.
func (m *Machine) Reject(ctx context.Context, orderID, actorID, reason string) (Result, error) {
	return m.reject(ctx, orderID, actorID, reason, SourcesFor(EventReject), audit.ActionReject)
}

// Cancel lets a requester withdraw their own pending order.
func (m *Machine) Cancel(ctx context.Context, orderID, requesterID string) (Result, error) {
	o, err := m.load(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.RequesterID != requesterID {
		return Result{}, ErrNotOwner
	}
	return m.reject(ctx, orderID, requesterID, "cancelled by requester", []string{Pending}, audit.ActionCancel)
}

func (m *Machine) reject(ctx context.Context, orderID, actorID, reason string, from []string, action string) (Result, error) {
	o, err := m.load(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.Status == Rejected {
		return Result{Order: o, NoOp: true}, nil
	}
	ok, err := m.Ledger.CompareAndSet(ctx, orderID, from, Update{To: Rejected, ErrorDetail: reason, At: m.now()})
	if err != nil {
		return Result{}, &DatabaseError{Op: action, Err: err}
	}
	o, err = m.load(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		if o.Status == Rejected {
			return Result{Order: o, NoOp: true}, nil
		}
		m.appendAudit(ctx, orderID, audit.ActionTransitionDenied, actorID, action+" from "+o.Status)
		return Result{Order: o}, ErrInvalidTransition
	}
	metrics.IncTransition(Rejected)
	m.appendAudit(ctx, orderID, action, actorID, reason)
	m.emit(ctx, notify.Notification{
		Kind:        notify.KindOrderRejected,
		Audience:    notify.AudienceRequester,
		RecipientID: o.RequesterID,
		OrderID:     orderID,
		Detail:      reason,
	})
	return Result{Order: o}, nil
}

// Retry moves a failed order back to approved. Delivery is a separate call.
func (m *Machine) Retry(ctx context.Context, orderID, actorID string) (Result, error) {
	ok, err := m.Ledger.CompareAndSet(ctx, orderID, SourcesFor(EventRetry), Update{To: Approved, At: m.now()})
	if err != nil {
		return Result{}, &DatabaseError{Op: "retry", Err: err}
	}
	o, err := m.load(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		m.appendAudit(ctx, orderID, audit.ActionTransitionDenied, actorID, "retry from "+o.Status)
		return Result{Order: o}, ErrInvalidTransition
	}
	metrics.IncTransition(Approved)
	m.appendAudit(ctx, orderID, audit.ActionRetry, actorID, "")
	return Result{Order: o}, nil
}

func (m *Machine) RetryAndDeliver(ctx context.Context, orderID, actorID string) (Result, error) {
	if _, err := m.Retry(ctx, orderID, actorID); err != nil {
		return Result{}, err
	}
	return m.Deliver(ctx, orderID, actorID)
}

func (m *Machine) Get(ctx context.Context, orderID string) (Order, error) {
	return m.load(ctx, orderID)
}

func (m *Machine) List(ctx context.Context, f Filter) ([]Order, error) {
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	out, err := m.Ledger.List(ctx, f)
	if err != nil {
		return nil, &DatabaseError{Op: "list", Err: err}
	}
	return out, nil
}

func (m *Machine) AuditTrail(ctx context.Context, orderID string) ([]audit.Entry, error) {
	if _, err := m.load(ctx, orderID); err != nil {
		return nil, err
	}
	entries, err := m.Audit.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, &DatabaseError{Op: "audit trail", Err: err}
	}
	return entries, nil
}

func (m *Machine) load(ctx context.Context, orderID string) (Order, error) {
	o, err := m.Ledger.Get(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, &DatabaseError{Op: "get", Err: err}
	}
	return o, nil
}

func (m *Machine) appendAudit(ctx context.Context, orderID, action, actorID, detail string) {
	if m.Audit == nil {
		return
	}
	err := m.Audit.Append(ctx, audit.Entry{OrderID: orderID, Action: action, ActorID: actorID, Detail: detail, CreatedAt: m.now()})
	if err != nil {
		log.Printf("orders: audit append failed order=%s action=%s err=%v", orderID, action, err)
	}
}

func (m *Machine) emit(ctx context.Context, n notify.Notification) {
	if m.Notify == nil {
		return
	}
	if n.At.IsZero() {
		n.At = m.now()
	}
	if err := m.Notify.Notify(ctx, n); err != nil {
		log.Printf("orders: notify failed kind=%s order=%s err=%v", n.Kind, n.OrderID, err)
	}
}

// Categorize maps a provisioning error onto a failure category.
func Categorize(err error) Category {
	if err == nil {
		return CategoryNone
	}
	switch panel.KindOf(err) {
	case panel.KindNetwork:
		return CategoryNetwork
	case panel.KindUpstream:
		return CategoryUpstream
	case panel.KindBusiness:
		return CategoryBusinessValidation
	}
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return CategoryDatabase
	}
	if errors.Is(err, ErrUnknownPlan) || errors.Is(err, ErrInvalidRequest) {
		return CategoryBusinessValidation
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return CategoryNetwork
	}
	return CategoryUnknown
}
