package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ike666888/RemnaShop-Pro/pkg/bulk"
	"github.com/ike666888/RemnaShop-Pro/pkg/config"
	"github.com/ike666888/RemnaShop-Pro/pkg/hardening"
	"github.com/ike666888/RemnaShop-Pro/pkg/httpx"
	"github.com/ike666888/RemnaShop-Pro/pkg/metrics"
	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
	"github.com/ike666888/RemnaShop-Pro/pkg/panel"
	"github.com/ike666888/RemnaShop-Pro/pkg/plans"
	"github.com/ike666888/RemnaShop-Pro/pkg/ratelimit"
	"github.com/ike666888/RemnaShop-Pro/pkg/render"
	"github.com/ike666888/RemnaShop-Pro/pkg/risk"
	"github.com/ike666888/RemnaShop-Pro/pkg/router"
	"github.com/ike666888/RemnaShop-Pro/pkg/telemetry"
)

const maxRequestBodyBytes = 1 << 20

func runServe(ctx context.Context, mgr *config.Manager) error {
	cfg := mgr.Config()
	if err := hardening.ValidateProduction(cfg); err != nil {
		return err
	}
	shutdown, err := initTelemetryFn(ctx, cfg.TelemetryOptions())
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	app, err := buildApp(ctx, mgr)
	if err != nil {
		return err
	}
	defer app.Close()

	metrics.Register()
	mgr.Watch()
	startLoopsFn(ctx, app)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Printf("remnashop: listening addr=%s env=%s", cfg.HTTP.Addr, cfg.Environment)
	if err := listenFn(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) routes() http.Handler {
	cfg := a.Config.Config()
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.HTTP.CORSOrigins, httpx.DefaultTokenHeader))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(metrics.Middleware(routePattern))
	r.Use(telemetry.HTTPMiddleware(serviceName(cfg)))
	r.Use(limitRequestBody)

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httpx.TokenMiddleware(httpx.DefaultTokenHeader, cfg.HTTP.OperatorToken))

		r.Post("/v1/orders", a.submitOrder)
		r.Get("/v1/orders", a.listOrders)
		r.Get("/v1/orders/{id}", a.getOrder)
		r.Get("/v1/orders/{id}/audit", a.orderAudit)
		r.Post("/v1/orders/{id}/payment", a.attachPayment)
		r.Post("/v1/orders/{id}/operator-message", a.attachOperatorMessage)
		r.Post("/v1/orders/{id}/{action}", a.orderAction)
		r.Post("/v1/callbacks", a.callback)

		r.Get("/v1/risk/events", a.listRiskEvents)
		r.Post("/v1/risk/whitelist", a.whitelist)
		r.Post("/v1/risk/unfreeze", a.forceUnfreeze)
		r.Post("/v1/risk/scan", a.runScan)

		r.Post("/v1/bulk/{action}", a.runBulk)

		r.Get("/v1/plans", a.listPlans)
		r.Get("/v1/plans/{key}", a.getPlan)
		r.Put("/v1/plans/{key}", a.putPlan)
		r.Delete("/v1/plans/{key}", a.deletePlan)

		r.Get("/v1/stream", a.stream)
	})
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{"status": "ok", "service": serviceName(a.Config.Config())}
	if err := a.DB.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["db"] = "unreachable"
		httpx.WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

type submitRequest struct {
	RequesterID   string `json:"requester_id"`
	PlanKey       string `json:"plan_key"`
	Kind          string `json:"kind"`
	TargetRef     string `json:"target_ref"`
	RequestMsgRef string `json:"request_msg_ref"`
}

func (a *App) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind := orders.KindNew
	if strings.TrimSpace(req.Kind) != "" {
		k, ok := orders.ParseKind(req.Kind)
		if !ok {
			httpx.Error(w, http.StatusBadRequest, "kind must be new or renew")
			return
		}
		kind = k
	}
	if err := a.Cooldown.Check(r.Context(), req.RequesterID); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.Orders.Submit(r.Context(), req.RequesterID, req.PlanKey, kind, req.TargetRef, req.RequestMsgRef)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, res)
}

func (a *App) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orders.Filter{Status: q.Get("status"), RequesterID: q.Get("requester_id")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "before must be RFC3339")
			return
		}
		f.Before = t
	}
	if f.Status != "" && !orders.ValidStatus(f.Status) {
		httpx.Error(w, http.StatusBadRequest, "unknown status")
		return
	}
	list, err := a.Orders.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (a *App) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (a *App) orderAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := a.Orders.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type paymentRequest struct {
	Proof      string `json:"proof"`
	WaitingRef string `json:"waiting_msg_ref"`
}

func (a *App) attachPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.Orders.AttachPaymentProof(r.Context(), chi.URLParam(r, "id"), req.Proof, req.WaitingRef)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type refRequest struct {
	Ref string `json:"ref"`
}

func (a *App) attachOperatorMessage(w http.ResponseWriter, r *http.Request) {
	var req refRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.Orders.AttachOperatorMessage(r.Context(), chi.URLParam(r, "id"), req.Ref); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actionRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (a *App) orderAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ActorID) == "" {
		httpx.Error(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	ctx, id := r.Context(), chi.URLParam(r, "id")
	var (
		res orders.Result
		err error
	)
	switch chi.URLParam(r, "action") {
	case "claim":
		res, err = a.Orders.Claim(ctx, id, req.ActorID)
	case "approve":
		res, err = a.Orders.Approve(ctx, id, req.ActorID)
	case "deliver":
		res, err = a.Orders.Deliver(ctx, id, req.ActorID)
	case "reject":
		res, err = a.Orders.Reject(ctx, id, req.ActorID, req.Reason)
	case "retry":
		res, err = a.Orders.RetryAndDeliver(ctx, id, req.ActorID)
	case "cancel":
		if err = a.Cooldown.Check(ctx, req.ActorID); err == nil {
			res, err = a.Orders.Cancel(ctx, id, req.ActorID)
		}
	default:
		httpx.Error(w, http.StatusNotFound, "unknown order action")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type callbackRequest struct {
	CallerID   string `json:"caller_id"`
	Token      string `json:"token"`
	MessageRef string `json:"message_ref"`
}

type callbackResponse struct {
	Outcome router.Outcome `json:"outcome"`
	Text    string         `json:"text"`
}

// callback resolves a chat button token. The caller's role comes from the
// configured operator ids, never from the request.
func (a *App) callback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	caller := router.Caller{
		ID:         strings.TrimSpace(req.CallerID),
		Operator:   a.Config.Config().IsOperator(strings.TrimSpace(req.CallerID)),
		MessageRef: req.MessageRef,
	}
	out, err := a.Router.Dispatch(r.Context(), caller, req.Token)
	if err != nil {
		status, msg := errorStatus(err)
		text := msg
		if !caller.Operator {
			text = render.RequesterFailure(orders.Categorize(err))
		}
		httpx.WriteJSON(w, status, map[string]any{"error": msg, "text": text, "outcome": out})
		return
	}
	resp := callbackResponse{Outcome: out}
	switch {
	case out.Order != nil:
		resp.Text = render.OrderResult(*out.Order)
	case out.Subject != "":
		resp.Text = string(out.Tag) + " " + out.Subject + ": done"
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *App) listRiskEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := risk.EventFilter{SubjectID: q.Get("subject_id"), Level: risk.Level(q.Get("level"))}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	events, err := a.Events.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

type subjectRequest struct {
	SubjectID string `json:"subject_id"`
	ActorID   string `json:"actor_id"`
}

func (a *App) whitelist(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.Responder.Whitelist(r.Context(), req.SubjectID, req.ActorID); err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"subject_id": req.SubjectID, "status": "whitelisted"})
}

func (a *App) forceUnfreeze(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.Responder.ForceUnfreeze(r.Context(), req.SubjectID, req.ActorID); err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"subject_id": req.SubjectID, "status": panel.StatusActive})
}

func (a *App) runScan(w http.ResponseWriter, r *http.Request) {
	report, err := a.Scanner.RunOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

// runBulk accepts either a JSON bulk.Request or the operator text form
// (value line first for expire and traffic, then uuids).
func (a *App) runBulk(w http.ResponseWriter, r *http.Request) {
	action := bulk.Action(chi.URLParam(r, "action"))
	var req bulk.Request
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "unreadable body")
			return
		}
		req, err = bulk.ParseText(action, string(raw))
		if err != nil {
			writeError(w, err)
			return
		}
		req.ActorID = r.URL.Query().Get("actor_id")
	} else {
		if !decodeJSON(w, r, &req) {
			return
		}
		req.Action = action
	}
	report, err := a.Bulk.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

func (a *App) listPlans(w http.ResponseWriter, r *http.Request) {
	list, err := a.Plans.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"plans": list})
}

func (a *App) getPlan(w http.ResponseWriter, r *http.Request) {
	p, err := a.Plans.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (a *App) putPlan(w http.ResponseWriter, r *http.Request) {
	var p plans.Plan
	if !decodeJSON(w, r, &p) {
		return
	}
	p.Key = chi.URLParam(r, "key")
	if err := a.Plans.Put(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	p.ResetStrategy = plans.NormalizeStrategy(p.ResetStrategy)
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (a *App) deletePlan(w http.ResponseWriter, r *http.Request) {
	if err := a.Plans.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpx.Error(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("remnashop: request failed status=%d err=%v", status, err)
	}
	httpx.Error(w, status, msg)
}

func errorStatus(err error) (int, string) {
	var delivery *orders.DeliveryError
	switch {
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, plans.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, orders.ErrAlreadyClaimed), errors.Is(err, orders.ErrStateChanged),
		errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, orders.ErrNotOwner), errors.Is(err, router.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ratelimit.ErrCoolingDown):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, orders.ErrInvalidRequest), errors.Is(err, orders.ErrUnknownPlan),
		errors.Is(err, plans.ErrInvalid), errors.Is(err, router.ErrMalformedToken),
		errors.Is(err, router.ErrUnknownTag), errors.Is(err, bulk.ErrUnknownAction),
		errors.Is(err, bulk.ErrNoUUIDs), errors.Is(err, bulk.ErrInvalidValue),
		errors.Is(err, risk.ErrEmptySubject):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &delivery):
		return http.StatusBadGateway, err.Error()
	case panel.KindOf(err) != "":
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
