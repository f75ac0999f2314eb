package httpx

import (
	"context"
	"net/http"

	"github.com/ariefcatur/go-realtime-storefront/internal/cart"
	"github.com/ariefcatur/go-realtime-storefront/internal/checkout"
	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/notify"
	"github.com/ariefcatur/go-realtime-storefront/internal/storefront"
	"github.com/ariefcatur/go-realtime-storefront/internal/validate"
	"github.com/go-chi/chi/v5"
)

type Handler struct {
	App    *storefront.App
	Logger *logger.Logger
}

type OpenSessionReq struct {
	Token string `json:"token"`
}

type SessionResp struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token,omitempty"`
	Anonymous bool   `json:"anonymous"`
}

type AddItemReq struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"omitempty,gte=1"`
}

type SetQuantityReq struct {
	Quantity *int64 `json:"quantity" validate:"required"`
}

type ClearCartReq struct {
	Confirm bool `json:"confirm"`
}

type ShippingReq struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address"`
	City    string `json:"city"`
}

type CartResp struct {
	cart.Snapshot
	Subtotal  int64 `json:"subtotal"`
	ItemCount int64 `json:"itemCount"`
}

type CounterResp struct {
	Count int64 `json:"count"`
	Ready bool  `json:"ready"`
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/sessions", h.openSession)

	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)

	r.Get("/counter", h.getCounter)
	r.Post("/counter/increment", h.incrementCounter)

	r.Group(func(r chi.Router) {
		r.Use(withSession(h.App, h.Logger))

		r.Delete("/sessions/current", h.closeSession)
		r.Get("/notices", h.listNotices)

		r.Get("/cart", h.getCart)
		r.Post("/cart/items", h.addItem)
		r.Put("/cart/items/{productId}", h.setQuantity)
		r.Delete("/cart/items/{productId}", h.removeItem)
		r.Post("/cart/clear", h.clearCart)

		r.Get("/checkout", h.getCheckout)
		r.Post("/checkout/proceed", h.checkoutStep((*checkout.Machine).Proceed))
		r.Post("/checkout/back", h.checkoutStep((*checkout.Machine).Back))
		r.Post("/checkout/shipping", h.submitShipping)
		r.Post("/checkout/confirm", h.confirm)
		r.Post("/checkout/retry-clear", h.checkoutStep((*checkout.Machine).RetryClear))
		r.Post("/checkout/close", h.checkoutStep(func(m *checkout.Machine, ctx context.Context) error {
			m.Close(ctx)
			return nil
		}))
		r.Post("/checkout/reopen", h.checkoutStep((*checkout.Machine).Reopen))
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if err := h.App.Ready(); err != nil {
		e, _, _ := toAPIError(err)
		body = map[string]any{"status": "degraded", "error": e}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.App.Ready(); err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionReq
	if r.ContentLength != 0 {
		if err := validate.DecodeJSONBody(r, &req); err != nil {
			writeError(r.Context(), h.Logger, w, err)
			return
		}
	}
	s, err := h.App.OpenSession(r.Context(), req.Token)
	if err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	writeData(w, http.StatusCreated, SessionResp{SessionID: s.ID, Token: s.Token, Anonymous: s.Identity.Anonymous})
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	if err := h.App.CloseSession(r.Context(), s.ID); err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listNotices(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, sessionFrom(r.Context()).Notices.Notices())
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.App.Catalog()
	if err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	if !products.Ready() {
		if err := products.Err(); err != nil {
			writeError(r.Context(), h.Logger, w, err)
			return
		}
		writeError(r.Context(), h.Logger, w, apperr.New(apperr.CodeNotReady, "products are still loading"))
		return
	}
	writeData(w, http.StatusOK, products.List())
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	products, err := h.App.Catalog()
	if err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	p, ok := products.FindByID(chi.URLParam(r, "id"))
	if !ok {
		writeError(r.Context(), h.Logger, w, apperr.New(apperr.CodeNotFound, "product not found"))
		return
	}
	writeData(w, http.StatusOK, p)
}

func (h *Handler) getCounter(w http.ResponseWriter, r *http.Request) {
	c, err := h.App.Counter()
	if err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	v, ok := c.Value()
	writeData(w, http.StatusOK, CounterResp{Count: v, Ready: ok})
}

func (h *Handler) incrementCounter(w http.ResponseWriter, r *http.Request) {
	c, err := h.App.Counter()
	if err == nil {
		err = c.Increment(r.Context())
	}
	if err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, cartResp(sessionFrom(r.Context()).Cart.Snapshot()))
}

func cartResp(s cart.Snapshot) CartResp {
	return CartResp{Snapshot: s, Subtotal: s.Subtotal(), ItemCount: s.ItemCount()}
}

// addItem takes the product as the catalog currently shows it, so the line
// captures today's name, image and price.
func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemReq
	if err := validate.DecodeJSONBody(r, &req); err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	products, err := h.App.Catalog()
	if err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	p, ok := products.FindByID(req.ProductID)
	if !ok {
		writeError(r.Context(), h.Logger, w, apperr.New(apperr.CodeNotFound, "product not found"))
		return
	}
	if err := sessionFrom(r.Context()).Cart.AddItem(r.Context(), p, req.Quantity); err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) setQuantity(w http.ResponseWriter, r *http.Request) {
	var req SetQuantityReq
	if err := validate.DecodeJSONBody(r, &req); err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	err := sessionFrom(r.Context()).Cart.SetQuantity(r.Context(), chi.URLParam(r, "productId"), *req.Quantity)
	if err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	if err := sessionFrom(r.Context()).Cart.RemoveItem(r.Context(), chi.URLParam(r, "productId")); err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// clearCart is the second step of a two-step confirm: without
// {"confirm":true} nothing is touched and the prompt is returned.
func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	var req ClearCartReq
	if r.ContentLength != 0 {
		if err := validate.DecodeJSONBody(r, &req); err != nil {
			writeError(r.Context(), h.Logger, w, err)
			return
		}
	}
	s := sessionFrom(r.Context())

	var prompt string
	cleared, err := s.Cart.ConfirmClear(r.Context(), notify.ConfirmFunc(func(_ context.Context, p string) bool {
		prompt = p
		return req.Confirm
	}))
	if err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	if !cleared {
		writeError(r.Context(), h.Logger, w, apperr.New(apperr.CodeConfirmationRequired, prompt).
			WithDetails(map[string]any{"confirm": true}))
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (h *Handler) getCheckout(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, sessionFrom(r.Context()).Checkout.View())
}

func (h *Handler) checkoutStep(step func(m *checkout.Machine, ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := sessionFrom(r.Context()).Checkout
		if err := step(m, r.Context()); err != nil {
			writeError(r.Context(), h.Logger, w, err)
			return
		}
		writeData(w, http.StatusOK, m.View())
	}
}

// submitShipping leaves field checks to the machine, which trims first and
// keeps the shipping step on failure.
func (h *Handler) submitShipping(w http.ResponseWriter, r *http.Request) {
	var req ShippingReq
	if err := validate.DecodeJSONBody(r, &req); err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	m := sessionFrom(r.Context()).Checkout
	if err := m.SubmitShipping(r.Context(), checkout.ShippingInfo(req)); err != nil {
		writeError(r.Context(), h.Logger, w, err)
		return
	}
	writeData(w, http.StatusOK, m.View())
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req checkout.PaymentInfo
	if r.ContentLength != 0 {
		if err := validate.DecodeJSONBody(r, &req); err != nil {
			writeError(r.Context(), h.Logger, w, err)
			return
		}
	}
	out, err := sessionFrom(r.Context()).Checkout.Confirm(r.Context(), req)
	switch {
	case err == nil:
		writeData(w, http.StatusOK, out)
	case apperr.HasCode(err, apperr.CodeCartClearFailed):
		writePartial(w, out, err)
	default:
		writeError(r.Context(), h.Logger, w, err)
	}
}
