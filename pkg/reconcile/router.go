package reconcile

// Route binds a category to its handler.
type Route struct {
	Category Category
	Prepare  PrepareFunc
	Apply    ApplyFunc
}

// Router is a static category -> handler table built once at engine construction.
type Router struct {
	routes map[Category]Route
}

func newRouter(h *handlers) *Router {
	r := &Router{routes: make(map[Category]Route)}

	r.add(CategoryCheckoutCompleted, h.prepareCheckout, h.handleCheckoutCompleted)
	r.add(CategorySubscriptionUpsert, nil, h.handleSubscriptionUpsert)
	r.add(CategorySubscriptionDeleted, nil, h.handleSubscriptionDeleted)
	r.add(CategoryInvoicePaid, nil, h.handleInvoice)
	r.add(CategoryInvoiceFailed, nil, h.handleInvoice)
	r.add(CategoryPaymentMethodAttached, nil, h.handlePaymentMethodAttached)
	r.add(CategoryPaymentMethodDetached, nil, h.handlePaymentMethodDetached)
	r.add(CategoryAccountUpdated, nil, h.handleAccount)
	r.add(CategoryAccountAuthorized, nil, h.handleAccount)
	r.add(CategoryAccountDeauthorized, nil, h.handleAccount)
	r.add(CategoryPaymentIntentSucceeded, nil, h.handlePaymentIntent)
	r.add(CategoryPaymentIntentFailed, nil, h.handlePaymentIntent)
	r.add(CategoryPayoutCreated, nil, h.handlePayoutCreated)
	r.add(CategoryPayoutPaid, nil, h.handlePayoutStatus)
	r.add(CategoryPayoutFailed, nil, h.handlePayoutStatus)

	return r
}

func (r *Router) add(c Category, prepare PrepareFunc, apply ApplyFunc) {
	r.routes[c] = Route{Category: c, Prepare: prepare, Apply: apply}
}

// Lookup returns the route for a category; ok is false for unknown categories.
func (r *Router) Lookup(c Category) (Route, bool) {
	route, ok := r.routes[c]
	return route, ok
}

// Categories lists every routed category.
func (r *Router) Categories() []Category {
	out := make([]Category, 0, len(r.routes))
	for c := range r.routes {
		out = append(out, c)
	}
	return out
}
