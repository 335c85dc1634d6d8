package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/farmmarket-backend/api/controllers"
	"github.com/angelmondragon/farmmarket-backend/api/middleware"
	"github.com/angelmondragon/farmmarket-backend/internal/cart"
	checkoutsvc "github.com/angelmondragon/farmmarket-backend/internal/checkout"
	"github.com/angelmondragon/farmmarket-backend/internal/orders"
	"github.com/angelmondragon/farmmarket-backend/pkg/config"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/farmmarket-backend/pkg/redis"
)

// Deps are the services and probes the API router serves.
type Deps struct {
	Cart        cart.Service
	Checkout    checkoutsvc.Service
	Orders      orders.Service
	Idempotency pkgredis.IdempotencyStore
	Health      map[string]controllers.Pinger
	Metrics     prometheus.Gatherer
}

// NewRouter mounts health, metrics and the buyer, producer and admin APIs.
func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.CORS(cfg.CORS),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Health))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(deps.Idempotency, logg))

		r.Get("/orders/{orderId}", controllers.OrderDetail(deps.Orders, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(enums.UserRoleBuyer, logg))
			r.Route("/cart", func(r chi.Router) {
				r.Get("/", controllers.CartFetch(deps.Cart, logg))
				r.Delete("/", controllers.CartClear(deps.Cart, logg))
				r.Post("/items", controllers.CartAddItem(deps.Cart, logg))
				r.Put("/items/{itemId}", controllers.CartSetQuantity(deps.Cart, logg))
				r.Delete("/items/{itemId}", controllers.CartRemoveItem(deps.Cart, logg))
			})
			r.Post("/checkout", controllers.CheckoutCart(deps.Checkout, logg))
			r.Post("/checkout/items/{itemId}", controllers.CheckoutItem(deps.Checkout, logg))
			r.Get("/orders", controllers.BuyerOrders(deps.Orders, logg))
			r.Delete("/orders/{orderId}", controllers.RemoveOrder(deps.Orders, logg))
			r.Get("/orders/purchases/{itemId}", controllers.PurchaseEligibility(deps.Orders, logg))
		})

		r.Route("/producer", func(r chi.Router) {
			r.Use(middleware.RequireRole(enums.UserRoleProducer, logg))
			r.Get("/orders", controllers.ProducerOrders(deps.Orders, logg))
			r.Post("/orders/{orderId}/deliver", controllers.ProducerDeliver(deps.Orders, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.UserRoleAdmin, logg))
		r.Use(middleware.Idempotency(deps.Idempotency, logg))
		r.Patch("/orders/{orderId}/status", controllers.AdminUpdateStatus(deps.Orders, logg))
		r.Post("/orders/{orderId}/reconcile", controllers.AdminReconcile(deps.Orders, logg))
	})

	return r
}
