package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/farmmarket-backend/api/controllers"
	"github.com/angelmondragon/farmmarket-backend/internal/cart"
	checkoutsvc "github.com/angelmondragon/farmmarket-backend/internal/checkout"
	"github.com/angelmondragon/farmmarket-backend/internal/fanout"
	"github.com/angelmondragon/farmmarket-backend/internal/orders"
	"github.com/angelmondragon/farmmarket-backend/pkg/auth"
	"github.com/angelmondragon/farmmarket-backend/pkg/config"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/pagination"
	pkgredis "github.com/angelmondragon/farmmarket-backend/pkg/redis"
)

type stubCart struct{}

func (stubCart) Read(_ context.Context, buyerID uuid.UUID) (*cart.View, error) {
	return &cart.View{BuyerID: buyerID}, nil
}
func (stubCart) AddLine(_ context.Context, in cart.AddLineInput) (*cart.View, error) {
	return &cart.View{BuyerID: in.BuyerID, ItemCount: in.Quantity}, nil
}
func (stubCart) SetQuantity(_ context.Context, buyerID, _ uuid.UUID, _ int) (*cart.View, error) {
	return &cart.View{BuyerID: buyerID}, nil
}
func (stubCart) RemoveLine(_ context.Context, buyerID, _ uuid.UUID) (*cart.View, error) {
	return &cart.View{BuyerID: buyerID}, nil
}
func (stubCart) Clear(_ context.Context, buyerID uuid.UUID) (*cart.View, error) {
	return &cart.View{BuyerID: buyerID}, nil
}

type stubCheckout struct {
	lastCart checkoutsvc.CartInput
	lastItem checkoutsvc.ItemInput
	err      error
}

func (s *stubCheckout) CheckoutCart(_ context.Context, in checkoutsvc.CartInput) (*checkoutsvc.Result, error) {
	s.lastCart = in
	if s.err != nil {
		return nil, s.err
	}
	return &checkoutsvc.Result{Order: orders.OrderDTO{ID: uuid.New(), BuyerID: in.BuyerID, Status: enums.OrderStatusPending}}, nil
}

func (s *stubCheckout) CheckoutItem(_ context.Context, in checkoutsvc.ItemInput) (*checkoutsvc.Result, error) {
	s.lastItem = in
	if s.err != nil {
		return nil, s.err
	}
	return &checkoutsvc.Result{Order: orders.OrderDTO{ID: uuid.New(), BuyerID: in.BuyerID}}, nil
}

type stubOrders struct {
	statusCalls int
	delivered   []uuid.UUID
}

func (s *stubOrders) ListBuyerOrders(context.Context, uuid.UUID, pagination.Params) (*orders.OrderList, error) {
	return &orders.OrderList{}, nil
}
func (s *stubOrders) ListProducerOrders(context.Context, uuid.UUID, pagination.Params) (*orders.OrderList, error) {
	return &orders.OrderList{}, nil
}
func (s *stubOrders) GetOrder(_ context.Context, _ orders.Actor, id uuid.UUID) (*orders.OrderDTO, error) {
	return &orders.OrderDTO{ID: id}, nil
}
func (s *stubOrders) MarkDelivered(_ context.Context, _ uuid.UUID, id uuid.UUID) (*orders.OrderDTO, error) {
	s.delivered = append(s.delivered, id)
	return &orders.OrderDTO{ID: id, Status: enums.OrderStatusDelivered}, nil
}
func (s *stubOrders) Remove(_ context.Context, _ uuid.UUID, id uuid.UUID) (*orders.RemoveResult, error) {
	return &orders.RemoveResult{OrderID: id, Status: enums.OrderStatusCancelled}, nil
}
func (s *stubOrders) UpdateStatus(_ context.Context, in orders.AdminStatusInput) (*orders.OrderDTO, error) {
	s.statusCalls++
	return &orders.OrderDTO{ID: in.OrderID, Status: enums.OrderStatus(in.Status)}, nil
}
func (s *stubOrders) Reconcile(_ context.Context, id uuid.UUID) (*fanout.State, error) {
	return &fanout.State{OrderID: id, BuyerIndexed: true}, nil
}
func (s *stubOrders) HasDeliveredPurchase(_ context.Context, _ uuid.UUID, itemID uuid.UUID) (*orders.Eligibility, error) {
	return &orders.Eligibility{ItemID: itemID}, nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return context.DeadlineExceeded }

type harness struct {
	cfg      *config.Config
	handler  http.Handler
	checkout *stubCheckout
	orders   *stubOrders
}

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	cfg := &config.Config{
		App:  config.AppConfig{Env: "dev"},
		JWT:  config.JWTConfig{Secret: "secret", Issuer: "farmmarket", ExpirationMinutes: 60},
		CORS: config.CORSConfig{AllowedOrigins: []string{"https://market.example"}, MaxAgeSeconds: 300},
	}
	h := &harness{cfg: cfg, checkout: &stubCheckout{}, orders: &stubOrders{}}
	deps.Cart = stubCart{}
	deps.Checkout = h.checkout
	deps.Orders = h.orders
	h.handler = NewRouter(cfg, nil, deps)
	return h
}

func (h *harness) do(t *testing.T, method, path string, role enums.UserRole, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if role != "" {
		token, err := auth.MintAccessToken(h.cfg.JWT, time.Now(), auth.AccessTokenPayload{
			UserID: uuid.New(),
			Role:   role,
			JTI:    uuid.NewString(),
		})
		if err != nil {
			t.Fatalf("mint token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Error.Code
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "sample_total", Help: "sample"}))
	h := newHarness(t, Deps{Metrics: reg})

	if rec := h.do(t, http.MethodGet, "/health/live", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("live: expected 200 got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/health/ready", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200 got %d", rec.Code)
	}
	rec := h.do(t, http.MethodGet, "/metrics", "", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sample_total") {
		t.Fatalf("metrics: unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestReadyReportsDependencyOutage(t *testing.T) {
	h := newHarness(t, Deps{Health: map[string]controllers.Pinger{"db": failingPinger{}}})

	rec := h.do(t, http.MethodGet, "/health/ready", "", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency code got %s", code)
	}
}

func TestAPIRequiresBearer(t *testing.T) {
	h := newHarness(t, Deps{})

	rec := h.do(t, http.MethodGet, "/api/v1/cart", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestAdminOverrideRejectedForNonAdmins(t *testing.T) {
	h := newHarness(t, Deps{})
	path := "/api/admin/v1/orders/" + uuid.NewString() + "/status"

	for _, role := range []enums.UserRole{enums.UserRoleBuyer, enums.UserRoleProducer} {
		rec := h.do(t, http.MethodPatch, path, role, `{"status":"delivered"}`, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 got %d", role, rec.Code)
		}
	}
	if h.orders.statusCalls != 0 {
		t.Fatalf("service must not be reached by non-admins")
	}

	rec := h.do(t, http.MethodPatch, path, enums.UserRoleAdmin, `{"status":"delivered"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if h.orders.statusCalls != 1 {
		t.Fatalf("expected one status call, got %d", h.orders.statusCalls)
	}
}

func TestAdminOverrideValidatesStatus(t *testing.T) {
	h := newHarness(t, Deps{})
	path := "/api/admin/v1/orders/" + uuid.NewString() + "/status"

	rec := h.do(t, http.MethodPatch, path, enums.UserRoleAdmin, `{"status":"shipped"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestCheckoutRoutes(t *testing.T) {
	h := newHarness(t, Deps{})

	rec := h.do(t, http.MethodPost, "/api/v1/checkout", enums.UserRoleBuyer, `{"delivery_address":" 9 Barn St "}`, map[string]string{"Idempotency-Key": "key-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if h.checkout.lastCart.Token != "key-1" || h.checkout.lastCart.DeliveryAddress != "9 Barn St" {
		t.Fatalf("unexpected checkout input %+v", h.checkout.lastCart)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/checkout", enums.UserRoleBuyer, "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("empty body should be accepted, got %d: %s", rec.Code, rec.Body.String())
	}

	itemID := uuid.New()
	rec = h.do(t, http.MethodPost, "/api/v1/checkout/items/"+itemID.String(), enums.UserRoleBuyer, `{"quantity":2,"delivery_address":"9 Barn St"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if h.checkout.lastItem.ItemID != itemID || h.checkout.lastItem.Quantity != 2 {
		t.Fatalf("unexpected item input %+v", h.checkout.lastItem)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/checkout/items/"+itemID.String(), enums.UserRoleBuyer, `{"quantity":0}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected validation failure got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/checkout", enums.UserRoleProducer, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("producers cannot check out, got %d", rec.Code)
	}
}

func TestCheckoutErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, Deps{})
	h.checkout.err = pkgerrors.New(pkgerrors.CodeEmptyCart, "cart is empty")

	rec := h.do(t, http.MethodPost, "/api/v1/checkout", enums.UserRoleBuyer, "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(pkgerrors.CodeEmptyCart) {
		t.Fatalf("expected EMPTY_CART got %s", code)
	}
}

func TestProducerRoutes(t *testing.T) {
	h := newHarness(t, Deps{})
	orderID := uuid.New()

	rec := h.do(t, http.MethodPost, "/api/v1/producer/orders/"+orderID.String()+"/deliver", enums.UserRoleBuyer, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("buyer on producer route: expected 403 got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/producer/orders/"+orderID.String()+"/deliver", enums.UserRoleProducer, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(h.orders.delivered) != 1 || h.orders.delivered[0] != orderID {
		t.Fatalf("unexpected deliveries %v", h.orders.delivered)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/producer/orders?limit=500", enums.UserRoleProducer, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range limit: expected 400 got %d", rec.Code)
	}
}

func TestOrderRoutes(t *testing.T) {
	h := newHarness(t, Deps{})
	orderID := uuid.New()

	if rec := h.do(t, http.MethodGet, "/api/v1/orders/"+orderID.String(), enums.UserRoleProducer, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("detail: expected 200 got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/orders/not-a-uuid", enums.UserRoleBuyer, "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400 got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/api/v1/orders/"+orderID.String(), enums.UserRoleBuyer, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("remove: expected 200 got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/orders/purchases/"+uuid.NewString(), enums.UserRoleBuyer, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("eligibility: expected 200 got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/orders?limit=10", enums.UserRoleBuyer, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200 got %d", rec.Code)
	}
}

func TestCartAddDefaultsQuantity(t *testing.T) {
	h := newHarness(t, Deps{})
	itemID := uuid.New()

	rec := h.do(t, http.MethodPost, "/api/v1/cart/items", enums.UserRoleBuyer, `{"item_id":"`+itemID.String()+`"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Data struct {
			ItemCount int `json:"item_count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Data.ItemCount != 1 {
		t.Fatalf("expected default quantity 1, got %d", payload.Data.ItemCount)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/cart/items", enums.UserRoleBuyer, `{"item_id":"`+itemID.String()+`","quantity":0}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("explicit zero quantity should be rejected, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, Deps{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/checkout", nil)
	req.Header.Set("Origin", "https://market.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Idempotency-Key")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://market.example" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/checkout", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unknown origin should not be allowed, got %q", got)
	}
}

func TestDeliverAndOverrideRequireIdempotencyKey(t *testing.T) {
	srv := miniredis.RunT(t)
	store := pkgredis.NewFromRaw(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	h := newHarness(t, Deps{Idempotency: store})
	orderID := uuid.New()
	deliver := "/api/v1/producer/orders/" + orderID.String() + "/deliver"
	status := "/api/admin/v1/orders/" + orderID.String() + "/status"

	rec := h.do(t, http.MethodPost, deliver, enums.UserRoleProducer, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("deliver without key: expected 400 got %d", rec.Code)
	}
	rec = h.do(t, http.MethodPatch, status, enums.UserRoleAdmin, `{"status":"delivered"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("override without key: expected 400 got %d", rec.Code)
	}
	if len(h.orders.delivered) != 0 || h.orders.statusCalls != 0 {
		t.Fatalf("service must not be reached without a key")
	}

	rec = h.do(t, http.MethodPost, deliver, enums.UserRoleProducer, "", map[string]string{"Idempotency-Key": "d-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("deliver with key: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodPatch, status, enums.UserRoleAdmin, `{"status":"delivered"}`, map[string]string{"Idempotency-Key": "s-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("override with key: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
}
