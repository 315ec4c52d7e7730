package orders

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jogardn/coffee-orders/internal/breaker"
	"github.com/jogardn/coffee-orders/internal/notify"
	"github.com/jogardn/coffee-orders/internal/store"
	"github.com/jogardn/coffee-orders/internal/websocket"
	"github.com/jogardn/coffee-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type Broadcaster interface {
	Broadcast(messageType string, data interface{}, source string)
}

type Handler struct {
	repo     store.Repository
	notifier notify.Notifier
	logger   *logrus.Logger
	board    Broadcaster
	breakers []*breaker.Breaker
	now      func() time.Time
}

func NewHandler(repo store.Repository, notifier notify.Notifier, logger *logrus.Logger) *Handler {
	return &Handler{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (h *Handler) SetBroadcaster(board Broadcaster) {
	h.board = board
}

// AddBreaker exposes a breaker's state on /breakers.
func (h *Handler) AddBreaker(b *breaker.Breaker) {
	h.breakers = append(h.breakers, b)
}

func (h *Handler) Routes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/breakers", h.BreakerMetrics).Methods("GET")
	router.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/orders", h.ListOrders).Methods("GET")
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/notify", h.NotifyCustomer).Methods("POST")
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := req.Order()
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	order.ID = uuid.New().String()
	order.Status = models.StatusPending
	order.CreatedAt = h.now().UTC()

	if err := h.repo.Create(r.Context(), order); err != nil {
		h.logger.WithError(err).Error("Failed to save order")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to save order")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"customer": order.Customer,
		"beverage": order.Beverage,
		"price":    order.Price.String(),
	}).Info("Order created successfully")

	if h.board != nil {
		h.board.Broadcast(websocket.MessageOrderCreated, order, "order-service")
	}

	h.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order created successfully",
		Order:   order,
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get orders")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to get orders")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  orders,
		"count":   len(orders),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	order, err := h.repo.Get(r.Context(), orderID)
	if err != nil {
		h.respondWithStoreError(w, orderID, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, order)
}

// NotifyCustomer marks the order ready and calls the customer. Any barista
// value is accepted. Announcement failures are logged and do not fail the request.
func (h *Handler) NotifyCustomer(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req models.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode notify request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	barista := req.Name()

	order, err := h.repo.MarkReady(r.Context(), orderID, h.now().UTC())
	if err != nil {
		h.respondWithStoreError(w, orderID, err)
		return
	}

	if err := h.notifier.Notify(r.Context(), order, barista); err != nil {
		h.logger.WithError(err).WithField("order_id", orderID).Warn("Order announced with errors")
	}

	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: order.ReadyMessage(barista),
		Order:   order,
	})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "order-service",
	})
}

func (h *Handler) BreakerMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := make(map[string]breaker.Metrics, len(h.breakers))
	for _, b := range h.breakers {
		m := b.Metrics()
		metrics[m.Name] = m
	}
	h.respondWithJSON(w, http.StatusOK, metrics)
}

func (h *Handler) respondWithStoreError(w http.ResponseWriter, orderID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.respondWithError(w, http.StatusNotFound, "Order not found")
		return
	}
	h.logger.WithError(err).WithField("order_id", orderID).Error("Failed to load order")
	h.respondWithError(w, http.StatusInternalServerError, "Failed to load order")
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, models.OrderResponse{
		Success: false,
		Message: message,
	})
}

func LoggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}
