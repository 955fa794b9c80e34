package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/retail-ledger/internal/core/domain"
	"github.com/rl1809/retail-ledger/internal/core/service"
)

// StoreHeader carries the caller's store, resolved by the authentication layer.
const StoreHeader = "X-Store-ID"

type storeKey struct{}

type HTTPHandler struct {
	inventory *service.InventoryService
	sales     *service.SaleService
	logger    *zap.Logger
}

type StockRequest struct {
	ItemID   int64 `json:"item_id"`
	Quantity int   `json:"quantity"`
}

type TransferRequest struct {
	ItemID      int64 `json:"item_id"`
	FromStoreID int64 `json:"from_store_id"`
	ToStoreID   int64 `json:"to_store_id"`
	Quantity    int   `json:"quantity"`
}

type StockLevelsRequest struct {
	ItemID        int64 `json:"item_id"`
	MinStockLevel int   `json:"min_stock_level"`
	MaxStockLevel int   `json:"max_stock_level"`
}

type StockRecordResponse struct {
	ItemID            int64 `json:"item_id"`
	StoreID           int64 `json:"store_id"`
	Quantity          int   `json:"quantity"`
	ReservedQuantity  int   `json:"reserved_quantity"`
	AvailableQuantity int   `json:"available_quantity"`
	MinStockLevel     int   `json:"min_stock_level"`
	MaxStockLevel     int   `json:"max_stock_level"`
	LowStock          bool  `json:"low_stock"`
	Overstocked       bool  `json:"overstocked"`
	OutOfStock        bool  `json:"out_of_stock"`
}

type SaleLineHTTPRequest struct {
	ItemID   int64           `json:"item_id"`
	Quantity int             `json:"quantity"`
	Discount decimal.Decimal `json:"discount"`
}

type SaleHTTPRequest struct {
	RequestID     string                `json:"request_id"`
	Lines         []SaleLineHTTPRequest `json:"lines"`
	PaymentMethod string                `json:"payment_method"`
	CustomerEmail string                `json:"customer_email"`
	CustomerPhone string                `json:"customer_phone"`
}

type SaleLineResponse struct {
	ItemID    int64           `json:"item_id"`
	ItemName  string          `json:"item_name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type SaleResponse struct {
	ID            string             `json:"id"`
	StoreID       int64              `json:"store_id"`
	SaleDate      time.Time          `json:"sale_date"`
	TotalAmount   decimal.Decimal    `json:"total_amount"`
	PaymentMethod string             `json:"payment_method"`
	CustomerEmail string             `json:"customer_email,omitempty"`
	CustomerPhone string             `json:"customer_phone,omitempty"`
	Lines         []SaleLineResponse `json:"lines"`
}

type RefundHTTPRequest struct {
	Quantity int `json:"quantity"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewHTTPHandler(inventory *service.InventoryService, sales *service.SaleService, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{inventory: inventory, sales: sales, logger: logger}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireStore)

		r.Route("/inventory", func(r chi.Router) {
			r.Post("/add-stock", h.AddStock)
			r.Post("/remove-stock", h.RemoveStock)
			r.Post("/reserve-stock", h.ReserveStock)
			r.Post("/release-reservation", h.ReleaseReservation)
			r.Post("/transfer-stock", h.TransferStock)
			r.Post("/levels", h.SetStockLevels)
			r.Post("/initialize/{itemID}", h.InitializeItem)
			r.Get("/stock/{itemID}", h.GetStock)
			r.Get("/store", h.StoreInventory)
			r.Get("/low-stock", h.LowStock)
			r.Get("/below-min", h.BelowMinLevel)
		})

		r.Route("/sales", func(r chi.Router) {
			r.Post("/", h.ProcessSale)
			r.Get("/", h.ListSales)
			r.Get("/analytics/total-amount", h.TotalAmount)
			r.Get("/analytics/total-transactions", h.TotalTransactions)
			r.Get("/{saleID}", h.GetSale)
			r.Get("/{saleID}/receipt", h.Receipt)
			r.Put("/{saleID}/refund/{itemID}", h.Refund)
		})
	})
	return r
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) AddStock(w http.ResponseWriter, r *http.Request) {
	h.stockOp(w, r, h.inventory.AddStock)
}

func (h *HTTPHandler) RemoveStock(w http.ResponseWriter, r *http.Request) {
	h.stockOp(w, r, h.inventory.RemoveStock)
}

func (h *HTTPHandler) ReserveStock(w http.ResponseWriter, r *http.Request) {
	h.stockOp(w, r, h.inventory.ReserveStock)
}

func (h *HTTPHandler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	h.stockOp(w, r, h.inventory.ReleaseReservation)
}

type stockFunc func(ctx context.Context, itemID, storeID int64, quantity int) (domain.StockRecord, error)

func (h *HTTPHandler) stockOp(w http.ResponseWriter, r *http.Request, op stockFunc) {
	var req StockRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := op(r.Context(), req.ItemID, storeFrom(r.Context()), req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResponse(rec))
}

func (h *HTTPHandler) TransferStock(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FromStoreID == 0 {
		req.FromStoreID = storeFrom(r.Context())
	}
	from, to, err := h.inventory.TransferStock(r.Context(), req.ItemID, req.FromStoreID, req.ToStoreID, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]StockRecordResponse{
		"from": toStockResponse(from),
		"to":   toStockResponse(to),
	})
}

func (h *HTTPHandler) SetStockLevels(w http.ResponseWriter, r *http.Request) {
	var req StockLevelsRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.inventory.SetStockLevels(r.Context(), req.ItemID, storeFrom(r.Context()), req.MinStockLevel, req.MaxStockLevel)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResponse(rec))
}

func (h *HTTPHandler) InitializeItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	created, err := h.inventory.InitializeItemInAllStores(r.Context(), itemID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"created": created})
}

func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	storeID := storeFrom(r.Context())
	quantity, err := h.inventory.GetStock(r.Context(), itemID, storeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	available, err := h.inventory.GetAvailable(r.Context(), itemID, storeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item_id":   itemID,
		"store_id":  storeID,
		"quantity":  quantity,
		"available": available,
	})
}

func (h *HTTPHandler) StoreInventory(w http.ResponseWriter, r *http.Request) {
	records, err := h.inventory.ListStoreInventory(r.Context(), storeFrom(r.Context()))
	h.writeRecords(w, records, err)
}

func (h *HTTPHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	threshold := domain.DefaultMinStockLevel
	if v := r.URL.Query().Get("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "invalid threshold"})
			return
		}
		threshold = n
	}
	records, err := h.inventory.ListLowStock(r.Context(), storeFrom(r.Context()), threshold)
	h.writeRecords(w, records, err)
}

func (h *HTTPHandler) BelowMinLevel(w http.ResponseWriter, r *http.Request) {
	records, err := h.inventory.ListBelowMinLevel(r.Context(), storeFrom(r.Context()))
	h.writeRecords(w, records, err)
}

func (h *HTTPHandler) ProcessSale(w http.ResponseWriter, r *http.Request) {
	var req SaleHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	lines := make([]service.SaleLineRequest, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = service.SaleLineRequest{ItemID: l.ItemID, Quantity: l.Quantity, Discount: l.Discount}
	}
	sale, err := h.sales.ProcessSale(r.Context(), service.SaleRequest{
		RequestID:     req.RequestID,
		StoreID:       storeFrom(r.Context()),
		Lines:         lines,
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleResponse(*sale))
}

func (h *HTTPHandler) ListSales(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dateRange(w, r)
	if !ok {
		return
	}
	sales, err := h.sales.ListSales(r.Context(), storeFrom(r.Context()), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]SaleResponse, len(sales))
	for i, s := range sales {
		out[i] = toSaleResponse(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.sales.GetSale(r.Context(), storeFrom(r.Context()), chi.URLParam(r, "saleID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleResponse(*sale))
}

func (h *HTTPHandler) Receipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.sales.Receipt(r.Context(), storeFrom(r.Context()), chi.URLParam(r, "saleID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *HTTPHandler) TotalAmount(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dateRange(w, r)
	if !ok {
		return
	}
	total, err := h.sales.TotalSalesAmount(r.Context(), storeFrom(r.Context()), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"total_amount": total})
}

func (h *HTTPHandler) TotalTransactions(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dateRange(w, r)
	if !ok {
		return
	}
	count, err := h.sales.TransactionCount(r.Context(), storeFrom(r.Context()), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total_transactions": count})
}

func (h *HTTPHandler) Refund(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	var req RefundHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	sale, err := h.sales.ProcessRefund(r.Context(), storeFrom(r.Context()), chi.URLParam(r, "saleID"), itemID, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleResponse(*sale))
}

func (h *HTTPHandler) writeRecords(w http.ResponseWriter, records []domain.StockRecord, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]StockRecordResponse, len(records))
	for i, rec := range records {
		out[i] = toStockResponse(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Success: false, Message: message})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidReservation),
		errors.Is(err, service.ErrInvalidRefundQuantity):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrDuplicateRequest),
		errors.Is(err, service.ErrConcurrencyConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		storeID, err := strconv.ParseInt(r.Header.Get(StoreHeader), 10, 64)
		if err != nil || storeID <= 0 {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Message: "missing or invalid " + StoreHeader})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), storeKey{}, storeID)))
	})
}

func storeFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(storeKey{}).(int64)
	return id
}

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Message: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "invalid " + name})
		return 0, false
	}
	return id, true
}

// dateRange parses optional RFC 3339 "from" and "to" query parameters.
func dateRange(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "invalid " + p.name + " date"})
			return time.Time{}, time.Time{}, false
		}
		*p.dst = t
	}
	return from, to, true
}

func toStockResponse(rec domain.StockRecord) StockRecordResponse {
	return StockRecordResponse{
		ItemID:            rec.ItemID,
		StoreID:           rec.StoreID,
		Quantity:          rec.Quantity,
		ReservedQuantity:  rec.ReservedQuantity,
		AvailableQuantity: rec.AvailableQuantity(),
		MinStockLevel:     rec.MinStockLevel,
		MaxStockLevel:     rec.MaxStockLevel,
		LowStock:          rec.IsLowStock(),
		Overstocked:       rec.IsOverstocked(),
		OutOfStock:        rec.IsOutOfStock(),
	}
}

func toSaleResponse(s domain.Sale) SaleResponse {
	lines := make([]SaleLineResponse, len(s.Lines))
	for i, l := range s.Lines {
		lines[i] = SaleLineResponse{
			ItemID:    l.ItemID,
			ItemName:  l.ItemName,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Discount:  l.Discount,
			LineTotal: l.LineTotal,
		}
	}
	return SaleResponse{
		ID:            s.ID,
		StoreID:       s.StoreID,
		SaleDate:      s.SaleDate,
		TotalAmount:   s.TotalAmount,
		PaymentMethod: string(s.PaymentMethod),
		CustomerEmail: s.CustomerEmail,
		CustomerPhone: s.CustomerPhone,
		Lines:         lines,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
