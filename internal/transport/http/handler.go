package http

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/mpesa-service/internal/model"
	"github.com/richardliu001/mpesa-service/internal/repo"
	"github.com/richardliu001/mpesa-service/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Payments is the service surface the handlers need.
type Payments interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*service.InitiateResult, error)
	HandleCallback(ctx context.Context, body []byte) (*service.CallbackResult, error)
	GetStatus(ctx context.Context, id uint64) (*model.Transaction, error)
	SimulateSuccess(ctx context.Context, id uint64) (*model.Transaction, error)
	List(ctx context.Context, f repo.ListFilter) ([]model.Transaction, error)
}

// ErrDisallowedHost is returned when a callback URL would be built from a
// Host header outside the configured allow list.
var ErrDisallowedHost = errors.New("disallowed host")

// CallbackURLResolver picks the URL the provider should notify.
type CallbackURLResolver func(r *http.Request) (string, error)

// NewCallbackURLResolver returns fixed when set; otherwise the URL is built
// from the request's own address. A non-empty allowedHosts restricts which
// Host headers may be used for that.
func NewCallbackURLResolver(fixed string, allowedHosts []string) CallbackURLResolver {
	if fixed != "" {
		return func(*http.Request) (string, error) { return fixed, nil }
	}
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[strings.ToLower(h)] = true
	}
	return func(r *http.Request) (string, error) {
		host := strings.ToLower(r.Host)
		name := host
		if h, _, err := net.SplitHostPort(host); err == nil {
			name = h
		}
		if name == "" || strings.ContainsAny(host, "/\\@?# ") {
			return "", ErrDisallowedHost
		}
		if len(allowed) > 0 && !allowed[name] && !allowed[host] {
			return "", ErrDisallowedHost
		}
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			switch fwd := strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0])); fwd {
			case "http", "https":
				scheme = fwd
			}
		}
		return scheme + "://" + host + "/callback/", nil
	}
}

type Handler struct {
	svc         Payments
	callbackURL CallbackURLResolver
	simulation  bool
	log         *zap.SugaredLogger
}

func NewHandler(svc Payments, callbackURL CallbackURLResolver, simulation bool, log *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, callbackURL: callbackURL, simulation: simulation, log: log}
}

// RegisterHandlers wires the routes. userMW (rate limiting) applies to the
// user-facing routes only; provider callbacks arrive in bursts from a few
// addresses and must always get a ResultCode acknowledgement.
func RegisterHandlers(r *gin.Engine, h *Handler, userMW ...gin.HandlerFunc) {
	r.GET("/", h.paymentPage)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.Any("/callback/", h.callback)

	user := r.Group("/", userMW...)
	{
		user.Any("/stk-push/", h.initiate)
		user.GET("/transaction/:id/", h.status)
		user.GET("/transactions/", h.list)
		if h.simulation {
			user.Any("/simulate-success/:id/", h.simulate)
		}
	}
}

func (h *Handler) paymentPage(c *gin.Context) {
	c.HTML(http.StatusOK, "payment.html", gin.H{
		"Title":             "M-Pesa Payment",
		"SimulationEnabled": h.simulation,
	})
}

type initiateReq struct {
	PhoneNumber string `form:"phone_number" json:"phone_number"`
	Amount      any    `form:"-" json:"amount"`
	Reference   string `form:"reference" json:"reference"`
	Description string `form:"description" json:"description"`
}

func (h *Handler) initiate(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"success": false, "error": "Invalid request method"})
		return
	}
	var req initiateReq
	var err error
	if c.ContentType() == gin.MIMEJSON {
		err = c.ShouldBindJSON(&req)
	} else {
		err = c.ShouldBind(&req)
		req.Amount = c.PostForm("amount")
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required fields"})
		return
	}

	callbackURL, err := h.callbackURL(c.Request)
	if err != nil {
		h.log.Warnw("refusing to build callback url", "host", c.Request.Host, "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid host"})
		return
	}
	res, err := h.svc.Initiate(c, service.InitiateRequest{
		PhoneNumber: req.PhoneNumber,
		Amount:      coerceAmount(req.Amount),
		Reference:   req.Reference,
		Description: req.Description,
		CallbackURL: callbackURL,
	})
	if err != nil {
		var perr *service.ProviderError
		switch {
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required fields"})
		case errors.As(err, &perr) && !perr.Transport():
			msg := perr.Message
			if msg == "" {
				msg = "Failed to send STK push"
			}
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg, "response_code": nullable(perr.ResponseCode)})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to initiate payment: " + err.Error()})
		}
		return
	}
	desc := res.ResponseDescription
	if desc == "" {
		desc = "Request sent successfully"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"message":              "STK push sent successfully! Check your phone to complete payment.",
		"transaction_id":       res.TransactionID,
		"checkout_request_id":  res.CheckoutRequestID,
		"response_description": desc,
	})
}

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// coerceAmount reads whole currency units. Absent, unparseable, negative and
// out-of-range values become 0, which the service rejects.
func coerceAmount(v any) int64 {
	var d decimal.Decimal
	switch a := v.(type) {
	case float64:
		d = decimal.NewFromFloat(a)
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(a))
		if err != nil {
			return 0
		}
		d = parsed
	default:
		return 0
	}
	d = d.Truncate(0)
	if d.IsNegative() || d.GreaterThan(maxAmount) {
		return 0
	}
	return d.IntPart()
}

func (h *Handler) callback(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"ResultCode": 1, "ResultDesc": "Invalid request method"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": err.Error()})
		return
	}
	_, err = h.svc.HandleCallback(c, body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Success"})
	case errors.Is(err, service.ErrInvalidJSON):
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Invalid JSON"})
	case errors.Is(err, service.ErrInvalidCallback):
		c.JSON(http.StatusOK, gin.H{"ResultCode": 1, "ResultDesc": "Invalid callback format"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Transaction not found but acknowledged"})
	default:
		h.log.Errorw("callback processing failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": err.Error()})
	}
}

func (h *Handler) status(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}
	txn, err := h.svc.GetStatus(c, id)
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, transactionView(txn))
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := h.svc.List(c, repo.ListFilter{
		Status: model.Status(c.Query("status")),
		Search: c.Query("search"),
		Limit:  limit,
	})
	if errors.Is(err, service.ErrValidation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(txs))
	for i := range txs {
		out = append(out, transactionView(&txs[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) simulate(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Invalid method"})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}
	txn, err := h.svc.SimulateSuccess(c, id)
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	case errors.Is(err, service.ErrAlreadyFinalized):
		c.JSON(http.StatusConflict, gin.H{"error": "Transaction already finalized"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Payment simulated successfully!",
		"transaction": gin.H{
			"id":      txn.ID,
			"status":  txn.Status,
			"receipt": txn.MpesaReceiptNumber,
		},
	})
}

func transactionView(t *model.Transaction) gin.H {
	var date *string
	if t.TransactionDate != nil {
		s := t.TransactionDate.Format(time.RFC3339)
		date = &s
	}
	return gin.H{
		"id":                   t.ID,
		"phone_number":         t.PhoneNumber,
		"amount":               t.Amount.StringFixed(2),
		"reference":            t.Reference,
		"status":               t.Status,
		"mpesa_receipt_number": t.MpesaReceiptNumber,
		"transaction_date":     date,
		"created_at":           t.CreatedAt.Format(time.RFC3339),
		"checkout_request_id":  t.CheckoutRequestID,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
