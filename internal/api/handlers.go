package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/acdm/platform/internal/auth"
	"github.com/acdm/platform/internal/db"
	"github.com/acdm/platform/internal/models"
	"github.com/acdm/platform/internal/platform"
	"github.com/acdm/platform/internal/token"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
)

// addressKey is the context key the JWT middleware stores the caller under.
type addressKey struct{}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Ledger      *token.Ledger
	Platform    *platform.Platform
	AuthService *auth.AuthService
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, ledger *token.Ledger, p *platform.Platform, authService *auth.AuthService) *Handler {
	return &Handler{DB: db, Ledger: ledger, Platform: p, AuthService: authService}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"address":  user.Address,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	tokenString, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": tokenString})
}

// JWTAuthMiddleware verifies JWT tokens and resolves the caller's address
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		address, err := h.AuthService.AddressFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), addressKey{}, address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RegisterReferral records the caller's referrer on the platform
func (h *Handler) RegisterReferral(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Referrer string `json:"referrer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	referrer := models.ZeroAddress
	if req.Referrer != "" {
		referrer = models.Address(req.Referrer)
	}

	if err := h.Platform.Register(caller, referrer); err != nil {
		writePlatformError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"message": "Registered"})
}

// BuyAtContract purchases sale tokens for the sent value
func (h *Handler) BuyAtContract(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	value, ok := decodeWeiBody(w, r, "value")
	if !ok {
		return
	}

	amount, err := h.Platform.BuyAtContract(caller, value)
	if err != nil {
		writePlatformError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Tokens purchased",
		"amount":  amount.Dec(),
	})
}

// GetSaleInfo returns the current round's price and remaining supply
func (h *Handler) GetSaleInfo(w http.ResponseWriter, r *http.Request) {
	price, err := h.Platform.CurrentTokenPrice()
	if err != nil {
		writePlatformError(w, err)
		return
	}
	available, err := h.Platform.AvailableTokenAmount()
	if err != nil {
		writePlatformError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"round_id":  h.Platform.LastRoundID(),
		"price":     price.Dec(),
		"available": available.Dec(),
	})
}

// CalcTokensForEther returns how many tokens the given value buys
func (h *Handler) CalcTokensForEther(w http.ResponseWriter, r *http.Request) {
	value, err := uint256.FromDecimal(r.URL.Query().Get("value"))
	if err != nil {
		http.Error(w, `{"error": "Invalid value"}`, http.StatusBadRequest)
		return
	}
	amount, err := h.Platform.TokensForEther(value)
	if err != nil {
		writePlatformError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"amount": amount.Dec()})
}

// CalcEtherForTokens returns the value needed for the given token amount
func (h *Handler) CalcEtherForTokens(w http.ResponseWriter, r *http.Request) {
	amount, err := uint256.FromDecimal(r.URL.Query().Get("amount"))
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}
	value, err := h.Platform.EtherForTokens(amount)
	if err != nil {
		writePlatformError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"value": value.Dec()})
}

// GetStage returns the current stage and time left in it
func (h *Handler) GetStage(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"stage":             h.Platform.StageName(),
		"round_id":          h.Platform.LastRoundID(),
		"time_left_seconds": int64(h.Platform.TimeLeftInStage() / time.Second),
	})
}

// ChangeStage requests a stage rollover
func (h *Handler) ChangeStage(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if err := h.Platform.ChangeStageRequest(caller); err != nil {
		writePlatformError(w, err)
		return
	}

	round := h.Platform.CurrentRound()
	if h.Platform.StageName() == "Sale" {
		if err := h.DB.InsertRound(r.Context(), &round); err != nil {
			log.Printf("Failed to mirror round %d: %v", round.ID, err)
		}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Stage changed",
		"stage":   h.Platform.StageName(),
	})
}

// Approve lets the platform pull the caller's tokens for an order
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	amount, ok := decodeWeiBody(w, r, "amount")
	if !ok {
		return
	}

	if err := h.Ledger.Approve(caller, h.Platform.Self(), amount); err != nil {
		http.Error(w, `{"error": "Failed to approve: `+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Approved"})
}

// PlaceOrder creates a resting sell order
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Amount string `json:"amount"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}
	price, err := uint256.FromDecimal(req.Price)
	if err != nil {
		http.Error(w, `{"error": "Invalid price"}`, http.StatusBadRequest)
		return
	}

	orderID, err := h.Platform.CreateOrder(caller, amount, price)
	if err != nil {
		writePlatformError(w, err)
		return
	}

	// Mirror into the database (audit only; the platform is authoritative)
	order, err := h.Platform.OrderInfo(orderID)
	if err == nil {
		if err := h.DB.InsertOrder(r.Context(), &order); err != nil {
			log.Printf("Failed to mirror order %d: %v", orderID, err)
		}
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":  "Order placed",
		"order_id": orderID,
	})
}

// BuyAtOrder fills an open order with the sent value
func (h *Handler) BuyAtOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	value, ok := decodeWeiBody(w, r, "value")
	if !ok {
		return
	}

	amount, err := h.Platform.BuyAtOrder(caller, orderID, value)
	if err != nil {
		writePlatformError(w, err)
		return
	}

	if order, infoErr := h.Platform.OrderInfo(orderID); infoErr == nil {
		fill := models.Fill{OrderID: orderID, Buyer: caller, Amount: amount, Value: value}
		if err := h.DB.RecordFill(r.Context(), &order, &fill); err != nil {
			log.Printf("Failed to mirror fill on order %d: %v", orderID, err)
		}
	}

	json.NewEncoder(w).Encode(map[string]string{
		"message": "Order filled",
		"amount":  amount.Dec(),
	})
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	if err := h.Platform.CancelOrder(caller, orderID); err != nil {
		writePlatformError(w, err)
		return
	}

	if err := h.DB.CloseOrder(r.Context(), orderID); err != nil {
		log.Printf("Failed to mirror close of order %d: %v", orderID, err)
	}

	json.NewEncoder(w).Encode(map[string]string{"message": "Order canceled"})
}

// GetOrder returns a single order's info
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	order, err := h.Platform.OrderInfo(orderID)
	if err != nil {
		writePlatformError(w, err)
		return
	}
	json.NewEncoder(w).Encode(orderJSON(order))
}

// GetOrderBook returns the open orders sorted by price-time priority
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book := h.Platform.OpenOrders()
	out := make([]map[string]interface{}, 0, len(book))
	for _, order := range book {
		out = append(out, orderJSON(order))
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"last_order_id": h.Platform.LastOrderID(),
		"orders":        out,
	})
}

// GetUserOrders retrieves the caller's mirrored orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), caller)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve orders"}`, http.StatusInternalServerError)
		return
	}
	out := make([]map[string]interface{}, 0, len(orders))
	for _, order := range orders {
		out = append(out, orderJSON(order))
	}
	json.NewEncoder(w).Encode(out)
}

// GetBalances returns the caller's claimable and wallet balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"claimable_ether":  h.Platform.EthBalanceOf(caller).Dec(),
		"claimable_tokens": h.Platform.TokenBalanceOf(caller).Dec(),
		"token_balance":    h.Ledger.BalanceOf(caller).Dec(),
	})
}

// FetchTokens withdraws the caller's claimable token balance
func (h *Handler) FetchTokens(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	amount, err := h.Platform.FetchTokens(caller)
	if err != nil {
		writePlatformError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Tokens withdrawn",
		"amount":  amount.Dec(),
	})
}

// FetchEther withdraws the caller's claimable ether balance
func (h *Handler) FetchEther(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	amount, err := h.Platform.FetchEther(caller)
	if err != nil {
		writePlatformError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Ether withdrawn",
		"amount":  amount.Dec(),
	})
}

// AdminWithdraw withdraws the platform-retained ether balance
func (h *Handler) AdminWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	amount, err := h.Platform.AdminWithdrawPlatformBalance(caller)
	if err != nil {
		writePlatformError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Platform balance withdrawn",
		"amount":  amount.Dec(),
	})
}

// callerAddress reads the JWT middleware's address from the request context.
func callerAddress(r *http.Request) (models.Address, bool) {
	address, ok := r.Context().Value(addressKey{}).(models.Address)
	return address, ok
}

// decodeWeiBody reads {"<field>": "<decimal wei>"} from the body.
func decodeWeiBody(w http.ResponseWriter, r *http.Request, field string) (*uint256.Int, bool) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return nil, false
	}
	amount, err := uint256.FromDecimal(body[field])
	if err != nil {
		http.Error(w, `{"error": "Invalid `+field+`"}`, http.StatusBadRequest)
		return nil, false
	}
	return amount, true
}

// orderJSON renders amounts as decimal strings.
func orderJSON(order models.Order) map[string]interface{} {
	return map[string]interface{}{
		"id":         order.ID,
		"seller":     order.Seller,
		"amount":     order.Amount.Dec(),
		"filled":     order.Filled.Dec(),
		"price":      order.Price.Dec(),
		"open":       order.Open,
		"created_at": order.CreatedAt,
	}
}

// writePlatformError maps platform errors onto HTTP statuses. Every body
// carries a non-empty reason.
func writePlatformError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, platform.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, platform.ErrUnknownOrder):
		status = http.StatusNotFound
	case errors.Is(err, platform.ErrWrongStage),
		errors.Is(err, platform.ErrTooEarly),
		errors.Is(err, platform.ErrAlreadyStarted):
		status = http.StatusConflict
	}
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	http.Error(w, string(body), status)
}
