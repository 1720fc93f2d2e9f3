package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/p2pclear/escrowd/params"
	"github.com/p2pclear/escrowd/pkg/escrow"
	"github.com/p2pclear/escrowd/pkg/ledger"
	"github.com/p2pclear/escrowd/pkg/storage"
)

// Server exposes the escrow engine over REST plus a WebSocket event stream.
type Server struct {
	engine *escrow.Engine
	ledger *ledger.Ledger
	store  *storage.Store
	router *mux.Router
	hub    *Hub
	cfg    params.API
	opLog  *os.File // operation audit log, one JSON object per line
}

func NewServer(engine *escrow.Engine, lgr *ledger.Ledger, store *storage.Store, cfg params.API) *Server {
	opLogPath := os.Getenv("OP_LOG_FILE")
	if opLogPath == "" {
		opLogPath = "data/operations.log"
	}
	os.MkdirAll(filepath.Dir(opLogPath), 0755)

	opLog, err := os.OpenFile(opLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("[api] WARNING: failed to open op log file %s: %v", opLogPath, err)
		opLog = nil
	} else {
		log.Printf("[api] operation log: %s", opLogPath)
	}

	s := &Server{
		engine: engine,
		ledger: lgr,
		store:  store,
		router: mux.NewRouter(),
		hub:    NewHub(),
		cfg:    cfg,
		opLog:  opLog,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order lifecycle
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/offers", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{key}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{key}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{key}/close", s.handleCloseOrder).Methods("POST")

	// Ticket lifecycle
	api.HandleFunc("/orders/{key}/tickets", s.handleAcceptTicket).Methods("POST")
	api.HandleFunc("/orders/{key}/tickets", s.handleListTickets).Methods("GET")
	api.HandleFunc("/orders/{key}/tickets/{id}", s.handleGetTicket).Methods("GET")
	api.HandleFunc("/orders/{key}/tickets/{id}/sign", s.handleSignTicket).Methods("POST")
	api.HandleFunc("/orders/{key}/tickets/{id}/cancel", s.handleCancelTicket).Methods("POST")

	// Admin override
	api.HandleFunc("/admin/resolve-ticket", s.handleAdminResolveTicket).Methods("POST")
	api.HandleFunc("/admin/resolve-order", s.handleAdminResolveOrder).Methods("POST")

	// Accounts
	api.HandleFunc("/accounts", s.handleOpenAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/deposits/{address}", s.handleGetDeposits).Methods("GET")

	// WebSocket event stream
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the WebSocket hub and blocks serving HTTP.
func (s *Server) Start() error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", s.cfg.ListenAddr)
	return http.ListenAndServe(s.cfg.ListenAddr, handler)
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Emitter returns an event sink that feeds the WebSocket hub.
func (s *Server) Emitter() escrow.Emitter {
	return escrow.EmitterFunc(func(ev escrow.Event) {
		s.hub.BroadcastEvent(ev)
	})
}

// ==============================
// Order handlers
// ==============================

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	creator, ok := parseAddress(w, req.Creator, "creator")
	if !ok {
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	if req.Asset == "" {
		respondError(w, http.StatusBadRequest, "missing asset", "")
		return
	}

	key, err := s.engine.CreateOrder(creator, req.Asset, req.OrderID,
		req.TargetAmount, req.RefAmount, side, common.HexToAddress(req.FundingAccount))
	if err != nil {
		respondError(w, errorStatus(err), "create order failed", err.Error())
		return
	}

	log.Printf("[api] order created: key=%s creator=%s target=%d", key.Hex(), creator.Hex(), req.TargetAmount)
	s.logOperation("ORDER_CREATE", map[string]interface{}{
		"order_key": key.Hex(),
		"creator":   creator.Hex(),
		"asset":     req.Asset,
		"side":      req.Side,
		"target":    req.TargetAmount,
	})

	respondJSON(w, CreateOrderResponse{
		OrderKey: key.Hex(),
		VaultKey: escrow.VaultKey(key).Hex(),
	})
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req AcceptOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	locker, ok := parseAddress(w, req.Locker, "locker")
	if !ok {
		return
	}
	creator, ok := parseAddress(w, req.Creator, "creator")
	if !ok {
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	if req.Asset == "" {
		respondError(w, http.StatusBadRequest, "missing asset", "")
		return
	}

	orderKey, ticketKey, err := s.engine.AcceptOfferAndLock(locker, creator,
		common.HexToAddress(req.Counterparty), req.Asset, req.OrderID, req.TicketID,
		req.TargetAmount, req.RefAmount, side, common.HexToAddress(req.FundingAccount))
	if err != nil {
		respondError(w, errorStatus(err), "accept offer failed", err.Error())
		return
	}

	log.Printf("[api] offer accepted: order=%s ticket=%s locker=%s", orderKey.Hex(), ticketKey.Hex(), locker.Hex())
	s.logOperation("OFFER_ACCEPT", map[string]interface{}{
		"order_key":  orderKey.Hex(),
		"ticket_key": ticketKey.Hex(),
		"creator":    creator.Hex(),
		"locker":     locker.Hex(),
		"asset":      req.Asset,
		"target":     req.TargetAmount,
	})

	respondJSON(w, AcceptOfferResponse{
		OrderKey:  orderKey.Hex(),
		VaultKey:  escrow.VaultKey(orderKey).Hex(),
		TicketKey: ticketKey.Hex(),
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.store.Orders()
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = s.orderInfo(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	key, ok := parseHash(w, mux.Vars(r)["key"])
	if !ok {
		return
	}
	o, err := s.engine.GetOrder(key)
	if err != nil {
		respondError(w, errorStatus(err), "order not found", err.Error())
		return
	}
	respondJSON(w, s.orderInfo(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	key, ok := parseHash(w, mux.Vars(r)["key"])
	if !ok {
		return
	}
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	creator, ok := parseAddress(w, req.Creator, "creator")
	if !ok {
		return
	}

	if err := s.engine.CancelOrder(creator, key, common.HexToAddress(req.RefundAccount)); err != nil {
		respondError(w, errorStatus(err), "cancel order failed", err.Error())
		return
	}

	log.Printf("[api] order cancelled: key=%s", key.Hex())
	s.logOperation("ORDER_CANCEL", map[string]interface{}{"order_key": key.Hex(), "creator": creator.Hex()})
	respondJSON(w, StatusResponse{Status: "cancelled"})
}

func (s *Server) handleCloseOrder(w http.ResponseWriter, r *http.Request) {
	key, ok := parseHash(w, mux.Vars(r)["key"])
	if !ok {
		return
	}
	var req CloseOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	closer, ok := parseAddress(w, req.Closer, "closer")
	if !ok {
		return
	}

	if err := s.engine.CloseOrder(closer, key); err != nil {
		respondError(w, errorStatus(err), "close order failed", err.Error())
		return
	}

	log.Printf("[api] order closed: key=%s closer=%s", key.Hex(), closer.Hex())
	s.logOperation("ORDER_CLOSE", map[string]interface{}{"order_key": key.Hex(), "closer": closer.Hex()})
	respondJSON(w, StatusResponse{Status: "closed"})
}

// ==============================
// Ticket handlers
// ==============================

func (s *Server) handleAcceptTicket(w http.ResponseWriter, r *http.Request) {
	key, ok := parseHash(w, mux.Vars(r)["key"])
	if !ok {
		return
	}
	var req AcceptTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	acceptor, ok := parseAddress(w, req.Acceptor, "acceptor")
	if !ok {
		return
	}

	ticketKey, err := s.engine.AcceptTicket(acceptor, key, req.TicketID, req.Amount,
		common.HexToAddress(req.FundingAccount))
	if err != nil {
		respondError(w, errorStatus(err), "accept ticket failed", err.Error())
		return
	}

	log.Printf("[api] ticket accepted: order=%s ticket=%s amount=%d", key.Hex(), ticketKey.Hex(), req.Amount)
	s.logOperation("TICKET_ACCEPT", map[string]interface{}{
		"order_key":  key.Hex(),
		"ticket_key": ticketKey.Hex(),
		"acceptor":   acceptor.Hex(),
		"amount":     req.Amount,
	})
	respondJSON(w, AcceptTicketResponse{TicketKey: ticketKey.Hex()})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	key, ok := parseHash(w, mux.Vars(r)["key"])
	if !ok {
		return
	}
	tickets, err := s.engine.GetOpenTickets(key)
	if err != nil {
		respondError(w, errorStatus(err), "list tickets failed", err.Error())
		return
	}
	out := make([]TicketInfo, len(tickets))
	for i, t := range tickets {
		out[i] = ticketInfo(t)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	key, ticketID, ok := parseTicketPath(w, r)
	if !ok {
		return
	}
	t, err := s.engine.GetTicket(key, ticketID)
	if err != nil {
		respondError(w, errorStatus(err), "ticket not found", err.Error())
		return
	}
	respondJSON(w, ticketInfo(t))
}

func (s *Server) handleSignTicket(w http.ResponseWriter, r *http.Request) {
	key, ticketID, ok := parseTicketPath(w, r)
	if !ok {
		return
	}
	var req SignTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	signer, ok := parseAddress(w, req.Signer, "signer")
	if !ok {
		return
	}

	if err := s.engine.SignTicket(signer, key, ticketID, common.HexToAddress(req.PayoutAccount)); err != nil {
		respondError(w, errorStatus(err), "sign ticket failed", err.Error())
		return
	}

	log.Printf("[api] ticket signed: order=%s id=%d signer=%s", key.Hex(), ticketID, signer.Hex())
	s.logOperation("TICKET_SIGN", map[string]interface{}{
		"order_key": key.Hex(),
		"ticket_id": ticketID,
		"signer":    signer.Hex(),
	})
	respondJSON(w, StatusResponse{Status: "signed"})
}

func (s *Server) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	key, ticketID, ok := parseTicketPath(w, r)
	if !ok {
		return
	}
	var req CancelTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	canceller, ok := parseAddress(w, req.Canceller, "canceller")
	if !ok {
		return
	}

	if err := s.engine.CancelTicket(canceller, key, ticketID, common.HexToAddress(req.RefundAccount)); err != nil {
		respondError(w, errorStatus(err), "cancel ticket failed", err.Error())
		return
	}

	log.Printf("[api] ticket cancelled: order=%s id=%d", key.Hex(), ticketID)
	s.logOperation("TICKET_CANCEL", map[string]interface{}{
		"order_key": key.Hex(),
		"ticket_id": ticketID,
		"canceller": canceller.Hex(),
	})
	respondJSON(w, StatusResponse{Status: "cancelled"})
}

// ==============================
// Admin handlers
// ==============================

func (s *Server) handleAdminResolveTicket(w http.ResponseWriter, r *http.Request) {
	var req AdminResolveTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	admin, ok := parseAddress(w, req.Admin, "admin")
	if !ok {
		return
	}
	key, ok := parseHash(w, req.OrderKey)
	if !ok {
		return
	}
	dest, ok := parseAddress(w, req.Destination, "destination")
	if !ok {
		return
	}

	if err := s.engine.AdminResolveTicket(admin, key, req.TicketID, req.ReleaseToPayer, dest); err != nil {
		respondError(w, errorStatus(err), "admin resolve failed", err.Error())
		return
	}

	log.Printf("[api] admin resolved ticket: order=%s id=%d release=%v", key.Hex(), req.TicketID, req.ReleaseToPayer)
	s.logOperation("ADMIN_RESOLVE_TICKET", map[string]interface{}{
		"order_key":        key.Hex(),
		"ticket_id":        req.TicketID,
		"release_to_payer": req.ReleaseToPayer,
	})
	respondJSON(w, StatusResponse{Status: "resolved"})
}

func (s *Server) handleAdminResolveOrder(w http.ResponseWriter, r *http.Request) {
	var req AdminResolveOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	admin, ok := parseAddress(w, req.Admin, "admin")
	if !ok {
		return
	}
	key, ok := parseHash(w, req.OrderKey)
	if !ok {
		return
	}
	dest, ok := parseAddress(w, req.Destination, "destination")
	if !ok {
		return
	}

	if err := s.engine.AdminResolveOrder(admin, key, req.Amount, dest); err != nil {
		respondError(w, errorStatus(err), "admin resolve failed", err.Error())
		return
	}

	log.Printf("[api] admin resolved order: order=%s amount=%d", key.Hex(), req.Amount)
	s.logOperation("ADMIN_RESOLVE_ORDER", map[string]interface{}{
		"order_key": key.Hex(),
		"amount":    req.Amount,
	})
	respondJSON(w, StatusResponse{Status: "resolved"})
}

// ==============================
// Query handlers
// ==============================

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, ok := parseAddress(w, req.Owner, "owner")
	if !ok {
		return
	}
	if req.Asset == "" {
		respondError(w, http.StatusBadRequest, "missing asset", "")
		return
	}

	id := ledger.DeriveAccountID(owner, req.Asset)
	acc, err := s.ledger.Open(id, owner, req.Asset)
	if err != nil {
		respondError(w, http.StatusConflict, "open account failed", err.Error())
		return
	}
	if req.Amount > 0 {
		if err := s.ledger.Mint(id, req.Amount); err != nil {
			respondError(w, http.StatusInternalServerError, "credit failed", err.Error())
			return
		}
		acc = s.ledger.Get(id)
	}

	log.Printf("[api] account opened: id=%s owner=%s asset=%s", id.Hex(), owner.Hex(), req.Asset)
	respondJSON(w, AccountInfo{
		ID:      acc.ID.Hex(),
		Owner:   acc.Owner.Hex(),
		Asset:   acc.Asset,
		Balance: acc.Balance,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAddress(w, mux.Vars(r)["id"], "account id")
	if !ok {
		return
	}
	acc := s.ledger.Get(id)
	if acc == nil {
		respondError(w, http.StatusNotFound, "account not found", "")
		return
	}
	respondJSON(w, AccountInfo{
		ID:      acc.ID.Hex(),
		Owner:   acc.Owner.Hex(),
		Asset:   acc.Asset,
		Balance: acc.Balance,
	})
}

func (s *Server) handleGetDeposits(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"], "address")
	if !ok {
		return
	}
	respondJSON(w, DepositInfo{
		Address: addr.Hex(),
		Balance: s.store.DepositBalance(addr),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func (s *Server) orderInfo(o *escrow.Order) OrderInfo {
	balance, _ := s.engine.VaultBalance(o.Key)
	return OrderInfo{
		Key:            o.Key.Hex(),
		Creator:        o.Creator.Hex(),
		Asset:          o.Asset,
		OrderID:        o.OrderID,
		Side:           o.Side.String(),
		TargetAmount:   o.TargetAmount,
		FilledAmount:   o.FilledAmount,
		ReservedAmount: o.ReservedAmount,
		Available:      o.Available(),
		Remaining:      o.Remaining(),
		RefAmount:      o.RefAmount,
		Status:         o.Status.String(),
		VaultKey:       o.VaultKey.Hex(),
		VaultBalance:   balance,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func ticketInfo(t *escrow.Ticket) TicketInfo {
	return TicketInfo{
		Key:         t.Key.Hex(),
		OrderKey:    t.OrderKey.Hex(),
		TicketID:    t.TicketID,
		Acceptor:    t.Acceptor.Hex(),
		Amount:      t.Amount,
		PayerSigned: t.PayerSigned,
		CreatedAt:   t.CreatedAt,
	}
}

func parseAddress(w http.ResponseWriter, s, field string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid "+field, s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseHash(w http.ResponseWriter, s string) (common.Hash, bool) {
	if len(s) != 66 || s[:2] != "0x" {
		respondError(w, http.StatusBadRequest, "invalid key", s)
		return common.Hash{}, false
	}
	return common.HexToHash(s), true
}

func parseTicketPath(w http.ResponseWriter, r *http.Request) (common.Hash, uint64, bool) {
	vars := mux.Vars(r)
	key, ok := parseHash(w, vars["key"])
	if !ok {
		return common.Hash{}, 0, false
	}
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticket id", vars["id"])
		return common.Hash{}, 0, false
	}
	return key, id, true
}

func parseSide(s string) (escrow.Side, error) {
	switch s {
	case "asset_seller":
		return escrow.AssetSeller, nil
	case "currency_buyer":
		return escrow.CurrencyBuyer, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// logOperation writes a state-changing operation to the audit log file.
func (s *Server) logOperation(eventType string, data map[string]interface{}) {
	if s.opLog == nil {
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"event":     eventType,
		"data":      data,
	}
	jsonData, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[api] failed to marshal op log entry: %v", err)
		return
	}
	s.opLog.Write(jsonData)
	s.opLog.Write([]byte("\n"))
}
