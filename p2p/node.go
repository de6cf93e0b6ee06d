package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/rs/zerolog"

	"shieldpool/internal/merkle"
	"shieldpool/internal/pool"
	"shieldpool/internal/shielded"
	"shieldpool/internal/transactions/bridge"
	"shieldpool/internal/transactions/register"
)

const (
	maxBodySize = 1 << 20
	// DefaultPageSize is the largest number of insert events returned by GET /commitments.
	DefaultPageSize = 1000
)

// Ledger is the pool surface served by a node.
type Ledger interface {
	Root() common.Hash
	Snapshot(ctx context.Context) (merkle.Snapshot, error)
	PathAt(ctx context.Context, index, size uint64) (merkle.Path, error)
	Commitments(from, to uint64) []pool.InsertEvent
	IsSpent(nullifier common.Hash) bool
	Stats() pool.Stats
	Transact(ctx context.Context, tx *shielded.Transaction) (*pool.Receipt, error)
	SubscribeInserts(ch chan<- pool.InsertEvent) event.Subscription
	SubscribeSpends(ch chan<- pool.SpendEvent) event.Subscription
}

// Depositor accepts bridged deliveries.
type Depositor interface {
	OnBridgedDeposit(ctx context.Context, d *bridge.Delivery) (*pool.Receipt, error)
}

// Registrar publishes the shielded addresses of account owners.
type Registrar interface {
	Register(ctx context.Context, a *register.Account) error
	Lookup(owner common.Address) (*shielded.Keypair, error)
	RegisterAndTransact(ctx context.Context, a *register.Account, tx *shielded.Transaction, p register.Transactor) (*pool.Receipt, error)
}

type Option func(*Node)

func WithLogger(l zerolog.Logger) Option { return func(n *Node) { n.log = l } }

// WithDepositor enables POST /bridge. Requests must carry token as a bearer credential.
func WithDepositor(d Depositor, token string) Option {
	return func(n *Node) { n.depositor, n.bridgeToken = d, token }
}

// WithRegistrar enables the /accounts routes.
func WithRegistrar(r Registrar) Option { return func(n *Node) { n.registrar = r } }

// WithPageSize bounds the number of insert events returned by one GET /commitments.
func WithPageSize(size uint64) Option {
	return func(n *Node) {
		if size > 0 {
			n.pageSize = size
		}
	}
}

// WithMiddleware wraps the node's handler, outermost last.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(n *Node) { n.middleware = append(n.middleware, mw...) }
}

// Node serves a pool over HTTP and streams its events over a websocket.
type Node struct {
	ID      string
	Address string

	ledger      Ledger
	depositor   Depositor
	bridgeToken string
	registrar   Registrar
	pageSize    uint64
	middleware  []func(http.Handler) http.Handler
	log         zerolog.Logger

	server   *http.Server
	listener net.Listener
	hub      *Hub
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewNode creates a node serving ledger on address.
func NewNode(id, address string, ledger Ledger, opts ...Option) *Node {
	n := &Node{ID: id, Address: address, ledger: ledger, pageSize: DefaultPageSize, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(n)
	}
	n.hub = newHub(id, n.log)
	return n
}

// Handler returns the routes of the node wrapped in its middleware.
func (n *Node) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /root", n.handleRoot)
	mux.HandleFunc("GET /snapshot", n.handleSnapshot)
	mux.HandleFunc("GET /stats", n.handleStats)
	mux.HandleFunc("GET /path/{index}", n.handlePath)
	mux.HandleFunc("GET /commitments", n.handleCommitments)
	mux.HandleFunc("GET /nullifiers/{nullifier}", n.handleNullifier)
	mux.HandleFunc("POST /tx", n.handleTransact)
	if n.depositor != nil {
		mux.HandleFunc("POST /bridge", n.handleBridge)
	}
	if n.registrar != nil {
		mux.HandleFunc("POST /accounts", n.handleRegister)
		mux.HandleFunc("GET /accounts/{owner}", n.handleLookup)
	}
	mux.HandleFunc("GET /ws/events", func(w http.ResponseWriter, r *http.Request) {
		n.hub.serveWs(ctx, w, r, &n.wg)
	})

	var h http.Handler = mux
	for _, mw := range n.middleware {
		h = mw(h)
	}
	return h
}

// Start listens on the node address and serves in the background. It returns once the listener
// is bound.
func (n *Node) Start() error {
	listener, err := net.Listen("tcp", n.Address)
	if err != nil {
		return fmt.Errorf("[%s] failed to listen: %w", n.ID, err)
	}
	n.listener = listener
	n.Address = listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.server = &http.Server{
		Handler:           n.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.hub.run(ctx, n.ledger)
	}()
	go func() {
		defer n.wg.Done()
		n.log.Info().Str("node", n.ID).Str("address", n.Address).Msg("Server starting")
		if err := n.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			n.log.Error().Err(err).Str("node", n.ID).Msg("Server failed")
		}
		n.log.Info().Str("node", n.ID).Msg("Server stopped")
	}()
	return nil
}

// Shutdown stops accepting requests, closes event streams and waits for in-flight handlers.
func (n *Node) Shutdown(ctx context.Context) error {
	if n.server == nil {
		return nil
	}
	err := n.server.Shutdown(ctx)
	n.cancel()
	n.wg.Wait()
	return err
}

func (n *Node) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		n.log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (n *Node) writeError(w http.ResponseWriter, err error) {
	status, body := encodeError(err)
	n.writeJSON(w, status, body)
}

func (n *Node) badRequest(w http.ResponseWriter, format string, args ...any) {
	n.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf(format, args...), Code: "bad_request"})
}

func (n *Node) handleRoot(w http.ResponseWriter, r *http.Request) {
	n.writeJSON(w, http.StatusOK, n.ledger.Root())
}

func (n *Node) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := n.ledger.Snapshot(r.Context())
	if err != nil {
		n.writeError(w, err)
		return
	}
	n.writeJSON(w, http.StatusOK, snap)
}

func (n *Node) handleStats(w http.ResponseWriter, r *http.Request) {
	n.writeJSON(w, http.StatusOK, n.ledger.Stats())
}

func (n *Node) handlePath(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		n.badRequest(w, "invalid index: %v", err)
		return
	}
	var size uint64
	if s := r.URL.Query().Get("size"); s != "" {
		if size, err = strconv.ParseUint(s, 10, 64); err != nil {
			n.badRequest(w, "invalid size: %v", err)
			return
		}
	} else {
		snap, err := n.ledger.Snapshot(r.Context())
		if err != nil {
			n.writeError(w, err)
			return
		}
		size = snap.Size
	}
	path, err := n.ledger.PathAt(r.Context(), index, size)
	if err != nil {
		n.writeError(w, err)
		return
	}
	n.writeJSON(w, http.StatusOK, newPathResponse(path, size))
}

func (n *Node) handleCommitments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil {
		n.badRequest(w, "invalid from: %v", err)
		return
	}
	to := from + n.pageSize
	if s := q.Get("to"); s != "" {
		if to, err = strconv.ParseUint(s, 10, 64); err != nil {
			n.badRequest(w, "invalid to: %v", err)
			return
		}
	}
	if to < from {
		to = from
	}
	if to-from > n.pageSize {
		to = from + n.pageSize
	}
	events := n.ledger.Commitments(from, to)
	if events == nil {
		events = []pool.InsertEvent{}
	}
	n.writeJSON(w, http.StatusOK, events)
}

func (n *Node) handleNullifier(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("nullifier")
	if !isHash(raw) {
		n.badRequest(w, "invalid nullifier %q", raw)
		return
	}
	nf := common.HexToHash(raw)
	n.writeJSON(w, http.StatusOK, NullifierResponse{Nullifier: nf, Spent: n.ledger.IsSpent(nf)})
}

func (n *Node) handleTransact(w http.ResponseWriter, r *http.Request) {
	var tx shielded.Transaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&tx); err != nil {
		n.badRequest(w, "invalid transaction: %v", err)
		return
	}
	receipt, err := n.ledger.Transact(r.Context(), &tx)
	if err != nil {
		n.writeError(w, err)
		return
	}
	n.writeJSON(w, http.StatusOK, receipt)
}

func (n *Node) handleBridge(w http.ResponseWriter, r *http.Request) {
	if n.bridgeToken != "" && r.Header.Get("Authorization") != "Bearer "+n.bridgeToken {
		n.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "bridge credential required", Code: "unauthorized"})
		return
	}
	var d bridge.Delivery
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&d); err != nil {
		n.badRequest(w, "invalid delivery: %v", err)
		return
	}
	receipt, err := n.depositor.OnBridgedDeposit(r.Context(), &d)
	if err != nil {
		n.writeError(w, err)
		return
	}
	n.writeJSON(w, http.StatusOK, receipt)
}

func (n *Node) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		n.badRequest(w, "invalid registration: %v", err)
		return
	}
	if req.Account == nil {
		n.badRequest(w, "missing account")
		return
	}
	resp := AccountResponse{Owner: req.Account.Owner}
	if req.Transaction == nil {
		if err := n.registrar.Register(r.Context(), req.Account); err != nil {
			n.writeError(w, err)
			return
		}
	} else {
		receipt, err := n.registrar.RegisterAndTransact(r.Context(), req.Account, req.Transaction, n.ledger)
		if err != nil {
			n.writeError(w, err)
			return
		}
		resp.Receipt = receipt
	}
	kp, err := n.registrar.Lookup(req.Account.Owner)
	if err != nil {
		n.writeError(w, err)
		return
	}
	resp.Address = kp.Address()
	n.writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleLookup(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("owner")
	if !common.IsHexAddress(raw) {
		n.badRequest(w, "invalid owner %q", raw)
		return
	}
	owner := common.HexToAddress(raw)
	kp, err := n.registrar.Lookup(owner)
	if err != nil {
		n.writeError(w, err)
		return
	}
	n.writeJSON(w, http.StatusOK, AccountResponse{Owner: owner, Address: kp.Address()})
}

func isHash(s string) bool {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}
