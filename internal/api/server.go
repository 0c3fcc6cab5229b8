package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/payagent/internal/ens"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers/x402"
	"github.com/ggonzalez94/payagent/internal/ratelimit"
	"github.com/ggonzalez94/payagent/internal/router"
	"github.com/ggonzalez94/payagent/internal/store"
	"github.com/ggonzalez94/payagent/internal/version"
	"github.com/google/uuid"
)

const (
	rateLimitedMessage = "Too many requests. Please wait before trying again."
	receiptTimeout     = 10 * time.Second
	maxBodyBytes       = 1 << 20
)

type Chatter interface {
	Chat(ctx context.Context, req model.ChatRequest, origin router.Origin) (model.ChatResponse, error)
	Plan(ctx context.Context, req model.ConsolidateRequest) (model.ConsolidationPlan, error)
}

type Executor interface {
	Build(ctx context.Context, req model.ExecuteRequest) (model.UnsignedTransaction, error)
}

type Ledger interface {
	Subname(txHash string) string
	SaveReceipt(ctx context.Context, req model.ReceiptRequest) (model.Receipt, error)
	GetReceipt(ctx context.Context, txHash string) (model.Receipt, error)
	CreateInvoice(ctx context.Context, req model.CreateInvoiceRequest) (model.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (model.Invoice, error)
	MarkInvoicePaid(ctx context.Context, req model.UpdateInvoiceRequest) (model.Invoice, error)
}

// Records reads and writes the ENS records the API exposes.
type Records interface {
	BuildSetInvoiceTx(ctx context.Context, name string, inv model.Invoice) (model.UnsignedTransaction, error)
	InvoiceFromENS(ctx context.Context, name, invoiceID string) (*model.Invoice, error)
	ReverseName(ctx context.Context, address string, chainID int64) (model.PrimaryName, error)
}

type Config struct {
	Addr     string
	Agent    Chatter
	Executor Executor
	Ledger   Ledger
	Records  Records
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger
}

// Server exposes the agent over HTTP.
type Server struct {
	addr     string
	agent    Chatter
	executor Executor
	ledger   Ledger
	records  Records
	limiter  ratelimit.Limiter
	log      *slog.Logger
	now      func() time.Time

	background sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	return &Server{
		addr:     cfg.Addr,
		agent:    cfg.Agent,
		executor: cfg.Executor,
		ledger:   cfg.Ledger,
		records:  cfg.Records,
		limiter:  cfg.Limiter,
		log:      logging.OrDiscard(cfg.Logger),
		now:      time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", s.rateLimited(http.HandlerFunc(s.handleChat)))
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("POST /api/consolidate", s.handleConsolidate)
	mux.HandleFunc("POST /api/ens/receipts", s.handleCreateReceipt)
	mux.HandleFunc("GET /api/ens/receipts", s.handleGetReceipt)
	mux.HandleFunc("POST /api/invoice", s.handleCreateInvoice)
	mux.HandleFunc("GET /api/invoice", s.handleGetInvoice)
	mux.HandleFunc("PATCH /api/invoice", s.handleUpdateInvoice)
	mux.HandleFunc("POST /api/invoice/ens", s.handlePublishInvoice)
	mux.HandleFunc("GET /api/invoice/ens", s.handleVerifyInvoice)
	mux.HandleFunc("GET /api/ens/name", s.handlePrimaryName)
	mux.HandleFunc("GET /api/x402-demo", s.handleX402Demo)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.logged(mux)
}

// Start serves until ctx is cancelled, then shuts down and waits for
// background receipt writes.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

// Wait blocks until background writes have finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.agent.Chat(r.Context(), req, router.Origin{Host: r.Host, Proto: r.Header.Get("X-Forwarded-Proto")})
	if err != nil {
		s.log.Error("chat failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req model.ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.executor.Build(r.Context(), req)
	if err != nil {
		s.log.Error("execute failed", "route", req.RouteID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req model.ConsolidateRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := s.agent.Plan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handleCreateReceipt answers with the subname right away and persists the
// receipt in the background. A failed write is logged and dropped.
func (s *Server) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	var req model.ReceiptRequest
	if !decode(w, r, &req) {
		return
	}
	if err := store.ValidateReceipt(req); err != nil {
		writeError(w, err)
		return
	}
	subname := ens.ReceiptSubname(req.TxHash, ens.DefaultReceiptParent)
	if s.ledger != nil {
		subname = s.ledger.Subname(req.TxHash)
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
			defer cancel()
			if _, err := s.ledger.SaveReceipt(ctx, req); err != nil {
				s.log.Warn("receipt not stored", "tx", req.TxHash, "error", err)
			}
		}()
	}
	writeJSON(w, http.StatusOK, map[string]string{"subname": subname})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	receipt, err := s.ledger.GetReceipt(r.Context(), r.URL.Query().Get("txHash"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	var req model.CreateInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := s.ledger.CreateInvoice(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	inv, err := s.ledger.GetInvoice(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleUpdateInvoice(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	var req model.UpdateInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := s.ledger.MarkInvoicePaid(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handlePublishInvoice(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecords(w) {
		return
	}
	var req model.EnsInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.EnsName) == "" || strings.TrimSpace(req.Invoice.ID) == "" || strings.TrimSpace(req.Invoice.Amount) == "" {
		writeError(w, clierr.New(clierr.CodeUsage, "Missing required fields: ensName, invoice.id, invoice.amount"))
		return
	}
	tx, err := s.records.BuildSetInvoiceTx(r.Context(), req.EnsName, req.Invoice)
	if err != nil {
		s.log.Error("ens invoice write failed", "name", req.EnsName, "invoice", req.Invoice.ID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.EnsInvoiceTx{
		UnsignedTransaction: tx,
		Message:             fmt.Sprintf("Store invoice %s in ENS record: %s", req.Invoice.ID, ens.InvoiceRecordKey(req.Invoice.ID)),
	})
}

func (s *Server) handleVerifyInvoice(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecords(w) {
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("ensName"))
	invoiceID := strings.TrimSpace(r.URL.Query().Get("id"))
	if name == "" || invoiceID == "" {
		writeError(w, clierr.New(clierr.CodeUsage, "Missing required params: ensName, id"))
		return
	}
	inv, err := s.records.InvoiceFromENS(r.Context(), name, invoiceID)
	if err != nil {
		s.log.Error("ens invoice read failed", "name", name, "invoice", invoiceID, "error", err)
		writeError(w, err)
		return
	}
	if inv == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Invoice not found in ENS", "verified": false})
		return
	}
	writeJSON(w, http.StatusOK, model.EnsInvoice{
		Invoice:   *inv,
		EnsName:   name,
		InvoiceID: invoiceID,
		RecordKey: ens.InvoiceRecordKey(invoiceID),
		Verified:  true,
	})
}

func (s *Server) handlePrimaryName(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecords(w) {
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeError(w, clierr.New(clierr.CodeUsage, "Missing required param: address"))
		return
	}
	chainID := int64(1)
	if raw := strings.TrimSpace(r.URL.Query().Get("chainId")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			writeError(w, clierr.New(clierr.CodeUsage, "chainId must be a positive integer"))
			return
		}
		chainID = v
	}
	name, err := s.records.ReverseName(r.Context(), address, chainID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, name)
}

type premiumContent struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// handleX402Demo is a paywalled resource for exercising the paywall flow.
// Any X-Payment-Proof header unlocks it.
func (s *Server) handleX402Demo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(x402.ProofHeader) == "" {
		descriptor, _ := json.Marshal(x402.DemoPayment)
		w.Header().Set(x402.PaymentHeader, string(descriptor))
		writeJSON(w, http.StatusPaymentRequired, struct {
			Message string                  `json:"message"`
			Payment model.PaymentDescriptor `json:"payment"`
		}{Message: "Payment Required", Payment: x402.DemoPayment})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message string         `json:"message"`
		Data    premiumContent `json:"data"`
	}{
		Message: "Access granted!",
		Data: premiumContent{
			Title:     "Premium DeFi Analytics",
			Content:   "Top yielding stablecoin pools: Aave USDC (4.2% APY), Morpho USDT (5.1% APY), Compound DAI (3.8% APY)",
			Timestamp: s.now().UTC().Format(model.TimeFormat),
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.CLIVersion})
}

func (s *Server) requireLedger(w http.ResponseWriter) bool {
	if s.ledger == nil {
		writeError(w, clierr.New(clierr.CodeUnsupported, "storage is not configured"))
		return false
	}
	return true
}

func (s *Server) requireRecords(w http.ResponseWriter) bool {
	if s.records == nil {
		writeError(w, clierr.New(clierr.CodeUnsupported, "ens records are not configured"))
		return false
	}
	return true
}

// rateLimited applies the per-client fixed window. Limiter failures let the
// request through.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			ok, err := s.limiter.Allow(r.Context(), ClientKey(r))
			if err != nil {
				s.log.Warn("rate limiter unavailable", "error", err)
			} else if !ok {
				writeError(w, clierr.New(clierr.CodeRateLimited, rateLimitedMessage))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller for rate limiting: the first
// X-Forwarded-For entry, else the remote host.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		)
	})
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(out); err != nil {
		writeError(w, clierr.Wrap(clierr.CodeUsage, "Invalid JSON body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, clierr.HTTPStatus(err), map[string]string{"error": clierr.Message(err)})
}
