package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/phronetic-ai/agentic-payments-research/internal/gateway"
	"github.com/phronetic-ai/agentic-payments-research/internal/mandate"
	"github.com/phronetic-ai/agentic-payments-research/internal/store"
	"github.com/phronetic-ai/agentic-payments-research/pkg/domain"
	"github.com/phronetic-ai/agentic-payments-research/pkg/httpx"
	"github.com/phronetic-ai/agentic-payments-research/pkg/mandatesig"
)

func main() {
	_ = godotenv.Load()

	key := os.Getenv("MANDATE_SIGNING_KEY")
	if key == "" {
		log.Fatal("MANDATE_SIGNING_KEY is required")
	}
	scheme, err := mandatesig.New([]byte(key))
	if err != nil {
		log.Fatal(err)
	}

	var st store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.ConnectPostgres(context.Background(), dsn)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("postgres schema: %v", err)
		}
		st = pg
		log.Println("using postgres store")
	} else {
		st = store.NewMemory()
		log.Println("using in-memory store")
	}

	svc := mandate.New(st, scheme)
	gw := gateway.New(svc, st, scheme)

	if raw := os.Getenv("MANDATE_SWEEP_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("MANDATE_SWEEP_INTERVAL: %v", err)
		}
		go func() {
			for range time.Tick(interval) {
				if n, err := svc.SweepExpired(context.Background(), interval); err == nil && n > 0 {
					log.Printf("swept %d expired mandates", n)
				}
			}
		}()
	}

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8090"
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/mandates", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MerchantID     string              `json:"merchant_id"`
			CustomerID     string              `json:"customer_id"`
			Items          []mandate.ItemInput `json:"items"`
			Currency       string              `json:"currency"`
			IdempotencyKey string              `json:"idempotency_key"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		res, err := svc.Create(r.Context(), mandate.CreateRequest{
			MerchantID:     req.MerchantID,
			CustomerID:     req.CustomerID,
			Items:          req.Items,
			Currency:       req.Currency,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "mandate": res})
	})

	r.Post("/mandates/{cart_id}/validate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ValidationToken string `json:"validation_token"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		outcome, err := svc.Validate(r.Context(), chi.URLParam(r, "cart_id"), req.ValidationToken)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "validation": outcome})
	})

	r.Post("/mandates/{cart_id}/authorize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CustomerConfirmation bool `json:"customer_confirmation"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		cartID := chi.URLParam(r, "cart_id")
		if err := svc.Authorize(r.Context(), cartID, req.CustomerConfirmation); err != nil {
			writeDomainError(w, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "authorized": true, "cart_id": cartID})
	})

	r.Post("/payments", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CartID         string `json:"cart_id"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		res, err := gw.CreatePayment(r.Context(), req.CartID, req.IdempotencyKey)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		status := 201
		if res.Status == gateway.StatusFailed {
			status = 402
		}
		httpx.WriteJSON(w, status, map[string]any{"request_id": httpx.NewRequestID(), "payment": res})
	})

	r.Get("/payments/{payment_id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := gw.GetPayment(r.Context(), chi.URLParam(r, "payment_id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "payment": rec})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		mandateStats, err := svc.Statistics(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"mandates":   mandateStats,
			"gateway":    gw.Statistics(),
		})
	})

	r.Get("/integrity-audit", func(w http.ResponseWriter, r *http.Request) {
		audit, err := gw.IntegrityAudit(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "audit": audit})
	})

	log.Printf("mandate service listening on :%s", port)
	log.Fatal(http.ListenAndServe(":"+port, r))
}

func writeDomainError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		httpx.WriteError(w, 422, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrTampered):
		httpx.WriteError(w, 409, "TAMPERED", err.Error())
	case errors.Is(err, domain.ErrTokenMismatch):
		httpx.WriteError(w, 403, "TOKEN_MISMATCH", err.Error())
	case errors.Is(err, domain.ErrExpired):
		httpx.WriteError(w, 410, "EXPIRED", err.Error())
	case errors.Is(err, domain.ErrAlreadyProcessed):
		httpx.WriteError(w, 409, "ALREADY_PROCESSED", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		httpx.WriteError(w, 403, "UNAUTHORIZED", err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		httpx.WriteError(w, 409, "INVALID_STATE", err.Error())
	case errors.Is(err, domain.ErrNotRedeemable):
		httpx.WriteError(w, 402, "MANDATE_INVALID", err.Error())
	case errors.Is(err, domain.ErrDuplicateCart):
		httpx.WriteError(w, 409, "DUPLICATE_CART", err.Error())
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error())
	}
}
