package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gregtusar/marketfeed/pkg/feed"
	"github.com/gregtusar/marketfeed/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MarketData is the read side of the feed client served over HTTP.
type MarketData interface {
	Assets() []string
	IsConnected() bool
	LastTradedPrice(asset string) (float64, error)
	PriceCandles(asset string) ([]models.Candle, error)
	EstimateBuyPrice(asset string, quoteAmount decimal.Decimal) (models.ExecutionEstimate, error)
	EstimateSellPrice(asset string, baseAmount decimal.Decimal) (models.ExecutionEstimate, error)
}

type Server struct {
	feed   MarketData
	logger *logrus.Logger
	port   string
	http   *http.Server
}

func NewServer(feed MarketData, logger *logrus.Logger, port string) *Server {
	s := &Server{
		feed:   feed,
		logger: logger,
		port:   port,
	}
	s.http = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/assets", s.handleAssets)
	mux.HandleFunc("/api/price", s.handlePrice)
	mux.HandleFunc("/api/candles", s.handleCandles)
	mux.HandleFunc("/api/estimate", s.handleEstimate)

	return corsMiddleware(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %s", s.port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.feed.IsConnected() {
		status = "disconnected"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"connected": s.feed.IsConnected(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.feed.Assets()
	if assets == nil {
		assets = []string{}
	}
	s.writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.requireAsset(w, r)
	if !ok {
		return
	}

	price, err := s.feed.LastTradedPrice(asset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset": asset,
		"price": price,
	})
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.requireAsset(w, r)
	if !ok {
		return
	}

	candles, err := s.feed.PriceCandles(asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if candles == nil {
		candles = []models.Candle{}
	}
	s.writeJSON(w, http.StatusOK, candles)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.requireAsset(w, r)
	if !ok {
		return
	}

	side := models.OrderSide(r.URL.Query().Get("side"))
	if !side.Valid() {
		http.Error(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || !amount.IsPositive() {
		http.Error(w, "amount must be a positive number", http.StatusBadRequest)
		return
	}

	var estimate models.ExecutionEstimate
	if side == models.OrderSideBuy {
		estimate, err = s.feed.EstimateBuyPrice(asset, amount)
	} else {
		estimate, err = s.feed.EstimateSellPrice(asset, amount)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, estimate)
}

func (s *Server) requireAsset(w http.ResponseWriter, r *http.Request) (string, bool) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		http.Error(w, "asset is required", http.StatusBadRequest)
		return "", false
	}
	return asset, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, feed.ErrUnknownAsset):
		status = http.StatusNotFound
	case errors.Is(err, feed.ErrAssetNotInitialized), errors.Is(err, feed.ErrBookUnavailable):
		status = http.StatusConflict
	case errors.Is(err, feed.ErrInvalidAmount):
		status = http.StatusBadRequest
	default:
		s.logger.WithError(err).Error("API request failed")
	}

	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
