package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/grid"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/market"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/simulator"
	"github.com/atmx/paper-engine/internal/symbol"
)

// --- Request/Response types ---

// ResetRequest is the JSON body for POST /accounts/{accountID}/reset.
type ResetRequest struct {
	Amount decimal.Decimal `json:"amount"` // 0 → starting balance
}

// PriceRequest is the JSON body for price ticks.
type PriceRequest struct {
	Symbol string          `json:"symbol,omitempty"`
	Price  decimal.Decimal `json:"price"`
}

// CloseGridRequest is the JSON body for POST /grids/{gridID}/close.
type CloseGridRequest struct {
	Reason string `json:"reason"`
}

// CloseGridResponse is returned from POST /grids/{gridID}/close.
type CloseGridResponse struct {
	GridID      string           `json:"grid_id"`
	Status      model.GridStatus `json:"status"`
	TotalProfit decimal.Decimal  `json:"total_profit"`
}

// GridErrorResponse carries the stored ERROR grid of a failed creation.
type GridErrorResponse struct {
	Error string      `json:"error"`
	Grid  *model.Grid `json:"grid"`
}

// Register mounts the API routes on r.
func (s *Service) Register(r chi.Router) {
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Post("/orders", s.HandleSimulateOrder)
		r.Get("/portfolio", s.HandleGetPortfolio)
		r.Get("/fills", s.HandleListFills)
		r.Post("/reset", s.HandleResetAccount)
		r.Get("/grids", s.HandleListGrids)
		r.Post("/grids", s.HandleCreateGrid)
	})

	r.Route("/grids/{gridID}", func(r chi.Router) {
		r.Get("/", s.HandleGetGrid)
		r.Post("/tick", s.HandleTickGrid)
		r.Post("/pause", s.HandlePauseGrid)
		r.Post("/resume", s.HandleResumeGrid)
		r.Post("/close", s.HandleCloseGrid)
	})

	r.Get("/prices", s.HandleListPrices)
	r.Post("/prices", s.HandleUpdatePrice)
}

// --- HTTP Handlers ---

// HandleSimulateOrder handles POST /api/v1/accounts/{accountID}/orders
func (s *Service) HandleSimulateOrder(w http.ResponseWriter, r *http.Request) {
	var req model.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	fill, err := s.SimulateOrder(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fill)
}

// HandleGetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
func (s *Service) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.GetPortfolio(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleListFills handles GET /api/v1/accounts/{accountID}/fills
func (s *Service) HandleListFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.ListFills(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// HandleResetAccount handles POST /api/v1/accounts/{accountID}/reset
func (s *Service) HandleResetAccount(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	b, err := s.ResetAccount(r.Context(), chi.URLParam(r, "accountID"), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// HandleListGrids handles GET /api/v1/accounts/{accountID}/grids
func (s *Service) HandleListGrids(w http.ResponseWriter, r *http.Request) {
	grids, err := s.ListGrids(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if grids == nil {
		grids = []model.Grid{}
	}
	writeJSON(w, http.StatusOK, grids)
}

// HandleCreateGrid handles POST /api/v1/accounts/{accountID}/grids
// Invalid params still create an ERROR grid, returned along
// with the error.
func (s *Service) HandleCreateGrid(w http.ResponseWriter, r *http.Request) {
	var params grid.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	g, err := s.CreateGrid(r.Context(), chi.URLParam(r, "accountID"), params)
	if err != nil {
		if g != nil {
			writeJSON(w, http.StatusUnprocessableEntity, GridErrorResponse{Error: err.Error(), Grid: g})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// HandleGetGrid handles GET /api/v1/grids/{gridID}
func (s *Service) HandleGetGrid(w http.ResponseWriter, r *http.Request) {
	g, err := s.GetGrid(r.Context(), chi.URLParam(r, "gridID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// HandleTickGrid handles POST /api/v1/grids/{gridID}/tick
func (s *Service) HandleTickGrid(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	g, err := s.TickGrid(r.Context(), chi.URLParam(r, "gridID"), req.Price)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// HandlePauseGrid handles POST /api/v1/grids/{gridID}/pause
func (s *Service) HandlePauseGrid(w http.ResponseWriter, r *http.Request) {
	g, err := s.PauseGrid(r.Context(), chi.URLParam(r, "gridID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// HandleResumeGrid handles POST /api/v1/grids/{gridID}/resume
func (s *Service) HandleResumeGrid(w http.ResponseWriter, r *http.Request) {
	g, err := s.ResumeGrid(r.Context(), chi.URLParam(r, "gridID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// HandleCloseGrid handles POST /api/v1/grids/{gridID}/close
func (s *Service) HandleCloseGrid(w http.ResponseWriter, r *http.Request) {
	var req CloseGridRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	g, err := s.CloseGrid(r.Context(), chi.URLParam(r, "gridID"), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseGridResponse{GridID: g.ID, Status: g.Status, TotalProfit: g.TotalProfit})
}

// HandleListPrices handles GET /api/v1/prices
func (s *Service) HandleListPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Prices())
}

// HandleUpdatePrice handles POST /api/v1/prices
// Feeds a market price into the price book and every active grid on the
// symbol.
func (s *Service) HandleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.UpdatePrice(r.Context(), req.Symbol, req.Price); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, simulator.ErrInvalidOrder),
		errors.Is(err, grid.ErrGridInitialization),
		errors.Is(err, grid.ErrInvalidPrice),
		errors.Is(err, market.ErrInvalidPrice),
		errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, symbol.ErrSameAsset),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, simulator.ErrInsufficientFunds),
		errors.Is(err, simulator.ErrInsufficientPosition),
		errors.Is(err, simulator.ErrPositionLimit),
		errors.Is(err, grid.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Internal errors are
// not echoed to the client.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
