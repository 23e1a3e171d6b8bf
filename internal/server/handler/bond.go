package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/marketloop/bondmarket/internal/domain"
)

// BondService defines the methods the bond handler requires from the service
// layer.
type BondService interface {
	GetBond(ctx context.Context, id string) (domain.Bond, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Bond, error)
	CreateBond(ctx context.Context, b domain.Bond) error
	UpdateStatus(ctx context.Context, id string, status domain.BondStatus) error
}

// BondHandler serves the marketplace bond endpoints.
type BondHandler struct {
	bonds  BondService
	logger *slog.Logger
}

// NewBondHandler creates a BondHandler with the given service and logger.
func NewBondHandler(bonds BondService, logger *slog.Logger) *BondHandler {
	return &BondHandler{
		bonds:  bonds,
		logger: logger,
	}
}

// listBondsResponse wraps the bond listing response.
type listBondsResponse struct {
	Bonds []domain.Bond `json:"bonds"`
}

// ListBonds returns the tradeable bond listing.
// GET /api/bonds?limit=50&offset=0
func (h *BondHandler) ListBonds(w http.ResponseWriter, r *http.Request) {
	opts := domain.ListOpts{}
	if r.URL.Query().Has("limit") || r.URL.Query().Has("offset") {
		opts = parseListOpts(r)
	}

	bonds, err := h.bonds.ListActive(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	if bonds == nil {
		bonds = []domain.Bond{}
	}
	writeJSON(w, http.StatusOK, listBondsResponse{Bonds: bonds})
}

// GetBond returns a single bond by its ID.
// GET /api/bonds/{id}
func (h *BondHandler) GetBond(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing bond id")
		return
	}

	bond, err := h.bonds.GetBond(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, bond)
}

// createBondRequest is the JSON body for listing a new bond.
type createBondRequest struct {
	BondID         string  `json:"bond_id"`
	Name           string  `json:"name"`
	Issuer         string  `json:"issuer"`
	CouponRate     float64 `json:"coupon_rate"`
	FaceValue      float64 `json:"face_value"`
	MaturityDate   string  `json:"maturity_date"`
	UnitsAvailable int64   `json:"units_available"`
}

// CreateBond lists a new bond on the marketplace.
// POST /api/bonds
func (h *BondHandler) CreateBond(w http.ResponseWriter, r *http.Request) {
	var body createBondRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var maturity time.Time
	if body.MaturityDate != "" {
		var err error
		maturity, err = time.Parse(time.RFC3339, body.MaturityDate)
		if err != nil {
			// Accept date-only too.
			maturity, err = time.Parse("2006-01-02", body.MaturityDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "maturity_date must be RFC 3339 or YYYY-MM-DD")
				return
			}
		}
	}

	bond := domain.Bond{
		ID:             body.BondID,
		Name:           body.Name,
		Issuer:         body.Issuer,
		CouponRate:     body.CouponRate,
		FaceValue:      body.FaceValue,
		MaturityDate:   maturity,
		UnitsAvailable: body.UnitsAvailable,
		Status:         domain.BondStatusActive,
	}

	if err := h.bonds.CreateBond(r.Context(), bond); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, bond)
}

// updateStatusRequest is the JSON body for a bond status change.
type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus changes a bond's lifecycle status.
// PUT /api/bonds/{id}/status
func (h *BondHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing bond id")
		return
	}

	var body updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.bonds.UpdateStatus(r.Context(), id, domain.BondStatus(body.Status)); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"bond_id": id,
		"status":  body.Status,
	})
}
