package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-flash-sale/internal/shops"
)

type ShopService interface {
	QueryByID(ctx context.Context, id int64) (*shops.Shop, error)
	Update(ctx context.Context, s shops.Shop) (shops.Shop, error)
}

type ShopHandler struct {
	Service ShopService
}

func (h *ShopHandler) Register(r chi.Router) {
	r.Get("/shop/{id}", h.getShop)
	r.Put("/shop", h.updateShop)
}

func (h *ShopHandler) getShop(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		fail(w, http.StatusBadRequest, "invalid shop id")
		return
	}
	shop, err := h.Service.QueryByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, shop)
}

func (h *ShopHandler) updateShop(w http.ResponseWriter, r *http.Request) {
	var req shops.Shop
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	saved, err := h.Service.Update(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, saved)
}
