package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-flash-sale/internal/seckill"
)

// HeaderUserID carries the authenticated user; session handling happens upstream.
const HeaderUserID = "X-User-Id"

type SeckillService interface {
	Purchase(ctx context.Context, voucherID, userID int64) (int64, error)
	AddVoucher(ctx context.Context, v seckill.SeckillVoucher) error
}

type SeckillHandler struct {
	Service SeckillService
}

func (h *SeckillHandler) Register(r chi.Router) {
	r.Post("/voucher-order/seckill/{id}", h.purchase)
	r.Post("/voucher/seckill", h.addVoucher)
}

func (h *SeckillHandler) purchase(w http.ResponseWriter, r *http.Request) {
	voucherID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || voucherID <= 0 {
		fail(w, http.StatusBadRequest, "invalid voucher id")
		return
	}
	userID, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil || userID <= 0 {
		fail(w, http.StatusUnauthorized, "missing user")
		return
	}

	orderID, err := h.Service.Purchase(r.Context(), voucherID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// ids exceed 2^53; send as string so JS clients keep every digit
	ok(w, strconv.FormatInt(orderID, 10))
}

func (h *SeckillHandler) addVoucher(w http.ResponseWriter, r *http.Request) {
	var v seckill.SeckillVoucher
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.Service.AddVoucher(r.Context(), v); err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, v.VoucherID)
}
