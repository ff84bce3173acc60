package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-flash-sale/internal/seckill"
	"github.com/ariefcatur/go-flash-sale/internal/shops"
)

// Result is the body of every API response.
type Result struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg,omitempty"`
	Data     any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Result{Success: true, Data: data})
}

func fail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, Result{Success: false, ErrorMsg: msg})
}

// writeError maps domain errors to status codes. Anything unrecognised is a 500 and logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, seckill.ErrOutOfStock),
		errors.Is(err, seckill.ErrDuplicateOrder):
		fail(w, http.StatusConflict, rootMessage(err))
	case errors.Is(err, seckill.ErrNotStarted),
		errors.Is(err, seckill.ErrEnded),
		errors.Is(err, seckill.ErrInvalidVoucher),
		errors.Is(err, shops.ErrInvalidShop):
		fail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, seckill.ErrVoucherNotFound),
		errors.Is(err, shops.ErrShopNotFound):
		fail(w, http.StatusNotFound, rootMessage(err))
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		fail(w, http.StatusInternalServerError, "internal error")
	}
}

func rootMessage(err error) string {
	return errors.UnwrapAll(err).Error()
}
