package shops

import (
	"time"

	"github.com/cockroachdb/errors"
)

type Shop struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	TypeID    int64     `json:"typeId"`
	Images    string    `json:"images"`
	Area      string    `json:"area"`
	Address   string    `json:"address"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	AvgPrice  int64     `json:"avgPrice"`
	Sold      int       `json:"sold"`
	Comments  int       `json:"comments"`
	Score     int       `json:"score"`
	OpenHours string    `json:"openHours"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

var (
	ErrShopNotFound = errors.New("shop not found")
	ErrInvalidShop  = errors.New("invalid shop")
)
