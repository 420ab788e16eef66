package api

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/cache"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/events"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

const maxPricesPerRequest = 500

type MarketHandler struct {
	store  store.Store
	cache  cache.Cache
	events events.Client
	logger *slog.Logger
}

func NewMarketHandler(s store.Store, c cache.Cache, ev events.Client, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{store: s, cache: c, events: ev, logger: logger}
}

// List handles GET /public/market/prices?crop=&market=&state=&since=YYYY-MM-DD
func (h *MarketHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.MarketPriceFilter{
		Crop:   q.Get("crop"),
		Market: q.Get("market"),
		State:  q.Get("state"),
		Limit:  queryInt(r, "limit", 100),
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(dateLayout, s)
		if err != nil {
			badRequest(w, "since must be YYYY-MM-DD")
			return
		}
		filter.Since = &since
	}
	prices, err := h.store.ListMarketPrices(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(prices))
}

// Latest handles GET /public/market/prices/latest?crop=. It returns the most
// recent price per crop and market.
func (h *MarketHandler) Latest(w http.ResponseWriter, r *http.Request) {
	crop := r.URL.Query().Get("crop")
	key := cache.LatestPricesKey(crop)

	var prices []*store.MarketPrice
	if hit, err := h.cache.Get(r.Context(), key, &prices); err != nil {
		h.logger.Warn("cache read failed", "key", key, "error", err)
	} else if hit {
		writeJSON(w, http.StatusOK, emptyIfNil(prices))
		return
	}

	prices, err := h.store.LatestPrices(r.Context(), crop)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.cache.Set(r.Context(), key, prices); err != nil {
		h.logger.Warn("cache write failed", "key", key, "error", err)
	}
	writeJSON(w, http.StatusOK, emptyIfNil(prices))
}

type MarketPriceRequest struct {
	Crop       string  `json:"crop"`
	Variety    string  `json:"variety,omitempty"`
	Market     string  `json:"market"`
	District   string  `json:"district,omitempty"`
	State      string  `json:"state,omitempty"`
	MinPrice   float64 `json:"min_price"`
	MaxPrice   float64 `json:"max_price"`
	ModalPrice float64 `json:"modal_price"`
	Unit       string  `json:"unit,omitempty"`
	PriceDate  string  `json:"price_date"`
	Source     string  `json:"source,omitempty"`
}

func (req MarketPriceRequest) toPrice() (*store.MarketPrice, string) {
	crop := strings.TrimSpace(req.Crop)
	market := strings.TrimSpace(req.Market)
	if crop == "" || market == "" {
		return nil, "crop and market required"
	}
	if req.MinPrice < 0 || req.MinPrice > req.ModalPrice || req.ModalPrice > req.MaxPrice {
		return nil, "prices must satisfy 0 <= min_price <= modal_price <= max_price"
	}
	date, err := time.Parse(dateLayout, req.PriceDate)
	if err != nil {
		return nil, "price_date must be YYYY-MM-DD"
	}
	return &store.MarketPrice{
		Crop:       crop,
		Variety:    req.Variety,
		Market:     market,
		District:   req.District,
		State:      req.State,
		MinPrice:   req.MinPrice,
		MaxPrice:   req.MaxPrice,
		ModalPrice: req.ModalPrice,
		Unit:       req.Unit,
		PriceDate:  date,
		Source:     req.Source,
	}, ""
}

// Create handles POST /api/v1/admin/market/prices with a JSON array of
// prices. The whole request is rejected if any row is invalid.
func (h *MarketHandler) Create(w http.ResponseWriter, r *http.Request) {
	var reqs []MarketPriceRequest
	if !decodeBody(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 || len(reqs) > maxPricesPerRequest {
		badRequest(w, "between 1 and "+strconv.Itoa(maxPricesPerRequest)+" prices required")
		return
	}
	prices := make([]*store.MarketPrice, 0, len(reqs))
	for i, req := range reqs {
		p, msg := req.toPrice()
		if msg != "" {
			badRequest(w, "row "+strconv.Itoa(i)+": "+msg)
			return
		}
		prices = append(prices, p)
	}

	if err := h.store.CreateMarketPrices(r.Context(), prices); err != nil {
		writeError(w, err)
		return
	}
	perCrop := map[string]int{}
	for _, p := range prices {
		perCrop[strings.ToLower(p.Crop)]++
	}

	keys := []string{cache.LatestPricesKey("")}
	crops := make([]string, 0, len(perCrop))
	for crop := range perCrop {
		crops = append(crops, crop)
		keys = append(keys, cache.LatestPricesKey(crop))
	}
	if err := h.cache.Delete(r.Context(), keys...); err != nil {
		h.logger.Warn("cache invalidation failed", "error", err)
	}
	sort.Strings(crops)
	for _, crop := range crops {
		if err := h.events.Publish(events.SubjectMarketPricesUpdated, events.MarketPricesEvent{Crop: crop, Count: perCrop[crop]}); err != nil {
			h.logger.Warn("publish failed", "subject", events.SubjectMarketPricesUpdated, "error", err)
		}
	}
	h.logger.Info("market prices imported", "count", len(prices), "crops", len(crops))
	writeJSON(w, http.StatusCreated, prices)
}
