// seed_market_prices.go imports a CSV of mandi prices through the admin API.
//
// The CSV needs a header row naming at least crop, market, min_price,
// max_price, modal_price and price_date. variety, district, state, unit and
// source are optional. Dates may be YYYY-MM-DD or DD/MM/YYYY.
//
// Usage:
//
//	go run scripts/seed_market_prices.go -csv prices.csv -api http://localhost:8700 -token $TOKEN
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const batchSize = 500

type marketPrice struct {
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

var required = []string{"crop", "market", "min_price", "max_price", "modal_price", "price_date"}

func main() {
	csvPath := flag.String("csv", "prices.csv", "path to the price CSV")
	apiURL := flag.String("api", "http://localhost:8700", "KrishiBarosa API base URL")
	token := flag.String("token", "", "bearer token of an admin user")
	userID := flag.String("user", "", "admin user id, for servers running without a JWT secret")
	source := flag.String("source", "agmarknet", "source recorded on rows that do not name one")
	dryRun := flag.Bool("dry-run", false, "print rows without posting")
	flag.Parse()

	f, err := os.Open(*csvPath)
	if err != nil {
		log.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	prices, skipped, err := parse(f, *source)
	if err != nil {
		log.Fatalf("parse csv: %v", err)
	}
	log.Printf("parsed %d prices from %s (%d rows skipped)", len(prices), *csvPath, skipped)

	if *dryRun {
		for i, p := range prices {
			fmt.Printf("[%d] %s @ %s on %s: %.0f/%.0f/%.0f\n", i+1, p.Crop, p.Market, p.PriceDate, p.MinPrice, p.ModalPrice, p.MaxPrice)
		}
		return
	}

	client := &http.Client{Timeout: 30 * time.Second}
	created, failed := 0, 0
	for start := 0; start < len(prices); start += batchSize {
		end := start + batchSize
		if end > len(prices) {
			end = len(prices)
		}
		if err := post(client, *apiURL, *token, *userID, prices[start:end]); err != nil {
			log.Printf("batch %d-%d failed: %v", start+1, end, err)
			failed += end - start
			continue
		}
		created += end - start
	}
	log.Printf("done: %d created, %d failed", created, failed)
}

func parse(r io.Reader, defaultSource string) ([]marketPrice, int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range required {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", name)
		}
	}

	var out []marketPrice
	skipped := 0
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			log.Printf("line %d: %v", line, err)
			skipped++
			continue
		}
		get := func(name string) string {
			if i, ok := col[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}

		p := marketPrice{
			Crop:     get("crop"),
			Variety:  get("variety"),
			Market:   get("market"),
			District: get("district"),
			State:    get("state"),
			Unit:     get("unit"),
			Source:   get("source"),
		}
		if p.Source == "" {
			p.Source = defaultSource
		}
		var perr error
		if p.MinPrice, perr = strconv.ParseFloat(get("min_price"), 64); perr == nil {
			if p.MaxPrice, perr = strconv.ParseFloat(get("max_price"), 64); perr == nil {
				p.ModalPrice, perr = strconv.ParseFloat(get("modal_price"), 64)
			}
		}
		if perr != nil {
			log.Printf("line %d: bad price: %v", line, perr)
			skipped++
			continue
		}
		if p.PriceDate, perr = normalizeDate(get("price_date")); perr != nil {
			log.Printf("line %d: %v", line, perr)
			skipped++
			continue
		}
		if p.Crop == "" || p.Market == "" {
			log.Printf("line %d: crop and market required", line)
			skipped++
			continue
		}
		out = append(out, p)
	}
	return out, skipped, nil
}

func normalizeDate(s string) (string, error) {
	for _, layout := range []string{"2006-01-02", "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognised date %q", s)
}

func post(client *http.Client, apiURL, token, userID string, prices []marketPrice) error {
	body, err := json.Marshal(prices)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(apiURL, "/")+"/api/v1/admin/market/prices", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
