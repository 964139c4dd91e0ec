package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type updateKind int

const (
	updateNone updateKind = iota
	updateSpot
	updatePerp
)

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tickerPayload struct {
	LastPrice json.RawMessage `json:"c"`
}

type markPricePayload struct {
	MarkPrice json.RawMessage `json:"p"`
}

// StreamName returns the combined stream path for a symbol's ticker and mark
// price feeds, e.g. "btcusdt@ticker/btcusdt@markPrice".
func StreamName(symbol string) string {
	sym := strings.ToLower(symbol)
	return sym + "@ticker/" + sym + "@markPrice"
}

// StreamURL appends the combined stream query to a base /stream endpoint.
func StreamURL(base, symbol string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "streams=" + StreamName(symbol)
}

func parseStreamMessage(msg []byte) (updateKind, float64, error) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return updateNone, 0, fmt.Errorf("decode envelope: %w", err)
	}
	switch {
	case strings.HasSuffix(env.Stream, "@ticker"):
		var payload tickerPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return updateNone, 0, fmt.Errorf("decode ticker: %w", err)
		}
		price, err := priceFromRaw(payload.LastPrice)
		if err != nil {
			return updateNone, 0, fmt.Errorf("ticker last price: %w", err)
		}
		return updateSpot, price, nil
	case strings.HasSuffix(env.Stream, "@markPrice"):
		var payload markPricePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return updateNone, 0, fmt.Errorf("decode mark price: %w", err)
		}
		price, err := priceFromRaw(payload.MarkPrice)
		if err != nil {
			return updateNone, 0, fmt.Errorf("mark price: %w", err)
		}
		return updatePerp, price, nil
	}
	return updateNone, 0, nil
}

// Binance sends prices as JSON strings; plain numbers are accepted too.
func priceFromRaw(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing")
	}
	text := string(raw)
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("non-finite price %q", text)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %v", price)
	}
	return price, nil
}
