package domain

import "time"

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func (c Candle) Body() float64 {
	if c.Close > c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

func (c Candle) Range() float64 {
	return c.High - c.Low
}

func (c Candle) Bullish() bool { return c.Close > c.Open }
func (c Candle) Bearish() bool { return c.Close < c.Open }

// UpperShadow is the distance between the high and the top of the body.
func (c Candle) UpperShadow() float64 {
	top := c.Open
	if c.Close > top {
		top = c.Close
	}
	return c.High - top
}

// LowerShadow is the distance between the bottom of the body and the low.
func (c Candle) LowerShadow() float64 {
	bottom := c.Open
	if c.Close < bottom {
		bottom = c.Close
	}
	return bottom - c.Low
}

type OrderBookEntry struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type OrderBook struct {
	Symbol string           `json:"symbol"`
	Bids   []OrderBookEntry `json:"bids"`
	Asks   []OrderBookEntry `json:"asks"`
}

// MarketSnapshot is everything the decision core sees about a symbol on one tick.
type MarketSnapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`

	// Candles is the primary OHLCV window of closed candles, oldest first.
	Candles []Candle `json:"candles"`
	// Forming is the primary-interval candle still in progress. Its range
	// already includes Price, so it never enters channel math.
	Forming *Candle `json:"forming,omitempty"`
	// Timeframes holds additional closed windows keyed by interval ("5", "15", "60").
	Timeframes map[string][]Candle `json:"timeframes,omitempty"`
	// Indicators holds precomputed values such as "sma_20" or "rsi_14".
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Indicator returns a precomputed indicator value and whether it was present.
func (s *MarketSnapshot) Indicator(name string) (float64, bool) {
	if s.Indicators == nil {
		return 0, false
	}
	v, ok := s.Indicators[name]
	return v, ok
}

// MidPrice falls back to Price when the book side is missing.
func (s *MarketSnapshot) MidPrice() float64 {
	if s.BestBid > 0 && s.BestAsk > 0 {
		return (s.BestBid + s.BestAsk) / 2
	}
	return s.Price
}

// LastCandle returns the most recent candle of the primary window.
func (s *MarketSnapshot) LastCandle() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}
