package frame

import (
	"fmt"
	"strings"
)

// Domain identifies the relay a frame belongs to.
type Domain uint8

const (
	DomainMarketData Domain = 1
	DomainSignal     Domain = 2
	DomainExecution  Domain = 3
)

// Domains lists every relay domain in wire order.
func Domains() []Domain {
	return []Domain{DomainMarketData, DomainSignal, DomainExecution}
}

func (d Domain) Valid() bool {
	return d >= DomainMarketData && d <= DomainExecution
}

func (d Domain) String() string {
	switch d {
	case DomainMarketData:
		return "market_data"
	case DomainSignal:
		return "signal"
	case DomainExecution:
		return "execution"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// ParseDomain accepts the String form plus a few operator-friendly aliases.
func ParseDomain(raw string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "market_data", "marketdata", "market-data", "md", "1":
		return DomainMarketData, nil
	case "signal", "signals", "2":
		return DomainSignal, nil
	case "execution", "exec", "3":
		return DomainExecution, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDomain, raw)
	}
}

func (d Domain) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDomain, uint8(d))
	}
	return []byte(d.String()), nil
}

func (d *Domain) UnmarshalText(text []byte) error {
	parsed, err := ParseDomain(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Source is the numeric id of the producing service.
type Source uint8

// Source ids are grouped by producer role.
const (
	SourceBinanceCollector  Source = 1
	SourceKrakenCollector   Source = 2
	SourceCoinbaseCollector Source = 3
	SourcePolygonCollector  Source = 4
	SourceGeminiCollector   Source = 5

	SourceArbitrageStrategy Source = 20
	SourceMarketMaker       Source = 21
	SourceTrendFollower     Source = 22

	SourceExecutionEngine Source = 40
	SourceRiskManager     Source = 41
	SourcePortfolioState  Source = 42

	SourceMarketDataRelay Source = 60
	SourceSignalRelay     Source = 61
	SourceExecutionRelay  Source = 62

	SourceMonitor Source = 80
	SourceTest    Source = 254
)

var sourceNames = map[Source]string{
	SourceBinanceCollector:  "binance_collector",
	SourceKrakenCollector:   "kraken_collector",
	SourceCoinbaseCollector: "coinbase_collector",
	SourcePolygonCollector:  "polygon_collector",
	SourceGeminiCollector:   "gemini_collector",
	SourceArbitrageStrategy: "arbitrage_strategy",
	SourceMarketMaker:       "market_maker",
	SourceTrendFollower:     "trend_follower",
	SourceExecutionEngine:   "execution_engine",
	SourceRiskManager:       "risk_manager",
	SourcePortfolioState:    "portfolio_state",
	SourceMarketDataRelay:   "market_data_relay",
	SourceSignalRelay:       "signal_relay",
	SourceExecutionRelay:    "execution_relay",
	SourceMonitor:           "monitor",
	SourceTest:              "test",
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// RelaySource returns the source id a relay stamps on frames it originates.
func RelaySource(d Domain) Source {
	switch d {
	case DomainSignal:
		return SourceSignalRelay
	case DomainExecution:
		return SourceExecutionRelay
	default:
		return SourceMarketDataRelay
	}
}
