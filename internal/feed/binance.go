package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/pricebus"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout = 30 * time.Second

	// Reconnection constants
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// BinanceSource streams miniTicker updates for the configured tickers over a
// single combined-stream WebSocket connection and publishes them to the bus.
type BinanceSource struct {
	// Connection
	baseURL    string
	tickers    map[string]string // exchange ticker -> canonical symbol
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	// Dependencies
	bus *pricebus.Bus
	log zerolog.Logger

	// State
	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// NewBinanceSource creates a price source for the given symbol map
// (canonical symbol -> exchange ticker, as configured).
func NewBinanceSource(baseURL string, symbolMap map[string]string, bus *pricebus.Bus, log zerolog.Logger) *BinanceSource {
	tickers := make(map[string]string, len(symbolMap))
	for sym, ticker := range symbolMap {
		tickers[strings.ToUpper(ticker)] = sym
	}
	return &BinanceSource{
		baseURL:  baseURL,
		tickers:  tickers,
		bus:      bus,
		log:      log.With().Str("component", "binance_feed").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start initializes the WebSocket connection and starts the read loop
func (s *BinanceSource) Start() error {
	s.log.Info().Int("tickers", len(s.tickers)).Msg("Starting Binance price feed")

	if err := s.connect(); err != nil {
		s.log.Warn().Err(err).Msg("Initial feed connection failed, will retry in background")
		go s.reconnectLoop()
		return err
	}

	s.mu.RLock()
	ctx := s.connCtx
	s.mu.RUnlock()
	go s.readMessages(ctx)

	s.log.Info().Msg("Binance price feed started")
	return nil
}

// Stop gracefully shuts down the WebSocket connection
func (s *BinanceSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.log.Info().Msg("Stopping Binance price feed")
	close(s.stopChan)
	return s.disconnect()
}

// IsConnected returns current connection status
func (s *BinanceSource) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// streamURL builds the combined-stream URL for all configured tickers.
func (s *BinanceSource) streamURL() string {
	streams := make([]string, 0, len(s.tickers))
	for ticker := range s.tickers {
		streams = append(streams, strings.ToLower(ticker)+"@miniTicker")
	}
	return s.baseURL + "?streams=" + strings.Join(streams, "/")
}

// connect establishes the WebSocket connection
func (s *BinanceSource) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	url := s.streamURL()
	s.log.Info().Str("url", url).Msg("Connecting to Binance WebSocket")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}
	// Combined streams deliver one message per ticker per second; the
	// default read limit is too small for bursts across 20 symbols.
	conn.SetReadLimit(1 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCtx = connCtx
	s.cancelFunc = connCancel
	s.connected = true

	s.log.Info().Msg("Connected to Binance WebSocket")
	return nil
}

// disconnect closes the WebSocket connection
func (s *BinanceSource) disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}

	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	s.connCtx = nil
	s.connected = false

	if err != nil {
		return fmt.Errorf("error closing WebSocket: %w", err)
	}
	return nil
}

// readMessages continuously reads messages from the WebSocket
func (s *BinanceSource) readMessages(ctx context.Context) {
	defer func() {
		s.log.Info().Msg("Feed read loop stopped")
		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			s.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				s.log.Info().Int("status", int(closeStatus)).Msg("WebSocket closed normally")
			} else if ctx.Err() != nil {
				s.log.Debug().Msg("Read cancelled by context")
			} else {
				s.log.Error().Err(err).Msg("Unexpected WebSocket read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := s.handleMessage(message); err != nil {
			s.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle feed message")
			// Continue reading despite parse errors
		}
	}
}

// combinedStreamMessage is the Binance combined-stream envelope.
type combinedStreamMessage struct {
	Stream string          `json:"stream"`
	Data   miniTickerEvent `json:"data"`
}

// miniTickerEvent is the 24hrMiniTicker payload. Prices arrive as strings.
type miniTickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"` // milliseconds
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
}

// handleMessage parses a combined-stream message and publishes the tick.
func (s *BinanceSource) handleMessage(message []byte) error {
	var msg combinedStreamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to parse stream message: %w", err)
	}

	tick, ok, err := s.tickFromEvent(msg.Data)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.bus.Publish(tick)
	return nil
}

// tickFromEvent converts a miniTicker event to a domain tick. Returns
// ok=false for events on tickers outside the configured universe.
func (s *BinanceSource) tickFromEvent(ev miniTickerEvent) (domain.Tick, bool, error) {
	symbol, ok := s.tickers[strings.ToUpper(ev.Symbol)]
	if !ok {
		return domain.Tick{}, false, nil
	}

	price, err := strconv.ParseFloat(ev.Close, 64)
	if err != nil {
		return domain.Tick{}, false, fmt.Errorf("failed to parse close price %q for %s: %w", ev.Close, ev.Symbol, err)
	}

	var change24h float64
	if open, err := strconv.ParseFloat(ev.Open, 64); err == nil && open > 0 {
		change24h = (price - open) / open * 100
	}

	return domain.Tick{
		Symbol:    symbol,
		Price:     price,
		TsMs:      ev.EventTime,
		Change24h: change24h,
	}, true, nil
}

// reconnectLoop handles automatic reconnection with exponential backoff
func (s *BinanceSource) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Attempting feed reconnect")
		} else {
			s.log.Warn().Int("attempt", attempt).Dur("delay", delay).
				Msg("Feed reconnect attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.connect(); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("Feed reconnection failed")
			continue
		}

		s.log.Info().Int("attempt", attempt).Msg("Feed reconnected")
		attempt = 0

		s.mu.RLock()
		ctx := s.connCtx
		s.mu.RUnlock()
		go s.readMessages(ctx)
		return
	}
}

// calculateBackoff calculates exponential backoff delay
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
