package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamReadTimeout  = 60 * time.Second
	streamPingInterval = 25 * time.Second
	reconnectBaseDelay = 2 * time.Second
	reconnectMaxDelay  = 60 * time.Second
)

// Stream is the production UpdateFeed: a websocket client for the broker's
// push channel with automatic reconnect. Handlers run on the read goroutine;
// they must not block for long.
type Stream struct {
	mu sync.RWMutex

	url         string
	conn        *websocket.Conn
	handlers    map[int]func(UpdateEvent)
	nextHandler int
	healthy     bool

	isRunning  bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	reconnects int

	logger zerolog.Logger
}

// NewStream creates a stream client for the given websocket URL.
func NewStream(url string, logger zerolog.Logger) *Stream {
	return &Stream{
		url:      url,
		handlers: make(map[int]func(UpdateEvent)),
		stopChan: make(chan struct{}),
		logger:   logger.With().Str("component", "broker-stream").Logger(),
	}
}

// Subscribe registers a handler for every decoded update event. The returned
// cancel function removes it again.
func (s *Stream) Subscribe(handler func(UpdateEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Healthy reports whether the websocket is currently connected.
func (s *Stream) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Start connects and begins the read loop. Reconnects happen internally
// with capped exponential backoff until Stop is called.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop closes the connection and stops the read loop.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Stream) runLoop() {
	defer s.wg.Done()

	delay := reconnectBaseDelay
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connect(); err != nil {
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("stream connect failed")
			select {
			case <-time.After(delay):
			case <-s.stopChan:
				return
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		delay = reconnectBaseDelay
		s.readLoop()

		s.mu.Lock()
		s.healthy = false
		stopped := !s.isRunning
		s.reconnects++
		s.mu.Unlock()
		if stopped {
			return
		}
		s.logger.Warn().Int("reconnects", s.reconnects).Msg("stream disconnected, reconnecting")
	}
}

func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.healthy = true
	s.mu.Unlock()

	s.logger.Info().Str("url", s.url).Msg("stream connected")
	return nil
}

func (s *Stream) readLoop() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	pingTicker := time.NewTicker(streamPingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-pingTicker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-done:
				return
			case <-s.stopChan:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		var event UpdateEvent
		if err := json.Unmarshal(message, &event); err != nil {
			s.logger.Debug().Err(err).Msg("undecodable stream message")
			continue
		}
		if event.Time.IsZero() {
			event.Time = time.Now()
		}

		s.mu.RLock()
		handlers := make([]func(UpdateEvent), 0, len(s.handlers))
		for _, h := range s.handlers {
			handlers = append(handlers, h)
		}
		s.mu.RUnlock()

		for _, handler := range handlers {
			handler(event)
		}
	}
}
