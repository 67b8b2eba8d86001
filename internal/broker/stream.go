package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"forex-exec/pkg/types"
)

const (
	streamInitialBackoff = time.Second
	streamMaxBackoff     = 30 * time.Second
	streamReadTimeout    = 60 * time.Second
	streamPingInterval   = 20 * time.Second
)

// execStream maintains the WebSocket subscription for execution reports on
// the REST venue. It reconnects with exponential backoff and delivers
// decoded reports to the registered sinks without ever blocking on them.
type execStream struct {
	url    string
	header map[string]string
	logger *slog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	sinks []chan<- types.ExecutionReport
}

func newExecStream(url string, header map[string]string, logger *slog.Logger) *execStream {
	return &execStream{
		url:    url,
		header: header,
		logger: logger.With("component", "exec_stream"),
	}
}

func (s *execStream) subscribe(sink chan<- types.ExecutionReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// run connects and pumps reports until the context is cancelled,
// reconnecting on any read failure.
func (s *execStream) run(ctx context.Context) {
	backoff := streamInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.connect(ctx); err != nil {
			s.logger.Warn("stream connect failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, streamMaxBackoff)
			continue
		}
		backoff = streamInitialBackoff

		s.readLoop(ctx)
		s.close()
	}
}

func (s *execStream) connect(ctx context.Context) error {
	hdr := make(map[string][]string, len(s.header))
	for k, v := range s.header {
		hdr[k] = []string{v}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, hdr)
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
	s.mu.Unlock()

	s.logger.Info("execution stream connected", "url", s.url)
	return nil
}

func (s *execStream) readLoop(ctx context.Context) {
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("stream read failed, reconnecting", "error", err)
			}
			return
		}

		var report types.ExecutionReport
		if err := json.Unmarshal(data, &report); err != nil {
			s.logger.Warn("malformed execution report", "error", err)
			continue
		}
		if report.BrokerOrderID == "" {
			continue // heartbeats and acks
		}
		s.dispatch(report)
	}
}

func (s *execStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *execStream) dispatch(report types.ExecutionReport) {
	s.mu.Lock()
	sinks := s.sinks
	s.mu.Unlock()

	for _, sink := range sinks {
		select {
		case sink <- report:
		default:
			s.logger.Warn("execution sink full, dropping report",
				"order", report.BrokerOrderID, "execution", report.ExecutionID)
		}
	}
}

func (s *execStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
