package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/pose-landmarker/server/ml"
	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/san-kum/pose-landmarker/server/processor"
	"go.uber.org/zap"
)

const (
	readLimit    = 10 * 1024 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// LiveSettings supplies the base configuration for new live sessions.
type LiveSettings interface {
	Settings() models.Configuration
	CPUFallback() bool
}

type WebSocketHandler struct {
	builder  ml.Builder
	codec    Codec
	settings LiveSettings
	logger   *zap.Logger
	upgrader websocket.Upgrader

	eventBuffer int
	queueSize   int

	active  atomic.Int64
	frames  atomic.Int64
	skipped atomic.Int64
	dropped atomic.Int64
}

type ClientMessage struct {
	Type      string          `json:"type"`
	Data      string          `json:"data,omitempty"`
	Rotation  int             `json:"rotation,omitempty"`
	Front     bool            `json:"front,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func NewWebSocketHandler(builder ml.Builder, codec Codec, settings LiveSettings, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		builder:     builder,
		codec:       codec,
		settings:    settings,
		logger:      logger,
		eventBuffer: 8,
		queueSize:   2,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowedOrigins) == 0 {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

func (h *WebSocketHandler) Stats() any {
	return gin.H{
		"active_connections": h.active.Load(),
		"frames_received":    h.frames.Load(),
		"frames_skipped":     h.skipped.Load(),
		"events_dropped":     h.dropped.Load(),
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	h.active.Add(1)
	defer h.active.Add(-1)

	logger := h.logger.With(zap.String("client", conn.RemoteAddr().String()))
	logger.Info("WebSocket client connected")

	session := h.newSession(conn, logger)
	go session.writeLoop()
	defer session.close()

	if err := session.configure(h.settings.Settings()); err != nil {
		session.sendError(err.Error(), models.ErrorKindFor(err))
		return
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		session.handle(&message)
	}
}

// liveSession owns one LIVE_STREAM pipeline. Results travel from the engine
// goroutine through the listener channel to writeLoop, the only goroutine
// that writes to the connection.
type liveSession struct {
	h        *WebSocketHandler
	conn     *websocket.Conn
	logger   *zap.Logger
	listener *processor.ChannelListener
	pipeline *processor.Pipeline
	exec     *processor.ProcessingQueue

	outgoing   chan ServerMessage
	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

func (h *WebSocketHandler) newSession(conn *websocket.Conn, logger *zap.Logger) *liveSession {
	listener := processor.NewChannelListener(h.eventBuffer)
	return &liveSession{
		h:          h,
		conn:       conn,
		logger:     logger,
		listener:   listener,
		pipeline:   processor.NewPipeline(h.builder, listener, logger),
		exec:       processor.NewExecutor(h.queueSize),
		outgoing:   make(chan ServerMessage, 8),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *liveSession) configure(cfg models.Configuration) error {
	cfg.Mode = models.ModeLiveStream
	return s.exec.Do(context.Background(), func() error {
		if s.h.settings.CPUFallback() {
			_, err := s.pipeline.ConfigureWithCPUFallback(cfg)
			return err
		}
		return s.pipeline.Configure(cfg)
	})
}

func (s *liveSession) handle(message *ClientMessage) {
	switch message.Type {
	case "frame":
		s.submitFrame(message)
	case "config":
		s.updateConfig(message)
	case "ping":
		s.send("pong", gin.H{"timestamp": time.Now().UnixMilli()})
	default:
		s.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		s.sendError("Unknown message type: "+message.Type, models.ErrorKindOther)
	}
}

// submitFrame never waits for inference. When the executor is still busy
// with earlier frames the new one is skipped.
func (s *liveSession) submitFrame(message *ClientMessage) {
	s.h.frames.Add(1)

	data, err := decodeDataURL(message.Data)
	if err != nil {
		s.sendError(err.Error(), models.ErrorKindOther)
		return
	}
	img, err := s.h.codec.DecodeImage(data)
	if err != nil {
		s.sendError("Invalid frame: "+err.Error(), models.ErrorKindOther)
		return
	}

	rgba := processor.ToRGBA(img)
	buf := processor.CameraBuffer{
		Width:           rgba.Rect.Dx(),
		Height:          rgba.Rect.Dy(),
		Stride:          rgba.Stride,
		Pix:             rgba.Pix,
		RotationDegrees: message.Rotation,
	}
	front := message.Front

	item := processor.NewQueueItem(func() (*models.ResultBundle, error) {
		return nil, s.pipeline.DetectLiveStream(buf, front)
	})
	if !s.exec.Enqueue(item) {
		s.h.skipped.Add(1)
	}
}

func (s *liveSession) updateConfig(message *ClientMessage) {
	cfg := s.pipeline.Config()
	if len(message.Config) > 0 {
		if err := json.Unmarshal(message.Config, &cfg); err != nil {
			s.sendError("Invalid configuration format", models.ErrorKindOther)
			return
		}
	}

	if err := s.configure(cfg); err != nil {
		s.logger.Warn("Live reconfiguration failed", zap.Error(err))
		s.sendError(err.Error(), models.ErrorKindFor(err))
		return
	}
	s.send("config_updated", gin.H{"settings": s.pipeline.Config()})
}

func (s *liveSession) send(messageType string, data any) {
	select {
	case s.outgoing <- ServerMessage{Type: messageType, Data: data}:
	case <-s.done:
	}
}

func (s *liveSession) sendError(message string, kind models.ErrorKind) {
	s.send("error", gin.H{
		"message":   message,
		"code":      kind,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *liveSession) writeLoop() {
	defer close(s.writerDone)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	events := s.listener.Events()
	for {
		var message ServerMessage
		select {
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.IsError() {
				message = ServerMessage{Type: "error", Data: gin.H{
					"message":   event.Message,
					"code":      event.Kind,
					"timestamp": time.Now().UnixMilli(),
				}}
			} else {
				message = ServerMessage{Type: "results", Data: event.Bundle}
			}
		case message = <-s.outgoing:
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.fail(err)
				return
			}
			continue
		case <-s.done:
			s.flush()
			return
		}

		if err := s.write(message); err != nil {
			s.fail(err)
			return
		}
	}
}

// flush writes queued messages after the session ends.
func (s *liveSession) flush() {
	for {
		select {
		case message := <-s.outgoing:
			if s.write(message) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *liveSession) write(message ServerMessage) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(message)
}

func (s *liveSession) fail(err error) {
	if !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Warn("WebSocket write failed", zap.Error(err))
	}
	s.conn.Close()
}

// close releases the pipeline before the listener so no callback can publish
// into a closed channel, then waits for the writer.
func (s *liveSession) close() {
	s.closeOnce.Do(func() {
		err := s.exec.Do(context.Background(), s.pipeline.Close)
		s.exec.Shutdown(time.Second)
		if errors.Is(err, processor.ErrQueueFull) {
			// The worker has stopped, so closing here cannot race a frame.
			err = s.pipeline.Close()
		}
		if err != nil {
			s.logger.Warn("Failed to close live pipeline", zap.Error(err))
		}
		s.listener.Close()
		s.h.dropped.Add(s.listener.Dropped())

		close(s.done)
		<-s.writerDone
		s.logger.Info("WebSocket client disconnected")
	})
}
