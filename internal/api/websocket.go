package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, nil, err
	}
	return c, r.Context(), nil
}

func (s *Service) addSubscriber(id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.subscribers[id] = cancel
	return true
}

func (s *Service) removeSubscriber(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// streamEvents sends the current state and then every transition as JSON
// frames until the client goes away or the service closes.
func (s *Service) streamEvents(w http.ResponseWriter, r *http.Request) {
	c, ctx, err := accept(w, r)
	if err != nil {
		log.WithError(err).Error("Failed to accept client")
		return
	}
	status, reason := websocket.StatusNormalClosure, "closing"
	defer func() { _ = c.Close(status, reason) }()

	id := uuid.NewString()
	logger := log.WithField("subscriber", id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.addSubscriber(id, cancel) {
		status, reason = websocket.StatusGoingAway, "shutting down"
		return
	}
	defer s.removeSubscriber(id)

	// Nothing is expected from the client; this also notices it leaving.
	ctx = c.CloseRead(ctx)

	ch, unsub := s.ctrl.Subscribe()
	defer unsub()

	logger.Info("Events subscriber connected")
	defer logger.Info("Events subscriber disconnected")

	for {
		select {
		case <-ctx.Done():
			status, reason = websocket.StatusGoingAway, "shutting down"
			return
		case tr, ok := <-ch:
			if !ok {
				status, reason = websocket.StatusGoingAway, "state machine stopped"
				return
			}
			msg := EventMessage{Subscriber: id, Time: time.Now(), Transition: tr}
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c, msg)
			cancelWrite()
			if err != nil {
				logger.WithError(err).Debug("Failed to write event")
				return
			}
		}
	}
}
