package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"cdpledger/core"
	"cdpledger/native/cdp"
)

const wsWriteTimeout = 10 * time.Second

var errSubscriberDropped = errors.New("subscriber fell behind")

// handleEvents upgrades to a websocket and streams committed events after
// the optional cursor. An asset query parameter narrows the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSONError(w, http.StatusNotImplemented, "unavailable", errors.New("event stream disabled"))
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	asset := cdp.NormalizeAsset(r.URL.Query().Get("asset"))

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	updates, cancel, backlog, err := s.events.Subscribe(ctx, cursor)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Clients never send; CloseRead handles control frames and cancels on
	// disconnect.
	ctx = conn.CloseRead(ctx)

	if err := streamEvents(ctx, conn, asset, backlog, updates); err != nil {
		if errors.Is(err, errSubscriberDropped) {
			_ = conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind, resume from last cursor")
			return
		}
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
			s.logger.DebugContext(r.Context(), "event stream ended", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, asset string, backlog []core.StreamedEvent, updates <-chan core.StreamedEvent) error {
	for _, evt := range backlog {
		if err := writeEvent(ctx, conn, asset, evt); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errSubscriberDropped
			}
			if err := writeEvent(ctx, conn, asset, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, asset string, evt core.StreamedEvent) error {
	if asset != "" && evt.Event.Attributes["asset"] != asset {
		return nil
	}
	data, err := json.Marshal(eventViewFrom(evt))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// acceptOptions derives websocket origin patterns from the CORS origins.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.cors.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if _, host, ok := strings.Cut(origin, "://"); ok {
			origin = host
		}
		if origin != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, origin)
		}
	}
	return opts
}
