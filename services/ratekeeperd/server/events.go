package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"rateswap/services/ratekeeperd/storage"
)

const (
	wsWriteTimeout   = 10 * time.Second
	defaultEventPage = 100
	maxEventPage     = 1000
)

// handleEvents serves the event journal. Websocket upgrades stream the
// backlog after ?cursor= and then live events; plain requests page history.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var cursor int64
	if raw := strings.TrimSpace(query.Get("cursor")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = parsed
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.listEvents(w, r, cursor)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor); err != nil {
		s.logger.Debug("events: stream ended", slog.Any("error", err))
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, cursor int64) {
	query := r.URL.Query()
	filter := storage.EventFilter{AfterSeq: cursor, Type: strings.TrimSpace(query.Get("type")), Limit: defaultEventPage}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit > maxEventPage {
			limit = maxEventPage
		}
		filter.Limit = limit
	}
	list, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("events: list", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	next := cursor
	if len(list) > 0 {
		next = list[len(list)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "cursor": next})
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor int64) error {
	updates, cancel, backlog, err := s.journal.Subscribe(ctx, cursor)
	if err != nil {
		return err
	}
	defer cancel()

	for _, evt := range backlog {
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt storage.StoredEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
