package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/notify"
)

// NotificationHub はWebSocket接続を受け付けて通知を配信する。notify.Hubが実装する。
type NotificationHub interface {
	Serve(conn *websocket.Conn, userID string) *notify.Client
}

// NotificationHandler は通知用WebSocketのハンドラー。
type NotificationHandler struct {
	hub            NotificationHub
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewNotificationHandler はNotificationHandlerを生成する。
// allowedOriginsに含まれるOrigin、またはリクエストと同一ホストのOriginのみ受け付ける。
func NewNotificationHandler(hub NotificationHub, allowedOrigins ...string) *NotificationHandler {
	h := &NotificationHandler{hub: hub, allowedOrigins: allowedOrigins}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// Serve はWebSocketへアップグレードし、接続をHubに登録する。
// GET /ws/notifications
func (h *NotificationHandler) Serve(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが既にエラーレスポンスを書き込んでいる
		slog.Warn("websocket upgrade failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	h.hub.Serve(conn, user.ID)
}

// checkOrigin はブラウザからの接続元を検証する。Originヘッダーのない接続は拒否する。
func (h *NotificationHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
