package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"skillswap/api/internal/auth"
	"skillswap/api/internal/authpw"
	"skillswap/api/internal/live"
	"skillswap/api/internal/rbac"
	"skillswap/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.Logger().Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.HandleFunc("/auth/signup", s.handleAuthSignUp).Methods(http.MethodPost)
	api.HandleFunc("/auth/signin", s.handleAuthSignIn).Methods(http.MethodPost)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/session/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/session/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/account/password", s.authed(rbac.ActionWrite, s.handleChangePassword)).Methods(http.MethodPost)

	api.HandleFunc("/me", s.authed(rbac.ActionRead, s.handleMe)).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.authed(rbac.ActionRead, s.handleGetProfile)).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.authed(rbac.ActionWrite, s.handleSaveProfile)).Methods(http.MethodPut)
	api.HandleFunc("/profile/avatar", s.authed(rbac.ActionWrite, s.handleUploadAvatar)).Methods(http.MethodPut)
	api.HandleFunc("/profile/avatars", s.authed(rbac.ActionRead, s.handleAvatarOptions)).Methods(http.MethodGet)
	api.HandleFunc("/avatars/{userId}/{file}", s.handleAvatar).Methods(http.MethodGet)

	api.HandleFunc("/tutors", s.authed(rbac.ActionRead, s.handleTutors)).Methods(http.MethodGet)

	api.HandleFunc("/requests", s.authed(rbac.ActionRead, s.handleListRequests)).Methods(http.MethodGet)
	api.HandleFunc("/requests", s.authed(rbac.ActionWrite, s.handleSendRequest)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/{action:accept|reject|withdraw}", s.authed(rbac.ActionWrite, s.handleRequestAction)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/chat", s.authed(rbac.ActionWrite, s.handleStartChat)).Methods(http.MethodPost)

	api.HandleFunc("/chats", s.authed(rbac.ActionRead, s.handleListChats)).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatId}", s.authed(rbac.ActionWrite, s.handleDeleteChat)).Methods(http.MethodDelete)
	api.HandleFunc("/chats/{chatId}/clear", s.authed(rbac.ActionWrite, s.handleClearChat)).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatId}/messages", s.authed(rbac.ActionRead, s.handleListMessages)).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatId}/messages", s.authed(rbac.ActionWrite, s.handleSendMessage)).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatId}/messages/{messageId}", s.authed(rbac.ActionWrite, s.handleDeleteMessage)).Methods(http.MethodDelete)
	api.HandleFunc("/chats/{chatId}/meet", s.authed(rbac.ActionWrite, s.handleMeet)).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatId}/swap", s.authed(rbac.ActionWrite, s.handleSwap)).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatId}/live", s.handleLive).Methods(http.MethodGet)
	api.HandleFunc("/live", s.handleUserLive).Methods(http.MethodGet)

	api.HandleFunc("/help/ask", s.authed(rbac.ActionRead, s.handleAskHelp)).Methods(http.MethodPost)
	api.HandleFunc("/admin/reindex", s.authed(rbac.ActionAdmin, s.handleReindex)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

// authed resolves the bearer session and checks the role may perform action.
func (s *HTTPServer) authed(action rbac.Action, next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if !s.service.Can(session.Role, action) {
			s.forbid(w, r, session, string(action))
			return
		}
		next(w, r, session)
	}
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action string) {
	s.logger.Warn("forbidden",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("user_id", session.UserID),
		zap.String("role", session.Role),
		zap.String("action", action),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), authpw.SignInRequest{Email: body.Email, Password: body.Password})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			session = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleChangePassword(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ChangePassword(r.Context(), session.UserID, body.CurrentPassword, body.NewPassword); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request, session Session) {
	header, err := s.service.GetHeader(r.Context(), session.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, header)
}

func (s *HTTPServer) handleGetProfile(w http.ResponseWriter, r *http.Request, session Session) {
	profile, err := s.service.GetProfile(r.Context(), session.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) handleSaveProfile(w http.ResponseWriter, r *http.Request, session Session) {
	var input ProfileInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	profile, err := s.service.SaveProfile(r.Context(), session.UserID, input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleUploadAvatar takes the raw image as the request body. One byte past
// the limit is read so oversize bodies are reported rather than truncated.
func (s *HTTPServer) handleUploadAvatar(w http.ResponseWriter, r *http.Request, session Session) {
	limit := s.service.cfg.AvatarMaxBytes
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read upload", nil)
		return
	}
	profile, err := s.service.UploadAvatar(r.Context(), session.UserID, r.Header.Get("Content-Type"), data)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) handleAvatarOptions(w http.ResponseWriter, _ *http.Request, _ Session) {
	writeJSON(w, http.StatusOK, s.service.AvatarOptions())
}

func (s *HTTPServer) handleAvatar(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, contentType, size, err := s.service.OpenAvatar(r.Context(), vars["userId"], vars["file"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("stream avatar", zap.String("request_id", requestIDFrom(r.Context())), zap.Error(err))
	}
}

func (s *HTTPServer) handleTutors(w http.ResponseWriter, r *http.Request, session Session) {
	results, err := s.service.FindTutors(r.Context(), session.UserID, r.URL.Query().Get("skill"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *HTTPServer) handleListRequests(w http.ResponseWriter, r *http.Request, session Session) {
	lists, err := s.service.ListRequests(r.Context(), session.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *HTTPServer) handleSendRequest(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		ReceiverID   string `json:"receiverId"`
		SkillToLearn string `json:"skillToLearn"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	request, err := s.service.SendRequest(r.Context(), session.UserID, body.ReceiverID, body.SkillToLearn)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, request)
}

func (s *HTTPServer) handleRequestAction(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	var (
		request RequestView
		err     error
	)
	switch vars["action"] {
	case actionAccept:
		request, err = s.service.AcceptRequest(r.Context(), session.UserID, vars["id"])
	case actionReject:
		request, err = s.service.RejectRequest(r.Context(), session.UserID, vars["id"])
	default:
		request, err = s.service.WithdrawRequest(r.Context(), session.UserID, vars["id"])
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (s *HTTPServer) handleStartChat(w http.ResponseWriter, r *http.Request, session Session) {
	started, err := s.service.StartChat(r.Context(), session.UserID, mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, started)
}

func (s *HTTPServer) handleListChats(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.ListChats(r.Context(), session.UserID, r.URL.Query().Get("q"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": items})
}

func (s *HTTPServer) handleDeleteChat(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteChat(r.Context(), session.UserID, mux.Vars(r)["chatId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleClearChat(w http.ResponseWriter, r *http.Request, session Session) {
	removed, err := s.service.ClearChat(r.Context(), session.UserID, mux.Vars(r)["chatId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request, session Session) {
	messages, err := s.service.ListMessages(r.Context(), session.UserID, mux.Vars(r)["chatId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	message, err := s.service.SendMessage(r.Context(), session.UserID, mux.Vars(r)["chatId"], body.Text)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (s *HTTPServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	if err := s.service.DeleteMessage(r.Context(), session.UserID, vars["chatId"], vars["messageId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMeet(w http.ResponseWriter, r *http.Request, session Session) {
	share, err := s.service.ShareMeetLink(r.Context(), session.UserID, mux.Vars(r)["chatId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

func (s *HTTPServer) handleSwap(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.ConfirmSwap(r.Context(), session.UserID, mux.Vars(r)["chatId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAskHelp(w http.ResponseWriter, r *http.Request, _ Session) {
	var body struct {
		Question string `json:"question"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	answer, err := s.service.AskHelp(body.Question)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *HTTPServer) handleReindex(w http.ResponseWriter, r *http.Request, session Session) {
	count, err := s.service.Reindex(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("tutor index rebuilt", zap.String("user_id", session.UserID), zap.Int("count", count))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "indexed": count})
}

// handleLive streams chat events over a WebSocket. Browsers cannot set
// headers on a socket, so the access token comes in the query string.
func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	session, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	sub, err := s.service.Subscribe(r.Context(), session.UserID, mux.Vars(r)["chatId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer sub.Close()
	s.serveStream(w, r, sub)
}

// handleUserLive streams the caller's own events: new and updated requests
// and chat list changes.
func (s *HTTPServer) handleUserLive(w http.ResponseWriter, r *http.Request) {
	session, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	sub := s.service.SubscribeUser(session.UserID)
	defer sub.Close()
	s.serveStream(w, r, sub)
}

// liveSession checks the socket origin and resolves the token from the query
// string or the Authorization header.
func (s *HTTPServer) liveSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	if !originAllowed(r.Header.Get("Origin"), s.corsOrigin) {
		s.logger.Warn("live origin rejected",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("origin", r.Header.Get("Origin")),
		)
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Origin not allowed", nil)
		return Session{}, false
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return Session{}, false
	}
	return session, true
}

// originAllowed applies the CORS policy to socket upgrades. Clients that send
// no Origin are not browsers and pass.
func originAllowed(origin, corsOrigin string) bool {
	corsOrigin = strings.TrimSpace(corsOrigin)
	if corsOrigin == "" || corsOrigin == "*" || origin == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSuffix(origin, "/"), strings.TrimSuffix(corsOrigin, "/"))
}

func (s *HTTPServer) serveStream(w http.ResponseWriter, r *http.Request, sub *live.Subscription) {
	// The server's read and write timeouts would otherwise cut the stream.
	controller := http.NewResponseController(w)
	_ = controller.SetReadDeadline(time.Time{})
	_ = controller.SetWriteDeadline(time.Time{})
	server := websocket.Server{
		// liveSession already checked the origin.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			s.streamEvents(conn, sub.C)
		},
	}
	server.ServeHTTP(w, r)
}

func (s *HTTPServer) streamEvents(conn *websocket.Conn, events <-chan live.Event) {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		var discard json.RawMessage
		for {
			if err := websocket.JSON.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close()
				return
			}
			if err := websocket.JSON.Send(conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup", zap.String("request_id", requestIDFrom(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the live stream upgrade through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
