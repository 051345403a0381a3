package hubserver

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/nkkko/livesync/pkg/proto"
)

const defaultTake = 50

// userID resolves the caller from X-User-ID, falling back to the bearer
// token
func userID(c *fiber.Ctx) string {
	if id := c.Get("X-User-ID"); id != "" {
		return id
	}
	auth := c.Get(fiber.HeaderAuthorization)
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (s *Server) storeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	s.logger.Error().Err(err).Str("path", c.Path()).Msg("Store operation failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "Missing user identity",
	})
}

// handleGetNotifications lists the caller's notifications
func (s *Server) handleGetNotifications(c *fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return unauthorized(c)
	}

	unreadOnly := c.QueryBool("unreadOnly", false)
	take := c.QueryInt("take", defaultTake)
	if take <= 0 {
		take = defaultTake
	}

	notifications, err := s.store.List(c.Context(), user, unreadOnly, take)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(notifications)
}

// handleGetUnreadCount returns the caller's unread count
func (s *Server) handleGetUnreadCount(c *fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return unauthorized(c)
	}

	count, err := s.store.UnreadCount(c.Context(), user)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(proto.UnreadCount{Count: count})
}

// handleMarkAsRead marks one notification read
func (s *Server) handleMarkAsRead(c *fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return unauthorized(c)
	}

	var req proto.MarkAsReadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := s.store.MarkAsRead(c.Context(), user, req.NotificationId); err != nil {
		return s.storeError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

// handleMarkAllAsRead marks every notification of the caller read
func (s *Server) handleMarkAllAsRead(c *fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return unauthorized(c)
	}

	if err := s.store.MarkAllAsRead(c.Context(), user); err != nil {
		return s.storeError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

// handleDeleteNotification removes one notification
func (s *Server) handleDeleteNotification(c *fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return unauthorized(c)
	}

	id := c.QueryInt("id", 0)
	if id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing notification id",
		})
	}

	if err := s.store.Delete(c.Context(), user, int64(id)); err != nil {
		return s.storeError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

// handleClearAllNotifications removes every notification of the caller
func (s *Server) handleClearAllNotifications(c *fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return unauthorized(c)
	}

	if err := s.store.Clear(c.Context(), user); err != nil {
		return s.storeError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

// DevNotificationRequest creates and pushes a notification
type DevNotificationRequest struct {
	UserID  string `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	LinkUrl string `json:"linkUrl,omitempty"`
}

// DevBroadcastRequest invokes a client method on every member of a group
type DevBroadcastRequest struct {
	Hub       string            `json:"hub"`
	Group     string            `json:"group"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

// handleDevNotification stores a notification and pushes it to the
// user's group
func (s *Server) handleDevNotification(c *fiber.Ctx) error {
	var req DevNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" || req.Title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "userId and title are required",
		})
	}

	n, err := s.store.Create(c.Context(), req.UserID, proto.Notification{
		Title:   req.Title,
		Message: req.Message,
		Type:    req.Type,
		LinkUrl: req.LinkUrl,
	})
	if err != nil {
		return s.storeError(c, err)
	}

	delivered, err := s.SendToGroup(NotificationHub, "user:"+req.UserID, string(proto.EventNotificationReceived), n)
	if err != nil {
		return s.storeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"notification": n,
		"delivered":    delivered,
	})
}

// handleDevBroadcast relays an arbitrary invocation to a group
func (s *Server) handleDevBroadcast(c *fiber.Ctx) error {
	var req DevBroadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Hub == "" || req.Group == "" || req.Target == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "hub, group and target are required",
		})
	}

	args := make([]any, len(req.Arguments))
	for i, a := range req.Arguments {
		args[i] = a
	}
	delivered, err := s.SendToGroup(req.Hub, req.Group, req.Target, args...)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"delivered": delivered,
	})
}

// handleDevSessions lists connected sessions and their groups
func (s *Server) handleDevSessions(c *fiber.Ctx) error {
	sessions := s.groups.all()
	out := make([]fiber.Map, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, fiber.Map{
			"connectionId": sess.id,
			"hub":          sess.hub,
			"groups":       s.groups.groupsOf(sess.id),
		})
	}
	return c.JSON(out)
}
