package blogapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/quillpress/realtime/internal/models"
)

// Page is one page of the full notification list
type Page struct {
	Notifications []models.Notification `json:"notifications"`
	Page          int                   `json:"page"`
	Size          int                   `json:"size"`
	Total         int64                 `json:"total"`
	TotalPages    int                   `json:"totalPages"`
}

// notificationList accepts a bare array or an envelope such as
// {"data": [...]} or a paged {"content": [...], "totalElements": n}.
type notificationList struct {
	Items      []models.Notification
	Page       int
	Size       int
	Total      int64
	TotalPages int
}

func (l *notificationList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		l.Items = nil
		return nil
	}
	if data[0] == '[' {
		return json.Unmarshal(data, &l.Items)
	}

	var env struct {
		Data          *notificationList     `json:"data"`
		Content       []models.Notification `json:"content"`
		Notifications []models.Notification `json:"notifications"`
		TotalElements int64                 `json:"totalElements"`
		TotalPages    int                   `json:"totalPages"`
		Number        int                   `json:"number"`
		Size          int                   `json:"size"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch {
	case env.Data != nil:
		*l = *env.Data
		return nil
	case env.Content != nil:
		l.Items = env.Content
	default:
		l.Items = env.Notifications
	}
	l.Page = env.Number
	l.Size = env.Size
	l.Total = env.TotalElements
	l.TotalPages = env.TotalPages
	return nil
}

func tenantPath(tenantID string, parts ...string) string {
	p := "/tenants/" + url.PathEscape(tenantID) + "/notifications"
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// Recent returns the recent-notifications window for the tenant
func (c *Client) Recent(ctx context.Context, tenantID string) ([]models.Notification, error) {
	path := tenantPath(tenantID, "recent")
	if c.recentLimit > 0 {
		path += "?limit=" + strconv.Itoa(c.recentLimit)
	}

	var list notificationList
	if err := c.do(ctx, "blogapi.notifications.recent", http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to get recent notifications for tenant %s: %w", tenantID, err)
	}
	return list.Items, nil
}

// List returns one page of the tenant's notifications
func (c *Client) List(ctx context.Context, tenantID string, page, size int) (*Page, error) {
	if page < 0 {
		return nil, fmt.Errorf("invalid page: %d", page)
	}
	if size <= 0 || size > 100 {
		return nil, fmt.Errorf("invalid page size: %d (1-100)", size)
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	path := tenantPath(tenantID) + "?" + query.Encode()

	var list notificationList
	if err := c.do(ctx, "blogapi.notifications.list", http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to list notifications for tenant %s: %w", tenantID, err)
	}

	result := &Page{
		Notifications: list.Items,
		Page:          page,
		Size:          size,
		Total:         list.Total,
		TotalPages:    list.TotalPages,
	}
	if result.Total == 0 {
		result.Total = int64(len(list.Items))
	}
	return result, nil
}

// Unread returns every unread notification of the tenant
func (c *Client) Unread(ctx context.Context, tenantID string) ([]models.Notification, error) {
	var list notificationList
	if err := c.do(ctx, "blogapi.notifications.unread", http.MethodGet, tenantPath(tenantID, "unread"), nil, &list); err != nil {
		return nil, fmt.Errorf("failed to get unread notifications for tenant %s: %w", tenantID, err)
	}
	return list.Items, nil
}

type unreadCount struct {
	Count int
}

func (u *unreadCount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		return json.Unmarshal(data, &u.Count)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	u.Count = body.Count
	return nil
}

// UnreadCount returns the server-side unread total, which can exceed the
// recent window.
func (c *Client) UnreadCount(ctx context.Context, tenantID string) (int, error) {
	var count unreadCount
	if err := c.do(ctx, "blogapi.notifications.unread_count", http.MethodGet, tenantPath(tenantID, "unread", "count"), nil, &count); err != nil {
		return 0, fmt.Errorf("failed to get unread count for tenant %s: %w", tenantID, err)
	}
	if count.Count < 0 {
		return 0, nil
	}
	return count.Count, nil
}

// MarkAsRead marks one notification read
func (c *Client) MarkAsRead(ctx context.Context, tenantID string, id models.ID) error {
	path := tenantPath(tenantID, url.PathEscape(id.String()), "read")
	if err := c.do(ctx, "blogapi.notifications.mark_read", http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("failed to mark notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllAsRead marks every notification of the tenant read
func (c *Client) MarkAllAsRead(ctx context.Context, tenantID string) error {
	if err := c.do(ctx, "blogapi.notifications.mark_all_read", http.MethodPut, tenantPath(tenantID, "read-all"), nil, nil); err != nil {
		return fmt.Errorf("failed to mark all notifications read for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Delete removes one notification
func (c *Client) Delete(ctx context.Context, tenantID string, id models.ID) error {
	path := tenantPath(tenantID, url.PathEscape(id.String()))
	if err := c.do(ctx, "blogapi.notifications.delete", http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to delete notification %s: %w", id, err)
	}
	return nil
}

// DeleteAll removes every notification of the tenant
func (c *Client) DeleteAll(ctx context.Context, tenantID string) error {
	if err := c.do(ctx, "blogapi.notifications.delete_all", http.MethodDelete, tenantPath(tenantID, "all"), nil, nil); err != nil {
		return fmt.Errorf("failed to delete all notifications for tenant %s: %w", tenantID, err)
	}
	return nil
}
