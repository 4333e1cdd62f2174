package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationType classifies user notifications.
type NotificationType string

const (
	NotifyTaskCompleted     NotificationType = "task_completed"
	NotifyTaskFailed        NotificationType = "task_failed"
	NotifyTaskProgress      NotificationType = "task_progress"
	NotifySystemMaintenance NotificationType = "system_maintenance"
	NotifyQuotaWarning      NotificationType = "quota_warning"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotifyTaskCompleted, NotifyTaskFailed, NotifyTaskProgress,
		NotifySystemMaintenance, NotifyQuotaWarning:
		return true
	}
	return false
}

// NotificationPriority orders notifications for delivery.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// Valid reports whether p is a known priority.
func (p NotificationPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AMQPPriority maps the priority onto the broker's 0-10 scale.
func (p NotificationPriority) AMQPPriority() uint8 {
	switch p {
	case PriorityUrgent:
		return 10
	case PriorityHigh:
		return 7
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// Channel identifies a notification delivery channel.
type Channel string

const (
	ChannelSocket Channel = "socket"
	ChannelEmail  Channel = "email"
	ChannelSMS    Channel = "sms"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSocket, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// NotificationMessage fans a user notification out to one or more channels.
// The notification counts as delivered when at least one requested channel
// succeeds; per-channel failures are independent.
type NotificationMessage struct {
	UserID    string               `json:"userId"`
	TaskID    string               `json:"taskId,omitempty"`
	Type      NotificationType     `json:"type"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Data      json.RawMessage      `json:"data,omitempty"`
	Priority  NotificationPriority `json:"priority"`
	Channels  []Channel            `json:"channels"`
	ExpiresAt *time.Time           `json:"expiresAt,omitempty"`
}

// NotificationParams carries the caller-supplied fields for NewNotificationMessage.
type NotificationParams struct {
	UserID    string
	TaskID    string
	Type      NotificationType
	Title     string
	Body      string
	Data      json.RawMessage
	Priority  NotificationPriority
	Channels  []Channel
	ExpiresAt *time.Time
}

// NewNotificationMessage builds a notification message. Priority defaults to
// normal and channels default to the socket channel.
func NewNotificationMessage(p NotificationParams) *NotificationMessage {
	priority := p.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	channels := p.Channels
	if len(channels) == 0 {
		channels = []Channel{ChannelSocket}
	}
	return &NotificationMessage{
		UserID:    p.UserID,
		TaskID:    p.TaskID,
		Type:      p.Type,
		Title:     p.Title,
		Body:      p.Body,
		Data:      p.Data,
		Priority:  priority,
		Channels:  channels,
		ExpiresAt: p.ExpiresAt,
	}
}

// MessageType implements Message.
func (m *NotificationMessage) MessageType() string {
	return TypeNotification
}

// Validate implements Message.
func (m *NotificationMessage) Validate() []string {
	var errs []string
	if m.UserID == "" {
		errs = append(errs, "userId is required")
	}
	if !m.Type.Valid() {
		errs = append(errs, fmt.Sprintf("type %q is not a known notification type", m.Type))
	}
	if m.Title == "" {
		errs = append(errs, "title is required")
	}
	if m.Body == "" {
		errs = append(errs, "body is required")
	}
	if !m.Priority.Valid() {
		errs = append(errs, fmt.Sprintf("priority %q is not a known priority", m.Priority))
	}
	if len(m.Channels) == 0 {
		errs = append(errs, "at least one channel is required")
	}
	for _, c := range m.Channels {
		if !c.Valid() {
			errs = append(errs, fmt.Sprintf("channel %q is not supported", c))
		}
	}
	return errs
}
