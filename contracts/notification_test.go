package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNotificationMessage(t *testing.T) {
	t.Run("defaults priority and channels", func(t *testing.T) {
		msg := NewNotificationMessage(NotificationParams{
			UserID: "u", Type: NotifyTaskCompleted, Title: "done", Body: "finished",
		})
		assert.Equal(t, PriorityNormal, msg.Priority)
		assert.Equal(t, []Channel{ChannelSocket}, msg.Channels)
		assert.Empty(t, msg.Validate())
	})
}

func TestNotificationValidate(t *testing.T) {
	t.Run("requires a channel subset", func(t *testing.T) {
		msg := NewNotificationMessage(NotificationParams{
			UserID: "u", Type: NotifyTaskFailed, Title: "t", Body: "b",
		})
		msg.Channels = nil
		assert.Contains(t, msg.Validate(), "at least one channel is required")
	})

	t.Run("rejects unknown channel", func(t *testing.T) {
		msg := NewNotificationMessage(NotificationParams{
			UserID: "u", Type: NotifyTaskFailed, Title: "t", Body: "b",
			Channels: []Channel{ChannelEmail, Channel("pigeon")},
		})
		assert.NotEmpty(t, msg.Validate())
	})

	t.Run("rejects unknown type and priority", func(t *testing.T) {
		msg := NewNotificationMessage(NotificationParams{
			UserID: "u", Title: "t", Body: "b",
		})
		msg.Type = "carrier"
		msg.Priority = "extreme"
		errs := msg.Validate()
		assert.Len(t, errs, 2)
	})
}

func TestAMQPPriority(t *testing.T) {
	assert.Equal(t, uint8(10), PriorityUrgent.AMQPPriority())
	assert.Equal(t, uint8(7), PriorityHigh.AMQPPriority())
	assert.Equal(t, uint8(5), PriorityNormal.AMQPPriority())
	assert.Equal(t, uint8(1), PriorityLow.AMQPPriority())
}
