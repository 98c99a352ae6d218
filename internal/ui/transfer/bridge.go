package transfer

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/progress"
)

// Follow forwards hub updates for key to send as ProgressMsg until the
// returned function is called. Pass (*tea.Program).Send as send.
func Follow(hub *progress.Hub, key model.CacheKey, send func(tea.Msg)) (unsubscribe func()) {
	return hub.Subscribe(key, func(percent int) {
		send(ProgressMsg{Key: key, Percent: percent})
	})
}
