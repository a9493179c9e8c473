package livechannel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNotification(t *testing.T) {
	refresh := []string{"", "  ", "null", "{}", `{"type":"refresh"}`, `{"type":"REFRESH","author":"x"}`}
	for _, in := range refresh {
		n, err := ParseNotification([]byte(in))
		require.NoError(t, err, in)
		require.True(t, n.IsRefresh(), in)
	}

	n, err := ParseNotification([]byte(`{"id":"4","name":"carol","text":"morning"}`))
	require.NoError(t, err)
	require.False(t, n.IsRefresh())
	require.Equal(t, "4", n.Message.ServerID)
	require.Equal(t, "carol", n.Message.Author)
	require.Equal(t, "morning", n.Message.Text)

	_, err = ParseNotification([]byte(`[1,2]`))
	require.Error(t, err)
}
