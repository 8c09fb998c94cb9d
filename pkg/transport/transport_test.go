package transport

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"
)

func TestFilenameRoundTrip(t *testing.T) {
	id := uuid.New()
	for _, p := range []Peer{{ID: id}, {ID: id, Name: "node-1"}, {ID: id, Name: "a::b"}} {
		got, err := FilenameToPeer(p.Filename())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	assert.Equal(t, id.String()+"::node-1", Peer{ID: id, Name: "node-1"}.Filename())

	_, err := FilenameToPeer("not-a-uuid::x")
	assert.Error(t, err)
}

func TestMessageRelease(t *testing.T) {
	body := bytebufferpool.Get()
	_, _ = body.WriteString("payload")
	m := &Message{Type: 1, Body: body}
	assert.Equal(t, []byte("payload"), m.Bytes())
	m.Release()
	assert.Nil(t, m.Body)
	m.Release()
}
