package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/mock"
)

type invite struct {
	Type      string `json:"type"`
	MeetingID int    `json:"meetingId"`
}

func TestMarshal_JSON(t *testing.T) {
	data, attrs, err := core.Marshal(invite{Type: "invite", MeetingID: 42})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"invite","meetingId":42}`, string(data))
	assert.Equal(t, core.ContentTypeJSON, attrs[core.AttrContentType])
}

func TestMarshal_Passthrough(t *testing.T) {
	out := core.Outgoing{Data: []byte("raw"), Attributes: map[string]string{"k": "v"}}
	data, attrs, err := core.Marshal(&out)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), data)
	assert.Equal(t, "v", attrs["k"])

	data, attrs, err = core.Marshal([]byte("bytes"))
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
	assert.Nil(t, attrs)
}

func TestMarshal_Errors(t *testing.T) {
	_, _, err := core.Marshal(nil)
	assert.Error(t, err)

	_, _, err = core.Marshal(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	env := mock.NewEnvelope("m-1", []byte(`{"type":"invite","meetingId":7}`))
	got, err := core.Decode[invite](env)
	require.NoError(t, err)
	assert.Equal(t, invite{Type: "invite", MeetingID: 7}, got)

	_, err = core.Decode[invite](mock.NewEnvelope("m-2", []byte("{")))
	assert.ErrorContains(t, err, `decode message "m-2"`)
}
