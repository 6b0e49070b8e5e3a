package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientFrameActionForms(t *testing.T) {
	// Bare BCN string.
	f, err := ParseClientFrame([]byte(`{"type":"action","gameId":"g1","action":"b:e2e4"}`))
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: KindBan, UCI: "e2e4"}, f.Action.Action)

	// Object move form with promotion.
	f, err = ParseClientFrame([]byte(`{"type":"action","gameId":"g1","action":{"move":{"from":"a7","to":"a8","promotion":"q"}}}`))
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: KindMove, UCI: "a7a8q"}, f.Action.Action)

	// Object ban form.
	f, err = ParseClientFrame([]byte(`{"type":"action","gameId":"g1","action":{"ban":{"from":"e2","to":"e4"}}}`))
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: KindBan, UCI: "e2e4"}, f.Action.Action)
}

func TestParseClientFrameRejectsBadInput(t *testing.T) {
	bad := []string{
		`not json`,
		`{}`,                                     // missing type
		`{"type":"teleport"}`,                    // unknown type
		`{"type":"action","gameId":"g1"}`,        // action without payload
		`{"type":"action","action":"m:e2e4"}`,    // action without gameId
		`{"type":"join-game"}`,                   // join without gameId
		`{"type":"resign"}`,                      // resign without gameId
		`{"type":"authenticate","userId":"u1"}`,  // authenticate without username
		`{"type":"action","gameId":"g1","action":{"move":{"from":"e2","to":"e4"},"ban":{"from":"e7","to":"e5"}}}`,
	}
	for _, s := range bad {
		_, err := ParseClientFrame([]byte(s))
		assert.Error(t, err, "input %s", s)
	}
}

func TestParseClientFrameOptionalFields(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"give-time","gameId":"g1","amount":30}`))
	require.NoError(t, err)
	require.NotNil(t, f.Amount)
	assert.Equal(t, 30, *f.Amount)

	f, err = ParseClientFrame([]byte(`{"type":"give-time","gameId":"g1"}`))
	require.NoError(t, err)
	assert.Nil(t, f.Amount)

	f, err = ParseClientFrame([]byte(`{"type":"join-queue","timeControl":{"initial":180,"increment":2}}`))
	require.NoError(t, err)
	require.NotNil(t, f.TimeControl)
	assert.Equal(t, 180, f.TimeControl.InitialSec)
	assert.Equal(t, 2, f.TimeControl.IncrementSec)

	f, err = ParseClientFrame([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, ClientPing, f.Type)
}

func TestActionFieldMarshalsAsBCN(t *testing.T) {
	data, err := json.Marshal(ActionField{Action{Kind: KindMove, UCI: "e2e4"}})
	require.NoError(t, err)
	assert.Equal(t, `"m:e2e4"`, string(data))
}

func TestErrorfFrame(t *testing.T) {
	frame := Errorf("game %s not found", "g1")
	assert.Equal(t, ServerError, frame.Type)
	assert.Equal(t, "game g1 not found", frame.Message)
}
