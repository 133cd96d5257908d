package bridge

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/wasmserve/guest"
)

func newTestExchange(body string) *exchange {
	r := httptest.NewRequest("POST", "/greet?name=guest", strings.NewReader(body))
	r.Header.Set("X-Trace", "abc")
	return newExchange(1, r, []byte(body), "req-1")
}

func TestExchangeCompletesOnce(t *testing.T) {
	ex := newTestExchange("")
	rejected := 0
	ex.onReject = func() { rejected++ }

	require.NoError(t, ex.Complete(guest.Result{Status: 201, Body: []byte("first")}))
	assert.ErrorIs(t, ex.Complete(guest.Result{Body: []byte("second")}), guest.ErrAlreadyCompleted)
	assert.Equal(t, 1, rejected)

	res := <-ex.done
	assert.Equal(t, "first", string(res.Body))
	assert.Len(t, ex.done, 0)
	assert.False(t, ex.abandon())
}

func TestExchangeAbandoned(t *testing.T) {
	ex := newTestExchange("")
	require.True(t, ex.abandon())
	assert.False(t, ex.abandon())

	assert.ErrorIs(t, ex.Complete(guest.Result{}), guest.ErrUnknownRequest)
	assert.ErrorIs(t, ex.SetHeader("X-Late", "1"), guest.ErrUnknownRequest)
}

func TestExchangeHeadersClosedAfterCompletion(t *testing.T) {
	ex := newTestExchange("")
	require.NoError(t, ex.SetHeader("X-A", "1"))
	require.NoError(t, ex.SetHeader("X-A", "2"))
	require.NoError(t, ex.Complete(guest.Result{}))

	err := ex.SetHeader("X-B", "1")
	assert.ErrorIs(t, err, ErrHeadersSent)
	assert.ErrorIs(t, err, guest.ErrAlreadyCompleted)
	assert.Equal(t, []string{"1", "2"}, ex.headers().Values("X-A"))
	assert.Empty(t, ex.headers().Get("X-B"))
}

func TestExchangeInfoAndBody(t *testing.T) {
	ex := newTestExchange("hello")

	assert.JSONEq(t, `{
		"method": "POST",
		"path": "/greet",
		"query": "name=guest",
		"proto": "HTTP/1.1",
		"host": "example.com",
		"remote_addr": "192.0.2.1:1234",
		"request_id": "req-1",
		"headers": {"X-Trace": ["abc"]}
	}`, string(ex.Info()))

	body, err := io.ReadAll(ex)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}
