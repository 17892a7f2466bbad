package ctlsock

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(sock, nil)
	t.Cleanup(func() { _ = server.Stop() })
	client := NewClient(sock)
	return server, client
}

func TestRequestResponseRoundtrip(t *testing.T) {
	server, client := startServer(t)
	server.Handle("ping", func(req *Request) *Response {
		var params struct {
			Echo string `json:"echo"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return ErrorResponse(ErrCodeValidation, err.Error())
			}
		}
		return SuccessResponse(map[string]any{"pong": params.Echo})
	})
	require.NoError(t, server.Start())

	resp, err := client.SendCommand("ping", map[string]any{"echo": "hello"})
	require.NoError(t, err)
	require.True(t, resp.Success)

	var data struct {
		Pong string `json:"pong"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "hello", data.Pong)
}

func TestUnknownCommand(t *testing.T) {
	server, client := startServer(t)
	require.NoError(t, server.Start())

	resp, err := client.SendCommand("nope", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)
}

func TestProtocolVersionMismatch(t *testing.T) {
	server, client := startServer(t)
	require.NoError(t, server.Start())

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "ping"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestHandlerPanicDoesNotKillServer(t *testing.T) {
	server, client := startServer(t)
	server.Handle("boom", func(*Request) *Response { panic("handler bug") })
	server.Handle("ok", func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())

	// The panicking connection is dropped without a response.
	_, err := client.SendCommand("boom", nil)
	assert.Error(t, err)

	resp, err := client.SendCommand("ok", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestClientErrorWhenDaemonDown(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	_, err := client.SendCommand("health", nil)
	assert.Error(t, err)
}
