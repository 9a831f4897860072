package plugin

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeReplies(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	dec := json.NewDecoder(out)
	var replies []map[string]interface{}
	for {
		var m map[string]interface{}
		if err := dec.Decode(&m); err != nil {
			break
		}
		replies = append(replies, m)
	}
	return replies
}

func TestGetManifestListsRegisteredSurface(t *testing.T) {
	p := New("sling")
	p.Option(Option{Name: "sling-maxhops", Type: "int", Default: 8, Description: "max hops", Dynamic: true})
	p.RPCMethod(RPCMethod{Name: "sling-stats", Usage: "[scid] [json]", Description: "show stats"}, func(json.RawMessage) (interface{}, error) {
		return "ok", nil
	})
	p.Subscribe("block_added", func(json.RawMessage) {})
	p.OnHTLCAccepted(func(json.RawMessage) HTLCResponse { return HTLCResponse{Result: "continue"} })

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getmanifest","params":{}}`)
	var out bytes.Buffer
	require.NoError(t, p.Run(in, &out))

	replies := decodeReplies(t, &out)
	require.Len(t, replies, 1)
	result := replies[0]["result"].(map[string]interface{})
	assert.Len(t, result["options"], 1)
	assert.Len(t, result["rpcmethods"], 1)
	assert.Len(t, result["hooks"], 1)
}

func TestInitInvokesCallbackAndRespondsEmpty(t *testing.T) {
	p := New("sling")

	var gotOpts map[string]string
	var gotDir string
	p.OnInit(func(opts map[string]string, lightningDir, rpcFile string) error {
		gotOpts = opts
		gotDir = lightningDir
		return nil
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"init","params":{"options":{"sling-maxhops":"6"},"configuration":{"lightning-dir":"/tmp/ln","rpc-file":"lightning-rpc"}}}`)
	var out bytes.Buffer
	require.NoError(t, p.Run(in, &out))

	assert.Equal(t, "6", gotOpts["sling-maxhops"])
	assert.Equal(t, "/tmp/ln", gotDir)

	replies := decodeReplies(t, &out)
	require.Len(t, replies, 1)
	assert.NotContains(t, replies[0], "error")
}

func TestInitCallbackErrorDisablesPlugin(t *testing.T) {
	p := New("sling")
	p.OnInit(func(map[string]string, string, string) error {
		return assertErr
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"init","params":{"options":{},"configuration":{}}}`)
	var out bytes.Buffer
	require.NoError(t, p.Run(in, &out))

	replies := decodeReplies(t, &out)
	require.Len(t, replies, 1)
	result := replies[0]["result"].(map[string]interface{})
	assert.Equal(t, assertErr.Error(), result["disable"])
}

var assertErr = errString("bad option")

type errString string

func (e errString) Error() string { return string(e) }

func TestHTLCAcceptedDispatchesToHandler(t *testing.T) {
	p := New("sling")
	var gotParams json.RawMessage
	p.OnHTLCAccepted(func(params json.RawMessage) HTLCResponse {
		gotParams = params
		return HTLCResponse{Result: "resolve", PaymentKey: "deadbeef"}
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","id":4,"method":"htlc_accepted","params":{"htlc":{"payment_hash":"abc"}}}`)
	var out bytes.Buffer
	require.NoError(t, p.Run(in, &out))

	assert.Contains(t, string(gotParams), "payment_hash")

	replies := decodeReplies(t, &out)
	require.Len(t, replies, 1)
	result := replies[0]["result"].(map[string]interface{})
	assert.Equal(t, "resolve", result["result"])
	assert.Equal(t, "deadbeef", result["payment_key"])
}

func TestRPCMethodDispatch(t *testing.T) {
	p := New("sling")
	p.RPCMethod(RPCMethod{Name: "sling-stop"}, func(params json.RawMessage) (interface{}, error) {
		return map[string]string{"status": "stopped"}, nil
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","id":5,"method":"sling-stop","params":{}}`)
	var out bytes.Buffer
	require.NoError(t, p.Run(in, &out))

	replies := decodeReplies(t, &out)
	require.Len(t, replies, 1)
	result := replies[0]["result"].(map[string]interface{})
	assert.Equal(t, "stopped", result["status"])
}

func TestUnknownRPCMethodRepliesWithError(t *testing.T) {
	p := New("sling")
	in := strings.NewReader(`{"jsonrpc":"2.0","id":6,"method":"sling-bogus","params":{}}`)
	var out bytes.Buffer
	require.NoError(t, p.Run(in, &out))

	replies := decodeReplies(t, &out)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "error")
}

func TestNotificationDispatchesWithoutReply(t *testing.T) {
	p := New("sling")
	called := make(chan struct{}, 1)
	p.Subscribe("block_added", func(json.RawMessage) {
		called <- struct{}{}
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"block_added","params":{"block":{"height":800000}}}`)
	var out bytes.Buffer
	require.NoError(t, p.Run(in, &out))

	select {
	case <-called:
	default:
		t.Fatal("subscription handler was not invoked")
	}
	assert.Empty(t, out.Bytes())
}
