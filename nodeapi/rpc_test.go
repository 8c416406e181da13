package nodeapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/chainhead/log"
)

type fakeRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// startFakeNode serves scripted responses: handle returns the result of a
// request followed by notifications to push after it.
func startFakeNode(t *testing.T, handle func(req fakeRequest) (result interface{}, notifications []interface{})) *RPCApi {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req fakeRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			result, notifications := handle(req)
			if err := conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result}); err != nil {
				return
			}
			for _, n := range notifications {
				if err := conn.WriteJSON(map[string]interface{}{
					"jsonrpc": "2.0",
					"method":  "notification",
					"params":  map[string]interface{}{"subscription": "sub-1", "result": n},
				}); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	api, err := NewRPCApi(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = api.Close() })
	return api
}

func TestRPCApiFollow(t *testing.T) {
	api := startFakeNode(t, func(req fakeRequest) (interface{}, []interface{}) {
		switch req.Method {
		case methodFollow:
			require.JSONEq(t, "true", string(req.Params[0]))
			return "sub-1", []interface{}{
				map[string]interface{}{"event": "initialized", "finalizedBlockHash": hashA},
				map[string]interface{}{"event": "stop"},
			}
		}
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := api.Follow(ctx, true)
	require.NoError(t, err)
	require.Equal(t, "sub-1", sub.ID())

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, &Initialized{FinalizedBlockHash: hexHash(hashA)}, ev)

	ev, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, EventStop, ev.Kind())

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, sub.Unsubscribe(ctx))
}

func TestRPCApiMethods(t *testing.T) {
	unpinParams := make(chan []json.RawMessage, 2)
	api := startFakeNode(t, func(req fakeRequest) (interface{}, []interface{}) {
		switch req.Method {
		case methodHeader:
			var hash string
			require.NoError(t, json.Unmarshal(req.Params[1], &hash))
			if hash == hashA {
				return "0x0102", nil
			}
			return nil, nil
		case methodBody:
			return map[string]interface{}{"result": "limitReached"}, nil
		case methodCall:
			require.JSONEq(t, `"Core_version"`, string(req.Params[2]))
			require.JSONEq(t, `"0x"`, string(req.Params[3]))
			return map[string]interface{}{"result": "started", "operationId": "7"}, nil
		case methodStorage:
			require.JSONEq(t, `[{"key":"0x01","type":"descendantsHashes"}]`, string(req.Params[2]))
			return map[string]interface{}{"result": "started", "operationId": "8", "discardedItems": 0}, nil
		case methodUnpin:
			unpinParams <- req.Params
			return nil, nil
		case methodGenesisHash:
			return hashB, nil
		}
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header, err := api.Header(ctx, "sub-1", hexHash(hashA))
	require.NoError(t, err)
	require.Equal(t, hexutil.Bytes{1, 2}, header)

	header, err = api.Header(ctx, "sub-1", hexHash(hashB))
	require.NoError(t, err)
	require.Nil(t, header)

	resp, err := api.Body(ctx, "sub-1", hexHash(hashA))
	require.NoError(t, err)
	require.False(t, resp.Started())

	resp, err = api.Call(ctx, "sub-1", hexHash(hashA), "Core_version", nil)
	require.NoError(t, err)
	require.True(t, resp.Started())
	require.Equal(t, "7", resp.OperationID)

	resp, err = api.Storage(ctx, "sub-1", hexHash(hashA), []StorageQuery{{Key: hexutil.Bytes{1}, Type: StorageQueryDescendantsHashes}})
	require.NoError(t, err)
	require.Equal(t, "8", resp.OperationID)

	require.NoError(t, api.Unpin(ctx, "sub-1", hexHash(hashA)))
	require.JSONEq(t, `"`+hashA+`"`, string((<-unpinParams)[1]))
	require.NoError(t, api.Unpin(ctx, "sub-1", hexHash(hashA), hexHash(hashB)))
	require.JSONEq(t, `["`+hashA+`","`+hashB+`"]`, string((<-unpinParams)[1]))

	genesis, err := api.GenesisHash(ctx)
	require.NoError(t, err)
	require.Equal(t, hexHash(hashB), genesis)
}

func TestRPCApiSubmitAndWatch(t *testing.T) {
	api := startFakeNode(t, func(req fakeRequest) (interface{}, []interface{}) {
		require.Equal(t, methodSubmitAndWatch, req.Method)
		require.JSONEq(t, `"0xabcd"`, string(req.Params[0]))
		return "sub-1", []interface{}{
			map[string]interface{}{"event": "validated"},
			map[string]interface{}{"event": "invalid", "error": "bad signature"},
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := api.SubmitAndWatch(ctx, []byte{0xab, 0xcd})
	require.NoError(t, err)

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, TransactionValidated, ev.Event)

	ev, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, TransactionInvalid, ev.Event)
	require.Equal(t, "bad signature", ev.Error)

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}
