package obs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markerswitch/scene"
)

// fakeOBS speaks enough obs-websocket v5 to exercise the client
type fakeOBS struct {
	password  string
	salt      string
	challenge string

	mu       sync.Mutex
	scenes   []string // bottom-up, as obs-websocket reports them
	current  string
	items    map[string][]string // scene -> source names
	requests []string
	last     map[string]map[string]any
}

func newFakeOBS() *fakeOBS {
	return &fakeOBS{
		salt:      "lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI=",
		challenge: "+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY=",
		scenes:    []string{"Scene B", "Scene A"},
		current:   "Scene A",
		items:     map[string][]string{},
		last:      map[string]map[string]any{},
	}
}

func (f *fakeOBS) serve(t *testing.T) string {
	upgrader := websocket.Upgrader{Subprotocols: []string{subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.session(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeOBS) session(conn *websocket.Conn) {
	h := map[string]any{"obsWebSocketVersion": "5.4.2", "rpcVersion": 1}
	if f.password != "" {
		h["authentication"] = map[string]string{"challenge": f.challenge, "salt": f.salt}
	}
	writeOp(conn, opHello, h)

	var msg message
	if conn.ReadJSON(&msg) != nil || msg.Op != opIdentify {
		return
	}
	var id identify
	json.Unmarshal(msg.D, &id)
	if f.password != "" && id.Authentication != authResponse(f.password, f.salt, f.challenge) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeAuthFailed, "Authentication failed."))
		return
	}
	writeOp(conn, opIdentified, map[string]any{"negotiatedRpcVersion": 1})

	for {
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		var req struct {
			RequestType string         `json:"requestType"`
			RequestID   string         `json:"requestId"`
			RequestData map[string]any `json:"requestData"`
		}
		json.Unmarshal(msg.D, &req)

		code, data := f.handle(req.RequestType, req.RequestData)
		status := map[string]any{"result": code == 100, "code": code}
		writeOp(conn, opRequestResponse, map[string]any{
			"requestType":   req.RequestType,
			"requestId":     req.RequestID,
			"requestStatus": status,
			"responseData":  data,
		})
	}
}

func (f *fakeOBS) handle(requestType string, data map[string]any) (int, any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, requestType)
	f.last[requestType] = data

	switch requestType {
	case "GetSceneList":
		scenes := make([]map[string]any, len(f.scenes))
		for i, name := range f.scenes {
			scenes[i] = map[string]any{"sceneName": name, "sceneIndex": i}
		}
		return 100, map[string]any{"currentProgramSceneName": f.current, "scenes": scenes}
	case "GetCurrentProgramScene":
		return 100, map[string]any{"currentProgramSceneName": f.current}
	case "SetCurrentProgramScene":
		f.current = data["sceneName"].(string)
		return 100, nil
	case "GetSceneItemId":
		for i, name := range f.items[data["sceneName"].(string)] {
			if name == data["sourceName"] {
				return 100, map[string]any{"sceneItemId": i + 1}
			}
		}
		return statusResourceNotFound, nil
	case "CreateInput":
		sceneName := data["sceneName"].(string)
		f.items[sceneName] = append(f.items[sceneName], data["inputName"].(string))
		return 100, map[string]any{"sceneItemId": len(f.items[sceneName])}
	case "CreateSourceFilter", "SetSceneItemIndex":
		return 100, nil
	}
	return 204, nil
}

func (f *fakeOBS) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeOBS) program() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeOBS) sceneItems(sceneName string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.items[sceneName]...)
}

func writeOp(conn *websocket.Conn, op int, d any) {
	data, _ := json.Marshal(d)
	conn.WriteJSON(message{Op: op, D: data})
}

func dialFake(t *testing.T, f *fakeOBS, password string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Config{URL: f.serve(t), Password: password, RequestTimeout: 2 * time.Second, Attempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAuthResponse(t *testing.T) {
	// from the obs-websocket protocol documentation
	got := authResponse("supersecretpassword",
		"lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI=",
		"+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY=")
	assert.Equal(t, "1Ct943GAT+6YQUUX47Ia/ncufilbe6+oD6lY+5kaCu4=", got)
}

func TestClientScenes(t *testing.T) {
	f := newFakeOBS()
	c := dialFake(t, f, "")
	ctx := context.Background()

	names, err := c.SceneNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Scene A", "Scene B"}, names)

	current, err := c.CurrentScene(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Scene A", current)

	require.NoError(t, c.SetCurrentScene(ctx, "Scene B"))
	current, err = c.CurrentScene(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Scene B", current)
}

func TestClientWithPassword(t *testing.T) {
	f := newFakeOBS()
	f.password = "supersecretpassword"
	c := dialFake(t, f, "supersecretpassword")

	_, err := c.CurrentScene(context.Background())
	assert.NoError(t, err)
}

func TestClientWrongPassword(t *testing.T) {
	f := newFakeOBS()
	f.password = "supersecretpassword"

	_, err := Dial(context.Background(), Config{URL: f.serve(t), Password: "nope", Attempts: 3})
	assert.True(t, errors.Is(err, ErrAuthFailed))
}

func TestClientRequestError(t *testing.T) {
	f := newFakeOBS()
	c := dialFake(t, f, "")

	err := c.call(context.Background(), "BogusRequest", nil, nil)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, 204, reqErr.Code)
}

func TestClientClosed(t *testing.T) {
	f := newFakeOBS()
	c := dialFake(t, f, "")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err := c.CurrentScene(context.Background())
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestClientDrivesSceneBinding(t *testing.T) {
	f := newFakeOBS()
	c := dialFake(t, f, "")
	b := scene.NewBinding(c)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, scene.Intent{Target: "Scene B"}))
	assert.Equal(t, "Scene B", f.program())

	err := b.Apply(ctx, scene.Intent{Target: "Missing"})
	assert.True(t, errors.Is(err, scene.ErrSceneNotFound))
	assert.Equal(t, "Scene B", f.program())
}

func TestEnsureVideoInputCreatesOnce(t *testing.T) {
	f := newFakeOBS()
	c := dialFake(t, f, "")
	ctx := context.Background()
	in := VideoInput{Name: "ArUco Sink", Device: "/dev/video10", Resolution: "1280x720"}

	require.NoError(t, c.EnsureVideoInput(ctx, in))
	assert.Equal(t, []string{"ArUco Sink"}, f.sceneItems("Scene A"))

	f.mu.Lock()
	created := f.last["CreateInput"]
	f.mu.Unlock()
	assert.Equal(t, "v4l2_input", created["inputKind"])
	settings := created["inputSettings"].(map[string]any)
	assert.Equal(t, "/dev/video10", settings["device_id"])
	assert.Equal(t, true, settings["auto_reset"])
	assert.Equal(t, float64(50), settings["timeout_frames"])
	assert.Equal(t, false, settings["buffering"])
	assert.Equal(t, "1280x720", settings["resolution"])
	assert.Contains(t, f.requestLog(), "CreateSourceFilter")

	// second call finds the existing item
	require.NoError(t, c.EnsureVideoInput(ctx, in))
	assert.Equal(t, []string{"ArUco Sink"}, f.sceneItems("Scene A"))
}

func TestEnsureVideoInputWithoutScaling(t *testing.T) {
	f := newFakeOBS()
	c := dialFake(t, f, "")

	in := VideoInput{Scene: "Scene B", Name: "ArUco Sink", Device: "/dev/video10", Resolution: "None"}
	require.NoError(t, c.EnsureVideoInput(context.Background(), in))
	assert.Equal(t, []string{"ArUco Sink"}, f.sceneItems("Scene B"))
	assert.NotContains(t, f.requestLog(), "CreateSourceFilter")
	assert.NotContains(t, in.Settings(), "resolution")
}

func TestEnsureVideoInputTargetsNamedScene(t *testing.T) {
	f := newFakeOBS()
	c := dialFake(t, f, "")
	require.Equal(t, "Scene A", f.program())

	in := VideoInput{Scene: "Scene B", Name: "ArUco Sink", Device: "/dev/video10"}
	require.NoError(t, c.EnsureVideoInput(context.Background(), in))

	f.mu.Lock()
	created := f.last["CreateInput"]
	f.mu.Unlock()
	assert.Equal(t, "Scene B", created["sceneName"], "input lands in the named scene, not the live one")
	assert.Empty(t, f.sceneItems("Scene A"))
}
