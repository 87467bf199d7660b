package serialmux

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMux(t *testing.T) (*SerialMux[*TestablePort], *TestablePort, context.CancelFunc, chan error) {
	t.Helper()
	port := NewTestablePort()
	mux := NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	t.Cleanup(func() {
		cancel()
		mux.Close()
	})
	return mux, port, cancel, done
}

func recv(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		require.True(t, ok, "channel closed")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestMonitorFansOutLines(t *testing.T) {
	mux, port, _, _ := startMux(t)
	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	port.AddLines(`{"device_id":1}`, "GW OK")
	assert.Equal(t, `{"device_id":1}`, recv(t, a))
	assert.Equal(t, "GW OK", recv(t, a))
	assert.Equal(t, `{"device_id":1}`, recv(t, b))
}

func TestMonitorStopsOnCancel(t *testing.T) {
	_, _, cancel, done := startMux(t)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
}

func TestMonitorReturnsReadError(t *testing.T) {
	_, port, _, done := startMux(t)
	boom := errors.New("framing error")
	port.FailRead(boom)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
}

func TestSlowSubscriberDropsLines(t *testing.T) {
	mux := NewSerialMux(NewTestablePort())
	id, ch := mux.Subscribe()
	for i := 0; i < subscriberBuffer+2; i++ {
		mux.broadcast("x")
	}
	assert.Equal(t, uint64(2), mux.Dropped())
	assert.Len(t, ch, subscriberBuffer)

	mux.Unsubscribe(id)
	_, ok := <-ch
	assert.True(t, ok, "buffered lines remain readable")
}

func TestSendCommandAndInitialize(t *testing.T) {
	port := NewTestablePort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("STATUS"))
	require.NoError(t, mux.Initialize("MODE JSON\n", "START"))
	assert.Equal(t, "STATUS\nMODE JSON\nSTART\n", port.Written())

	port.WriteError = errors.New("busy")
	err := mux.Initialize("START")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"START"`)
}

func TestCloseClosesSubscribers(t *testing.T) {
	mux := NewSerialMux(NewTestablePort())
	id, ch := mux.Subscribe()
	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok)
	mux.Unsubscribe(id)
}

func TestAdminRoutes(t *testing.T) {
	mux, port, _, _ := startMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	resp, err := http.PostForm(srv.URL+"/debug/serial-send", map[string][]string{"command": {"PING"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PING\n", port.Written())

	resp, err = http.PostForm(srv.URL+"/debug/serial-send", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/serial-tail", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	ping, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", ping)

	port.AddLines(`{"device_id":2}`)
	var data string
	for !strings.HasPrefix(data, "data:") {
		data, err = r.ReadString('\n')
		require.NoError(t, err)
	}
	assert.Equal(t, "data: {\"device_id\":2}\n", data)
}

func TestClassifyLine(t *testing.T) {
	cases := map[string]string{
		`{"device_id":3,"timestamp_ms":1}`:                  LineTypeFrame,
		`{"end_timestamp_ms":5,"frames":[{"device_id":3}]}`: LineTypeBatch,
		`{"foo":1}`: LineTypeUnknown,
		"GW READY":  LineTypeStatus,
		"   ":       LineTypeUnknown,
	}
	for line, want := range cases {
		assert.Equal(t, want, ClassifyLine(line), line)
	}
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{Parity: "even", StopBits: 2}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 2, Parity: "E"}, opts)

	mode, err := PortOptions{BaudRate: 9600, Parity: "o"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.SerialMode()
	assert.Error(t, err)
}
