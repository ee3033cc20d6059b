package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	fsmv1 "github.com/superfly/fsm/gen/fsm/v1"
	"github.com/superfly/fsm/gen/fsm/v1/fsmv1connect"

	"bmc-flashd/internal/activation"
	"bmc-flashd/internal/firmware"
	"bmc-flashd/internal/updater"
)

// listenSocket serves h on a short unix socket path and returns the path.
func listenSocket(t *testing.T, h http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "flashd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "s")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: h}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return sock
}

// serveSocket serves mux on a unix socket and returns a client for it.
func serveSocket(t *testing.T, mux *http.ServeMux) *client {
	t.Helper()
	return newClient(listenSocket(t, mux))
}

func TestClientList(t *testing.T) {
	prio := uint8(0)
	want := []updater.Info{
		{ID: "a1b2c3d4", Version: "2.1.0", Purpose: firmware.PurposeBMC, State: activation.StateActive, Priority: &prio, Functional: true, Active: true},
		{ID: "e5f6a7b8", Version: "2.2.0", Purpose: firmware.PurposeBMC, State: activation.StateReady},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/software", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(want)
	})
	c := serveSocket(t, mux)

	got, err := c.list(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	var out bytes.Buffer
	require.NoError(t, runList(context.Background(), c, &out, nil))
	assert.Contains(t, out.String(), "a1b2c3d4")
	assert.Contains(t, out.String(), "FA")
	assert.Contains(t, out.String(), "Ready")
}

func TestClientErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/software/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"message":"DeleteRefused (REASON=functional version)"}`)
	})
	mux.HandleFunc("PUT /v1/software/{id}/priority", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		json.NewDecoder(r.Body).Decode(&body)
		if body["priority"] != 7 || r.PathValue("id") != "e5f6a7b8" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c := serveSocket(t, mux)

	err := c.erase(context.Background(), "a1b2c3d4")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, apiErr.Message, "functional version")

	assert.NoError(t, c.setPriority(context.Background(), "e5f6a7b8", 7))

	err = c.reset(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestFieldModeCommand(t *testing.T) {
	enabled := false
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/fieldmode", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"enabled": enabled})
	})
	mux.HandleFunc("POST /v1/fieldmode", func(w http.ResponseWriter, _ *http.Request) {
		enabled = true
		w.WriteHeader(http.StatusNoContent)
	})
	c := serveSocket(t, mux)
	ctx := context.Background()

	assert.Error(t, runFieldMode(ctx, c, io.Discard, []string{"disable"}))
	require.NoError(t, runFieldMode(ctx, c, io.Discard, []string{"enable"}))

	var out bytes.Buffer
	require.NoError(t, runFieldMode(ctx, c, &out, nil))
	assert.Equal(t, "true\n", out.String())
}

func TestUploadCommand(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "bmc.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("archive"), 0o600))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/images", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Query().Get("name") != "bmc.tar.gz" || string(body) != "archive" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"path": "/tmp/images/x-bmc.tar.gz"})
	})
	c := serveSocket(t, mux)

	path, err := c.upload(context.Background(), archive)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/images/x-bmc.tar.gz", path)
}

func TestFlags(t *testing.T) {
	assert.Equal(t, "-", flags(updater.Info{}))
	assert.Equal(t, "AU", flags(updater.Info{Active: true, Updateable: true}))
	assert.Equal(t, "-", optional(nil))
}

type fakeAdmin struct {
	fsmv1connect.UnimplementedFSMServiceHandler
}

func (fakeAdmin) ListActive(context.Context, *connect.Request[fsmv1.ListActiveRequest]) (*connect.Response[fsmv1.ListActiveResponse], error) {
	return connect.NewResponse(&fsmv1.ListActiveResponse{
		Active: []*fsmv1.ActiveFSM{{
			Id:           "a1b2c3d4",
			Action:       "flash",
			Version:      "01JNQ3W5D2Y7Z8K9M0P1R2S3T4",
			RunState:     fsmv1.RunState_RUN_STATE_RUNNING,
			CurrentState: "write",
			Queue:        "flash",
		}},
	}), nil
}

func (fakeAdmin) GetHistoryEvent(_ context.Context, req *connect.Request[fsmv1.GetHistoryEventRequest]) (*connect.Response[fsmv1.HistoryEvent], error) {
	return nil, connect.NewError(connect.CodeNotFound, errors.New("no run "+req.Msg.GetRunVersion()))
}

func TestJobsCommands(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle(fsmv1connect.NewFSMServiceHandler(fakeAdmin{}))
	c := newJobsClient(listenSocket(t, mux))
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runActiveJobs(ctx, c, &out, nil))
	assert.Contains(t, out.String(), "01JNQ3W5D2Y7Z8K9M0P1R2S3T4")
	assert.Contains(t, out.String(), "running")
	assert.Contains(t, out.String(), "write")

	err := runJobHistory(ctx, c, io.Discard, []string{"01JNQ3W5D2Y7Z8K9M0P1R2S3T4"})
	require.Error(t, err)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	err = runRegisteredJobs(ctx, c, io.Discard, nil)
	assert.Equal(t, connect.CodeUnimplemented, connect.CodeOf(err))
}
