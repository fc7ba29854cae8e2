package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noteable-io/origami-go/api"
	"github.com/noteable-io/origami-go/delta"
	"github.com/noteable-io/origami-go/notebook"
	"github.com/noteable-io/origami-go/rtu"
)

// rig runs a fake gate server: REST endpoints for the seed notebook plus a
// scripted RTU websocket endpoint on the same listener.
type rig struct {
	t         *testing.T
	fileID    uuid.UUID
	versionID uuid.UUID
	userID    uuid.UUID

	mu            sync.Mutex
	seed          []byte
	seedFetches   int
	latest        uuid.UUID
	deltasToApply []delta.Delta
	rejectCause   string
	conn          *websocket.Conn

	subscribes chan rtu.FileSubscribeRequestData
	srv        *httptest.Server
}

func newRig(t *testing.T, seedCells ...*notebook.Cell) *rig {
	var r = &rig{
		t:          t,
		fileID:     uuid.New(),
		versionID:  uuid.New(),
		userID:     uuid.New(),
		latest:     uuid.New(),
		subscribes: make(chan rtu.FileSubscribeRequestData, 4),
	}

	var nb = notebook.New()
	nb.Cells = seedCells
	var seed, err = json.Marshal(nb)
	require.NoError(t, err)
	r.seed = seed

	var upgrader = websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.URL.Path == "/v1/rtu":
			var conn, err = upgrader.Upgrade(w, req, nil)
			require.NoError(t, err)
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()
			go r.serveRTU(conn)
		case req.URL.Path == "/v1/files/"+r.fileID.String():
			fmt.Fprintf(w, `{"id": %q, "current_version_id": %q, "presigned_download_url": %q}`,
				r.fileID, r.versionID, r.srv.URL+"/seed")
		case req.URL.Path == "/seed":
			r.mu.Lock()
			r.seedFetches++
			r.mu.Unlock()
			w.Write(r.seed)
		default:
			http.NotFound(w, req)
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *rig) serveRTU(conn *websocket.Conn) {
	for {
		var _, data, err = conn.ReadMessage()
		if err != nil {
			return
		}
		var msg, perr = rtu.Parse(data)
		if perr != nil {
			continue
		}
		switch msg.Event {
		case rtu.EventAuthenticateRequest:
			r.reply(msg, rtu.EventAuthenticateReply, rtu.AuthenticateReplyData{
				Success: true,
				User:    rtu.User{ID: r.userID, Handle: "tester"},
			})
		case rtu.EventSubscribeRequest:
			var req rtu.FileSubscribeRequestData
			msg.DecodeData(&req)
			r.subscribes <- req
			r.mu.Lock()
			var reply = rtu.FileSubscribeReplyData{
				DeltasToApply: r.deltasToApply,
				LatestDeltaID: r.latest,
			}
			r.mu.Unlock()
			r.reply(msg, rtu.EventSubscribeReply, reply)
		case rtu.EventNewDeltaRequest:
			var req rtu.NewDeltaRequestData
			msg.DecodeData(&req)
			r.mu.Lock()
			var cause = r.rejectCause
			r.mu.Unlock()
			if cause != "" {
				r.reply(msg, rtu.EventDeltaRejected, rtu.ErrorData{Cause: cause})
				continue
			}
			r.acceptDelta(req.Delta)
		case rtu.EventUnsubscribeRequest:
			r.reply(msg, rtu.EventUnsubscribeReply, rtu.BooleanReplyData{Success: true})
		}
	}
}

// acceptDelta links the delta onto the server-side chain and broadcasts it
// back, the way the real server propagates accepted deltas to subscribers.
func (r *rig) acceptDelta(d delta.Delta) {
	r.mu.Lock()
	d.ParentDeltaID = r.latest
	r.latest = d.ID
	r.mu.Unlock()
	r.event(rtu.FileChannel(r.fileID), rtu.EventNewDeltaEvent, d)
}

func (r *rig) reply(to rtu.Message, event string, data interface{}) {
	var b, err = json.Marshal(data)
	require.NoError(r.t, err)
	r.write(rtu.Message{
		TransactionID:      to.TransactionID,
		MsgID:              uuid.New(),
		Channel:            to.Channel,
		Event:              event,
		ProcessedTimestamp: time.Now().UTC(),
		Data:               b,
	})
}

func (r *rig) event(channel, event string, data interface{}) {
	var b, err = json.Marshal(data)
	require.NoError(r.t, err)
	r.write(rtu.Message{
		TransactionID:      uuid.New(),
		MsgID:              uuid.New(),
		Channel:            channel,
		Event:              event,
		ProcessedTimestamp: time.Now().UTC(),
		Data:               b,
	})
}

func (r *rig) write(msg rtu.Message) {
	var b, err = json.Marshal(msg)
	require.NoError(r.t, err)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NoError(r.t, r.conn.WriteMessage(websocket.TextMessage, b))
}

func (r *rig) newClient(t *testing.T) *RTUClient {
	var cfg = Config{
		APIBaseURL:           r.srv.URL,
		Token:                "test-token",
		FileSubscribeTimeout: 5 * time.Second,
		ReconnectDelay:       10 * time.Millisecond,
	}
	var c, err = New(cfg, api.NewClient(r.srv.URL, cfg.Token), r.fileID)
	require.NoError(t, err)
	return c
}

func (r *rig) initialize(t *testing.T) *RTUClient {
	var c = r.newClient(t)
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, c.Initialize(ctx))
	t.Cleanup(func() { c.Shutdown(true) })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	var deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func seedCell(id, source string) *notebook.Cell {
	var cell = notebook.NewCodeCell(source)
	cell.ID = id
	return cell
}

func TestInitializeSubscribesByVersionAndAppliesCatchUp(t *testing.T) {
	var r = newRig(t, seedCell("a1", "x = 1"))

	var d1 = delta.NewCellContentsReplace(r.fileID, "a1", "x = 2")
	var d2 = delta.NewCellContentsReplace(r.fileID, "a1", "x = 3")
	d2.ParentDeltaID = d1.ID
	r.deltasToApply = []delta.Delta{d1, d2}
	r.latest = d2.ID

	var c = r.initialize(t)

	var sub = <-r.subscribes
	require.NotNil(t, sub.FromVersionID)
	require.Equal(t, r.versionID, *sub.FromVersionID)
	require.Nil(t, sub.FromDeltaID)

	var cell, err = c.GetCell("a1")
	require.NoError(t, err)
	require.Equal(t, "x = 3", cell.Source)
	require.Equal(t, d2.ID, c.LastAppliedDeltaID())
	require.Equal(t, r.userID, c.UserID())
}

func TestOutOfOrderDeltasAreReplayed(t *testing.T) {
	var r = newRig(t, seedCell("a1", "v0"))
	var c = r.initialize(t)
	<-r.subscribes

	// Build a causal chain d1..d5 but deliver it scrambled.
	var chain [5]delta.Delta
	var parent = r.latest
	for i := range chain {
		chain[i] = delta.NewCellContentsReplace(r.fileID, "a1", fmt.Sprintf("v%d", i+1))
		chain[i].ParentDeltaID = parent
		parent = chain[i].ID
	}
	for _, i := range []int{1, 4, 3, 2, 0} {
		r.event(rtu.FileChannel(r.fileID), rtu.EventNewDeltaEvent, chain[i])
	}

	waitFor(t, func() bool { return c.LastAppliedDeltaID() == chain[4].ID })
	var cell, err = c.GetCell("a1")
	require.NoError(t, err)
	require.Equal(t, "v5", cell.Source)
}

func TestAddCellAppendsToEnd(t *testing.T) {
	var r = newRig(t, seedCell("a1", "first"))
	var c = r.initialize(t)
	<-r.subscribes

	var ctx = context.Background()
	var cell, err = c.AddCodeCell(ctx, "second")
	require.NoError(t, err)
	require.Equal(t, "second", cell.Source)
	require.Equal(t, []string{"a1", cell.ID}, c.CellIDs())
}

func TestReplaceCellContentRoundTrip(t *testing.T) {
	var r = newRig(t, seedCell("a1", "old"))
	var c = r.initialize(t)
	<-r.subscribes

	var cell, err = c.ReplaceCellContent(context.Background(), "a1", "new contents")
	require.NoError(t, err)
	require.Equal(t, "new contents", cell.Source)
}

func TestDeltaRejectedLeavesDocumentUnchanged(t *testing.T) {
	var r = newRig(t, seedCell("a1", "keep me"))
	var c = r.initialize(t)
	<-r.subscribes

	r.mu.Lock()
	r.rejectCause = "delta failed validation"
	r.mu.Unlock()

	var _, err = c.ReplaceCellContent(context.Background(), "a1", "dropped")
	var rejected *DeltaRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "delta failed validation", rejected.Cause)

	var cell, gerr = c.GetCell("a1")
	require.NoError(t, gerr)
	require.Equal(t, "keep me", cell.Source)

	// The server accepts again and the client still works.
	r.mu.Lock()
	r.rejectCause = ""
	r.mu.Unlock()
	cell, err = c.ReplaceCellContent(context.Background(), "a1", "accepted")
	require.NoError(t, err)
	require.Equal(t, "accepted", cell.Source)
}

func TestChangeCellTypeSQL(t *testing.T) {
	var r = newRig(t, seedCell("a1", "select 1"))
	var c = r.initialize(t)
	<-r.subscribes

	var cell, err = c.ChangeCellType(context.Background(), "a1", "sql", "", "@warehouse", "df_results")
	require.NoError(t, err)
	require.True(t, cell.IsSQLCell())

	// The follow-up metadata update walks its path from the cell's metadata
	// root, so the connection details land under metadata.noteable.
	var meta = cell.Metadata["metadata"].(map[string]interface{})
	var noteable = meta["noteable"].(map[string]interface{})
	require.Equal(t, "sql", noteable["cell_type"])
	require.Equal(t, "@warehouse", noteable["db_connection"])
	require.Equal(t, "df_results", noteable["assign_results_to"])
}

func TestQueueExecutionResolvesOnTerminalState(t *testing.T) {
	var r = newRig(t, seedCell("a1", "x = 1"), seedCell("b1", ""))
	var c = r.initialize(t)
	<-r.subscribes

	r.event(rtu.KernelChannel(r.fileID), rtu.EventKernelStatusUpdateEvent, rtu.KernelStatusUpdate{
		SessionID: uuid.New(),
		Kernel:    rtu.KernelDetails{Name: "python3", ExecutionState: "idle"},
	})
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForKernelIdle(ctx))

	var executions, err = c.QueueExecution(ctx, ExecutionTarget{RunAll: true})
	require.NoError(t, err)
	// Blank-source cell b1 gets no execution tracker.
	require.Len(t, executions, 1)
	require.Contains(t, executions, "a1")

	r.event(rtu.KernelChannel(r.fileID), rtu.EventBulkCellStateUpdateEvent, rtu.BulkCellStateUpdateData{
		CellStates: []rtu.CellState{{CellID: "a1", State: "finished_with_no_error"}},
	})

	var cell, werr = executions["a1"].Wait(ctx)
	require.NoError(t, werr)
	require.Equal(t, "a1", cell.ID)
	require.Equal(t, "finished_with_no_error", executions["a1"].State())
	require.Equal(t, "finished_with_no_error", c.CellStates()["a1"])
}

func TestQueueExecutionValidation(t *testing.T) {
	var r = newRig(t, seedCell("a1", "x = 1"))
	var c = r.initialize(t)
	<-r.subscribes

	var ctx = context.Background()
	var _, err = c.QueueExecution(ctx, ExecutionTarget{})
	require.Error(t, err)
	_, err = c.QueueExecution(ctx, ExecutionTarget{CellID: "a1", RunAll: true})
	require.Error(t, err)

	// Kernel has not started.
	_, err = c.QueueExecution(ctx, ExecutionTarget{CellID: "a1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "kernel")
}

func TestInconsistentStateTriggersResync(t *testing.T) {
	var r = newRig(t, seedCell("a1", "x = 1"))
	var c = r.initialize(t)
	<-r.subscribes

	r.event(rtu.FileChannel(r.fileID), rtu.EventInconsistentState, rtu.ErrorData{
		Message: "delta history rewritten",
	})

	// The client reloads the seed and subscribes again by version id.
	var sub rtu.FileSubscribeRequestData
	select {
	case sub = <-r.subscribes:
	case <-time.After(5 * time.Second):
		t.Fatal("no resubscribe after inconsistent state event")
	}
	require.NotNil(t, sub.FromVersionID)

	r.mu.Lock()
	var fetches = r.seedFetches
	r.mu.Unlock()
	require.GreaterOrEqual(t, fetches, 2)

	// Still fully operational after the reset.
	var cell, err = c.ReplaceCellContent(context.Background(), "a1", "post-resync")
	require.NoError(t, err)
	require.Equal(t, "post-resync", cell.Source)
}

func TestConfigValidate(t *testing.T) {
	var cfg = Config{Token: "tok", ClientType: "mystery"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, ClientTypeUnknown, cfg.ClientType)
	require.Equal(t, 10*time.Second, cfg.FileSubscribeTimeout)
	require.True(t, strings.HasPrefix(cfg.APIBaseURL, "https://"))

	t.Setenv("NOTEABLE_TOKEN", "env-tok")
	var fromEnv = Config{}
	require.NoError(t, fromEnv.Validate())
	require.Equal(t, "env-tok", fromEnv.Token)

	t.Setenv("NOTEABLE_TOKEN", "")
	var missing = Config{}
	require.Error(t, missing.Validate())
}
