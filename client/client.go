// Package client implements the realtime notebook client. An RTUClient keeps
// an in-memory notebook document up to date by applying deltas received over
// a websocket, and submits the caller's own changes as deltas which only land
// in the document once the server has accepted and broadcast them back.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/noteable-io/origami-go/api"
	"github.com/noteable-io/origami-go/builder"
	"github.com/noteable-io/origami-go/delta"
	"github.com/noteable-io/origami-go/notebook"
	"github.com/noteable-io/origami-go/rtu"
	"github.com/noteable-io/origami-go/transport"
)

// APIClient is the REST surface the realtime client needs: resolving the
// file's current version and downloading the seed notebook.
type APIClient interface {
	GetFile(ctx context.Context, fileID uuid.UUID) (*api.File, error)
	DownloadNotebook(ctx context.Context, presignedURL string) (*notebook.Notebook, error)
	Token() string
	RTUURL() string
}

// RTUClient maintains a live document model for one notebook file.
//
// Lifecycle: New, then Initialize, which connects, authenticates, subscribes
// to the file, and applies catch-up deltas. After Initialize returns the
// document is current and the mutation methods may be used from any
// goroutine. Shutdown ends the session; a client cannot be reused.
type RTUClient struct {
	cfg    Config
	api    APIClient
	fileID uuid.UUID

	router  *transport.Router
	manager *transport.Manager

	mu             sync.Mutex
	seq            *sequencer
	fileVersionID  uuid.UUID
	userID         uuid.UUID
	kernelState    string
	cellStates     map[string]string
	executions     map[string]*Execution
	subscribeTimer *time.Timer

	subscribedOnce sync.Once
	subscribed     chan struct{}
	fatal          chan error

	runCtx context.Context
	cancel context.CancelFunc
}

// New returns an unconnected RTUClient for the given file.
func New(cfg Config, apiClient APIClient, fileID uuid.UUID) (*RTUClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RTUClient{
		cfg:         cfg,
		api:         apiClient,
		fileID:      fileID,
		router:      transport.NewRouter(),
		kernelState: KernelStateNotStarted,
		cellStates:  make(map[string]string),
		executions:  make(map[string]*Execution),
		subscribed:  make(chan struct{}),
		fatal:       make(chan error, 1),
	}, nil
}

// Initialize connects and blocks until the file subscription is established
// and catch-up deltas are applied, or fails hard if the subscribe reply does
// not arrive within the configured timeout.
func (c *RTUClient) Initialize(ctx context.Context) error {
	c.runCtx, c.cancel = context.WithCancel(ctx)

	if err := c.loadSeedNotebook(ctx); err != nil {
		c.cancel()
		return err
	}
	c.registerCoreHandlers()

	c.manager = transport.NewManager(transport.Config{
		URL:            c.api.RTUURL(),
		ReconnectDelay: c.cfg.ReconnectDelay,
		OnConnect:      c.onConnect,
		OnDisconnect: func(err error) {
			log.WithField("err", err).Debug("RTU websocket disconnected")
		},
	}, c.router)

	if err := c.manager.Start(c.runCtx); err != nil {
		c.cancel()
		return fmt.Errorf("starting RTU connection: %w", err)
	}

	select {
	case <-c.subscribed:
		return nil
	case err := <-c.fatal:
		return err
	case <-time.After(c.cfg.FileSubscribeTimeout):
		c.cancel()
		return fmt.Errorf("timed out waiting for file subscribe reply after %s", c.cfg.FileSubscribeTimeout)
	case err := <-c.manager.Terminated():
		c.cancel()
		select {
		case ferr := <-c.fatal:
			return ferr
		default:
		}
		if err == nil {
			err = errors.New("RTU connection terminated during initialization")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown ends the session. Unless now is set, it first waits briefly for
// queued outbound messages to flush.
func (c *RTUClient) Shutdown(now bool) {
	if c.manager != nil && !now {
		var deadline = time.Now().Add(5 * time.Second)
		for c.manager.QueueLen() > 0 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	for id, exec := range c.executions {
		exec.resolve(nil, "", errors.New("client shut down before execution finished"))
		delete(c.executions, id)
	}
	c.mu.Unlock()
}

// Terminated returns the transport's termination channel. It is only valid
// after Initialize has been called.
func (c *RTUClient) Terminated() <-chan error {
	return c.manager.Terminated()
}

func (c *RTUClient) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// loadSeedNotebook resolves the file's current version, downloads the seed
// notebook it points at, and (re)builds the document model from it.
func (c *RTUClient) loadSeedNotebook(ctx context.Context) error {
	var file, err = c.api.GetFile(ctx, c.fileID)
	if err != nil {
		return fmt.Errorf("loading seed notebook: %w", err)
	}
	if file.CurrentVersionID == uuid.Nil {
		return fmt.Errorf("file %s has no current version id", c.fileID)
	}

	log.WithFields(log.Fields{
		"file_id":    c.fileID,
		"version_id": file.CurrentVersionID,
	}).Info("downloading seed notebook")
	nb, err := c.api.DownloadNotebook(ctx, file.PresignedDownloadURL)
	if err != nil {
		return err
	}
	b, err := builder.New(nb)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileVersionID = file.CurrentVersionID
	if c.seq == nil {
		c.seq = newSequencer(b)
		c.seq.onApplyError = func(d delta.Delta, err error) {
			c.fail(fmt.Errorf("applying delta %s (%s): %w", d.ID, d.Kind(), err))
		}
	} else {
		c.seq.reset(b)
	}
	return nil
}

// onConnect authenticates the fresh connection. The auth frame bypasses the
// outbound queue; everything queued stays held until the server confirms.
func (c *RTUClient) onConnect(reconnect bool) {
	if reconnect {
		log.Info("RTU websocket reconnected, re-authenticating")
	}
	var msg = rtu.NewRequest(rtu.ChannelSystem, rtu.EventAuthenticateRequest,
		rtu.AuthenticateRequestData{Token: c.api.Token(), RTUClientType: c.cfg.ClientType})
	if err := c.manager.SendNow(msg); err != nil {
		log.WithField("err", err).Warn("failed to send authenticate request")
	}
}

func (c *RTUClient) registerCoreHandlers() {
	var fileChannel = rtu.FileChannel(c.fileID)
	var kernelChannel = rtu.KernelChannel(c.fileID)

	var on = func(channel, event string, fn func(msg rtu.Message) error) {
		c.router.Register(transport.Registration{
			Predicate: func(msg rtu.Message) bool {
				return msg.Event == event && (channel == "" || msg.Channel == channel)
			},
			Handler: func(msg rtu.Message) (transport.HandlerResult, error) {
				if err := fn(msg); err != nil {
					return transport.Skip, err
				}
				return transport.Handled, nil
			},
		})
	}

	on(rtu.ChannelSystem, rtu.EventAuthenticateReply, c.onAuthReply)
	on(fileChannel, rtu.EventSubscribeReply, c.onFileSubscribeReply)
	on(fileChannel, rtu.EventNewDeltaEvent, c.onNewDeltaEvent)
	on(kernelChannel, rtu.EventKernelStatusUpdateEvent, c.onKernelStatusUpdate)
	on(kernelChannel, rtu.EventBulkCellStateUpdateEvent, c.onBulkCellStateUpdate)
	on("", rtu.EventInconsistentState, c.onInconsistentState)

	// Surface protocol drift: messages the client has no model for.
	c.router.Register(transport.Registration{
		Predicate: func(msg rtu.Message) bool { return !rtu.KnownEvent(msg.Event) },
		Handler: func(msg rtu.Message) (transport.HandlerResult, error) {
			log.WithFields(log.Fields{
				"channel": msg.Channel,
				"event":   msg.Event,
			}).Warn("received unmodeled RTU message")
			return transport.Handled, nil
		},
	})
}

func (c *RTUClient) onAuthReply(msg rtu.Message) error {
	var data rtu.AuthenticateReplyData
	if err := msg.DecodeData(&data); err != nil {
		return err
	}
	if !data.Success {
		log.Error("RTU authentication failed")
		c.fail(errors.New("RTU authentication failed"))
		return nil
	}

	log.WithField("user_id", data.User.ID).Info("RTU authentication successful")
	c.mu.Lock()
	c.userID = data.User.ID
	c.mu.Unlock()

	c.manager.ReleaseSends()
	c.sendFileSubscribe()
	return nil
}

// sendFileSubscribe subscribes by the last applied delta id when the document
// has one, so reconnects resume mid-stream, and by the seed version id
// otherwise. An all-zero delta id is never sent; the server rejects it.
func (c *RTUClient) sendFileSubscribe() {
	c.mu.Lock()
	var data rtu.FileSubscribeRequestData
	if last := c.seq.builder.LastAppliedDeltaID(); last != uuid.Nil {
		var fromDelta = last
		data.FromDeltaID = &fromDelta
		log.WithField("from_delta_id", fromDelta).Info("subscribing to file by last applied delta id")
	} else {
		var fromVersion = c.fileVersionID
		data.FromVersionID = &fromVersion
		log.WithField("from_version_id", fromVersion).Info("subscribing to file by version id")
	}
	if c.subscribeTimer != nil {
		c.subscribeTimer.Stop()
	}
	c.subscribeTimer = time.AfterFunc(c.cfg.FileSubscribeTimeout, func() {
		c.fail(fmt.Errorf("timed out waiting for file subscribe reply after %s", c.cfg.FileSubscribeTimeout))
	})
	c.mu.Unlock()

	if err := c.manager.Send(rtu.NewRequest(rtu.FileChannel(c.fileID), rtu.EventSubscribeRequest, data)); err != nil {
		log.WithField("err", err).Error("failed to send file subscribe request")
	}
}

// onFileSubscribeReply applies catch-up deltas and opens the gate for live
// delta handling. Deltas received while waiting are replayed afterwards.
func (c *RTUClient) onFileSubscribeReply(msg rtu.Message) error {
	var data rtu.FileSubscribeReplyData
	if err := msg.DecodeData(&data); err != nil {
		return err
	}

	c.mu.Lock()
	if data.KernelSession != nil {
		c.kernelState = data.KernelSession.Kernel.ExecutionState
	}
	for _, cs := range data.CellStates {
		c.cellStates[cs.CellID] = cs.State
	}
	for _, d := range data.DeltasToApply {
		c.seq.queueOrApply(d)
	}
	c.seq.markCatchupDone(data.LatestDeltaID)
	if c.subscribeTimer != nil {
		c.subscribeTimer.Stop()
		c.subscribeTimer = nil
	}
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"deltas_applied": len(data.DeltasToApply),
		"subscribers":    len(data.UserSubscriptions),
	}).Info("file subscription established")
	c.subscribedOnce.Do(func() { close(c.subscribed) })
	return nil
}

func (c *RTUClient) onNewDeltaEvent(msg rtu.Message) error {
	var d delta.Delta
	if err := msg.DecodeData(&d); err != nil {
		return err
	}
	c.mu.Lock()
	c.seq.handleIncoming(d)
	c.mu.Unlock()
	return nil
}

func (c *RTUClient) onKernelStatusUpdate(msg rtu.Message) error {
	var data rtu.KernelStatusUpdate
	if err := msg.DecodeData(&data); err != nil {
		return err
	}
	c.mu.Lock()
	c.kernelState = data.Kernel.ExecutionState
	c.mu.Unlock()
	log.WithField("kernel_state", data.Kernel.ExecutionState).Debug("kernel state updated")
	return nil
}

// onBulkCellStateUpdate replaces the tracked cell states and resolves any
// watched executions which reached a terminal state. A watched cell that no
// longer exists in the document resolves with a cell not found error.
func (c *RTUClient) onBulkCellStateUpdate(msg rtu.Message) error {
	var data rtu.BulkCellStateUpdateData
	if err := msg.DecodeData(&data); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cellStates = make(map[string]string, len(data.CellStates))
	for _, cs := range data.CellStates {
		c.cellStates[cs.CellID] = cs.State
		var exec, watched = c.executions[cs.CellID]
		if !watched || !terminalCellStates[cs.State] {
			continue
		}
		var _, cell, err = c.seq.builder.GetCell(cs.CellID)
		if err != nil {
			log.WithFields(log.Fields{
				"cell_id": cs.CellID,
				"state":   cs.State,
			}).Warn("execution finished for cell no longer in notebook")
			exec.resolve(nil, cs.State, err)
		} else {
			exec.resolve(cell, cs.State, nil)
		}
		delete(c.executions, cs.CellID)
	}
	return nil
}

// onInconsistentState reloads the document from scratch: the server has
// rewritten delta history in a way that cannot be caught up from the current
// chain position.
func (c *RTUClient) onInconsistentState(msg rtu.Message) error {
	resyncsTotal.Inc()
	log.Info("received inconsistent state event, reloading notebook")

	if err := c.manager.Send(rtu.NewRequest(rtu.FileChannel(c.fileID), rtu.EventUnsubscribeRequest, nil)); err != nil {
		log.WithField("err", err).Warn("failed to send file unsubscribe request")
	}
	if err := c.loadSeedNotebook(c.runCtx); err != nil {
		c.fail(fmt.Errorf("reloading notebook after inconsistent state: %w", err))
		return nil
	}
	c.sendFileSubscribe()
	return nil
}

// Accessors.

// UserID returns the authenticated user's id, zero before authentication.
func (c *RTUClient) UserID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// KernelState returns the current kernel execution state.
func (c *RTUClient) KernelState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernelState
}

// CellStates returns a copy of the tracked cell execution states.
func (c *RTUClient) CellStates() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out = make(map[string]string, len(c.cellStates))
	for k, v := range c.cellStates {
		out[k] = v
	}
	return out
}

// CellIDs returns the cell ids in document order.
func (c *RTUClient) CellIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.builder.CellIDs()
}

// GetCell returns a cell by id.
func (c *RTUClient) GetCell(cellID string) (*notebook.Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var _, cell, err = c.seq.builder.GetCell(cellID)
	return cell, err
}

// LastAppliedDeltaID returns the document's delta chain position.
func (c *RTUClient) LastAppliedDeltaID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.builder.LastAppliedDeltaID()
}

// NotebookJSON serializes the current document as nbformat JSON.
func (c *RTUClient) NotebookJSON(indent bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.builder.Dumps(indent)
}

// RegisterDeltaCallback runs fn after every applied delta matching the
// predicate. Callbacks run on the connection's read loop; keep them short.
func (c *RTUClient) RegisterDeltaCallback(match func(delta.Delta) bool, fn func(delta.Delta)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var inner = c.seq.registerCallback(match, fn)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		inner()
	}
}

// Mutations.

// AddCell inserts a cell. A nil cell adds an empty code cell; with neither
// beforeID nor afterID set the cell is appended to the end of the notebook.
func (c *RTUClient) AddCell(ctx context.Context, cell *notebook.Cell, beforeID, afterID string) (*notebook.Cell, error) {
	if cell == nil {
		cell = notebook.NewCodeCell("")
	}
	c.mu.Lock()
	if beforeID == "" && afterID == "" {
		if ids := c.seq.builder.CellIDs(); len(ids) > 0 {
			afterID = ids[len(ids)-1]
		}
	}
	c.mu.Unlock()

	var d = delta.NewCellsAdd(c.fileID, delta.CellsAddProperties{
		ID:       cell.ID,
		BeforeID: beforeID,
		AfterID:  afterID,
		Cell:     cell,
	})
	if err := c.newDeltaRequest(ctx, d); err != nil {
		return nil, err
	}
	return c.GetCell(cell.ID)
}

// AddCodeCell appends a code cell with the given source.
func (c *RTUClient) AddCodeCell(ctx context.Context, source string) (*notebook.Cell, error) {
	return c.AddCell(ctx, notebook.NewCodeCell(source), "", "")
}

// AddMarkdownCell appends a markdown cell with the given source.
func (c *RTUClient) AddMarkdownCell(ctx context.Context, source string) (*notebook.Cell, error) {
	return c.AddCell(ctx, notebook.NewMarkdownCell(source), "", "")
}

// DeleteCell removes a cell from the notebook.
func (c *RTUClient) DeleteCell(ctx context.Context, cellID string) error {
	return c.newDeltaRequest(ctx, delta.NewCellsDelete(c.fileID, cellID))
}

// ChangeCellType switches a cell between "code", "markdown" and "sql".
// codeLanguage applies to code cells, defaulting to python. dbConnection and
// assignResultsTo apply to SQL cells; an empty assignResultsTo generates a
// df_xxxx variable name. SQL is modeled as a code cell whose language is sql,
// with Noteable cell metadata carrying the connection details, so switching
// to SQL issues two deltas.
func (c *RTUClient) ChangeCellType(ctx context.Context, cellID, cellType, codeLanguage, dbConnection, assignResultsTo string) (*notebook.Cell, error) {
	if _, err := c.GetCell(cellID); err != nil {
		return nil, err
	}

	switch cellType {
	case notebook.CellTypeCode:
		if codeLanguage == "" {
			codeLanguage = "python"
		}
		var d = delta.NewCellMetadataReplace(c.fileID, cellID,
			delta.CellMetadataReplaceProperties{Type: "code", Language: codeLanguage})
		if err := c.newDeltaRequest(ctx, d); err != nil {
			return nil, err
		}

	case notebook.CellTypeMarkdown:
		var d = delta.NewCellMetadataReplace(c.fileID, cellID,
			delta.CellMetadataReplaceProperties{Type: "markdown", Language: "markdown"})
		if err := c.newDeltaRequest(ctx, d); err != nil {
			return nil, err
		}

	case "sql":
		var d = delta.NewCellMetadataReplace(c.fileID, cellID,
			delta.CellMetadataReplaceProperties{Type: "code", Language: "sql"})
		if err := c.newDeltaRequest(ctx, d); err != nil {
			return nil, err
		}
		if dbConnection == "" {
			dbConnection = "@noteable"
		}
		if assignResultsTo == "" {
			assignResultsTo = "df_" + randomSuffix(4)
		}
		d = delta.NewCellMetadataUpdate(c.fileID, cellID, delta.MetadataUpdateProperties{
			Path: []string{"metadata", "noteable"},
			Value: map[string]interface{}{
				"cell_type":         "sql",
				"db_connection":     dbConnection,
				"assign_results_to": assignResultsTo,
			},
		})
		if err := c.newDeltaRequest(ctx, d); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown cell type %q", cellType)
	}
	return c.GetCell(cellID)
}

// UpdateCellContent applies a diff-match-patch patch text to a cell's source.
func (c *RTUClient) UpdateCellContent(ctx context.Context, cellID, patch string) (*notebook.Cell, error) {
	if err := c.newDeltaRequest(ctx, delta.NewCellContentsUpdate(c.fileID, cellID, patch)); err != nil {
		return nil, err
	}
	return c.GetCell(cellID)
}

// ReplaceCellContent replaces a cell's source outright.
func (c *RTUClient) ReplaceCellContent(ctx context.Context, cellID, source string) (*notebook.Cell, error) {
	if err := c.newDeltaRequest(ctx, delta.NewCellContentsReplace(c.fileID, cellID, source)); err != nil {
		return nil, err
	}
	return c.GetCell(cellID)
}

// ExecutionTarget selects which cells to execute. Exactly one field must be
// set. Before and after are inclusive of the named cell.
type ExecutionTarget struct {
	CellID   string
	BeforeID string
	AfterID  string
	RunAll   bool
}

// QueueExecution submits a cell execution request and returns an Execution
// per affected code cell, keyed by cell id. Non-code cells and code cells
// with blank source never run, so no Execution is created for them.
func (c *RTUClient) QueueExecution(ctx context.Context, target ExecutionTarget) (map[string]*Execution, error) {
	var selectors int
	for _, set := range []bool{target.CellID != "", target.BeforeID != "", target.AfterID != "", target.RunAll} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		return nil, errors.New("exactly one of CellID, BeforeID, AfterID or RunAll must be set")
	}

	c.mu.Lock()
	if c.kernelState == KernelStateNotStarted {
		c.mu.Unlock()
		return nil, errors.New("cannot queue execution: notebook has no running kernel")
	}

	var cellIDs []string
	var d delta.Delta
	var ids = c.seq.builder.CellIDs()
	switch {
	case target.CellID != "":
		if _, _, err := c.seq.builder.GetCell(target.CellID); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		cellIDs = []string{target.CellID}
		d = delta.NewCellExecute(c.fileID, target.CellID)
	case target.BeforeID != "":
		var idx, _, err = c.seq.builder.GetCell(target.BeforeID)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		cellIDs = ids[:idx+1]
		d = delta.NewCellExecuteBefore(c.fileID, target.BeforeID)
	case target.AfterID != "":
		var idx, _, err = c.seq.builder.GetCell(target.AfterID)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		cellIDs = ids[idx:]
		d = delta.NewCellExecuteAfter(c.fileID, target.AfterID)
	default:
		cellIDs = ids
		d = delta.NewCellExecuteAll(c.fileID)
	}

	var executions = make(map[string]*Execution)
	for _, id := range cellIDs {
		var _, cell, err = c.seq.builder.GetCell(id)
		if err != nil {
			continue
		}
		if cell.IsCode() && strings.TrimSpace(cell.Source) != "" {
			var exec = newExecution(id)
			c.executions[id] = exec
			executions[id] = exec
		}
	}
	c.mu.Unlock()

	if err := c.newDeltaRequest(ctx, d); err != nil {
		c.mu.Lock()
		for id := range executions {
			delete(c.executions, id)
		}
		c.mu.Unlock()
		return nil, err
	}
	return executions, nil
}

// WaitForKernelIdle polls until the kernel reports idle.
func (c *RTUClient) WaitForKernelIdle(ctx context.Context) error {
	var ticker = time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.KernelState() == KernelStateIdle {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func randomSuffix(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	var b = make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
