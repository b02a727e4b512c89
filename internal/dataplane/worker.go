// Package dataplane implements the worker loop described in spec
// section 4.3: RX burst, classify, group-by-pipeline dispatch,
// steer-or-transmit, drain incoming pipes, and credit return. Its
// Start/Stop/Run shape follows the probing worker's pattern in
// doublezerod: an atomic running flag, a context-derived cancel, and a
// WaitGroup the caller blocks on to join the loop goroutine.
package dataplane

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/device"
	"github.com/sakateka/yanet2/internal/driver"
	"github.com/sakateka/yanet2/internal/genconfig"
	"github.com/sakateka/yanet2/internal/packet"
	"github.com/sakateka/yanet2/internal/pipeline"
)

var (
	counterRx       = "worker.rx"
	counterTx       = "worker.tx"
	counterRemoteRx = "worker.remote_rx"
	counterRemoteTx = "worker.remote_tx"
	counterIter     = "worker.iterations"
	counterDrop     = "worker.drop"
	counterParseErr = "worker.parse_error"
)

// Worker drives one device.Worker's loop: it owns no state of its own
// beyond lifecycle plumbing, since every field a loop iteration touches
// lives on the device.Worker itself (spec section 3 "Worker": "a worker
// is mutated only by its own thread").
type Worker struct {
	log      *slog.Logger
	dw       *device.Worker
	drv      driver.Driver
	parser   *parser
	counters *counter.Registry

	ids struct {
		rx, tx, remoteRx, remoteTx, iter, drop, parseErr counter.ID
	}

	wg      sync.WaitGroup
	running atomic.Bool

	cancel   context.CancelFunc
	cancelMu sync.RWMutex
}

// NewWorker wires a Worker loop driver to dw. Call Start to begin it.
func NewWorker(log *slog.Logger, dw *device.Worker, drv driver.Driver, counters *counter.Registry) *Worker {
	w := &Worker{log: log, dw: dw, drv: drv, parser: newParser(), counters: counters}
	w.ids.rx = counters.Register(counterRx, 1)
	w.ids.tx = counters.Register(counterTx, 1)
	w.ids.remoteRx = counters.Register(counterRemoteRx, 1)
	w.ids.remoteTx = counters.Register(counterRemoteTx, 1)
	w.ids.iter = counters.Register(counterIter, 1)
	w.ids.drop = counters.Register(counterDrop, 1)
	w.ids.parseErr = counters.Register(counterParseErr, 1)
	// Every block registered so far, this worker's own included, must fit
	// in dw's Storage, so it is rebuilt from the registry as it now stands.
	dw.Counters = counter.NewStorage(counters)
	return w
}

// Start launches the worker loop goroutine if not already running.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Run(ctx)
		w.running.Store(false)
	}()
}

// Stop cancels the loop (if running) and blocks until it returns. Spec
// section 5 "Cancellation": "dataplane_stop sets per-device stop flags
// and then joins each worker. Workers check the flag at iteration
// boundaries only" — here the context check plays that role.
func (w *Worker) Stop() {
	w.cancelMu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.cancelMu.Unlock()
	w.wg.Wait()
}

// IsRunning reports whether the loop goroutine is active.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// Run is the worker's infinite loop body (spec section 4.3). It returns
// only when ctx is cancelled; individual iterations are not
// cancellable, matching "cancellation: ... individual iterations are
// not cancellable."
func (w *Worker) Run(ctx context.Context) {
	dw := w.dw
	rxbuf := make([]*packet.Packet, dw.Read.BurstSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dw.CPConfig.WorkerGenSlot(dw.Index).Store(w.currentGen())
		counter.Add(w.addr(w.ids.iter), 1)

		w.iterate(rxbuf)
	}
}

func (w *Worker) currentGen() uint64 {
	if g := w.dw.CPConfig.Current(); g != nil {
		return g.Gen
	}
	return 0
}

// addr resolves one of this worker's counter ids to its word in the
// worker's own Storage. It cannot fail for an id this Worker registered
// against the same registry its Storage was built from.
func (w *Worker) addr(id counter.ID) *uint64 {
	addr, err := w.counters.Address(id, w.dw.Counters, 0)
	if err != nil {
		panic(err)
	}
	return addr
}

// iterate runs exactly one pass of the shape in spec section 4.3 steps
// 2-8: RX, classify, group-and-dispatch, write, drain incoming pipes,
// pending reap, and credit return.
func (w *Worker) iterate(rxbuf []*packet.Packet) {
	dw := w.dw

	n, err := w.drv.BurstRx(dw.Device.PortID, dw.QueueID, rxbuf)
	if err != nil {
		w.log.Error("burst rx failed", "device", dw.DeviceID, "queue", dw.QueueID, "error", err)
		return
	}
	if n == 0 {
		w.drainIncoming()
		w.reapPending()
		w.reclaimOutgoing()
		return
	}
	counter.Add(w.addr(w.ids.rx), uint64(n))

	gen := dw.CPConfig.Current()

	var input packet.List
	for _, p := range rxbuf[:n] {
		p.RxDeviceID = uint16(dw.DeviceID)
		p.TxDeviceID = uint16(dw.DeviceID)
		if !w.parser.Parse(p.Data, &p.Headers) {
			counter.Add(w.addr(w.ids.parseErr), 1)
			p.Release()
			continue
		}
		input.PushBack(p)
	}

	w.classifyAndDispatch(gen, &input)
	w.drainIncoming()
	w.reapPending()
	w.reclaimOutgoing()
}

// reapPending confirms every packet the driver accepted for TX this
// iteration (spec section 3 Worker: "a pending list of packets awaiting
// TX confirmation"). The reference driver's BurstTx is synchronous, so
// confirmation is immediate: each packet's TX-side hold is released
// right away, which either frees a locally originated packet outright
// or, for one steered in over a data pipe, drops it to the one
// remaining hold the producing worker's reclaimOutgoing is watching for.
func (w *Worker) reapPending() {
	for {
		p := w.dw.Pending.PopFront()
		if p == nil {
			break
		}
		p.Release()
	}
}

// classifyAndDispatch implements spec section 4.3 steps 3-5: classify
// every packet onto a pipeline, group the batch by pipeline so each
// pipeline's module chain runs on one contiguous front, dispatch, then
// partition the combined worker-level output into local-TX and
// steer-to-remote.
func (w *Worker) classifyAndDispatch(gen *genconfig.Generation, input *packet.List) {
	groups := make(map[*pipeline.Pipeline]*packet.List)
	var drop packet.List

	if gen == nil {
		for {
			p := input.PopFront()
			if p == nil {
				break
			}
			drop.PushBack(p)
		}
	} else {
		for {
			p := input.PopFront()
			if p == nil {
				break
			}
			pl, ok := gen.PipelineFor(int(p.RxDeviceID))
			if !ok {
				drop.PushBack(p)
				continue
			}
			l, exists := groups[pl]
			if !exists {
				l = &packet.List{}
				groups[pl] = l
			}
			l.PushBack(p)
		}
	}

	var output packet.List
	for pl, l := range groups {
		front := packet.NewFront(*l)
		ctx := &pipeline.Context{WorkerIndex: w.dw.Index, Counters: w.dw.Counters}
		pipeline.Dispatch(pl, ctx, front)
		drop.Concat(&front.Drop)
		output.Concat(&front.Output)
	}

	counter.Add(w.addr(w.ids.drop), uint64(drop.Len()))
	drop.Each(func(p *packet.Packet) { p.Release() })

	w.writeOutput(&output)
}

// writeOutput implements spec section 4.3 step 5: local packets fill a
// TX burst buffer, flushed when full and once more at the end; remote
// packets are pushed onto the outgoing pipe selected by hash mod pipe
// count on the destination device's connection.
func (w *Worker) writeOutput(output *packet.List) {
	dw := w.dw
	local := make([]*packet.Packet, 0, dw.Write.BurstSize)

	flush := func() {
		if len(local) == 0 {
			return
		}
		sent, err := w.drv.BurstTx(dw.Device.PortID, dw.QueueID, local)
		if err != nil {
			w.log.Error("burst tx failed", "device", dw.DeviceID, "error", err)
		}
		counter.Add(w.addr(w.ids.tx), uint64(sent))
		for _, p := range local[sent:] {
			counter.Add(w.addr(w.ids.drop), 1)
			p.Release()
		}
		for _, p := range local[:sent] {
			dw.Pending.PushBack(p)
		}
		local = local[:0]
	}

	for {
		p := output.PopFront()
		if p == nil {
			break
		}
		if int(p.TxDeviceID) == int(dw.DeviceID) {
			local = append(local, p)
			if len(local) == cap(local) {
				flush()
			}
			continue
		}

		conn, ok := dw.OutgoingFor(device.ID(p.TxDeviceID))
		if !ok || len(conn.Pipes) == 0 {
			counter.Add(w.addr(w.ids.drop), 1)
			p.Release()
			continue
		}
		target := conn.Pipes[p.Hash%uint32(len(conn.Pipes))]
		p.Hold() // the receiving worker gets its own stake; ours is reclaimed by reclaimOutgoing
		pushed := target.Push(1, func(slots []*packet.Packet) int {
			slots[0] = p
			return 1
		})
		if pushed == 0 {
			p.Release() // undo the speculative Hold above
			counter.Add(w.addr(w.ids.drop), 1)
			p.Release()
			continue
		}
		counter.Add(w.addr(w.ids.remoteTx), 1)
	}
	flush()
}

// drainIncoming implements spec section 4.3 step 6: pop from each
// incoming pipe and hand the packets to driver burst-tx on the worker's
// local queue; accepted packets join pending, rejected ones are freed.
func (w *Worker) drainIncoming() {
	dw := w.dw
	for _, in := range dw.Write.Incoming {
		in.Pop(func(items []*packet.Packet) int {
			if len(items) == 0 {
				return 0
			}
			sent, err := w.drv.BurstTx(dw.Device.PortID, dw.QueueID, items)
			if err != nil {
				w.log.Error("burst tx (remote) failed", "device", dw.DeviceID, "error", err)
			}
			counter.Add(w.addr(w.ids.tx), uint64(sent))
			counter.Add(w.addr(w.ids.remoteRx), uint64(len(items)))
			for _, p := range items[:sent] {
				p.Result = packet.TxAccepted
				dw.Pending.PushBack(p)
			}
			for _, p := range items[sent:] {
				p.Result = packet.TxRejected
				counter.Add(w.addr(w.ids.drop), 1)
				p.Release()
			}
			return len(items)
		})
	}
}

// reclaimOutgoing is the producer-side credit-return sweep of spec
// section 4.2: "packets transmitted via a pipe are released only after
// the receiver confirms consumption via the packet's refcount dropping
// to one." Only the pipe's producer may call Free, so each worker
// sweeps its own outgoing pipes, never an incoming one.
func (w *Worker) reclaimOutgoing() {
	for _, conn := range w.dw.Write.Outgoing {
		for _, p := range conn.Pipes {
			p.Free(func(items []*packet.Packet) int {
				freed := 0
				for _, pkt := range items {
					if !pkt.ReleasedByRemote() {
						break
					}
					pkt.Release()
					freed++
				}
				return freed
			})
		}
	}
}
