// Package forward implements the simplest possible module: it hands every
// packet straight to Output, letting the worker's steer-or-transmit step
// (spec section 4.3) decide whether it goes out the local device or is
// steered to another worker over a data pipe. It exists to let a pipeline
// terminate without a balancer or NAT64 stage, and as the default tail of
// any hand-authored pipeline.
package forward

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sakateka/yanet2/internal/counter"
	"github.com/sakateka/yanet2/internal/packet"
	"github.com/sakateka/yanet2/internal/pipeline"
)

const ModuleName = "forward"

// Config selects the TX device a forwarded packet is stamped with; an
// empty TxDeviceID leaves the packet's existing TxDeviceID untouched,
// which is the common case for a device whose classifier already set it.
type Config struct {
	TxDeviceID uint16
	raw        []byte
}

// Module builds the forward pipeline.Module.
func Module(counters *counter.Registry) *pipeline.Module {
	id := counters.Register(ModuleName+".forwarded", 1)
	h := handler{registry: counters, id: id}
	return &pipeline.Module{
		Name:          ModuleName,
		Handler:       pipeline.HandlerFunc(h.handle),
		ConfigHandler: configHandler,
	}
}

type rawConfig struct {
	TxDeviceID uint16 `json:"tx_device_id"`
}

func configHandler(instanceName string, raw []byte, old any) (any, error) {
	if prev, ok := old.(*Config); ok && bytes.Equal(prev.raw, raw) {
		return prev, nil
	}
	var rc rawConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rc); err != nil {
			return nil, fmt.Errorf("forward: instance %q: %w", instanceName, err)
		}
	}
	raw64 := make([]byte, len(raw))
	copy(raw64, raw)
	return &Config{TxDeviceID: rc.TxDeviceID, raw: raw64}, nil
}

type handler struct {
	registry *counter.Registry
	id       counter.ID
}

func (h handler) handle(ctx *pipeline.Context, instance any, front *packet.Front) {
	cfg, ok := instance.(*Config)
	if !ok {
		for {
			p := front.Input.PopFront()
			if p == nil {
				break
			}
			front.Drop.PushBack(p)
		}
		return
	}
	for {
		p := front.Input.PopFront()
		if p == nil {
			break
		}
		if cfg != nil && cfg.TxDeviceID != 0 {
			p.TxDeviceID = cfg.TxDeviceID
		}
		if ctx != nil && ctx.Counters != nil {
			if addr, err := h.registry.Address(h.id, ctx.Counters, 0); err == nil {
				counter.Add(addr, 1)
			}
		}
		front.Output.PushBack(p)
	}
}
