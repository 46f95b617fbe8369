package machine

import (
	"context"
	"fmt"

	"github.com/tinyrange/sdei/internal/cpuctx"
	"github.com/tinyrange/sdei/internal/sdei"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	stressEntry       = 0x5000
	stressSharedEntry = 0x6000
)

// StressOptions configures Stress.
type StressOptions struct {
	// Iterations is the number of private events each core handles.
	Iterations int
	// Private is the private event every core registers for itself.
	Private int32
	// Shared, if non-zero, is a static shared event registered route-any
	// and raised by every core on every iteration.
	Shared int32
	// Progress, if set, is called after every iteration of every core.
	Progress func()
}

// StressResult summarises a stress run.
type StressResult struct {
	Private []int64 `json:"private"`
	Shared  int64   `json:"shared"`
	Calls   int64   `json:"calls"`
}

// Stress drives every core of m concurrently. Each core repeatedly raises
// its own private event and handles it; with a shared event configured the
// cores also race to take the shared event.
func Stress(ctx context.Context, m *Machine, opts StressOptions) (StressResult, error) {
	table := m.SDEI.Table()
	priv := table.Find(opts.Private)
	if priv == nil || !priv.Private() || !priv.Bound() {
		return StressResult{}, fmt.Errorf("stress: event %d is not a bound private event", opts.Private)
	}
	var shared *sdei.EventMap
	if opts.Shared != 0 {
		shared = table.Find(opts.Shared)
		if shared == nil || shared.Private() || shared.Dynamic() {
			return StressResult{}, fmt.Errorf("stress: event %d is not a static shared event", opts.Shared)
		}
	}

	var (
		calls       atomicbitops.Int64
		sharedCount atomicbitops.Int64
	)
	res := StressResult{Private: make([]int64, m.Cores())}

	call := func(core int, fid sdei.FunctionID, args ...uint64) error {
		calls.Add(1)
		if st := m.SMC(core, fid, args...); st.IsError() {
			return fmt.Errorf("core %d: %v: %w", core, fid, st.Err())
		}
		return nil
	}

	m.Install(stressEntry, func(h *HandlerCall) {
		calls.Add(1)
		if h.Arg == uint64(h.Core()) {
			h.Complete()
		}
	})
	m.Install(stressSharedEntry, func(h *HandlerCall) {
		calls.Add(1)
		sharedCount.Add(1)
		h.Complete()
	})
	defer m.Install(stressEntry, nil)
	defer m.Install(stressSharedEntry, nil)

	if shared != nil {
		if err := call(0, sdei.FnEventRegister, uint64(opts.Shared), stressSharedEntry, 0, uint64(sdei.RouteAny), 0); err != nil {
			return res, err
		}
		if err := call(0, sdei.FnEventEnable, uint64(opts.Shared)); err != nil {
			return res, err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for core := 0; core < m.Cores(); core++ {
		g.Go(func() error {
			ev := uint64(opts.Private)
			if err := call(core, sdei.FnEventRegister, ev, stressEntry, uint64(core), uint64(sdei.RouteAny), 0); err != nil {
				return err
			}
			if err := call(core, sdei.FnEventEnable, ev); err != nil {
				return err
			}

			for i := 0; i < opts.Iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if priv.Signalable() {
					if err := call(core, sdei.FnEventSignal, ev, cpuctx.MPIDR(core)); err != nil {
						return err
					}
				} else if err := m.AssertPrivate(core, priv.Interrupt()); err != nil {
					return err
				}
				if shared != nil {
					if err := m.Assert(shared.Interrupt()); err != nil {
						return err
					}
				}

				for _, h := range m.Drain(core, 4) {
					if h.Running() {
						return fmt.Errorf("core %d: event %d was not completed", core, h.Event)
					}
					if h.Event == opts.Private {
						res.Private[core]++
					}
				}
				if opts.Progress != nil {
					opts.Progress()
				}
			}
			return call(core, sdei.FnEventUnregister, ev)
		})
	}
	err := g.Wait()

	// Pick up a shared event nobody took before the workers stopped.
	for core := 0; core < m.Cores() && err == nil; core++ {
		m.Drain(core, 4)
	}
	if shared != nil && err == nil {
		err = call(0, sdei.FnEventUnregister, uint64(opts.Shared))
	}

	res.Calls = calls.Load()
	res.Shared = sharedCount.Load()
	return res, err
}
