package restir

import (
	"github.com/gogpu/restir/internal/gpu"
	"github.com/gogpu/restir/internal/kernels"
	"github.com/gogpu/restir/internal/parallel"
	"github.com/gogpu/restir/internal/resources"
)

// backend is the program builder and buffer set of one instance.
type backend struct {
	builder kernels.ProgramBuilder
	res     *resources.Manager
	gpu     bool
}

// close releases device buffers held by the builder.
func (b backend) close() {
	if c, ok := b.builder.(interface{ Close() }); ok {
		c.Close()
	}
}

func cpuBackend(pool *parallel.WorkerPool, capacity int) backend {
	return backend{
		builder: &kernels.CPUBuilder{Pool: pool},
		res:     resources.NewManager(pool, capacity),
	}
}

// newBackend selects the GPU backend when a device provider is configured
// and usable, and the CPU backend otherwise.
func (c *passConfig) newBackend(index int, pool *parallel.WorkerPool) (backend, error) {
	if c.newBuilder != nil {
		b, err := c.newBuilder(index)
		if err != nil {
			return backend{}, err
		}
		return backend{builder: b, res: resources.NewManager(pool, c.gridCapacity)}, nil
	}
	if c.provider == nil {
		return cpuBackend(pool, c.gridCapacity), nil
	}

	b, err := gpu.FromProvider(c.provider)
	if err != nil {
		Logger().Warn("restir: GPU unavailable, using CPU backend", "instance", index, "error", err)
		return cpuBackend(pool, c.gridCapacity), nil
	}
	return backend{builder: b, res: resources.NewOutputManager(c.gridCapacity), gpu: true}, nil
}
