package parallel

// DefaultChunk is the number of invocations handed to one work item when
// the caller does not pick a chunk size. It plays the role of a workgroup
// size on the CPU substrate.
const DefaultChunk = 256

// Dispatch runs fn over the invocation range [0, n) split into chunks of at
// most chunk invocations, and returns after every chunk completed.
//
// A nil pool or a range that fits in one chunk runs inline.
func Dispatch(pool *WorkerPool, n, chunk int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	if pool == nil || n <= chunk {
		fn(0, n)
		return
	}

	work := make([]func(), 0, (n+chunk-1)/chunk)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		work = append(work, func() { fn(lo, hi) })
	}
	pool.ExecuteAll(work)
}

// Chunks returns how many work items Dispatch creates for n invocations.
func Chunks(n, chunk int) int {
	if n <= 0 {
		return 0
	}
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	return (n + chunk - 1) / chunk
}
