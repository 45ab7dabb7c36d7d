//go:build linux

package zcoroutine

// reactorOptions holds configuration options for Reactor creation.
type reactorOptions struct {
	name          string
	workers       int
	maxPollEvents int
	poolSize      int
	hookEnabled   bool
}

// ReactorOption configures a Reactor instance.
type ReactorOption interface {
	applyReactor(*reactorOptions) error
}

// reactorOptionImpl implements ReactorOption.
type reactorOptionImpl struct {
	applyReactorFunc func(*reactorOptions) error
}

func (r *reactorOptionImpl) applyReactor(opts *reactorOptions) error {
	return r.applyReactorFunc(opts)
}

// WithName sets the reactor (and embedded scheduler) name.
func WithName(name string) ReactorOption {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		opts.name = name
		return nil
	}}
}

// WithWorkers sets the number of scheduler worker threads.
func WithWorkers(n int) ReactorOption {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		if n <= 0 {
			return ErrInvalidArgument
		}
		opts.workers = n
		return nil
	}}
}

// WithMaxPollEvents sets the poll batch size.
func WithMaxPollEvents(n int) ReactorOption {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		if n <= 0 {
			return ErrInvalidArgument
		}
		opts.maxPollEvents = n
		return nil
	}}
}

// WithHookEnabled sets the syscall-hook flag on every worker at
// start, so fibers see hooking enabled regardless of which worker
// resumes them. Individual workers may still override it with
// SetHookEnable.
func WithHookEnabled(enabled bool) ReactorOption {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		opts.hookEnabled = enabled
		return nil
	}}
}

// WithFiberPoolSize sets the capacity of the scheduler's fiber pool.
func WithFiberPoolSize(n int) ReactorOption {
	return &reactorOptionImpl{func(opts *reactorOptions) error {
		if n <= 0 {
			return ErrInvalidArgument
		}
		opts.poolSize = n
		return nil
	}}
}

// resolveReactorOptions applies ReactorOption instances to defaults.
func resolveReactorOptions(opts []ReactorOption) (*reactorOptions, error) {
	cfg := &reactorOptions{
		name:          "io_scheduler",
		workers:       4,
		maxPollEvents: defaultMaxPollEvents,
		poolSize:      DefaultFiberPoolSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyReactor(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
