package ldap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/semaphore"
)

// connState tracks where a pooled connection lives. Guarded by the owning
// partition's mutex.
type connState int

const (
	stateIdle connState = iota
	stateActive
	stateReturning
	stateDestroyed
)

// pooledConn is the pool's record of one raw connection. It outlives the
// individual borrows that lease it.
type pooledConn struct {
	*FailureAwareConn

	mode          ConnectionMode
	state         connState
	createdAt     time.Time
	lastUsed      time.Time
	lastValidated time.Time
	borrowCount   int64
}

// PooledConnection is a single borrow of a connection owned by a KeyedPool.
// It is exclusively owned by its borrower until Close returns it; every
// Borrow yields a fresh PooledConnection, so closing a stale one never
// affects a later borrower of the same underlying connection.
type PooledConnection struct {
	*FailureAwareConn

	conn     *pooledConn
	pool     *KeyedPool
	released atomic.Bool
}

// Close returns the connection to its pool. Failed connections are destroyed.
// Only the first Close of a borrow has any effect.
func (pc *PooledConnection) Close() error {
	if pc.pool != nil {
		pc.pool.Return(pc.ctx, pc)
	}
	return nil
}

// Mode returns the partition the connection belongs to.
func (pc *PooledConnection) Mode() ConnectionMode {
	return pc.conn.mode
}

// CreatedAt returns the connection creation time.
func (pc *PooledConnection) CreatedAt() time.Time {
	return pc.conn.createdAt
}

// LastUsed returns the last time the connection was borrowed or returned.
func (pc *PooledConnection) LastUsed() time.Time {
	return pc.conn.lastUsed
}

// partition is the pool for one connection mode.
type partition struct {
	mode   ConnectionMode
	config PoolConfig
	sem    *semaphore.Weighted // One permit per active connection

	mu     sync.Mutex
	idle   []*pooledConn // Most recently returned last
	active map[*pooledConn]struct{}
	closed bool

	// Statistics
	created            int64
	destroyed          int64
	borrowed           int64
	exhausted          int64
	validationFailures int64
}

// KeyedPool keeps independent connection pools per ConnectionMode.
type KeyedPool struct {
	ctx        context.Context // Logging context with pool subsystem
	factory    ConnectionFactory
	config     *Config
	classifier *FailureClassifier
	validator  Validator
	metrics    *Metrics
	partitions map[ConnectionMode]*partition
	closed     atomic.Bool
	startTime  time.Time

	// Idle eviction
	evictTicker *time.Ticker
	evictStop   chan struct{}
	evictWg     sync.WaitGroup
}

// PoolOption customises a KeyedPool.
type PoolOption func(*KeyedPool)

// WithValidator sets the validator used on borrow, return and while idle.
func WithValidator(v Validator) PoolOption {
	return func(p *KeyedPool) {
		p.validator = v
	}
}

// WithClassifier sets the failure classifier given to every new connection.
func WithClassifier(c *FailureClassifier) PoolOption {
	return func(p *KeyedPool) {
		p.classifier = c
	}
}

// WithMetrics records pool activity in m.
func WithMetrics(m *Metrics) PoolOption {
	return func(p *KeyedPool) {
		p.metrics = m
	}
}

// NewKeyedPool creates a keyed pool drawing connections from factory.
func NewKeyedPool(ctx context.Context, factory ConnectionFactory, config *Config, opts ...PoolOption) (*KeyedPool, error) {
	if factory == nil {
		return nil, NewConfigurationError("connection factory", "")
	}

	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool := &KeyedPool{
		ctx:        ctx,
		factory:    factory,
		config:     config,
		partitions: make(map[ConnectionMode]*partition, len(Modes)),
		startTime:  time.Now(),
		evictStop:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.classifier == nil {
		pool.classifier = NewFailureClassifier(config.NonTransientKinds()...)
	}

	if pool.validator == nil {
		pool.validator = NewRootDSEValidator(config.Timeout)
	}

	for _, mode := range Modes {
		pc := config.PoolFor(mode)
		pool.partitions[mode] = &partition{
			mode:   mode,
			config: pc,
			sem:    semaphore.NewWeighted(int64(pc.MaxActive)),
			active: make(map[*pooledConn]struct{}),
		}
	}

	if config.Validation.TimeBetweenEvictionRuns > 0 {
		pool.startEvictor()
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"read_only_max_active":  config.ReadOnlyPool.MaxActive,
		"read_write_max_active": config.ReadWritePool.MaxActive,
		"test_on_borrow":        config.Validation.TestOnBorrow,
		"test_on_return":        config.Validation.TestOnReturn,
		"test_while_idle":       config.Validation.TestWhileIdle,
		"eviction_interval":     config.Validation.TimeBetweenEvictionRuns.String(),
	})

	return pool, nil
}

func (p *KeyedPool) partitionFor(mode ConnectionMode) (*partition, error) {
	part, ok := p.partitions[mode]
	if !ok {
		return nil, fmt.Errorf("unrecognized connection mode: %d", int(mode))
	}
	return part, nil
}

// Borrow retrieves a connection for mode, waiting up to the partition's
// MaxWait when all connections are active. The returned connection has just
// passed validation or was freshly created.
func (p *KeyedPool) Borrow(ctx context.Context, mode ConnectionMode) (*PooledConnection, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	part, err := p.partitionFor(mode)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := p.acquire(ctx, part); err != nil {
		return nil, err
	}

	for {
		conn := part.takeIdle()
		if conn == nil {
			break
		}

		if !p.config.Validation.TestOnBorrow && !conn.HasFailed() {
			return p.handOut(part, conn, start), nil
		}

		if p.validate(ctx, mode, conn) {
			conn.lastValidated = time.Now()
			return p.handOut(part, conn, start), nil
		}

		atomic.AddInt64(&part.validationFailures, 1)
		p.destroy(ctx, part, conn, "invalid_on_borrow")
	}

	conn, err := p.create(ctx, mode)
	if err != nil {
		part.sem.Release(1)
		return nil, fmt.Errorf("failed to create %s connection: %w", mode, err)
	}

	part.mu.Lock()
	if part.closed {
		part.mu.Unlock()
		part.sem.Release(1)
		p.closeRaw(ctx, conn, "pool_closed")
		return nil, ErrPoolClosed
	}
	conn.state = stateActive
	part.active[conn] = struct{}{}
	part.mu.Unlock()

	return p.handOut(part, conn, start), nil
}

// acquire takes an active permit, failing with ErrPoolExhausted when none
// frees up within MaxWait.
func (p *KeyedPool) acquire(ctx context.Context, part *partition) error {
	wait := part.config.MaxWait

	if wait == 0 {
		if part.sem.TryAcquire(1) {
			return nil
		}
		return p.exhausted(ctx, part, wait)
	}

	waitCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	if err := part.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.exhausted(ctx, part, wait)
	}

	return nil
}

func (p *KeyedPool) exhausted(ctx context.Context, part *partition, wait time.Duration) error {
	atomic.AddInt64(&part.exhausted, 1)
	p.metrics.poolExhausted(part.mode)

	LogPoolEvent(ctx, "pool_exhausted", map[string]any{
		"mode":       part.mode.String(),
		"max_active": part.config.MaxActive,
		"max_wait":   wait.String(),
	})

	return fmt.Errorf("%w: no %s connection available within %s", ErrPoolExhausted, part.mode, wait)
}

// handOut finalises a borrow, wrapping conn in a new lease.
func (p *KeyedPool) handOut(part *partition, conn *pooledConn, start time.Time) *PooledConnection {
	conn.lastUsed = time.Now()
	conn.borrowCount++
	atomic.AddInt64(&part.borrowed, 1)
	p.metrics.observeBorrow(part.mode, time.Since(start))
	p.updateGauges(part)

	LogPoolEvent(p.ctx, "connection_acquired", map[string]any{
		"mode":         part.mode.String(),
		"borrow_count": conn.borrowCount,
		"wait_ms":      time.Since(start).Milliseconds(),
	})

	return &PooledConnection{FailureAwareConn: conn.FailureAwareConn, conn: conn, pool: p}
}

// takeIdle pops the most recently returned idle connection and marks it
// active.
func (part *partition) takeIdle() *pooledConn {
	part.mu.Lock()
	defer part.mu.Unlock()

	n := len(part.idle)
	if n == 0 {
		return nil
	}

	conn := part.idle[n-1]
	part.idle[n-1] = nil
	part.idle = part.idle[:n-1]
	conn.state = stateActive
	part.active[conn] = struct{}{}
	return conn
}

// create opens a new connection through the factory and wraps it.
func (p *KeyedPool) create(ctx context.Context, mode ConnectionMode) (*pooledConn, error) {
	tflog.SubsystemDebug(ctx, SubsystemPool, "Creating new connection", map[string]any{
		"mode": mode.String(),
	})

	var raw Conn
	var err error

	switch mode {
	case ReadOnly:
		raw, err = p.factory.NewReadOnly(ctx)
	case ReadWrite:
		raw, err = p.factory.NewReadWrite(ctx)
	default:
		return nil, fmt.Errorf("unrecognized connection mode: %d", int(mode))
	}

	if err != nil {
		LogPoolEvent(ctx, "connection_failed", map[string]any{
			"mode":  mode.String(),
			"error": err.Error(),
		})
		return nil, err
	}

	part := p.partitions[mode]
	atomic.AddInt64(&part.created, 1)
	p.metrics.connectionCreated(mode)

	now := time.Now()
	conn := &pooledConn{
		FailureAwareConn: NewFailureAwareConn(p.ctx, raw, p.classifier),
		mode:             mode,
		state:            stateActive,
		createdAt:        now,
		lastValidated:    now,
	}

	LogPoolEvent(ctx, "connection_created", map[string]any{
		"mode": mode.String(),
	})

	return conn, nil
}

// Validate reports whether a borrowed connection is still usable. Failures
// are logged, never returned.
func (p *KeyedPool) Validate(ctx context.Context, mode ConnectionMode, conn *PooledConnection) bool {
	if conn == nil {
		return false
	}
	return p.validate(ctx, mode, conn.conn)
}

// validate reports whether conn may be handed out or kept idle.
func (p *KeyedPool) validate(ctx context.Context, mode ConnectionMode, conn *pooledConn) bool {
	if conn == nil {
		return false
	}

	if conn.HasFailed() {
		LogPoolEvent(ctx, "validation_failed", map[string]any{
			"mode":  mode.String(),
			"error": ErrConnectionFailed.Error(),
		})
		return false
	}

	if err := p.runValidator(ctx, mode, conn); err != nil {
		LogPoolEvent(ctx, "validation_failed", map[string]any{
			"mode":  mode.String(),
			"error": err.Error(),
		})
		return false
	}

	return true
}

// runValidator calls the validator against the decorated connection, so a
// failing check also feeds the failure classifier.
func (p *KeyedPool) runValidator(ctx context.Context, mode ConnectionMode, conn *pooledConn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: validator panicked: %v", ErrValidationFailed, r)
		}
	}()

	if err := p.validator.Validate(ctx, mode, conn.FailureAwareConn); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return nil
}

// Return gives a borrowed connection back to its partition. Failed or
// invalid connections, and connections beyond MaxIdle, are destroyed.
// Returning the same borrow twice is a no-op.
func (p *KeyedPool) Return(ctx context.Context, lease *PooledConnection) {
	if lease == nil || lease.conn == nil {
		return
	}
	if !lease.released.CompareAndSwap(false, true) {
		tflog.SubsystemWarn(ctx, SubsystemPool, "Ignoring repeated return of borrowed connection", map[string]any{
			"mode": lease.conn.mode.String(),
		})
		return
	}
	conn := lease.conn

	part, err := p.partitionFor(conn.mode)
	if err != nil {
		return
	}

	part.mu.Lock()
	if conn.state != stateActive {
		part.mu.Unlock()
		tflog.SubsystemWarn(ctx, SubsystemPool, "Ignoring return of connection that is not active", map[string]any{
			"mode": conn.mode.String(),
		})
		return
	}
	conn.state = stateReturning
	part.mu.Unlock()

	valid := !conn.HasFailed()
	reason := "failed"
	if valid && p.config.Validation.TestOnReturn {
		valid = p.validate(ctx, conn.mode, conn)
		if !valid {
			atomic.AddInt64(&part.validationFailures, 1)
			reason = "invalid_on_return"
		} else {
			conn.lastValidated = time.Now()
		}
	}

	part.mu.Lock()
	delete(part.active, conn)
	pooled := false
	switch {
	case !valid:
	case part.closed:
		reason = "pool_closed"
	case len(part.idle) >= part.config.MaxIdle:
		reason = "idle_full"
	default:
		conn.state = stateIdle
		conn.lastUsed = time.Now()
		part.idle = append(part.idle, conn)
		pooled = true
	}
	if !pooled {
		conn.state = stateDestroyed
	}
	part.mu.Unlock()

	if pooled {
		LogPoolEvent(ctx, "connection_released", map[string]any{
			"mode": conn.mode.String(),
		})
	} else {
		p.closeRaw(ctx, conn, reason)
	}

	part.sem.Release(1)
	p.updateGauges(part)
}

// destroy removes conn from the partition's bookkeeping and closes it.
func (p *KeyedPool) destroy(ctx context.Context, part *partition, conn *pooledConn, reason string) {
	part.mu.Lock()
	delete(part.active, conn)
	for i, idle := range part.idle {
		if idle == conn {
			part.idle = append(part.idle[:i], part.idle[i+1:]...)
			break
		}
	}
	conn.state = stateDestroyed
	part.mu.Unlock()

	p.closeRaw(ctx, conn, reason)
}

// closeRaw closes the raw connection. Close errors are logged and swallowed.
func (p *KeyedPool) closeRaw(ctx context.Context, conn *pooledConn, reason string) {
	part := p.partitions[conn.mode]
	atomic.AddInt64(&part.destroyed, 1)
	p.metrics.connectionDestroyed(conn.mode, reason)

	fields := map[string]any{
		"mode":   conn.mode.String(),
		"reason": reason,
		"age":    time.Since(conn.createdAt).String(),
	}

	if err := conn.Target().Close(); err != nil {
		fields["error"] = err.Error()
		LogPoolEvent(ctx, "destroy_failed", fields)
		return
	}

	LogPoolEvent(ctx, "connection_destroyed", fields)
}

// Close destroys idle connections and marks the pool closed. Connections
// still borrowed are destroyed when returned.
func (p *KeyedPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	if p.evictTicker != nil {
		close(p.evictStop)
		p.evictWg.Wait()
		p.evictTicker.Stop()
	}

	for _, mode := range Modes {
		part := p.partitions[mode]

		part.mu.Lock()
		part.closed = true
		idle := part.idle
		part.idle = nil
		for _, conn := range idle {
			conn.state = stateDestroyed
		}
		part.mu.Unlock()

		for _, conn := range idle {
			p.closeRaw(p.ctx, conn, "pool_closed")
		}
		p.updateGauges(part)
	}

	LogPoolEvent(p.ctx, "pool_closed", nil)
	return nil
}

// Stats returns statistics for one partition.
func (p *KeyedPool) Stats(mode ConnectionMode) PoolStats {
	part, err := p.partitionFor(mode)
	if err != nil {
		return PoolStats{Mode: mode}
	}

	part.mu.Lock()
	active, idle := len(part.active), len(part.idle)
	part.mu.Unlock()

	return PoolStats{
		Mode:              mode,
		Active:            active,
		Idle:              idle,
		Created:           atomic.LoadInt64(&part.created),
		Destroyed:         atomic.LoadInt64(&part.destroyed),
		Borrowed:          atomic.LoadInt64(&part.borrowed),
		Exhausted:         atomic.LoadInt64(&part.exhausted),
		ValidationFailure: atomic.LoadInt64(&part.validationFailures),
		Uptime:            time.Since(p.startTime),
	}
}

func (p *KeyedPool) updateGauges(part *partition) {
	if p.metrics == nil {
		return
	}
	part.mu.Lock()
	active, idle := len(part.active), len(part.idle)
	part.mu.Unlock()
	p.metrics.setConnections(part.mode, active, idle)
}

// HealthCheck borrows and returns one connection per mode.
func (p *KeyedPool) HealthCheck(ctx context.Context) error {
	for _, mode := range Modes {
		conn, err := p.Borrow(ctx, mode)
		if err != nil {
			return fmt.Errorf("%s pool unhealthy: %w", mode, err)
		}

		valid := p.Validate(ctx, mode, conn)
		_ = conn.Close()
		if !valid {
			return fmt.Errorf("%s pool unhealthy: %w", mode, ErrValidationFailed)
		}
	}
	return nil
}

// startEvictor starts the periodic idle evictor.
func (p *KeyedPool) startEvictor() {
	p.evictTicker = time.NewTicker(p.config.Validation.TimeBetweenEvictionRuns)

	p.evictWg.Go(func() {
		for {
			select {
			case <-p.evictTicker.C:
				p.evict()
			case <-p.evictStop:
				return
			}
		}
	})
}

// evict destroys idle connections past MinEvictableIdleTime and, with
// TestWhileIdle, those failing validation. Active connections are untouched.
func (p *KeyedPool) evict() {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
	defer cancel()

	for _, mode := range Modes {
		part := p.partitions[mode]
		var expired, recheck []*pooledConn

		part.mu.Lock()
		kept := part.idle[:0]
		for _, conn := range part.idle {
			switch {
			case time.Since(conn.lastUsed) > p.config.Validation.MinEvictableIdleTime:
				conn.state = stateDestroyed
				expired = append(expired, conn)
			case p.config.Validation.TestWhileIdle:
				conn.state = stateReturning
				recheck = append(recheck, conn)
			default:
				kept = append(kept, conn)
			}
		}
		part.idle = kept
		part.mu.Unlock()

		for _, conn := range expired {
			p.closeRaw(ctx, conn, "idle_expired")
		}

		for _, conn := range recheck {
			valid := p.validate(ctx, mode, conn)
			if valid {
				conn.lastValidated = time.Now()
			} else {
				atomic.AddInt64(&part.validationFailures, 1)
			}

			part.mu.Lock()
			if valid && !part.closed && len(part.idle) < part.config.MaxIdle {
				conn.state = stateIdle
				part.idle = append(part.idle, conn)
			} else {
				conn.state = stateDestroyed
				valid = false
			}
			part.mu.Unlock()

			if !valid {
				p.closeRaw(ctx, conn, "invalid_while_idle")
			}
		}

		if len(expired) > 0 || len(recheck) > 0 {
			tflog.SubsystemDebug(ctx, SubsystemPool, "Eviction run completed", map[string]any{
				"mode":      mode.String(),
				"expired":   len(expired),
				"rechecked": len(recheck),
			})
		}
		p.updateGauges(part)
	}
}
