// Package control implements the main tick sequence: the single-threaded
// cooperative loop that refreshes process/memory state, drains sampler
// records, runs the thread and memory migration strategies, and exports
// telemetry, one iteration per tick_period.
//
// Grounded on original_source/src/migration/migration.hpp's main loop and
// spec.md §4.10/§5 directly (no single original_source file maps to this
// package one-to-one; it is the orchestrator every other package plugs
// into).
package control

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/numaopt/agent/internal/collect"
	"github.com/numaopt/agent/internal/config"
	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/memmap"
	"github.com/numaopt/agent/internal/migrate/memory"
	"github.com/numaopt/agent/internal/migrate/thread"
	"github.com/numaopt/agent/internal/perfmodel"
	"github.com/numaopt/agent/internal/proctree"
	"github.com/numaopt/agent/internal/router"
	"github.com/numaopt/agent/internal/sampler"
	"github.com/numaopt/agent/internal/telemetry"
	"github.com/numaopt/agent/internal/tickets"
	"github.com/numaopt/agent/internal/topology"
	agerrors "github.com/numaopt/agent/pkg/errors"
)

// Loop owns every piece of state described in spec §3/§4 and drives the
// 8-step tick of §4.10. It is single-threaded cooperative: nothing but
// Run's own goroutine touches these fields.
type Loop struct {
	cfg config.Config
	log logr.Logger

	topo     *topology.Topology
	tree     *proctree.Tree
	tracker  *memmap.Tracker
	smp      *sampler.Sampler
	rtr      *router.Router
	threads  *perfmodel.ThreadPerfTable
	pages    *perfmodel.PagePerfTable
	procSrc  *collect.ProcTreeSource

	ticketsCfg tickets.Config

	threadStrategy thread.Strategy
	memStrategy    memory.Strategy
	cimar          *thread.CIMAR // non-nil only for NIMAR/IMAR2, to evolve weights after each tick

	threadCSV *telemetry.Writer
	memCSV    *telemetry.Writer
	metrics   *telemetry.Metrics
	history   *telemetry.History

	rootPID domain.PID
	rand    *rand.Rand

	lastThreadMig   time.Time
	lastMemMig      time.Time
	lastBalance     time.Time
	lastProcUpdate  time.Time
	lastMemUpdate   time.Time
	lastSamplesRead time.Time
	lastExport      time.Time
	startedAt       time.Time

	undoMoves []domain.ThreadMigration // last tick's thread migrations, for rollback
	prevTotal float64

	lastMemSamples, lastReqSamples, lastInsSamples int

	// Independent per-step budgets, per spec §4.10: each tick step only
	// does its work once its own interval has elapsed, not on every tick.
	secUpdateProc     time.Duration
	secUpdateMem      time.Duration
	rateSampling      time.Duration
	chartExportPeriod time.Duration

	tickPeriod time.Duration
}

// chartExportPeriodSec mirrors original_source's secs_between_chart_info,
// a fixed 1-second cadence for CSV export that (unlike sec-update-proc/mem
// and rate-sampling) has no dedicated CLI flag.
const chartExportPeriodSec = 1.0

func minDuration(secs ...float64) time.Duration {
	min := secs[0]
	for _, s := range secs[1:] {
		if s < min {
			min = s
		}
	}
	return time.Duration(min * float64(time.Second))
}

// New wires every component together for rootPID, already launched by the
// caller. sysPath/procPath let tests point at a fake /sys, /proc tree.
func New(cfg config.Config, rootPID domain.PID, sysPath, procPath string, reg prometheus.Registerer, log logr.Logger) (*Loop, error) {
	topoSrc := collect.NewOnce(collect.NewTopologySource(sysPath, log), log)
	topoCh, err := topoSrc.Start(context.Background())
	if err != nil {
		return nil, agerrors.NewFatal(fmt.Sprintf("control: discovering topology: %v", err))
	}
	topoVal, ok := <-topoCh
	if !ok {
		return nil, agerrors.NewFatal(fmt.Sprintf("control: discovering topology: %v", topoSrc.LastError()))
	}
	topo, ok := topoVal.(*topology.Topology)
	if !ok {
		return nil, agerrors.NewFatal("control: topology source returned unexpected type")
	}

	numCPUs := len(topo.CPUs())
	tree := proctree.New(procPath, rootPID, numCPUs, topo.CPUsOf)
	if err := tree.Start(); err != nil {
		return nil, err
	}
	procSrc := collect.NewProcTreeSource(tree, log)

	groupLen := cfg.THPPages
	if groupLen < 1 {
		groupLen = memmap.PageGroupSize
	}
	tracker := memmap.New(procPath, uintptr(tree.PageSize()), topo.NumNodes(), groupLen)
	if err := tracker.Track(rootPID); err != nil {
		return nil, agerrors.NewFatal(fmt.Sprintf("control: tracking root pid %d: %v", rootPID, err))
	}

	threads := perfmodel.NewThreadPerfTable(topo.NumNodes())
	pages := perfmodel.NewPagePerfTable(topo.NumNodes())

	minMemInterval := time.Duration(cfg.MemoryTimeSec * float64(time.Second))
	rtr := router.New(threads, pages, tracker, minMemInterval)

	smp := sampler.New(sampler.Config{
		InitialFreqHz:  cfg.FreqInstr,
		RotateIfScarce: true,
		HWCounters:     sampler.DefaultHWCounters,
	}, log.WithName("sampler"))

	ticketsCfg := tickets.Default()
	if cfg.TicketsRead != "" {
		if c, err := tickets.ReadFile(cfg.TicketsRead); err == nil {
			ticketsCfg = c
		} else {
			log.Error(err, "reading tickets file, using defaults")
		}
	}

	l := &Loop{
		cfg:        cfg,
		log:        log,
		topo:       topo,
		tree:       tree,
		procSrc:    procSrc,
		tracker:    tracker,
		smp:        smp,
		rtr:        rtr,
		threads:    threads,
		pages:      pages,
		ticketsCfg: ticketsCfg,
		rootPID:    rootPID,
		rand:       rand.New(rand.NewSource(1)),
		startedAt:  time.Now(),

		secUpdateProc:     time.Duration(cfg.SecUpdateProc * float64(time.Second)),
		secUpdateMem:      time.Duration(cfg.SecUpdateMem * float64(time.Second)),
		rateSampling:      time.Duration(cfg.RateSampling * float64(time.Second)),
		chartExportPeriod: time.Duration(chartExportPeriodSec * float64(time.Second)),
	}
	// tick_period is the smallest of every independently-budgeted step's
	// period, per spec §4.10 and original_source's secs_between_iter =
	// std::min({secs_between_samples, secs_between_balance,
	// secs_between_chart_info, secs_update_proc, secs_update_mem,
	// thread/memory min_time_between_migrations}).
	l.tickPeriod = minDuration(
		cfg.RateSampling,
		cfg.ThreadBalanceSec,
		chartExportPeriodSec,
		cfg.SecUpdateProc,
		cfg.SecUpdateMem,
		cfg.ThreadTimeSec,
		cfg.MemoryTimeSec,
	)
	l.threadStrategy, l.cimar = newThreadStrategy(cfg.ThreadStrategy)
	l.memStrategy = newMemoryStrategy(cfg.MemoryStrategy)

	if cfg.ChartThreads {
		w, err := telemetry.OpenThreadCSV("threads.csv")
		if err != nil {
			return nil, err
		}
		l.threadCSV = w
	}
	if cfg.ChartMemory {
		w, err := telemetry.OpenMemoryCSV("memory.csv", topo.NumNodes())
		if err != nil {
			return nil, err
		}
		l.memCSV = w
	}
	if reg != nil {
		l.metrics = telemetry.NewMetrics(reg)
	}
	history, err := telemetry.OpenHistory(10 * time.Minute)
	if err != nil {
		return nil, err
	}
	l.history = history

	if err := smp.Start(context.Background()); err != nil {
		return nil, agerrors.NewFatal(fmt.Sprintf("control: starting sampler: %v", err))
	}

	if cfg.RealTimeSched {
		if err := applyRealTimeSchedule(cfg.RealTimePriority); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Close releases every resource opened by New, per spec §5's "each ring
// buffer, perf file descriptor, CSV file handle ... is released during
// shutdown."
func (l *Loop) Close() error {
	l.smp.Close()
	if l.threadCSV != nil {
		l.threadCSV.Close()
	}
	if l.memCSV != nil {
		l.memCSV.Close()
	}
	if l.history != nil {
		l.history.Close()
	}
	if l.cfg.TicketsWrite != "" {
		return tickets.WriteFile(l.cfg.TicketsWrite, l.ticketsCfg)
	}
	return nil
}

// Run executes ticks until ctx is cancelled, sleeping off any remaining
// budget in tick_period between iterations (spec §4.10 step 8).
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		start := time.Now()
		if err := l.tick(ctx, start); err != nil {
			if agerrors.Fatal(err) {
				return err
			}
			l.log.Error(err, "tick failed, continuing")
		}

		elapsed := time.Since(start)
		remaining := l.tickPeriod - elapsed
		if remaining <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(remaining):
		}
	}
}

// tick runs the 8-step sequence of spec §4.10. Steps 1, 2, 4 and 5 each
// carry their own configured budget (sec-update-proc, sec-update-mem,
// rate-sampling, and the fixed chart-export period respectively) and only
// do work once their own interval has elapsed, not on every call.
func (l *Loop) tick(ctx context.Context, now time.Time) error {
	// 1. process-tree refresh + disappeared-PID cleanup + pin-filter update
	if now.Sub(l.lastProcUpdate) >= l.secUpdateProc {
		updateVal, err := l.procSrc.Collect(ctx)
		if err != nil {
			return fmt.Errorf("control: process tree update: %w", err)
		}
		update := updateVal.(collect.ProcTreeUpdate)
		for _, pid := range update.Disappeared {
			l.threads.RemoveEntry(domain.TID(pid))
			l.tracker.Untrack(pid)
		}
		if !l.tree.IsAlive(l.rootPID) {
			return agerrors.NewFatal("control: root process exited")
		}

		alive := map[domain.TID]struct{}{}
		for _, pid := range l.tree.TIDs() {
			alive[domain.TID(pid)] = struct{}{}
		}
		l.threads.CheckAliveTIDs(alive)

		if update.Changed && l.cfg.MaxThreadMigrations > 0 {
			l.applyThreadMigrations(l.buildBalance())
			l.lastBalance = now
		}
		l.lastProcUpdate = now
	}

	// 2. memory tracking refresh + page-table GC for vanished regions
	if now.Sub(l.lastMemUpdate) >= l.secUpdateMem {
		for _, pid := range l.tree.TIDs() {
			proc, ok := l.tree.Get(pid)
			if !ok || proc.IsLWP {
				continue
			}
			if _, tracked := l.tracker.Process(pid); !tracked {
				_ = l.tracker.Track(pid)
			}
			regionSrc := collect.NewRegionRefreshSource(l.tracker, pid, l.log)
			if _, err := regionSrc.Collect(ctx); err != nil {
				l.log.V(2).Info("refreshing regions failed", "pid", pid, "error", err)
			}
		}

		l.pages.GC(func(addr uintptr) bool {
			row, ok := l.pages.Row(addr)
			if !ok {
				return false
			}
			return l.tracker.RegionExists(row.LastPID(), addr)
		})
		l.lastMemUpdate = now
	}

	// 3. counter-multiplexing rotation plus adaptive frequency scaling,
	// based on the sample counts the previous tick observed
	if err := l.smp.Rotate(); err != nil {
		l.log.V(1).Info("sampler rotation failed", "error", err)
	}
	l.smp.AdaptFrequencies(l.lastMemSamples, l.lastReqSamples, l.lastInsSamples)

	// 4. sampler drain + route
	if now.Sub(l.lastSamplesRead) >= l.rateSampling {
		l.rtr.BeginTick()
		samples, err := l.smp.Poll(ctx)
		if err != nil {
			l.log.V(1).Info("sampler poll failed", "error", err)
		}
		l.lastMemSamples, l.lastReqSamples, l.lastInsSamples = 0, 0, 0
		for _, s := range samples {
			switch s.Group {
			case sampler.GroupMem:
				l.lastMemSamples++
			case sampler.GroupReq:
				l.lastReqSamples++
			default:
				l.lastInsSamples++
			}
			l.rtr.Route(s, now)
		}
		l.threads.CalcPerf(func(tid domain.TID) domain.NodeID { return l.threads.PreferredNode(tid) })
		l.lastSamplesRead = now
	}

	// 5. CSV export
	if now.Sub(l.lastExport) >= l.chartExportPeriod {
		if err := l.exportTelemetry(now); err != nil {
			l.log.V(1).Info("telemetry export failed", "error", err)
		}
		l.lastExport = now
	}

	// 6. balance (periodic CPU/node pre-step ahead of the strategy proper)
	if now.Sub(l.lastBalance) >= time.Duration(l.cfg.ThreadBalanceSec*float64(time.Second)) {
		l.applyThreadMigrations(l.buildBalance())
		l.lastBalance = now
	}

	// 7. migrate
	l.migrate(now)

	return nil
}

func (l *Loop) buildBalance() []domain.ThreadMigration {
	s := l.threadState()
	switch l.cfg.ThreadStrategy {
	case config.ThreadAnneal, config.ThreadRM3D, config.ThreadNIMAR, config.ThreadIMAR2:
		return thread.Balance(s, true, true)
	default:
		return thread.Balance(s, false, true)
	}
}

// migrate runs the thread and memory strategies whenever their own
// interval has elapsed, independently, per spec §4.10 step 7. Nothing
// runs before WaitBeforeMig has elapsed since startup, giving the child
// a chance to reach steady state before the optimizer starts moving it.
func (l *Loop) migrate(now time.Time) {
	if now.Sub(l.startedAt) < time.Duration(l.cfg.WaitBeforeMigSec*float64(time.Second)) {
		return
	}
	if now.Sub(l.lastThreadMig) >= time.Duration(l.cfg.ThreadTimeSec*float64(time.Second)) {
		l.runThreadStrategy(now)
		l.lastThreadMig = now
	}
	if now.Sub(l.lastMemMig) >= time.Duration(l.cfg.MemoryTimeSec*float64(time.Second)) {
		l.runMemoryStrategy(now)
		l.lastMemMig = now
	}
}

func (l *Loop) runThreadStrategy(now time.Time) {
	if l.threads.TotalPerformance() < perfmodel.NegligiblePerformance {
		return
	}
	prevTotal := l.threads.TotalPerformance()

	s := l.threadState()
	migrations := l.threadStrategy.Plan(s)
	l.ticketsCfg = s.Tickets

	applied := l.applyThreadMigrations(migrations)
	l.undoMoves = applied

	l.threads.CalcPerf(func(tid domain.TID) domain.NodeID { return l.threads.PreferredNode(tid) })
	newTotal := l.threads.TotalPerformance()

	if l.cimar != nil {
		l.cimar.MutateAfter(s, applied, prevTotal, newTotal)
		if l.cimar.Rollback {
			l.rollbackNegativeBalance(applied)
		}
	}

	if l.metrics != nil {
		l.metrics.ThreadMigrations.WithLabelValues(string(l.cfg.ThreadStrategy)).Add(float64(len(applied)))
	}
}

// applyThreadMigrations pins every move in migrations via sched_setaffinity,
// stopping at (and discarding) the remainder of a migration batch if any
// leg fails, per spec §5's "failure of one aborts the remainder of the
// batch." Returns the migrations that fully applied.
func (l *Loop) applyThreadMigrations(migrations []domain.ThreadMigration) []domain.ThreadMigration {
	var applied []domain.ThreadMigration
	for _, mig := range migrations {
		ok := true
		for _, mv := range mig.Moves {
			if err := l.tree.Pin(domain.PID(mv.TID), proctree.PinTarget{Kind: proctree.PinCPU, CPU: mv.DstCPU}); err != nil {
				l.log.V(1).Info("pin failed, aborting migration batch", "tid", mv.TID, "error", err)
				ok = false
				break
			}
		}
		if ok {
			applied = append(applied, mig)
		} else {
			break
		}
	}
	return applied
}

// rollbackNegativeBalance implements IMAR2's per-migration rollback (spec
// §4.7/§5): for each applied migration, sum each involved TID's
// performance delta against its pre-move value (recorded on the move as
// PrevPerf); revert the whole migration (re-pin every leg back to its
// SrcCPU) whenever that sum is negative.
func (l *Loop) rollbackNegativeBalance(applied []domain.ThreadMigration) {
	for _, mig := range applied {
		balance := 0.0
		for _, mv := range mig.Moves {
			balance += l.threads.Performance(mv.TID) - mv.PrevPerf
		}
		if balance >= 0 {
			continue
		}
		for _, mv := range mig.Moves {
			if err := l.tree.Pin(domain.PID(mv.TID), proctree.PinTarget{Kind: proctree.PinCPU, CPU: mv.SrcCPU}); err != nil {
				l.log.V(1).Info("rollback pin failed", "tid", mv.TID, "error", err)
			}
		}
	}
}

func (l *Loop) runMemoryStrategy(now time.Time) {
	s := l.memoryState()
	migrations := l.memStrategy.Plan(s)
	if len(migrations) == 0 {
		return
	}

	migrated, err := memory.Flush(context.Background(), s, migrations)
	if err != nil {
		l.log.V(1).Info("memory flush partially failed", "error", err)
	}
	l.rtr.NotifyMemoryMigration(now)

	if l.metrics != nil {
		l.metrics.MemoryPagesMigrated.Add(float64(migrated))
	}
}

// threadState snapshots the live process tree into the read-only view
// internal/migrate/thread strategies plan against.
func (l *Loop) threadState() *thread.State {
	s := &thread.State{
		Topo:                l.topo,
		Threads:             l.threads,
		Tickets:             l.ticketsCfg,
		MaxThreadMigrations: l.cfg.MaxThreadMigrations,
		PinnedCPU:           map[domain.TID]domain.CPUID{},
		Migratable:          map[domain.TID]bool{},
		Idle:                map[domain.TID]bool{},
		PIDOf:               map[domain.TID]domain.PID{},
		CPUFree:             map[domain.CPUID]bool{},
		Rand:                l.rand,
	}

	occupied := map[domain.CPUID]bool{}
	for _, pid := range l.tree.TIDs() {
		proc, ok := l.tree.Get(pid)
		if !ok || !proc.Pinned() {
			continue
		}
		tid := domain.TID(pid)
		s.PinnedCPU[tid] = proc.PinnedCPU
		s.Migratable[tid] = proc.IsMigratable
		s.Idle[tid] = proc.CPUUse <= 0
		s.PIDOf[tid] = owningPID(l.tree, pid)
		if !s.Idle[tid] {
			occupied[proc.PinnedCPU] = true
		}
	}
	for _, cpu := range l.topo.CPUs() {
		s.CPUFree[cpu] = !occupied[cpu]
	}
	return s
}

// owningPID walks up the tree past LWP entries to find the thread-group
// leader a TID belongs to, since proctree's discovery does not separately
// record a Linux Tgid.
func owningPID(tree *proctree.Tree, pid domain.PID) domain.PID {
	proc, ok := tree.Get(pid)
	for ok && proc.IsLWP {
		parent, pok := tree.Get(proc.PPID)
		if !pok {
			break
		}
		proc, ok = parent, pok
	}
	if !ok {
		return pid
	}
	return proc.PID
}

func (l *Loop) memoryState() *memory.State {
	return &memory.State{
		Topo:                    l.topo,
		Pages:                   l.pages,
		Tracker:                 l.tracker,
		PortionMemoryMigrations: l.cfg.MaxMemoryMigrations,
		MaxPrefetch:             l.cfg.MemoryPrefetch,
		GroupBytes:              uintptr(l.tree.PageSize()) * uintptr(max(l.cfg.THPPages, 1)),
		Rand:                    l.rand,
	}
}

func (l *Loop) exportTelemetry(now time.Time) error {
	tick := telemetry.Tick{
		Timestamp:        now,
		TotalPerformance: l.threads.TotalPerformance(),
		TrackedThreads:   l.threads.Size(),
		TrackedPages:     l.pages.Size(),
	}
	if l.history != nil {
		if err := l.history.Record(tick); err != nil {
			return err
		}
	}
	if l.metrics != nil {
		l.metrics.TotalPerformance.Set(tick.TotalPerformance)
		l.metrics.TrackedThreads.Set(float64(tick.TrackedThreads))
		l.metrics.TrackedPages.Set(float64(tick.TrackedPages))
		l.metrics.TicksTotal.Inc()
	}

	if l.threadCSV != nil {
		for _, pid := range l.tree.TIDs() {
			proc, ok := l.tree.Get(pid)
			if !ok || !proc.Pinned() {
				continue
			}
			tid := domain.TID(pid)
			node, _ := l.topo.NodeOf(proc.PinnedCPU)
			row := telemetry.ThreadRow{
				Timestamp:   now,
				TID:         tid,
				PID:         owningPID(l.tree, pid),
				Cmdline:     proc.Cmdline,
				State:       proc.State,
				CPU:         proc.PinnedCPU,
				Node:        node,
				PrefNode:    l.threads.PreferredNode(tid),
				Perf:        l.threads.Performance(tid),
				CPUPercent:  proc.CPUUse * 100,
				RelPerf:     l.threads.RelPerformance(tid),
				Ops:         l.threads.OpsPerSecond(tid, node),
				OpIntensity: l.threads.OpsPerByte(tid, node),
				AvLatNS:     l.threads.AvLatencyAt(tid, node),
			}
			if err := l.threadCSV.WriteThreadRow(row); err != nil {
				return err
			}
		}
	}

	if l.memCSV != nil {
		for _, addr := range l.pages.Addrs() {
			row, ok := l.pages.Row(addr)
			if !ok {
				continue
			}
			mrow := telemetry.MemoryRow{
				Timestamp:    now,
				Address:      addr,
				Node:         row.LastNode(),
				PrefNode:     row.PreferredNode(),
				ReqsNode:     row.RawAccesses(),
				AgedReqsNode: row.AgedAccesses(),
				RatioNode:    row.Ratios(),
				AvLatNode:    row.NodeLatency(),
				AvLat:        row.AvLatency(),
				Samples:      row.SampleCount(),
			}
			if err := l.memCSV.WriteMemoryRow(mrow); err != nil {
				return err
			}
		}
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
