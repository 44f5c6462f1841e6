package agent

import (
	"context"
	"errors"
	"time"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/instances/pkg/config/configreader"
	"go.f110.dev/instances/pkg/config/configv2"
	"go.f110.dev/instances/pkg/fsm"
	"go.f110.dev/instances/pkg/instances"
	"go.f110.dev/instances/pkg/logger"
	"go.f110.dev/instances/pkg/netutil"
	"go.f110.dev/instances/pkg/server"
	"go.f110.dev/instances/pkg/server/internalapi"
)

const (
	stateInit fsm.State = iota
	stateStart
	stateShutdown
)

const (
	DefaultShutdownTimeout = 30 * time.Second
	listenTimeout          = 10 * time.Second
)

// Info is the payload that the agent publishes.
type Info struct {
	Hostname string            `json:"hostname,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type mainProcess struct {
	*fsm.FSM

	ConfFile        string
	ShutdownTimeout time.Duration

	config   *configv2.Config
	engine   *instances.Instances
	internal *server.Internal
	closer   func() error
	log      *zap.Logger
}

func New() *mainProcess {
	m := &mainProcess{ShutdownTimeout: DefaultShutdownTimeout, log: zap.NewNop()}
	m.FSM = fsm.NewFSM(
		map[fsm.State]fsm.StateFunc{
			stateInit:     m.init,
			stateStart:    m.start,
			stateShutdown: m.shutdown,
		},
		stateInit,
		stateShutdown,
	)
	return m
}

func (m *mainProcess) init() (fsm.State, error) {
	conf, err := configreader.ReadConfig(m.ConfFile)
	if err != nil {
		return fsm.UnknownState, err
	}
	m.config = conf
	logger.OverrideByFlags(conf.Logger)
	if err := logger.Init(conf.Logger); err != nil {
		return fsm.UnknownState, err
	}
	m.log = logger.Named("agent")

	backend, closer, err := NewBackend(context.Background(), conf)
	if err != nil {
		return fsm.UnknownState, err
	}
	m.closer = closer

	opts, err := m.engineOptions()
	if err != nil {
		return fsm.UnknownState, err
	}
	info := m.info()
	engine, err := instances.New(
		conf.Instances.UpdateInterval.Duration,
		backend,
		func() (any, error) { return info, nil },
		opts...,
	)
	if err != nil {
		return fsm.UnknownState, err
	}
	m.engine = engine

	m.internal = server.NewInternal(
		conf.InternalApi.Bind,
		internalapi.NewProbe(engine.Ready),
		internalapi.NewMembership(engine),
		internalapi.NewMetrics(instances.NewCollector(engine)),
		internalapi.NewProf(),
	)

	return stateStart, nil
}

func (m *mainProcess) engineOptions() ([]instances.Option, error) {
	conf := m.config.Instances
	leader, err := instances.ParseLeaderStrategy(conf.LeaderStrategy)
	if err != nil {
		return nil, err
	}
	errorStrategy, err := instances.ParseErrorStrategy(conf.ErrorStrategy)
	if err != nil {
		return nil, err
	}
	codec, err := instances.ParseCodec(conf.Codec)
	if err != nil {
		return nil, err
	}

	opts := []instances.Option{
		instances.WithLeaderStrategy(leader),
		instances.WithErrorStrategy(errorStrategy),
		instances.WithCodec(codec),
		instances.WithLogger(logger.Named("instances")),
	}
	if conf.Id != "" {
		opts = append(opts, instances.WithID(conf.Id))
	}
	return opts, nil
}

func (m *mainProcess) info() *Info {
	info := &Info{Metadata: m.config.Instances.Metadata}
	h, err := netutil.GetHostname()
	if err != nil {
		m.log.Warn("Could not get the hostname", zap.Error(err))
	} else {
		info.Hostname = h
	}
	return info
}

func (m *mainProcess) start() (fsm.State, error) {
	go func() {
		if err := m.internal.Start(); err != nil {
			m.Abort(xerrors.WithMessage(err, "internal server stopped"))
		}
	}()
	go func() {
		bind := m.config.InternalApi.Bind
		if err := netutil.WaitListen(context.Background(), bind, listenTimeout); err != nil {
			m.log.Warn("Internal API is not listening", zap.Error(err))
			return
		}
		m.log.Info("Internal API is listening", zap.String("addr", bind))
	}()

	if err := m.engine.Start(); err != nil {
		return fsm.UnknownState, err
	}
	m.log.Info("Start agent",
		zap.String("id", m.engine.ID()),
		zap.Duration("interval", m.engine.Interval()),
		zap.Stringer("leader_strategy", m.engine.LeaderStrategy()),
		zap.Stringer("error_strategy", m.engine.ErrorStrategy()),
	)

	go func() {
		s, err := m.engine.WaitForFirstUpdate(m.engine.TTL())
		if err != nil {
			m.log.Warn("First update is not finished yet", zap.Error(err))
			return
		}
		m.log.Info("First update finished", zap.Int("instances", s.Count()), zap.String("leader", s.Leader))
	}()

	return fsm.WaitState, nil
}

func (m *mainProcess) shutdown() (fsm.State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.ShutdownTimeout)
	defer cancel()

	var errs []error
	if m.internal != nil {
		if err := m.internal.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.engine != nil {
		if err := m.engine.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.closer != nil {
		if err := m.closer(); err != nil {
			errs = append(errs, xerrors.WithStack(err))
		}
	}
	if len(errs) > 0 {
		return fsm.UnknownState, errors.Join(errs...)
	}

	m.log.Info("Shutdown agent")
	return fsm.CloseState, nil
}
