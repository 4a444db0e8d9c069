package groupqueue

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/DoNewsCode/core/config"
	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/DoNewsCode/core/otredis"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/oklog/run"
	"github.com/pkg/errors"
)

/*
Providers returns a set of dependencies related to groupqueue. It includes the
QueueMaker, the QueueFactory, the default *Queue and the exported configs.
	Depends On:
		contract.ConfigAccessor
		contract.Dispatcher  `optional:"true"`
		Driver               `optional:"true"`
		contract.DIPopulator `optional:"true"`
		log.Logger
		contract.AppName
		contract.Env
		Gauge     `optional:"true"`
		Histogram `optional:"true"`
	Provides:
		QueueMaker
		QueueFactory
		*Queue
*/
func Providers(optionFunc ...ProvidersOptionFunc) di.Deps {
	option := &providersOption{}
	for _, f := range optionFunc {
		f(option)
	}
	return []interface{}{
		provideQueueFactory(option),
		provideConfig,
		provideQueue,
		di.Bind(new(QueueFactory), new(QueueMaker)),
	}
}

// Gauge is an alias used for dependency injection. It reports queue length by
// "queue" and "channel".
type Gauge metrics.Gauge

// Histogram is an alias used for dependency injection. It records handler
// duration by "queue" and "outcome".
type Histogram metrics.Histogram

// Configuration is the struct for groupqueue configs.
type Configuration struct {
	RedisName             string `yaml:"redisName" json:"redisName"`
	Namespace             string `yaml:"namespace" json:"namespace"`
	Parallelism           int    `yaml:"parallelism" json:"parallelism"`
	VisibilityTimeoutMs   int64  `yaml:"visibilityTimeoutMs" json:"visibilityTimeoutMs"`
	PollIntervalMs        int64  `yaml:"pollIntervalMs" json:"pollIntervalMs"`
	OrderingDelayMs       int64  `yaml:"orderingDelayMs" json:"orderingDelayMs"`
	AttemptsLimit         int    `yaml:"attemptsLimit" json:"attemptsLimit"`
	BackoffBaseMs         int64  `yaml:"backoffBaseMs" json:"backoffBaseMs"`
	BackoffMaxMs          int64  `yaml:"backoffMaxMs" json:"backoffMaxMs"`
	SweepIntervalMs       int64  `yaml:"sweepIntervalMs" json:"sweepIntervalMs"`
	ShutdownTimeoutSecond int    `yaml:"shutdownTimeoutSecond" json:"shutdownTimeoutSecond"`
}

func (c Configuration) workerOptions() []WorkerOption {
	opts := []WorkerOption{
		WithConcurrency(c.Parallelism),
		WithVisibilityTimeout(ms(c.VisibilityTimeoutMs)),
		WithPollInterval(ms(c.PollIntervalMs)),
		WithAttemptsLimit(c.AttemptsLimit),
		WithShutdownTimeout(time.Duration(c.ShutdownTimeoutSecond) * time.Second),
	}
	if c.SweepIntervalMs > 0 {
		opts = append(opts, WithSweepInterval(ms(c.SweepIntervalMs)))
	}
	if c.BackoffBaseMs > 0 {
		opts = append(opts, WithBackoff(ExponentialBackoff(ms(c.BackoffBaseMs), ms(c.BackoffMaxMs))))
	}
	return opts
}

// withDefaults fills every unset field from defaultConfiguration, so that a
// partial entry still resolves the default redis client. A zero
// orderingDelayMs is itself the default.
func (c Configuration) withDefaults() Configuration {
	d := defaultConfiguration()
	if c.RedisName == "" {
		c.RedisName = d.RedisName
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.VisibilityTimeoutMs <= 0 {
		c.VisibilityTimeoutMs = d.VisibilityTimeoutMs
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = d.PollIntervalMs
	}
	if c.AttemptsLimit <= 0 {
		c.AttemptsLimit = d.AttemptsLimit
	}
	if c.BackoffBaseMs <= 0 {
		c.BackoffBaseMs = d.BackoffBaseMs
	}
	if c.BackoffMaxMs <= 0 {
		c.BackoffMaxMs = d.BackoffMaxMs
	}
	if c.SweepIntervalMs <= 0 {
		c.SweepIntervalMs = d.SweepIntervalMs
	}
	if c.ShutdownTimeoutSecond <= 0 {
		c.ShutdownTimeoutSecond = d.ShutdownTimeoutSecond
	}
	return c
}

func defaultConfiguration() Configuration {
	return Configuration{
		RedisName:             "default",
		Parallelism:           runtime.NumCPU(),
		VisibilityTimeoutMs:   defaultVisibilityTimeout.Milliseconds(),
		PollIntervalMs:        defaultPollInterval.Milliseconds(),
		OrderingDelayMs:       0,
		AttemptsLimit:         1,
		BackoffBaseMs:         defaultBackoffBase.Milliseconds(),
		BackoffMaxMs:          defaultBackoffMax.Milliseconds(),
		SweepIntervalMs:       defaultSweepInterval.Milliseconds(),
		ShutdownTimeoutSecond: 30,
	}
}

// makerIn is the injection parameters for provideQueueFactory
type makerIn struct {
	di.In

	Conf            contract.ConfigAccessor
	EventDispatcher contract.Dispatcher `optional:"true"`
	Logger          log.Logger
	AppName         contract.AppName
	Env             contract.Env
	Gauge           Gauge                `optional:"true"`
	Histogram       Histogram            `optional:"true"`
	Populator       contract.DIPopulator `optional:"true"`
	Driver          Driver               `optional:"true"`
}

// makerOut is the di output of provideQueueFactory
type makerOut struct {
	di.Out
	QueueFactory QueueFactory
}

func (m makerOut) ModuleSentinel() {}

func (m makerOut) Module() interface{} { return m }

// provideQueueFactory is a provider for *QueueFactory and *Queue.
func provideQueueFactory(option *providersOption) func(p makerIn) (makerOut, error) {
	if option.driverConstructor == nil {
		option.driverConstructor = newDefaultDriver
	}
	return func(p makerIn) (makerOut, error) {
		var (
			err        error
			queueConfs map[string]Configuration
		)
		err = p.Conf.Unmarshal("groupqueue", &queueConfs)
		if err != nil {
			_ = level.Warn(p.Logger).Log("err", err)
		}
		factory := di.NewFactory(func(name string) (di.Pair, error) {
			var (
				ok   bool
				err  error
				conf Configuration
			)
			if conf, ok = queueConfs[name]; !ok {
				if name != "default" {
					return di.Pair{}, fmt.Errorf("groupqueue configuration %s not found", name)
				}
				conf = defaultConfiguration()
			}
			conf = conf.withDefaults()
			if conf.Namespace == "" {
				conf.Namespace = fmt.Sprintf("%s:%s:%s", p.AppName.String(), p.Env.String(), name)
			}
			logger := log.With(p.Logger, "queue", name)

			var driver = option.driver
			if driver == nil {
				driver = p.Driver
			}
			if driver == nil {
				driver, err = option.driverConstructor(
					DriverConstructorArgs{
						Name:      name,
						Conf:      conf,
						Logger:    logger,
						AppName:   p.AppName,
						Env:       p.Env,
						Populator: p.Populator,
					},
				)
				if err != nil {
					return di.Pair{}, err
				}
			}

			workerOptions := conf.workerOptions()
			if p.EventDispatcher != nil {
				workerOptions = append(workerOptions, WithEventDispatcher(p.EventDispatcher))
			}
			if p.Gauge != nil {
				workerOptions = append(workerOptions, WithGauge(p.Gauge.With("queue", name)))
			}
			if p.Histogram != nil {
				workerOptions = append(workerOptions, WithHistogram(p.Histogram.With("queue", name)))
			}
			workerOptions = append(workerOptions, option.workerOptions...)
			queueOptions := append([]func(*Queue){
				UseLogger(logger),
				UseOrderingDelay(ms(conf.OrderingDelayMs)),
				UseWorkerOptions(workerOptions...),
			}, option.queueOptions...)
			queue := NewQueue(driver, queueOptions...)
			return di.Pair{
				Closer: nil,
				Conn:   queue,
			}, nil
		})

		// Queues must be created eagerly, so that the consumer goroutines can start on boot up.
		for name := range queueConfs {
			if _, err := factory.Make(name); err != nil {
				_ = level.Warn(p.Logger).Log("msg", "failed to create groupqueue "+name, "err", err)
			}
		}

		return makerOut{
			QueueFactory: QueueFactory{Factory: factory},
		}, nil
	}
}

// ProvideRunGroup implements container.RunProvider. Every queue with a
// subscribed handler is consumed until the group is interrupted.
func (m makerOut) ProvideRunGroup(group *run.Group) {
	for name := range m.QueueFactory.List() {
		queueName := name
		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			consumer, err := m.QueueFactory.Make(queueName)
			if err != nil {
				return err
			}
			err = consumer.Consume(ctx)
			if errors.Is(err, ErrNotSubscribed) {
				<-ctx.Done()
				return nil
			}
			return err
		}, func(err error) {
			cancel()
		})
	}
}

func newDefaultDriver(args DriverConstructorArgs) (Driver, error) {
	var maker otredis.Maker
	if args.Populator == nil {
		return nil, errors.New("the default driver requires setting the populator in DI container")
	}
	if err := args.Populator.Populate(&maker); err != nil {
		return nil, fmt.Errorf("the default driver requires an otredis.Maker in DI container: %w", err)
	}
	client, err := maker.Make(args.Conf.RedisName)
	if err != nil {
		return nil, fmt.Errorf("the default driver requires the redis client called %s: %w", args.Conf.RedisName, err)
	}
	driver, err := NewRedisDriver(client, args.Conf.Namespace)
	if err != nil {
		return nil, err
	}
	driver.Logger = args.Logger
	return driver, nil
}

type queueOut struct {
	di.Out

	Queue *Queue
}

func provideQueue(maker QueueMaker) (queueOut, error) {
	queue, err := maker.Make("default")
	return queueOut{
		Queue: queue,
	}, err
}

type configOut struct {
	di.Out

	Config []config.ExportedConfig `group:"config,flatten"`
}

func provideConfig() configOut {
	configs := []config.ExportedConfig{{
		Owner: "groupqueue",
		Data: map[string]interface{}{
			"groupqueue": map[string]Configuration{
				"default": defaultConfiguration(),
			},
		},
	}}
	return configOut{Config: configs}
}

func ms(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}
