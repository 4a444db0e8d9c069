package groupqueue

import (
	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
)

type providersOption struct {
	driver            Driver
	driverConstructor func(args DriverConstructorArgs) (Driver, error)
	queueOptions      []func(*Queue)
	workerOptions     []WorkerOption
}

// ProvidersOptionFunc is the type of functional providersOption for Providers. Use this type to change how Providers work.
type ProvidersOptionFunc func(options *providersOption)

// WithDriver makes every queue created by Providers share driver instead of
// building a RedisDriver per queue. It supersedes WithDriverConstructor.
func WithDriver(driver Driver) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.driver = driver
	}
}

// WithDriverConstructor replaces the constructor of per-queue drivers. It is a
// no-op when WithDriver is set.
func WithDriverConstructor(f func(args DriverConstructorArgs) (Driver, error)) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.driverConstructor = f
	}
}

// WithQueueOptions applies opts to every queue, after the ones derived from
// configuration. Use it to swap the payload codec, for example.
func WithQueueOptions(opts ...func(*Queue)) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.queueOptions = append(options.queueOptions, opts...)
	}
}

// WithWorkerOptions applies opts to the workers of every queue, after the ones
// derived from configuration, such as WithHandleTimeout or WithAutoHeartbeat.
func WithWorkerOptions(opts ...WorkerOption) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.workerOptions = append(options.workerOptions, opts...)
	}
}

// DriverConstructorArgs are arguments to construct the driver of one queue. See WithDriverConstructor.
type DriverConstructorArgs struct {
	// Name of the queue.
	Name string
	// Conf is the configuration of the queue. Its namespace is already resolved.
	Conf      Configuration
	Logger    log.Logger
	AppName   contract.AppName
	Env       contract.Env
	Populator contract.DIPopulator
}
