package groupqueue

import "github.com/DoNewsCode/core/di"

// QueueFactory is a factory for *Queue. Note QueueFactory doesn't contain the factory method
// itself. ie. How to factory a queue left there for users to define. Users then can use this type to create
// their own queue implementation.
//
// Here is an example on how to create a custom QueueFactory with an InProcessDriver.
//
//		factory := di.NewFactory(func(name string) (di.Pair, error) {
//			queue := groupqueue.NewQueue(groupqueue.NewInProcessDriver())
//			return di.Pair{Conn: queue}, nil
//		})
//		queueFactory := QueueFactory{Factory: factory}
//
type QueueFactory struct {
	*di.Factory
}

// Make returns a Queue by the given name. If it has already been created under the same name,
// the that one will be returned.
func (s QueueFactory) Make(name string) (*Queue, error) {
	client, err := s.Factory.Make(name)
	if err != nil {
		return nil, err
	}
	return client.(*Queue), nil
}

// QueueMaker is the key of *QueueFactory in the dependencies graph. Used as a type hint for injection.
type QueueMaker interface {
	Make(string) (*Queue, error)
}
