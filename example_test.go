package groupqueue_test

import (
	"context"
	"fmt"
	"time"

	groupqueue "github.com/DoNewsCode/core-groupqueue"
)

func Example_minimum() {
	driver := groupqueue.NewInProcessDriver()
	queue := groupqueue.NewQueue(driver)

	ctx := context.Background()
	for i, order := range []int64{300, 100, 200} {
		_, _ = queue.Add(ctx, "group-a", fmt.Sprintf("job %d", i), order)
	}

	done := make(chan struct{})
	var handled int
	worker := groupqueue.NewWorker(driver, groupqueue.HandlerFunc(func(ctx context.Context, job *groupqueue.Job) error {
		var s string
		_ = job.Unmarshal(&s)
		fmt.Println(job.OrderMs, s)
		if handled++; handled == 3 {
			close(done)
		}
		return nil
	}), groupqueue.WithConcurrency(1), groupqueue.WithPollInterval(10*time.Millisecond))

	go worker.Run(ctx)
	<-done
	_ = worker.Stop(ctx)

	// Output:
	// 100 job 1
	// 200 job 2
	// 300 job 0
}
