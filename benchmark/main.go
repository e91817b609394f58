// Package main provides a load tool for the broadcast engine. It starts many
// tasks against in-memory collaborators, lets them run, then stops them all
// and measures how long each worker takes to terminate.
//
// Usage:
//
//	go run ./benchmark -tasks 1000 -pacing 50ms -run 2s
package main

import (
	"context"
	"flag"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/broadcastq/pkg/engine"
	"github.com/guido-cesarano/broadcastq/pkg/status"
	"github.com/guido-cesarano/broadcastq/pkg/tasks"
)

type simulated struct {
	latency    time.Duration
	validated  atomic.Int64
	dispatched atomic.Int64
}

func (s *simulated) Validate(ctx context.Context, _ string) (bool, error) {
	s.validated.Add(1)
	return true, sleep(ctx, s.latency)
}

func (s *simulated) Dispatch(ctx context.Context, _, _, _ string) error {
	s.dispatched.Add(1)
	return sleep(ctx, s.latency)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func main() {
	numTasks := flag.Int("tasks", 1000, "Number of tasks to start")
	numCreds := flag.Int("credentials", 5, "Credentials per task")
	pacing := flag.Duration("pacing", 50*time.Millisecond, "Pacing interval per task")
	latency := flag.Duration("latency", 5*time.Millisecond, "Simulated collaborator latency")
	runFor := flag.Duration("run", 2*time.Second, "How long to let tasks run before stopping")
	flag.Parse()

	if *numTasks < 1 || *numCreds < 1 {
		fmt.Println("tasks and credentials must be at least 1")
		return
	}

	svc := &simulated{latency: *latency}
	store := status.NewMemoryStore()
	reg := engine.NewRegistry(svc, svc, store, engine.Options{MinPacing: *pacing})

	fmt.Printf("broadcastq benchmark\n")
	fmt.Printf("====================\n")
	fmt.Printf("Tasks: %d, credentials/task: %d, pacing: %v\n\n", *numTasks, *numCreds, *pacing)

	creds := make([]string, *numCreds)
	for i := range creds {
		creds[i] = uuid.New().String()
	}

	startBegin := time.Now()
	ids := make([]tasks.ID, 0, *numTasks)
	for i := 0; i < *numTasks; i++ {
		id, err := reg.Start(tasks.Parameters{
			Credentials: creds,
			Messages:    []string{"benchmark"},
			Destination: "bench",
			Pacing:      *pacing,
		})
		if err != nil {
			fmt.Printf("Error starting task: %v\n", err)
			return
		}
		ids = append(ids, id)
	}
	fmt.Printf("Started %d tasks in %v\n", len(ids), time.Since(startBegin))

	time.Sleep(*runFor)

	stopBegin := time.Now()
	for _, id := range ids {
		reg.Stop(id)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	latencies := make([]time.Duration, 0, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id tasks.ID) {
			defer wg.Done()
			for {
				info, err := reg.Info(id)
				if err == nil && info.State == engine.StateTerminated {
					mu.Lock()
					latencies = append(latencies, time.Since(stopBegin))
					mu.Unlock()
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(id)
	}
	wg.Wait()
	reclaimed := reg.Reclaim()

	var sent int64
	for _, id := range ids {
		st, _ := store.Read(context.Background(), id)
		sent += st.Sent
	}

	slices.Sort(latencies)
	fmt.Printf("Validations: %d, dispatches: %d, sent: %d\n", svc.validated.Load(), svc.dispatched.Load(), sent)
	fmt.Printf("Stop latency p50: %v, p99: %v, max: %v\n",
		percentile(latencies, 0.50), percentile(latencies, 0.99), latencies[len(latencies)-1])
	fmt.Printf("Reclaimed: %d, still registered: %d\n", reclaimed, reg.ActiveCount())
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
