// zedio-ringsat exercises spec.md §8 scenario B: a small ring plus a low
// submit interval, saturated with far more in-flight reads than the ring
// (or the waiting-submission list draining it) can ever complete, then
// torn down — every awaiter must resolve as Cancelled, no Callback leaked.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/behrlich/zedio-go"
	"github.com/behrlich/zedio-go/ioops"
)

func main() {
	numCoroutines := flag.Int("n", 64, "number of coroutines racing to read a never-readable fd")
	ringEntries := flag.Uint("ring-entries", 8, "per-worker ring capacity")
	submitInterval := flag.Uint("submit-interval", 4, "lazy-submit batch size")
	runFor := flag.Duration("run-for", 100*time.Millisecond, "how long to let reads sit before shutdown")
	flag.Parse()

	rt, err := zedio.New(
		zedio.WithNumWorkers(1),
		zedio.WithRingEntries(uint32(*ringEntries)),
		zedio.WithSubmitInterval(uint32(*submitInterval)),
	)
	if err != nil {
		log.Fatalf("zedio.New: %v", err)
	}

	var cancelledCount atomic.Int64
	var otherCount atomic.Int64
	var fds []*os.File

	for i := 0; i < *numCoroutines; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			log.Fatalf("pipe %d: %v", i, err)
		}
		// Keep the write end open but never write to it: the read end
		// never becomes readable on its own.
		fds = append(fds, r, w)

		fd := int(r.Fd())
		rt.SpawnExternal(func(ctx context.Context) error {
			buf := make([]byte, 1)
			_, err := ioops.Read(ctx, fd, buf)
			if zedio.IsCode(err, zedio.ErrCodeCancelled) {
				cancelledCount.Add(1)
				return nil
			}
			otherCount.Add(1)
			return err
		})
	}

	time.Sleep(*runFor)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}

	for _, f := range fds {
		f.Close()
	}

	fmt.Printf("spawned=%d cancelled=%d other=%d\n", *numCoroutines, cancelledCount.Load(), otherCount.Load())
	if int(cancelledCount.Load()) != *numCoroutines {
		fmt.Fprintf(os.Stderr, "expected all %d coroutines to resume Cancelled, got %d\n", *numCoroutines, cancelledCount.Load())
		os.Exit(1)
	}
}
