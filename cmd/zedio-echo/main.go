// zedio-echo exercises spec.md §8 scenario A: a writer coroutine counts up
// once a second over a pipe, a reader coroutine echoes each line it sees.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/behrlich/zedio-go"
	"github.com/behrlich/zedio-go/ioops"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "how long to run before shutting down")
	interval := flag.Duration("interval", 1*time.Second, "delay between writes")
	flag.Parse()

	r, w, err := os.Pipe()
	if err != nil {
		log.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	rt, err := zedio.New(zedio.WithNumWorkers(2))
	if err != nil {
		log.Fatalf("zedio.New: %v", err)
	}

	readerDone := make(chan struct{})
	rt.SpawnExternal(func(ctx context.Context) error {
		defer close(readerDone)
		buf := make([]byte, 1024)
		var carry bytes.Buffer
		for {
			n, err := ioops.Read(ctx, int(r.Fd()), buf)
			if err != nil {
				if zedio.IsCode(err, zedio.ErrCodeCancelled) {
					return nil
				}
				return err
			}
			if n == 0 {
				return nil
			}
			carry.Write(buf[:n])
			scanner := bufio.NewScanner(bytes.NewReader(carry.Bytes()))
			for scanner.Scan() {
				fmt.Printf("echo: %s\n", scanner.Text())
			}
			carry.Reset()
		}
	})

	rt.SpawnExternal(func(ctx context.Context) error {
		for i := 1; ; i++ {
			line := fmt.Sprintf("%d\n", i)
			if _, err := ioops.Write(ctx, int(w.Fd()), []byte(line)); err != nil {
				if zedio.IsCode(err, zedio.ErrCodeCancelled) {
					return nil
				}
				return err
			}
			if err := ioops.Sleep(ctx, *interval); err != nil {
				if zedio.IsCode(err, zedio.ErrCodeCancelled) {
					return nil
				}
				return err
			}
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-time.After(*duration):
	case <-sigCh:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	snap := rt.Metrics().Snapshot()
	fmt.Printf("tasks spawned=%d resumed=%d completed=%d cancelled=%d\n",
		snap.TasksSpawned, snap.TasksResumed, snap.TasksCompleted, snap.TasksCancelled)
}
