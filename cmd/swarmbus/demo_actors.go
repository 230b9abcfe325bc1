package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tenzoki/swarmbus/internal/client"
	"github.com/tenzoki/swarmbus/internal/demo"
	"github.com/tenzoki/swarmbus/internal/transport"
)

// runActorDemo wires up the Reporter/Server/Worker trio from internal/demo
// against the broker already listening on sockPath, lets them exchange a
// few messages, then tears everything down in order.
func runActorDemo(sockPath string) error {
	serverClient, err := dialAndStart(sockPath, "server")
	if err != nil {
		return fmt.Errorf("connect server: %w", err)
	}
	defer serverClient.Stop()

	reporterClient, err := dialAndStart(sockPath, "reporter")
	if err != nil {
		return fmt.Errorf("connect reporter: %w", err)
	}
	defer reporterClient.Stop()

	workerClient, err := dialAndStart(sockPath, "worker")
	if err != nil {
		return fmt.Errorf("connect worker: %w", err)
	}
	defer workerClient.Stop()

	server, err := demo.NewServer(serverClient, 300*time.Millisecond, func(body string) {
		fmt.Printf("server received report: %s\n", body)
	})
	if err != nil {
		return fmt.Errorf("start server actor: %w", err)
	}
	reporter := demo.NewReporter(reporterClient, 300*time.Millisecond)
	worker := demo.NewWorker(workerClient, "server", 500*time.Millisecond, func(ok bool) {
		if ok {
			fmt.Println("worker: pinged server successfully")
		} else {
			fmt.Println("worker: failed to ping server")
		}
	})

	server.Start()
	reporter.Start()
	worker.Start()

	time.Sleep(2 * time.Second)

	reporter.Stop()
	server.Stop()
	worker.Stop()
	return nil
}

func dialAndStart(sockPath, name string) (*client.Client, error) {
	conn, err := transport.DialUnix(sockPath)
	if err != nil {
		return nil, err
	}
	c := client.New(conn, name)
	if err := c.Start(context.Background(), 2*time.Second); err != nil {
		return nil, err
	}
	return c, nil
}
