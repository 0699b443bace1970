// Command echoclient dials echoserver over a real WebSocket and drives
// add, nullReturn, voidReturn and countTo once and callCount three
// times, printing what comes back. It
// exists to exercise the full stack (wsadapter, client, reconnect,
// subscribe) against a real socket instead of the in-memory adapter the
// test suite uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wsrpc/wsrpc/client"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/rpc", "echoserver URL")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())
	cl := client.New(client.Config{
		URL:    *url,
		Logger: log,
		OnConnection: func(conn *client.Connection) {
			log.Info("connected")
		},
	})
	cl.Start()
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sum, err := cl.Call(ctx, "add", []any{float64(2), float64(3)})
	if err != nil {
		log.WithError(err).Fatal("add failed")
	}
	fmt.Printf("add(2, 3) = %v\n", sum)

	if _, err := cl.Call(ctx, "nullReturn", nil); err != nil {
		log.WithError(err).Fatal("nullReturn failed")
	}
	fmt.Println("nullReturn() = <nil>")

	void, err := cl.Call(ctx, "voidReturn", nil)
	if err != nil {
		log.WithError(err).Fatal("voidReturn failed")
	}
	fmt.Printf("voidReturn() = %v\n", void)

	fmt.Println("countTo(5):")
	err = cl.Subscribe(ctx, "countTo", []any{float64(5)}, func(v any) error {
		fmt.Printf("  %v\n", v)
		return nil
	}, client.SubscribeOptions{})
	if err != nil {
		log.WithError(err).Fatal("countTo subscribe failed")
	}

	for i := 0; i < 3; i++ {
		n, err := cl.Call(ctx, "callCount", nil)
		if err != nil {
			log.WithError(err).Fatal("callCount failed")
		}
		fmt.Printf("callCount() = %v\n", n)
	}
}
