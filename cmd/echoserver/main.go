// Command echoserver runs the RPC server over a real net/http listener,
// registering a handful of methods modeled on the end-to-end scenarios
// in §8 (add, nullReturn/voidReturn, a countTo stream, a counted
// middleware call, and a fan-out channel) so the stack can be
// driven with a browser WebSocket client or echoclient.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/wsrpc/wsrpc/codec"
	"github.com/wsrpc/wsrpc/server"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())
	srv := server.New(server.Config{Logger: log})
	registerMethods(srv)

	var mu sync.Mutex
	conns := make(map[*server.Connection]struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.HandleUpgrade(w, r, server.WithCounter(context.Background()))
		if err != nil {
			log.WithError(err).Warn("upgrade failed")
			return
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		go func() {
			<-conn.Closed()
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	})

	httpSrv := &http.Server{Addr: *addr, Handler: mux}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down, closing all connections")
		mu.Lock()
		var result error
		for conn := range conns {
			if err := conn.Close(1001, errors.New("server shutting down")); err != nil {
				result = multierror.Append(result, err)
			}
		}
		mu.Unlock()
		if result != nil {
			log.WithError(result).Warn("errors closing connections during shutdown")
		}
		_ = httpSrv.Close()
	}()

	log.WithField("addr", *addr).Info("echoserver listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("serve failed")
	}
}

func registerMethods(srv *server.Server) {
	srv.Handle("add", func(ctx context.Context, params []any) (any, error) {
		if len(params) != 2 {
			return nil, server.NewRPCClientError("add expects exactly two arguments")
		}
		a, aok := params[0].(float64)
		b, bok := params[1].(float64)
		if !aok || !bok {
			return nil, server.NewRPCClientError("add expects numeric arguments")
		}
		return a + b, nil
	})

	srv.Handle("nullReturn", func(ctx context.Context, params []any) (any, error) {
		return nil, nil
	})
	srv.Handle("voidReturn", func(ctx context.Context, params []any) (any, error) {
		return server.Void, nil
	})

	srv.Handle("countTo", func(ctx context.Context, params []any) (any, error) {
		n := 5
		if len(params) == 1 {
			if v, ok := params[0].(float64); ok {
				n = int(v)
			}
		}
		seq, sink := codec.NewSequence(8)
		go func() {
			for i := 1; i <= n; i++ {
				if err := sink.Send(context.Background(), float64(i)); err != nil {
					return
				}
			}
			sink.Close()
		}()
		return seq, nil
	})

	srv.Use(server.CounterMiddleware())
	srv.Handle("callCount", func(ctx context.Context, params []any) (any, error) {
		return float64(server.ReadCounter(ctx)), nil
	})

	ch := server.NewChannel[int](16)
	srv.Handle("subscribeCounter", func(ctx context.Context, params []any) (any, error) {
		seq := ch.Subscribe(ctx, func(count int) (int, bool) {
			return count, true
		})
		return seq, nil
	})
	srv.Handle("broadcast", func(ctx context.Context, params []any) (any, error) {
		if len(params) != 1 {
			return nil, server.NewRPCClientError("broadcast expects one argument")
		}
		v, _ := params[0].(float64)
		ch.Push(ctx, int(v))
		return server.Void, nil
	})
}
