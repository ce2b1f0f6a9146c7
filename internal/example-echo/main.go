package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	wrapper "github.com/bminer/ws-client-wrapper-go"
	"github.com/bminer/ws-client-wrapper-go/adapters/coder"
	"github.com/coder/websocket"
)

func main() {
	// Create HTTP handler function that upgrades the HTTP connection to a
	// WebSocket using the github.com/coder/websocket package and echoes every
	// message back.
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// options go here (i.e. cross-origin setting)...
		})
		if err != nil {
			// websocket.Accept already writes the HTTP response
			log.Println("WebSocket connection error:", err)
			return
		}
		defer conn.CloseNow()
		log.Println("WebSocket connection accepted")
		for {
			typ, msg, err := conn.Read(r.Context())
			if err != nil {
				log.Println("WebSocket connection ended:", websocket.CloseStatus(err))
				return
			}
			if err := conn.Write(r.Context(), typ, msg); err != nil {
				return
			}
		}
	})

	// Start the HTTP server
	listener, err := net.Listen("tcp", "localhost:8080")
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		log.Println("Listening on ws://localhost:8080/")
		log.Fatal(http.Serve(listener, h))
	}()

	// Create a Session backed by github.com/coder/websocket and print every
	// action it reports.
	session := wrapper.NewSession("ws://localhost:8080/", coder.New)
	echoed := make(chan struct{})
	session.Subscribe(func(a wrapper.Action) {
		log.Printf("%s success=%v state=%s error=%q", a.Kind, a.Success, a.StateText, a.Error)
	})
	session.Once(wrapper.ActionMessageReceived, func(a wrapper.Action) {
		log.Printf("Response: %s", a.Received)
		close(echoed)
	})

	// Connect in the background and send a message
	ctx := context.Background()
	done := session.Start(ctx)
	log.Println("Sending echo request")
	session.Send(ctx, "Hello, world!")

	select {
	case <-echoed:
	case <-time.After(5 * time.Second):
		log.Fatal("no response")
	}
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	session.Close(closeCtx, "client closed")
	if err := <-done; err != nil {
		log.Fatal(err)
	}
}
