package wrapper_test

import (
	"context"
	"log"
	"time"

	wrapper "github.com/bminer/ws-client-wrapper-go"
	"github.com/bminer/ws-client-wrapper-go/adapters/coder"
)

// This example shows how to connect a Session, print the messages it receives
// and close it again.
func ExampleSession() {
	// A Session needs an address and a factory for the Transports it uses.
	// Adapters for github.com/coder/websocket and github.com/gorilla/websocket
	// are provided.
	session := wrapper.NewSession("ws://localhost:8080/", coder.New)

	// Everything the Session does is reported as an Action.
	session.On(wrapper.ActionMessageReceived, func(a wrapper.Action) {
		log.Println("received:", a.Received)
	})
	session.On(wrapper.ActionConnecting, func(a wrapper.Action) {
		if !a.Success {
			log.Println("connect failed:", a.Error)
		}
	})

	// Start returns once the connection attempt is over. Use Connect instead
	// to block until the connection ends.
	ctx := context.Background()
	done := session.Start(ctx)

	// Tags are not sent; they come back with the ActionMessageSent.
	session.Send(ctx, "Hello, world!", "greeting")

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	session.Close(closeCtx, "bye")
	if err := <-done; err != nil {
		log.Println(err)
	}
}

func ExampleSession_Once() {
	session := wrapper.NewSession("ws://localhost:8080/", coder.New)
	// Once handlers are removed after their first call
	session.Once(wrapper.ActionClosing, func(a wrapper.Action) {
		log.Printf("closed by client: %v, open for %v", a.ByClient, a.OpenDuration)
	})
	if err := session.Connect(context.Background()); err != nil {
		log.Fatal(err)
	}
}
