// Command harness is a synthetic test client for exercising a running relay
// by hand: it can register as an integration or a watcher and send one
// scripted message, printing whatever comes back.
//
// Grounded on _examples/original_source/src/dev/tests/test_harness.py, which
// dials the Intermediary directly with the shared auth token and drives it
// from the outside rather than through unit tests.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Nakashireyumi/neuro-relay/internal/protocol"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:8765", "intermediary host:port")
		authToken = flag.String("token", "super-secret-token", "shared auth token")
		kind      = flag.String("kind", "integration", "peer kind: integration or neuro-os")
		name      = flag.String("name", "harness", "peer name")
		send      = flag.String("send", `{"hello":"world"}`, "raw JSON message to send after registering")
		listen    = flag.Duration("listen", 3*time.Second, "how long to print incoming frames before exiting")
	)
	flag.Parse()

	url := fmt.Sprintf("ws://%s/", *addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()

	peerKind := protocol.PeerIntegration
	if *kind == "neuro-os" {
		peerKind = protocol.PeerNeuroOS
	}

	reg, err := json.Marshal(protocol.Registration{Type: peerKind, Name: *name, AuthToken: *authToken})
	if err != nil {
		log.Fatalf("encoding registration: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reg); err != nil {
		log.Fatalf("sending registration: %v", err)
	}
	log.Printf("registered as %s %q", peerKind, *name)

	if *send != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(*send)); err != nil {
			log.Fatalf("sending message: %v", err)
		}
		log.Printf("sent: %s", *send)
	}

	deadline := time.Now().Add(*listen)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		fmt.Println(string(raw))
	}
}
